// =============================================================================
// 文件: internal/handoff/decoders.go
// 描述: 内置摘要解码器 - 配网 PDU / Proxy 消息 / DNP3 应用层头
//       只识别类型与长度，完整字段解析不在这里做
// =============================================================================
package handoff

import (
	"errors"
	"fmt"

	"github.com/mrcgq/fragkit/internal/bearer"
)

var ErrEmptyMessage = errors.New("消息为空")

// 配网 PDU 类型
const (
	ProvInvite        = 0x00
	ProvCapabilities  = 0x01
	ProvStart         = 0x02
	ProvPublicKey     = 0x03
	ProvInputComplete = 0x04
	ProvConfirmation  = 0x05
	ProvRandom        = 0x06
	ProvData          = 0x07
	ProvComplete      = 0x08
	ProvFailed        = 0x09
	ProvRecordRequest = 0x0A
	ProvRecordResp    = 0x0B
	ProvRecordsGet    = 0x0C
	ProvRecordsList   = 0x0D
)

type provInfo struct {
	name   string
	params []int // 合法参数长度，nil 表示不检查
}

var provTypes = map[uint8]provInfo{
	ProvInvite:        {"Provisioning Invite", []int{1}},
	ProvCapabilities:  {"Provisioning Capabilities", []int{11}},
	ProvStart:         {"Provisioning Start", []int{5}},
	ProvPublicKey:     {"Provisioning Public Key", []int{64}},
	ProvInputComplete: {"Provisioning Input Complete", []int{0}},
	ProvConfirmation:  {"Provisioning Confirmation", []int{16, 32}},
	ProvRandom:        {"Provisioning Random", []int{16, 32}},
	ProvData:          {"Provisioning Data", []int{33}},
	ProvComplete:      {"Provisioning Complete", []int{0}},
	ProvFailed:        {"Provisioning Failed", []int{1}},
	ProvRecordRequest: {"Provisioning Record Request", []int{6}},
	ProvRecordResp:    {"Provisioning Record Response", nil},
	ProvRecordsGet:    {"Provisioning Records Get", []int{0}},
	ProvRecordsList:   {"Provisioning Records List", nil},
}

func summarizeProvisioning(data []byte) (*Decoded, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	t := data[0] & 0x3F
	params := len(data) - 1
	out := &Decoded{Attrs: map[string]any{"pdu_type": t, "param_len": params}}

	info, ok := provTypes[t]
	if !ok {
		out.Type = fmt.Sprintf("Provisioning RFU(0x%02X)", t)
		out.Summary = fmt.Sprintf("%s, %d 字节参数", out.Type, params)
		return out, nil
	}

	out.Type = info.name
	if info.params != nil {
		lenOK := false
		for _, n := range info.params {
			if n == params {
				lenOK = true
			}
		}
		out.Attrs["param_len_ok"] = lenOK
	}
	out.Summary = fmt.Sprintf("%s, %d 字节参数", info.name, params)
	return out, nil
}

// DecodeProvisioning PB-ADV 承载上的配网 PDU
func DecodeProvisioning(d Delivery) (*Decoded, error) {
	out, err := summarizeProvisioning(d.Data)
	if err != nil {
		return nil, err
	}
	if d.FCSKnown {
		got := bearer.FCS8(d.Data)
		out.Attrs["fcs_ok"] = got == d.FCS
		if got != d.FCS {
			out.Summary += fmt.Sprintf(" [FCS 错误: 0x%02X != 0x%02X]", got, d.FCS)
		}
	}
	return out, nil
}

// DecodeProxy Proxy 消息，配网类型转交配网摘要
func DecodeProxy(d Delivery) (*Decoded, error) {
	if d.MessageType == bearer.ProxyTypeProvisioning {
		out, err := summarizeProvisioning(d.Data)
		if err != nil {
			return nil, err
		}
		out.Attrs["message_type"] = d.MessageType
		return out, nil
	}

	name := bearer.ProxyTypeName(d.MessageType)
	return &Decoded{
		Type:    name,
		Summary: fmt.Sprintf("%s, %d 字节", name, len(d.Data)),
		Attrs:   map[string]any{"message_type": d.MessageType},
	}, nil
}

// DNP3 应用层控制字
const (
	AppFIR = 0x80
	AppFIN = 0x40
	AppCON = 0x20
	AppUNS = 0x10
	AppSeq = 0x0F
)

var dnp3Functions = map[uint8]string{
	0x00: "Confirm",
	0x01: "Read",
	0x02: "Write",
	0x03: "Select",
	0x04: "Operate",
	0x05: "Direct Operate",
	0x06: "Direct Operate No Ack",
	0x07: "Immediate Freeze",
	0x08: "Immediate Freeze No Ack",
	0x09: "Freeze Clear",
	0x0A: "Freeze Clear No Ack",
	0x0D: "Cold Restart",
	0x0E: "Warm Restart",
	0x0F: "Initialize Data",
	0x10: "Initialize Application",
	0x11: "Start Application",
	0x12: "Stop Application",
	0x14: "Enable Unsolicited",
	0x15: "Disable Unsolicited",
	0x16: "Assign Class",
	0x17: "Delay Measure",
	0x18: "Record Current Time",
	0x19: "Open File",
	0x1A: "Close File",
	0x1B: "Delete File",
	0x20: "Authenticate Request",
	0x81: "Response",
	0x82: "Unsolicited Response",
	0x83: "Authentication Response",
}

// DecodeDNP3 DNP3 应用层头摘要
func DecodeDNP3(d Delivery) (*Decoded, error) {
	if len(d.Data) < 2 {
		return nil, fmt.Errorf("应用层报文太短: %d", len(d.Data))
	}

	ctrl, fc := d.Data[0], d.Data[1]
	name, ok := dnp3Functions[fc]
	if !ok {
		name = fmt.Sprintf("Unknown(0x%02X)", fc)
	}

	out := &Decoded{
		Type: name,
		Attrs: map[string]any{
			"function": fc,
			"fir":      ctrl&AppFIR != 0,
			"fin":      ctrl&AppFIN != 0,
			"con":      ctrl&AppCON != 0,
			"uns":      ctrl&AppUNS != 0,
			"seq":      ctrl & AppSeq,
		},
	}

	objects := len(d.Data) - 2
	if fc >= 0x81 && fc <= 0x83 {
		if len(d.Data) < 4 {
			return nil, fmt.Errorf("响应报文缺少 IIN: %d", len(d.Data))
		}
		out.Attrs["iin"] = uint16(d.Data[2])<<8 | uint16(d.Data[3])
		objects -= 2
	}
	out.Summary = fmt.Sprintf("%s seq=%d, %d 字节对象", name, ctrl&AppSeq, objects)
	return out, nil
}
