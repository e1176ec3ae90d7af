// =============================================================================
// 文件: internal/bearer/pbadv.go
// 描述: BT Mesh PB-ADV 承载 PDU 解析与构建
//       格式: LinkID(4) + TransactionNumber(1) + Generic Provisioning PDU
// =============================================================================
package bearer

import (
	"encoding/binary"
	"fmt"
)

// Generic Provisioning Control Format
const (
	GPCFTransactionStart        = 0x00
	GPCFTransactionAck          = 0x01
	GPCFTransactionContinuation = 0x02
	GPCFBearerControl           = 0x03
)

// Provisioning Bearer Control 操作码
const (
	BearerOpLinkOpen  = 0x00
	BearerOpLinkAck   = 0x01
	BearerOpLinkClose = 0x02
)

const (
	// PBADVHeaderSize LinkID(4) + TransactionNumber(1)
	PBADVHeaderSize = 5
	// TransactionStartHeaderSize GPC(1) + TotalLength(2) + FCS(1)
	TransactionStartHeaderSize = 4
	// DeviceUUIDSize Link Open 携带的设备 UUID
	DeviceUUIDSize = 16
)

// PBADVPDU 解析后的 PB-ADV PDU
type PBADVPDU struct {
	LinkID      uint32
	Transaction uint8
	GPCF        uint8

	// Transaction Start
	SegN        uint8
	TotalLength uint16
	FCS         uint8

	// Transaction Continuation
	SegmentIndex uint8

	// Bearer Control
	Opcode      uint8
	DeviceUUID  []byte
	CloseReason uint8

	Data []byte
}

// IsSegment 是否为需要重组的分段
func (p *PBADVPDU) IsSegment() bool {
	return p.GPCF == GPCFTransactionStart || p.GPCF == GPCFTransactionContinuation
}

// ParsePBADV 解析 PB-ADV PDU
func ParsePBADV(data []byte) (*PBADVPDU, error) {
	if len(data) < PBADVHeaderSize+1 {
		return nil, fmt.Errorf("PB-ADV PDU 太短: %d", len(data))
	}

	p := &PBADVPDU{
		LinkID:      binary.BigEndian.Uint32(data[0:4]),
		Transaction: data[4],
	}
	gpc := data[PBADVHeaderSize]
	p.GPCF = gpc & 0x03
	body := data[PBADVHeaderSize:]

	switch p.GPCF {
	case GPCFTransactionStart:
		if len(body) < TransactionStartHeaderSize {
			return nil, fmt.Errorf("Transaction Start 太短: %d", len(body))
		}
		p.SegN = gpc >> 2
		p.TotalLength = binary.BigEndian.Uint16(body[1:3])
		p.FCS = body[3]
		p.Data = body[TransactionStartHeaderSize:]

	case GPCFTransactionAck:
		// 仅一个控制字节

	case GPCFTransactionContinuation:
		p.SegmentIndex = gpc >> 2
		p.Data = body[1:]

	case GPCFBearerControl:
		p.Opcode = gpc >> 2
		switch p.Opcode {
		case BearerOpLinkOpen:
			if len(body) < 1+DeviceUUIDSize {
				return nil, fmt.Errorf("Link Open 太短: %d", len(body))
			}
			p.DeviceUUID = body[1 : 1+DeviceUUIDSize]
		case BearerOpLinkAck:
		case BearerOpLinkClose:
			if len(body) < 2 {
				return nil, fmt.Errorf("Link Close 缺少原因码")
			}
			p.CloseReason = body[1]
		default:
			return nil, fmt.Errorf("未知承载控制操作码: 0x%02X", p.Opcode)
		}
	}

	return p, nil
}

// BuildPBADVStart 构建 Transaction Start
func BuildPBADVStart(linkID uint32, trans, segN uint8, total uint16, fcs uint8, data []byte) []byte {
	pdu := make([]byte, PBADVHeaderSize+TransactionStartHeaderSize+len(data))
	binary.BigEndian.PutUint32(pdu[0:4], linkID)
	pdu[4] = trans
	pdu[5] = segN<<2 | GPCFTransactionStart
	binary.BigEndian.PutUint16(pdu[6:8], total)
	pdu[8] = fcs
	copy(pdu[9:], data)
	return pdu
}

// BuildPBADVContinuation 构建 Transaction Continuation
func BuildPBADVContinuation(linkID uint32, trans, index uint8, data []byte) []byte {
	pdu := make([]byte, PBADVHeaderSize+1+len(data))
	binary.BigEndian.PutUint32(pdu[0:4], linkID)
	pdu[4] = trans
	pdu[5] = index<<2 | GPCFTransactionContinuation
	copy(pdu[6:], data)
	return pdu
}

// BuildPBADVAck 构建 Transaction Ack
func BuildPBADVAck(linkID uint32, trans uint8) []byte {
	pdu := make([]byte, PBADVHeaderSize+1)
	binary.BigEndian.PutUint32(pdu[0:4], linkID)
	pdu[4] = trans
	pdu[5] = GPCFTransactionAck
	return pdu
}

// BuildPBADVLinkOpen 构建 Link Open
func BuildPBADVLinkOpen(linkID uint32, uuid [DeviceUUIDSize]byte) []byte {
	pdu := make([]byte, PBADVHeaderSize+1+DeviceUUIDSize)
	binary.BigEndian.PutUint32(pdu[0:4], linkID)
	pdu[5] = BearerOpLinkOpen<<2 | GPCFBearerControl
	copy(pdu[6:], uuid[:])
	return pdu
}

// SegmentPBADV 把一个 Provisioning PDU 切分为完整的 PB-ADV PDU 序列
func SegmentPBADV(linkID uint32, trans uint8, msg []byte, first int, rest int) [][]byte {
	if first > len(msg) {
		first = len(msg)
	}
	var conts [][]byte
	for off := first; off < len(msg); off += rest {
		end := off + rest
		if end > len(msg) {
			end = len(msg)
		}
		conts = append(conts, msg[off:end])
	}

	pdus := [][]byte{BuildPBADVStart(linkID, trans, uint8(len(conts)), uint16(len(msg)), FCS8(msg), msg[:first])}
	for i, c := range conts {
		pdus = append(pdus, BuildPBADVContinuation(linkID, trans, uint8(i+1), c))
	}
	return pdus
}
