// =============================================================================
// 文件: internal/bearer/proxy.go
// 描述: BT Mesh Proxy PDU 解析与构建 - SAR(2) + MessageType(6) + Data
// =============================================================================
package bearer

import (
	"fmt"

	"github.com/mrcgq/fragkit/internal/segmentation"
)

// SAR 分段标记
const (
	SARComplete     = 0x00
	SARFirst        = 0x01
	SARContinuation = 0x02
	SARLast         = 0x03
)

// Proxy 消息类型
const (
	ProxyTypeNetworkPDU   = 0x00
	ProxyTypeMeshBeacon   = 0x01
	ProxyTypeConfig       = 0x02
	ProxyTypeProvisioning = 0x03
)

// ProxyPDU 解析后的 Proxy PDU
type ProxyPDU struct {
	SAR         uint8
	MessageType uint8
	Data        []byte
}

// ParseProxy 解析 Proxy PDU
func ParseProxy(data []byte) (*ProxyPDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("Proxy PDU 为空")
	}
	return &ProxyPDU{
		SAR:         data[0] >> 6,
		MessageType: data[0] & 0x3F,
		Data:        data[1:],
	}, nil
}

// BuildProxy 构建 Proxy PDU
func BuildProxy(sar, msgType uint8, data []byte) []byte {
	pdu := make([]byte, 1+len(data))
	pdu[0] = sar<<6 | msgType&0x3F
	copy(pdu[1:], data)
	return pdu
}

// SegmentProxy 按 MTU 切分 (每段数据最多 size 字节)
func SegmentProxy(msgType uint8, msg []byte, size int) [][]byte {
	parts := segmentation.SplitFixed(msg, size)
	if len(parts) == 1 {
		return [][]byte{BuildProxy(SARComplete, msgType, msg)}
	}

	pdus := make([][]byte, 0, len(parts))
	for i, p := range parts {
		sar := uint8(SARContinuation)
		switch i {
		case 0:
			sar = SARFirst
		case len(parts) - 1:
			sar = SARLast
		}
		pdus = append(pdus, BuildProxy(sar, msgType, p))
	}
	return pdus
}

// ProxyTypeName 消息类型名称
func ProxyTypeName(t uint8) string {
	switch t {
	case ProxyTypeNetworkPDU:
		return "Network PDU"
	case ProxyTypeMeshBeacon:
		return "Mesh Beacon"
	case ProxyTypeConfig:
		return "Proxy Configuration"
	case ProxyTypeProvisioning:
		return "Provisioning PDU"
	default:
		return fmt.Sprintf("Reserved(0x%02X)", t)
	}
}
