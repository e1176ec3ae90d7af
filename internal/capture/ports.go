// =============================================================================
// 文件: internal/capture/ports.go
// 描述: 抓包分类 - 按端口把 UDP/TCP 负载映射到承载类型和方向
// =============================================================================
package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/mrcgq/fragkit/internal/config"
	"github.com/mrcgq/fragkit/internal/dissect"
	"github.com/mrcgq/fragkit/internal/reassembly"
)

// PortMap 端口映射
type PortMap struct {
	udp map[uint16]reassembly.Kind
	tcp map[uint16]reassembly.Kind
}

// NewPortMap 从配置创建端口映射
func NewPortMap(p config.PortsConfig) *PortMap {
	m := &PortMap{
		udp: make(map[uint16]reassembly.Kind),
		tcp: make(map[uint16]reassembly.Kind),
	}
	for _, port := range p.PBADV {
		m.udp[uint16(port)] = reassembly.KindPBADV
	}
	for _, port := range p.Proxy {
		m.udp[uint16(port)] = reassembly.KindProxy
	}
	for _, port := range p.DNP3 {
		m.tcp[uint16(port)] = reassembly.KindDNP3
	}
	return m
}

// Classify 把一个报文转换为待解析帧
//
// 发往映射端口的报文视为客户端方向，从映射端口发出的视为服务端方向。
// Stream 取网络层和传输层五元组的对称哈希，同一连接两个方向相同。
// Number 和 Timestamp 由调用方填写。
func (m *PortMap) Classify(packet gopacket.Packet) (dissect.Frame, bool) {
	var (
		src, dst uint16
		payload  []byte
		ports    map[uint16]reassembly.Kind
	)

	switch t := packet.TransportLayer().(type) {
	case *layers.UDP:
		src, dst, payload, ports = uint16(t.SrcPort), uint16(t.DstPort), t.Payload, m.udp
	case *layers.TCP:
		src, dst, payload, ports = uint16(t.SrcPort), uint16(t.DstPort), t.Payload, m.tcp
	default:
		return dissect.Frame{}, false
	}
	if len(payload) == 0 {
		return dissect.Frame{}, false
	}

	var (
		kind reassembly.Kind
		side reassembly.Side
	)
	if k, ok := ports[dst]; ok {
		kind, side = k, reassembly.SideClient
	} else if k, ok := ports[src]; ok {
		kind, side = k, reassembly.SideServer
	} else {
		return dissect.Frame{}, false
	}

	return dissect.Frame{
		Kind:    kind,
		Side:    side,
		Stream:  flowStream(packet),
		Payload: payload,
	}, true
}

func flowStream(packet gopacket.Packet) uint32 {
	var h uint64
	if nl := packet.NetworkLayer(); nl != nil {
		h = nl.NetworkFlow().FastHash()
	}
	if tl := packet.TransportLayer(); tl != nil {
		h ^= tl.TransportFlow().FastHash() * 0x9E3779B97F4A7C15
	}
	return uint32(h ^ h>>32)
}
