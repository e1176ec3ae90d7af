// =============================================================================
// 文件: internal/capture/generate.go
// 描述: 样例抓包生成 - 覆盖 PB-ADV / Proxy / DNP3 三种分片场景
// =============================================================================
package capture

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/mrcgq/fragkit/internal/bearer"
	"github.com/mrcgq/fragkit/internal/config"
	"github.com/mrcgq/fragkit/internal/handoff"
)

// SampleDeliveries 样例抓包首遍应产生的交付数
const SampleDeliveries = 6

// SampleOptions 样例参数
type SampleOptions struct {
	Ports    config.PortsConfig
	Start    time.Time
	Interval time.Duration
}

type endpoint struct {
	mac  net.HardwareAddr
	ip   net.IP
	port uint16
}

var (
	provisioner = endpoint{mac: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}, ip: net.IPv4(10, 0, 0, 1), port: 41000}
	device      = endpoint{mac: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}, ip: net.IPv4(10, 0, 0, 2), port: 41001}
	master      = endpoint{mac: net.HardwareAddr{0x02, 0, 0, 0, 1, 0x01}, ip: net.IPv4(10, 0, 1, 1), port: 40000}
	outstation  = endpoint{mac: net.HardwareAddr{0x02, 0, 0, 0, 1, 0x02}, ip: net.IPv4(10, 0, 1, 2)}
)

type sampleWriter struct {
	w    *pcapgo.Writer
	at   time.Time
	step time.Duration
	n    int

	tcpSeq map[uint16]uint32
}

func (s *sampleWriter) write(ls ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return fmt.Errorf("序列化报文失败: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     s.at,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := s.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("写入报文失败: %w", err)
	}
	s.at = s.at.Add(s.step)
	s.n++
	return nil
}

func (s *sampleWriter) link(src, dst endpoint) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{SrcMAC: src.mac, DstMAC: dst.mac, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: src.ip, DstIP: dst.ip}
	return eth, ip
}

func (s *sampleWriter) udp(src, dst endpoint, payload []byte) error {
	eth, ip := s.link(src, dst)
	ip.Protocol = layers.IPProtocolUDP
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.port), DstPort: layers.UDPPort(dst.port)}
	udp.SetNetworkLayerForChecksum(ip)
	return s.write(eth, ip, udp, gopacket.Payload(payload))
}

func (s *sampleWriter) tcp(src, dst endpoint, payload []byte) error {
	eth, ip := s.link(src, dst)
	ip.Protocol = layers.IPProtocolTCP
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.port),
		DstPort: layers.TCPPort(dst.port),
		Seq:     s.tcpSeq[src.port],
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	s.tcpSeq[src.port] += uint32(len(payload))
	return s.write(eth, ip, tcp, gopacket.Payload(payload))
}

// Generate 写出样例抓包，返回报文数
//
// 内容: PB-ADV 链路建立和两条乱序/重传的公钥交换，
// Proxy 分段的配网 PDU 和一条完整网络 PDU，
// DNP3 主站读请求和 600 字节的分片响应，以及一条不在映射内的 UDP 报文。
func Generate(path string, opts SampleOptions) (int, error) {
	if len(opts.Ports.PBADV) == 0 || len(opts.Ports.Proxy) == 0 || len(opts.Ports.DNP3) == 0 {
		return 0, fmt.Errorf("样例需要 pbadv/proxy/dnp3 端口各至少一个")
	}
	if opts.Start.IsZero() {
		opts.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Millisecond
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("创建样例文件失败: %w", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return 0, fmt.Errorf("写入 pcap 文件头失败: %w", err)
	}

	s := &sampleWriter{w: w, at: opts.Start, step: opts.Interval, tcpSeq: make(map[uint16]uint32)}
	pbadvPort := endpoint{mac: device.mac, ip: device.ip, port: uint16(opts.Ports.PBADV[0])}
	proxyPort := endpoint{mac: device.mac, ip: device.ip, port: uint16(opts.Ports.Proxy[0])}
	dnp3Port := outstation
	dnp3Port.port = uint16(opts.Ports.DNP3[0])

	steps := []func() error{
		func() error { return writePBADV(s, pbadvPort) },
		func() error { return writeProxy(s, proxyPort) },
		func() error { return writeDNP3(s, dnp3Port) },
		func() error {
			dns := endpoint{mac: device.mac, ip: device.ip, port: 53}
			return s.udp(provisioner, dns, []byte{0x12, 0x34, 0x01, 0x00})
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return s.n, err
		}
	}
	return s.n, f.Sync()
}

func publicKey(seed byte) []byte {
	msg := make([]byte, 65)
	msg[0] = handoff.ProvPublicKey
	for i := 1; i < len(msg); i++ {
		msg[i] = byte(i)*seed + seed
	}
	return msg
}

func writePBADV(s *sampleWriter, port endpoint) error {
	const linkID = 0x0A0B0C0D
	var uuid [bearer.DeviceUUIDSize]byte
	copy(uuid[:], "fragkit-sample-0")

	if err := s.udp(provisioner, port, bearer.BuildPBADVLinkOpen(linkID, uuid)); err != nil {
		return err
	}

	// 配网者公钥: 起始段, 第二段, 第二段重传, 第一段
	segs := bearer.SegmentPBADV(linkID, 0x00, publicKey(3), 20, 23)
	for _, i := range []int{0, 2, 2, 1} {
		if err := s.udp(provisioner, port, segs[i]); err != nil {
			return err
		}
	}
	if err := s.udp(provisioner, port, bearer.BuildPBADVAck(linkID, 0x00)); err != nil {
		return err
	}

	// 设备公钥，顺序到达
	for _, seg := range bearer.SegmentPBADV(linkID, 0x80, publicKey(5), 20, 23) {
		if err := s.udp(provisioner, port, seg); err != nil {
			return err
		}
	}
	return nil
}

func writeProxy(s *sampleWriter, port endpoint) error {
	for _, pdu := range bearer.SegmentProxy(bearer.ProxyTypeProvisioning, publicKey(7), 20) {
		if err := s.udp(provisioner, port, pdu); err != nil {
			return err
		}
	}

	network := make([]byte, 20)
	for i := range network {
		network[i] = byte(0xA0 + i)
	}
	return s.udp(port, provisioner, bearer.BuildProxy(bearer.SARComplete, bearer.ProxyTypeNetworkPDU, network))
}

func writeDNP3(s *sampleWriter, port endpoint) error {
	const masterAddr, outstationAddr = 3, 4

	// 读请求: class 1/2/3 数据
	read := []byte{0xC1, 0x01, 0x3C, 0x02, 0x06, 0x3C, 0x03, 0x06, 0x3C, 0x04, 0x06}
	for _, seg := range bearer.BuildTransportSegments(read, 0, 249) {
		frame, err := bearer.BuildLinkFrame(bearer.LinkDIR|bearer.LinkPRM|bearer.LinkFuncUnconfirmedUserData, outstationAddr, masterAddr, seg)
		if err != nil {
			return err
		}
		if err := s.tcp(master, port, frame); err != nil {
			return err
		}
	}

	resp := make([]byte, 600)
	resp[0], resp[1] = 0xC1, 0x81
	for i := 4; i < len(resp); i++ {
		resp[i] = byte(i)
	}
	var stream []byte
	for _, seg := range bearer.BuildTransportSegments(resp, 0, 249) {
		frame, err := bearer.BuildLinkFrame(bearer.LinkPRM|bearer.LinkFuncUnconfirmedUserData, masterAddr, outstationAddr, seg)
		if err != nil {
			return err
		}
		stream = append(stream, frame...)
	}
	for off := 0; off < len(stream); off += 100 {
		end := off + 100
		if end > len(stream) {
			end = len(stream)
		}
		if err := s.tcp(port, master, stream[off:end]); err != nil {
			return err
		}
	}
	return nil
}
