// =============================================================================
// 文件: internal/capture/capture_test.go
// =============================================================================
package capture

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/mrcgq/fragkit/internal/config"
	"github.com/mrcgq/fragkit/internal/dissect"
	"github.com/mrcgq/fragkit/internal/reassembly"
)

type kindCounter map[reassembly.Kind]int

func (k kindCounter) RecordFrame(kind reassembly.Kind) { k[kind]++ }

func samplePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.pcap")
	n, err := Generate(path, SampleOptions{Ports: config.DefaultConfig().Capture.Ports})
	if err != nil {
		t.Fatalf("生成样例失败: %v", err)
	}
	if n != 24 {
		t.Errorf("样例报文数 = %d, want 24", n)
	}
	return path
}

func TestReplaySample(t *testing.T) {
	path := samplePath(t)
	ports := NewPortMap(config.DefaultConfig().Capture.Ports)
	session := dissect.NewSession("sample", dissect.Options{Table: reassembly.DefaultOptions()}, nil)

	r := NewReplayer(ports, session, nil)
	counter := kindCounter{}
	r.SetObserver(counter)

	first, err := r.Run(context.Background(), path, true)
	if err != nil {
		t.Fatalf("首遍回放失败: %v", err)
	}

	t.Run("首遍", func(t *testing.T) {
		if first.Packets != 24 || first.Skipped != 1 || first.Frames != 23 {
			t.Errorf("报文统计错误: %+v", first)
		}
		if first.Deliveries != SampleDeliveries {
			t.Errorf("交付数 = %d, want %d", first.Deliveries, SampleDeliveries)
		}
		if first.Errors != 0 {
			t.Errorf("不应有解析错误: %d", first.Errors)
		}
		if counter[reassembly.KindPBADV] != 9 || counter[reassembly.KindProxy] != 5 || counter[reassembly.KindDNP3] != 9 {
			t.Errorf("按类型计数错误: %v", counter)
		}
		if st := session.ReassemblyStats(); st.Pending != 0 || st.Duplicates != 1 {
			t.Errorf("重组统计错误: %+v", st)
		}
	})

	t.Run("第二遍只查询", func(t *testing.T) {
		second, err := r.Run(context.Background(), path, false)
		if err != nil {
			t.Fatalf("第二遍回放失败: %v", err)
		}
		if second.Deliveries != first.Deliveries || second.Errors != 0 {
			t.Errorf("第二遍结果与首遍不一致: %+v", second)
		}
		if counter[reassembly.KindDNP3] != 9 {
			t.Error("第二遍不应重复计数")
		}
	})

	if got := r.GetStats()["passes"].(uint64); got != 2 {
		t.Errorf("passes = %d", got)
	}
}

func TestReplayErrors(t *testing.T) {
	ports := NewPortMap(config.DefaultConfig().Capture.Ports)
	session := dissect.NewSession("err", dissect.Options{Table: reassembly.DefaultOptions()}, nil)
	r := NewReplayer(ports, session, nil)

	t.Run("文件不存在", func(t *testing.T) {
		if _, err := r.Run(context.Background(), "/nonexistent.pcap", true); err == nil {
			t.Error("应该报错")
		}
	})

	t.Run("不是 pcap", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.pcap")
		os.WriteFile(path, []byte("not a capture file at all"), 0644)
		if _, err := r.Run(context.Background(), path, true); err == nil {
			t.Error("应该报错")
		}
	})

	t.Run("上下文取消", func(t *testing.T) {
		path := samplePath(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := r.Run(ctx, path, true); !errors.Is(err, context.Canceled) {
			t.Errorf("应返回 context.Canceled: %v", err)
		}
	})

	t.Run("未访问帧的第二遍", func(t *testing.T) {
		fresh := NewReplayer(ports, dissect.NewSession("fresh", dissect.Options{Table: reassembly.DefaultOptions()}, nil), nil)
		sum, err := fresh.Run(context.Background(), samplePath(t), false)
		if err != nil {
			t.Fatalf("回放失败: %v", err)
		}
		if sum.Errors != sum.Frames || sum.Deliveries != 0 {
			t.Errorf("未访问帧应逐帧报错: %+v", sum)
		}
	})
}

func buildPacket(t *testing.T, src, dst uint16, tcp bool) gopacket.Packet {
	t.Helper()
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload([]byte{0x01, 0x02, 0x03})

	var err error
	if tcp {
		ip.Protocol = layers.IPProtocolTCP
		l := &layers.TCP{SrcPort: layers.TCPPort(src), DstPort: layers.TCPPort(dst), ACK: true, Window: 1024}
		l.SetNetworkLayerForChecksum(ip)
		err = gopacket.SerializeLayers(buf, opts, eth, ip, l, payload)
	} else {
		ip.Protocol = layers.IPProtocolUDP
		l := &layers.UDP{SrcPort: layers.UDPPort(src), DstPort: layers.UDPPort(dst)}
		l.SetNetworkLayerForChecksum(ip)
		err = gopacket.SerializeLayers(buf, opts, eth, ip, l, payload)
	}
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestClassify(t *testing.T) {
	ports := NewPortMap(config.PortsConfig{PBADV: []int{8891}, Proxy: []int{8892}, DNP3: []int{20000}})

	tests := []struct {
		name     string
		src, dst uint16
		tcp      bool
		ok       bool
		kind     reassembly.Kind
		side     reassembly.Side
	}{
		{"PB-ADV 发往端口", 5000, 8891, false, true, reassembly.KindPBADV, reassembly.SideClient},
		{"Proxy 来自端口", 8892, 5000, false, true, reassembly.KindProxy, reassembly.SideServer},
		{"DNP3 主站请求", 40000, 20000, true, true, reassembly.KindDNP3, reassembly.SideClient},
		{"DNP3 端口走 UDP", 40000, 20000, false, false, 0, 0},
		{"PB-ADV 端口走 TCP", 5000, 8891, true, false, 0, 0},
		{"未映射端口", 5000, 53, false, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := ports.Classify(buildPacket(t, tt.src, tt.dst, tt.tcp))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if f.Kind != tt.kind || f.Side != tt.side {
				t.Errorf("分类错误: kind=%v side=%v", f.Kind, f.Side)
			}
			if len(f.Payload) != 3 {
				t.Errorf("负载长度 = %d", len(f.Payload))
			}
		})
	}

	t.Run("流标识稳定", func(t *testing.T) {
		a, _ := ports.Classify(buildPacket(t, 40000, 20000, true))
		b, _ := ports.Classify(buildPacket(t, 40000, 20000, true))
		c, _ := ports.Classify(buildPacket(t, 40001, 20000, true))
		if a.Stream != b.Stream {
			t.Error("同一连接流标识应稳定")
		}
		if a.Stream == c.Stream {
			t.Error("不同源端口应得到不同流标识")
		}
	})
}
