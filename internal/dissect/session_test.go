// =============================================================================
// 文件: internal/dissect/session_test.go
// 描述: 解析会话测试 - 两遍解析、乱序、畸形输入与各承载端到端
// =============================================================================
package dissect

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/mrcgq/fragkit/internal/bearer"
	"github.com/mrcgq/fragkit/internal/dedup"
	"github.com/mrcgq/fragkit/internal/handoff"
	"github.com/mrcgq/fragkit/internal/reassembly"
	"github.com/mrcgq/fragkit/internal/segmentation"
)

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

// provisioningPDU 生成一个 Public Key PDU (1 + 64 字节)
func provisioningPDU() []byte {
	msg := make([]byte, 65)
	msg[0] = handoff.ProvPublicKey
	for i := 1; i < len(msg); i++ {
		msg[i] = byte(i * 7)
	}
	return msg
}

func pbadvFrames(linkID uint32, trans uint8, msg []byte, start uint64) []Frame {
	var frames []Frame
	for i, raw := range bearer.SegmentPBADV(linkID, trans, msg, 20, 23) {
		frames = append(frames, Frame{
			Number:    start + uint64(i),
			Timestamp: t0.Add(time.Duration(i) * time.Millisecond),
			Kind:      reassembly.KindPBADV,
			Payload:   raw,
		})
	}
	return frames
}

func dissectAll(t *testing.T, s *Session, frames []Frame, first bool) []*Outcome {
	t.Helper()
	var outs []*Outcome
	for _, f := range frames {
		out, err := s.Dissect(f, first)
		if err != nil {
			t.Fatalf("帧 #%d 解析失败: %v", f.Number, err)
		}
		outs = append(outs, out)
	}
	return outs
}

func delivered(outs []*Outcome) []*handoff.Decoded {
	var all []*handoff.Decoded
	for _, o := range outs {
		all = append(all, o.Delivered()...)
	}
	return all
}

func TestPBADVTwoPass(t *testing.T) {
	s := NewSession("test", Options{Table: reassembly.DefaultOptions()}, nil)
	msg := provisioningPDU()
	frames := pbadvFrames(0x11223344, 0, msg, 1)
	if len(frames) != 3 {
		t.Fatalf("帧数 = %d, want 3", len(frames))
	}

	outs := dissectAll(t, s, frames, true)
	got := delivered(outs)
	if len(got) != 1 {
		t.Fatalf("交付次数 = %d, want 1", len(got))
	}
	if !bytes.Equal(got[0].Delivery.Data, msg) {
		t.Error("重组结果与原消息不一致")
	}
	if got[0].Type != "Provisioning Public Key" || got[0].Attrs["fcs_ok"] != true || got[0].Attrs["fragmented"] != true {
		t.Errorf("解码结果错误: %+v", got[0])
	}

	fragments := s.GetStats()["fragments"].(uint64)

	t.Run("第二遍只查询", func(t *testing.T) {
		again := dissectAll(t, s, frames, false)
		if len(delivered(again)) != 1 {
			t.Error("第二遍应返回缓存的交付结果")
		}
		if s.GetStats()["fragments"].(uint64) != fragments {
			t.Error("第二遍不应插入分片")
		}
		if s.GetStats()["deliveries"].(uint64) != 1 {
			t.Error("第二遍不应重复交付")
		}
	})

	t.Run("首遍重复调用", func(t *testing.T) {
		out, _ := s.Dissect(frames[0], true)
		if out != outs[0] {
			t.Error("已访问的报文应返回缓存结果")
		}
	})

	t.Run("未访问报文", func(t *testing.T) {
		if _, err := s.Dissect(Frame{Number: 999, Kind: reassembly.KindPBADV}, false); !errors.Is(err, ErrNotVisited) {
			t.Errorf("应返回 ErrNotVisited: %v", err)
		}
	})

	snap, ok := s.Lookup(reassembly.PBADVKey(0x11223344, 0))
	if !ok || snap.State != reassembly.StateConsumed || !bytes.Equal(snap.Data, msg) {
		t.Errorf("Lookup 结果错误: %+v", snap)
	}
}

func TestPBADVOutOfOrder(t *testing.T) {
	s := NewSession("ooo", Options{Table: reassembly.DefaultOptions()}, nil)
	msg := provisioningPDU()
	frames := pbadvFrames(1, 5, msg, 1)

	// 起始分片最后到达
	order := []Frame{frames[1], frames[2], frames[0]}
	outs := dissectAll(t, s, order, true)

	for i := 0; i < 2; i++ {
		if outs[i].Items[0].State != reassembly.StateAwaitingFirst {
			t.Errorf("第 %d 个后续分片状态 = %s", i, outs[i].Items[0].State)
		}
	}
	if got := delivered(outs); len(got) != 1 || !bytes.Equal(got[0].Delivery.Data, msg) {
		t.Fatal("起始分片到达后应立即完成")
	}
	if len(outs[2].Delivered()) != 1 {
		t.Error("应由起始分片完成消息")
	}
}

func TestPBADVControl(t *testing.T) {
	s := NewSession("ctl", Options{}, nil)
	var uuid [bearer.DeviceUUIDSize]byte

	out, err := s.Dissect(Frame{Number: 1, Kind: reassembly.KindPBADV, Payload: bearer.BuildPBADVLinkOpen(9, uuid)}, true)
	if err != nil || out.Control == "" || len(out.Items) != 0 {
		t.Errorf("Link Open 应作为控制 PDU: %+v %v", out, err)
	}
	out, _ = s.Dissect(Frame{Number: 2, Kind: reassembly.KindPBADV, Payload: bearer.BuildPBADVAck(9, 0)}, true)
	if out.Control == "" {
		t.Error("Ack 应作为控制 PDU")
	}
	if s.GetStats()["control_pdus"].(uint64) != 2 {
		t.Error("控制 PDU 计数错误")
	}
}

func TestMalformedIsNotFatal(t *testing.T) {
	s := NewSession("bad", Options{Table: reassembly.DefaultOptions()}, nil)

	// 声明 30 字节，但第一个后续分片越界
	start := bearer.BuildPBADVStart(7, 1, 1, 30, 0, make([]byte, 20))
	cont := bearer.BuildPBADVContinuation(7, 1, 1, make([]byte, 23))
	outs := dissectAll(t, s, []Frame{
		{Number: 1, Kind: reassembly.KindPBADV, Payload: start},
		{Number: 2, Kind: reassembly.KindPBADV, Payload: cont},
		{Number: 3, Kind: reassembly.KindPBADV, Payload: []byte{1, 2}},
		{Number: 4, Kind: reassembly.KindPBADV, Payload: bearer.BuildPBADVContinuation(7, 1, 9, []byte{1})},
	}, true)

	if len(outs[1].Warnings) == 0 || !errors.Is(outs[1].Warnings[0], reassembly.ErrMalformedLength) {
		t.Errorf("应报告 MalformedLength: %v", outs[1].Warnings)
	}
	if len(outs[2].Warnings) == 0 {
		t.Error("截断的 PDU 应报告告警")
	}
	if len(outs[3].Warnings) == 0 {
		t.Error("超过 SegN 的分段索引应报告告警")
	}
	if len(delivered(outs)) != 0 {
		t.Error("畸形消息不应交付")
	}

	// 会话继续可用
	msg := provisioningPDU()
	if got := delivered(dissectAll(t, s, pbadvFrames(8, 0, msg, 10), true)); len(got) != 1 {
		t.Error("畸形输入之后会话应继续工作")
	}
}

func TestProxy(t *testing.T) {
	s := NewSession("proxy", Options{Table: reassembly.DefaultOptions()}, nil)
	msg := []byte("AAAABBBBCCCC")

	var frames []Frame
	for i, raw := range bearer.SegmentProxy(bearer.ProxyTypeNetworkPDU, msg, 4) {
		frames = append(frames, Frame{Number: uint64(i + 1), Kind: reassembly.KindProxy, Side: reassembly.SideClient, Payload: raw})
	}
	// 另一方向的完整 PDU 插在中间
	beacon := Frame{Number: 100, Kind: reassembly.KindProxy, Side: reassembly.SideServer,
		Payload: bearer.BuildProxy(bearer.SARComplete, bearer.ProxyTypeMeshBeacon, make([]byte, 22))}
	order := []Frame{frames[0], beacon, frames[1], frames[2]}

	outs := dissectAll(t, s, order, true)
	got := delivered(outs)
	if len(got) != 2 {
		t.Fatalf("交付次数 = %d, want 2", len(got))
	}
	if got[0].Type != "Mesh Beacon" || got[0].Attrs["fragmented"] != false {
		t.Errorf("完整 PDU 解码错误: %+v", got[0])
	}
	if !bytes.Equal(got[1].Delivery.Data, msg) || got[1].Attrs["fragmented"] != true {
		t.Errorf("分段消息重组错误: %q", got[1].Delivery.Data)
	}
	if outs[2].Items[0].Status != reassembly.StatusPending {
		t.Error("LAST 之前不应完成")
	}

	t.Run("孤立后续分片", func(t *testing.T) {
		out, _ := s.Dissect(Frame{Number: 200, Kind: reassembly.KindProxy, Side: reassembly.SideServer,
			Payload: bearer.BuildProxy(bearer.SARContinuation, bearer.ProxyTypeNetworkPDU, []byte("zz"))}, true)
		if len(out.Items) != 1 || !out.Items[0].Orphan {
			t.Fatal("应标记为孤立分片")
		}
		if !errors.Is(out.Warnings[0], ErrOrphanContinuation) {
			t.Errorf("告警错误: %v", out.Warnings)
		}
	})

	t.Run("被取代的消息", func(t *testing.T) {
		first := bearer.BuildProxy(bearer.SARFirst, bearer.ProxyTypeNetworkPDU, []byte("x"))
		s.Dissect(Frame{Number: 300, Kind: reassembly.KindProxy, Side: reassembly.SideClient, Payload: first}, true)
		out, _ := s.Dissect(Frame{Number: 301, Kind: reassembly.KindProxy, Side: reassembly.SideClient, Payload: first}, true)
		if len(out.Warnings) == 0 || !errors.Is(out.Warnings[0], ErrAbandoned) {
			t.Errorf("应报告被取代: %v", out.Warnings)
		}
		if len(s.Pending()) == 0 {
			t.Error("被取代的消息应保留在未完成列表中")
		}
	})
}

// dnp3LinkFrames 把应用层报文编码为链路帧，每个传输段一帧
func dnp3LinkFrames(t *testing.T, app []byte, tseq uint8) [][]byte {
	t.Helper()
	var frames [][]byte
	for _, seg := range bearer.BuildTransportSegments(app, tseq, segmentation.DNP3MaxSegmentSize) {
		frame, err := bearer.BuildLinkFrame(bearer.LinkPRM|bearer.LinkFuncUnconfirmedUserData, 1, 10, seg)
		if err != nil {
			t.Fatalf("构建链路帧失败: %v", err)
		}
		frames = append(frames, frame)
	}
	return frames
}

// dnp3Stream 把应用层报文编码为 TCP 字节流
func dnp3Stream(t *testing.T, app []byte, tseq uint8) []byte {
	t.Helper()
	return bytes.Join(dnp3LinkFrames(t, app, tseq), nil)
}

func dnp3Response(n int) []byte {
	app := make([]byte, n)
	app[0], app[1] = 0xC3, 0x81
	for i := 4; i < len(app); i++ {
		app[i] = byte(i * 3)
	}
	return app
}

func TestDNP3(t *testing.T) {
	s := NewSession("dnp3", Options{Table: reassembly.DefaultOptions()}, nil)

	app := make([]byte, 600)
	app[0], app[1] = 0xC2, 0x81
	for i := 4; i < len(app); i++ {
		app[i] = byte(i)
	}
	stream := dnp3Stream(t, app, 10)

	// 按 100 字节切分为 TCP 报文
	var frames []Frame
	for off, n := 0, uint64(1); off < len(stream); off, n = off+100, n+1 {
		end := off + 100
		if end > len(stream) {
			end = len(stream)
		}
		frames = append(frames, Frame{Number: n, Kind: reassembly.KindDNP3, Side: reassembly.SideServer, Stream: 1, Payload: stream[off:end]})
	}

	outs := dissectAll(t, s, frames, true)
	got := delivered(outs)
	if len(got) != 1 {
		t.Fatalf("交付次数 = %d, want 1", len(got))
	}
	if !bytes.Equal(got[0].Delivery.Data, app) {
		t.Error("DNP3 重组结果错误")
	}
	if got[0].Type != "Response" || got[0].Attrs["seq"] != uint8(2) {
		t.Errorf("应用层摘要错误: %+v", got[0])
	}
	if got[0].Delivery.Fragments != 3 {
		t.Errorf("分片数 = %d, want 3", got[0].Delivery.Fragments)
	}

	t.Run("FIR 段重新同步序号", func(t *testing.T) {
		// 单段报文，序号与上一段不连续
		out, _ := s.Dissect(Frame{Number: 50, Kind: reassembly.KindDNP3, Side: reassembly.SideServer, Stream: 1,
			Payload: dnp3Stream(t, []byte{0xC0, 0x81, 0, 0}, 40)}, true)
		if len(out.Delivered()) != 1 {
			t.Error("单段报文应直接交付")
		}
		if s.GetStats()["sequence_gaps"].(uint64) != 0 {
			t.Error("FIR 段不检查连续性")
		}
	})
}

func TestProxyLateFirst(t *testing.T) {
	msg := []byte("AAAABBBBCCCC")
	pdus := bearer.SegmentProxy(bearer.ProxyTypeNetworkPDU, msg, 4)
	first, cont, last := pdus[0], pdus[1], pdus[2]

	tests := []struct {
		name    string
		order   [][]byte
		deliver int // 交付所在的报文下标
	}{
		{"CONT FIRST LAST", [][]byte{cont, first, last}, 2},
		{"CONT LAST FIRST", [][]byte{cont, last, first}, 2},
		{"FIRST CONT LAST", [][]byte{first, cont, last}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("proxy-late", Options{Table: reassembly.DefaultOptions()}, nil)
			var frames []Frame
			for i, raw := range tt.order {
				frames = append(frames, Frame{Number: uint64(i + 1), Kind: reassembly.KindProxy,
					Side: reassembly.SideClient, Stream: 0x55, Payload: raw})
			}

			outs := dissectAll(t, s, frames, true)
			got := delivered(outs)
			if len(got) != 1 {
				t.Fatalf("交付次数 = %d, want 1", len(got))
			}
			if !bytes.Equal(got[0].Delivery.Data, msg) {
				t.Errorf("重组结果 = %q, want %q", got[0].Delivery.Data, msg)
			}
			if len(outs[tt.deliver].Delivered()) != 1 {
				t.Errorf("交付应出现在第 %d 个报文", tt.deliver+1)
			}
			if got[0].Delivery.Fragments != 3 {
				t.Errorf("分片数 = %d, want 3", got[0].Delivery.Fragments)
			}
			if len(s.Orphans()) != 0 || len(s.Pending()) != 0 {
				t.Errorf("完成后不应有残留: orphans=%v pending=%v", s.Orphans(), s.Pending())
			}

			key := reassembly.ProxyKey(reassembly.SideClient, 0x55, 1)
			if snap, ok := s.Lookup(key); !ok || snap.State != reassembly.StateConsumed {
				t.Errorf("按流标识查询失败: %+v %v", snap, ok)
			}
		})
	}

	t.Run("补放的分片记录来源报文", func(t *testing.T) {
		s := NewSession("proxy-adopt", Options{Table: reassembly.DefaultOptions()}, nil)
		out1, _ := s.Dissect(Frame{Number: 7, Kind: reassembly.KindProxy, Side: reassembly.SideServer, Payload: cont}, true)
		if !out1.Items[0].Orphan {
			t.Fatal("早到的 CONT 应先报告为孤立分片")
		}
		if st := s.ReassemblyStats(); st.Orphans != 1 || st.Pending != 1 {
			t.Errorf("暂存分片应计入统计: %+v", st)
		}

		out2, _ := s.Dissect(Frame{Number: 8, Kind: reassembly.KindProxy, Side: reassembly.SideServer, Payload: first}, true)
		if len(out2.Items) != 2 || out2.Items[1].Adopted != 7 || out2.Items[1].Offset != 4 {
			t.Errorf("补放结果错误: %+v", out2.Items)
		}
		if s.GetStats()["adopted"].(uint64) != 1 {
			t.Errorf("adopted = %v", s.GetStats()["adopted"])
		}
	})

	t.Run("暂存分片超时清理", func(t *testing.T) {
		s := NewSession("proxy-ttl", Options{Table: reassembly.DefaultOptions(), PendingTTL: time.Minute}, nil)
		s.Dissect(Frame{Number: 1, Timestamp: t0, Kind: reassembly.KindProxy, Side: reassembly.SideClient, Payload: cont}, true)
		s.Dissect(Frame{Number: 2, Timestamp: t0.Add(2 * time.Minute), Kind: reassembly.KindProxy, Side: reassembly.SideServer,
			Payload: bearer.BuildProxy(bearer.SARComplete, bearer.ProxyTypeMeshBeacon, make([]byte, 22))}, true)
		if len(s.Orphans()) != 0 {
			t.Error("超时的暂存分片应被清理")
		}
		if s.GetStats()["expired"].(uint64) != 1 {
			t.Errorf("expired = %v", s.GetStats()["expired"])
		}
	})
}

func TestProxyRepeatedSegment(t *testing.T) {
	s := NewSession("proxy-dup", Options{Table: reassembly.DefaultOptions(), Guard: dedup.New(dedup.DefaultOptions())}, nil)
	msg := []byte("AAAABBBBCCCC")
	pdus := bearer.SegmentProxy(bearer.ProxyTypeNetworkPDU, msg, 4)

	order := [][]byte{pdus[0], pdus[1], pdus[1], pdus[2], pdus[2]}
	var frames []Frame
	for i, raw := range order {
		frames = append(frames, Frame{Number: uint64(i + 1), Timestamp: t0, Kind: reassembly.KindProxy,
			Side: reassembly.SideClient, Payload: raw})
	}

	outs := dissectAll(t, s, frames, true)
	got := delivered(outs)
	if len(got) != 1 || !bytes.Equal(got[0].Delivery.Data, msg) {
		t.Fatalf("重传后的交付错误: %d", len(got))
	}
	if !outs[2].Items[0].Retransmission || !outs[4].Items[0].Retransmission {
		t.Error("重复的分片应标记为重传")
	}
	if len(s.Orphans()) != 0 {
		t.Error("完成后的重传不应变成孤立分片")
	}
}

func TestDNP3RepeatedSegment(t *testing.T) {
	app := dnp3Response(600)
	links := dnp3LinkFrames(t, app, 20)
	if len(links) != 3 {
		t.Fatalf("链路帧数 = %d, want 3", len(links))
	}
	order := [][]byte{links[0], links[1], links[1], links[2]}

	for _, guarded := range []bool{false, true} {
		name := "无重传过滤"
		opts := Options{Table: reassembly.DefaultOptions()}
		if guarded {
			name = "启用重传过滤"
			opts.Guard = dedup.New(dedup.DefaultOptions())
		}

		t.Run(name, func(t *testing.T) {
			s := NewSession("dnp3-dup", opts, nil)
			var frames []Frame
			for i, raw := range order {
				frames = append(frames, Frame{Number: uint64(i + 1), Timestamp: t0, Kind: reassembly.KindDNP3,
					Side: reassembly.SideServer, Stream: 2, Payload: raw})
			}

			outs := dissectAll(t, s, frames, true)
			got := delivered(outs)
			if len(got) != 1 {
				t.Fatalf("交付次数 = %d, want 1", len(got))
			}
			if len(got[0].Delivery.Data) != len(app) || !bytes.Equal(got[0].Delivery.Data, app) {
				t.Errorf("重组长度 = %d, want %d", len(got[0].Delivery.Data), len(app))
			}
			if !outs[2].Items[0].Retransmission {
				t.Error("重复的传输段应标记为重传")
			}
			if s.GetStats()["sequence_gaps"].(uint64) != 0 {
				t.Error("重复的段不应计为序号跳变")
			}
		})
	}
}

func TestDNP3SequenceGap(t *testing.T) {
	s := NewSession("dnp3-gap", Options{Table: reassembly.DefaultOptions()}, nil)
	links := dnp3LinkFrames(t, dnp3Response(600), 30)

	var outs []*Outcome
	for i, raw := range [][]byte{links[0], links[2]} {
		out, err := s.Dissect(Frame{Number: uint64(i + 1), Kind: reassembly.KindDNP3, Side: reassembly.SideServer, Stream: 3, Payload: raw}, true)
		if err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		outs = append(outs, out)
	}

	if len(delivered(outs)) != 0 {
		t.Fatal("缺段的消息不应交付")
	}
	var gap, broken bool
	for _, w := range outs[1].Warnings {
		gap = gap || errors.Is(w, ErrSequenceGap)
		broken = broken || errors.Is(w, ErrTransportBroken)
	}
	if !gap || !broken {
		t.Errorf("应报告序号跳变并丢弃消息: %v", outs[1].Warnings)
	}
	if len(s.Pending()) != 0 {
		t.Errorf("被丢弃的消息不应残留: %v", s.Pending())
	}
	if st := s.ReassemblyStats(); st.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", st.Malformed)
	}

	// 下一条消息从 FIR 重新开始
	next := dnp3Response(40)
	out, _ := s.Dissect(Frame{Number: 3, Kind: reassembly.KindDNP3, Side: reassembly.SideServer, Stream: 3,
		Payload: dnp3Stream(t, next, 40)}, true)
	if got := out.Delivered(); len(got) != 1 || !bytes.Equal(got[0].Delivery.Data, next) {
		t.Error("序号断裂后应能重新同步")
	}
}

func TestRetransmissionGuard(t *testing.T) {
	s := NewSession("dedup", Options{Table: reassembly.DefaultOptions(), Guard: dedup.New(dedup.DefaultOptions())}, nil)
	msg := provisioningPDU()
	frames := pbadvFrames(3, 0, msg, 1)

	// 广播承载的重传: 每个 PDU 发送两次
	var repeated []Frame
	for _, f := range frames {
		dup := f
		dup.Number += 1000
		repeated = append(repeated, f, dup)
	}

	outs := dissectAll(t, s, repeated, true)
	if len(delivered(outs)) != 1 {
		t.Fatal("重传不应导致重复交付")
	}
	if s.GetStats()["retransmissions"].(uint64) != uint64(len(frames)) {
		t.Errorf("重传计数 = %v", s.GetStats()["retransmissions"])
	}
	if !outs[1].Items[0].Retransmission {
		t.Error("第二次出现应标记为重传")
	}
}

func TestPendingTTL(t *testing.T) {
	s := NewSession("ttl", Options{Table: reassembly.DefaultOptions(), PendingTTL: time.Minute}, nil)

	cont := bearer.BuildPBADVContinuation(5, 0, 1, []byte("abc"))
	s.Dissect(Frame{Number: 1, Timestamp: t0, Kind: reassembly.KindPBADV, Payload: cont}, true)
	if len(s.Orphans()) != 1 {
		t.Fatal("应有一个孤立消息")
	}

	s.Dissect(Frame{Number: 2, Timestamp: t0.Add(2 * time.Minute), Kind: reassembly.KindPBADV,
		Payload: bearer.BuildPBADVAck(5, 0)}, true)
	if len(s.Orphans()) != 0 {
		t.Error("超时的消息应被清理")
	}
	if s.GetStats()["expired"].(uint64) != 1 {
		t.Error("清理计数错误")
	}
}

func TestReset(t *testing.T) {
	s := NewSession("reset", Options{Table: reassembly.DefaultOptions()}, nil)
	dissectAll(t, s, pbadvFrames(1, 0, provisioningPDU(), 1), true)

	s.Reset()
	if _, err := s.Dissect(Frame{Number: 1}, false); !errors.Is(err, ErrNotVisited) {
		t.Error("Reset 后缓存应清空")
	}
	if got := delivered(dissectAll(t, s, pbadvFrames(1, 0, provisioningPDU(), 1), true)); len(got) != 1 {
		t.Error("Reset 后同一键应可重新重组")
	}
}
