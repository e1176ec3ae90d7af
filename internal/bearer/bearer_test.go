// =============================================================================
// 文件: internal/bearer/bearer_test.go
// 描述: 承载层编解码测试
// =============================================================================
package bearer

import (
	"bytes"
	"errors"
	"testing"
)

func TestCRC(t *testing.T) {
	check := []byte("123456789")

	t.Run("CRC16DNP", func(t *testing.T) {
		if got := CRC16DNP(check); got != 0xEA82 {
			t.Errorf("CRC16DNP = 0x%04X, want 0xEA82", got)
		}
	})

	t.Run("FCS8", func(t *testing.T) {
		if got := FCS8(check); got != 0x2F {
			t.Errorf("FCS8 = 0x%02X, want 0x2F", got)
		}
		if FCS8([]byte{1, 2, 3}) == FCS8([]byte{1, 2, 4}) {
			t.Error("不同数据的 FCS 不应相同")
		}
	})
}

func TestPBADV(t *testing.T) {
	t.Run("Start", func(t *testing.T) {
		data := []byte{0x03, 0x00, 0x01}
		pdu := BuildPBADVStart(0x11223344, 0x80, 2, 45, 0xAB, data)
		p, err := ParsePBADV(pdu)
		if err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if p.LinkID != 0x11223344 || p.Transaction != 0x80 || p.GPCF != GPCFTransactionStart {
			t.Errorf("头部字段错误: %+v", p)
		}
		if p.SegN != 2 || p.TotalLength != 45 || p.FCS != 0xAB || !bytes.Equal(p.Data, data) {
			t.Errorf("Start 字段错误: %+v", p)
		}
		if !p.IsSegment() {
			t.Error("Start 应为分段")
		}
	})

	t.Run("Continuation", func(t *testing.T) {
		pdu := BuildPBADVContinuation(1, 2, 5, []byte("xyz"))
		p, err := ParsePBADV(pdu)
		if err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if p.GPCF != GPCFTransactionContinuation || p.SegmentIndex != 5 || string(p.Data) != "xyz" {
			t.Errorf("Continuation 字段错误: %+v", p)
		}
	})

	t.Run("Ack", func(t *testing.T) {
		p, err := ParsePBADV(BuildPBADVAck(1, 2))
		if err != nil || p.GPCF != GPCFTransactionAck || p.IsSegment() {
			t.Errorf("Ack 解析错误: %+v %v", p, err)
		}
	})

	t.Run("LinkOpen", func(t *testing.T) {
		var uuid [DeviceUUIDSize]byte
		uuid[0], uuid[15] = 0xAA, 0xBB
		p, err := ParsePBADV(BuildPBADVLinkOpen(7, uuid))
		if err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if p.GPCF != GPCFBearerControl || p.Opcode != BearerOpLinkOpen || !bytes.Equal(p.DeviceUUID, uuid[:]) {
			t.Errorf("Link Open 字段错误: %+v", p)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		if _, err := ParsePBADV([]byte{0, 0, 0, 1, 0}); err == nil {
			t.Error("缺少控制字节应报错")
		}
		if _, err := ParsePBADV([]byte{0, 0, 0, 1, 0, 0x00, 0x00}); err == nil {
			t.Error("截断的 Start 应报错")
		}
		if _, err := ParsePBADV([]byte{0, 0, 0, 1, 0, 0x3F<<2 | GPCFBearerControl}); err == nil {
			t.Error("未知操作码应报错")
		}
	})

	t.Run("Segment", func(t *testing.T) {
		msg := make([]byte, 45)
		for i := range msg {
			msg[i] = byte(i)
		}
		pdus := SegmentPBADV(9, 1, msg, 20, 23)
		if len(pdus) != 3 {
			t.Fatalf("PDU 数量 = %d, want 3", len(pdus))
		}
		var out []byte
		for i, raw := range pdus {
			p, err := ParsePBADV(raw)
			if err != nil {
				t.Fatalf("第 %d 个 PDU 解析失败: %v", i, err)
			}
			if i == 0 && (p.SegN != 2 || p.TotalLength != 45 || p.FCS != FCS8(msg)) {
				t.Errorf("Start 字段错误: %+v", p)
			}
			out = append(out, p.Data...)
		}
		if !bytes.Equal(out, msg) {
			t.Error("拼接结果与原消息不一致")
		}
	})
}

func TestProxy(t *testing.T) {
	p, err := ParseProxy(BuildProxy(SARFirst, ProxyTypeProvisioning, []byte("ab")))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if p.SAR != SARFirst || p.MessageType != ProxyTypeProvisioning || string(p.Data) != "ab" {
		t.Errorf("字段错误: %+v", p)
	}

	if _, err := ParseProxy(nil); err == nil {
		t.Error("空 PDU 应报错")
	}

	t.Run("Segment", func(t *testing.T) {
		pdus := SegmentProxy(ProxyTypeNetworkPDU, []byte("AAAABBBBCC"), 4)
		want := []uint8{SARFirst, SARContinuation, SARLast}
		if len(pdus) != len(want) {
			t.Fatalf("PDU 数量 = %d", len(pdus))
		}
		for i, raw := range pdus {
			p, _ := ParseProxy(raw)
			if p.SAR != want[i] {
				t.Errorf("第 %d 个 SAR = %d, want %d", i, p.SAR, want[i])
			}
		}

		single := SegmentProxy(ProxyTypeNetworkPDU, []byte("AB"), 4)
		if p, _ := ParseProxy(single[0]); len(single) != 1 || p.SAR != SARComplete {
			t.Error("短消息应为完整 PDU")
		}
	})

	if ProxyTypeName(ProxyTypeConfig) != "Proxy Configuration" {
		t.Error("类型名称错误")
	}
}

func TestDNP3LinkFrame(t *testing.T) {
	ud := make([]byte, 40)
	for i := range ud {
		ud[i] = byte(i * 3)
	}
	raw, err := BuildLinkFrame(LinkDIR|LinkPRM|LinkFuncUnconfirmedUserData, 10, 1, ud)
	if err != nil {
		t.Fatalf("构建失败: %v", err)
	}
	if len(raw) != DNP3LinkHeaderSize+40+2*3 {
		t.Fatalf("帧长度 = %d", len(raw))
	}

	f, n, err := ParseLinkFrame(raw)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if n != len(raw) || f.Dest != 10 || f.Source != 1 || !bytes.Equal(f.UserData, ud) {
		t.Errorf("字段错误: n=%d %+v", n, f)
	}
	if !f.FromMaster() || !f.CarriesTransport() {
		t.Error("方向或功能码判断错误")
	}

	t.Run("BadCRC", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[DNP3LinkHeaderSize+1] ^= 0xFF
		if _, _, err := ParseLinkFrame(bad); !errors.Is(err, ErrBadCRC) {
			t.Errorf("应检测到 CRC 错误: %v", err)
		}
	})

	t.Run("Incomplete", func(t *testing.T) {
		if _, _, err := ParseLinkFrame(raw[:20]); !errors.Is(err, ErrIncomplete) {
			t.Errorf("应返回不完整: %v", err)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		if _, err := BuildLinkFrame(0, 0, 0, make([]byte, 251)); err == nil {
			t.Error("超长用户数据应报错")
		}
	})
}

func TestLinkScanner(t *testing.T) {
	f1, _ := BuildLinkFrame(LinkPRM|LinkFuncUnconfirmedUserData, 1, 2, []byte("hello"))
	f2, _ := BuildLinkFrame(LinkPRM|LinkFuncUnconfirmedUserData, 1, 2, bytes.Repeat([]byte{0x05}, 33))
	stream := append(append([]byte{0xFF, 0xEE}, f1...), f2...)

	var s LinkScanner
	var frames []*LinkFrame
	var errs []error
	// 每次喂 7 字节，帧跨越多次 Feed
	for off := 0; off < len(stream); off += 7 {
		end := off + 7
		if end > len(stream) {
			end = len(stream)
		}
		fs, es := s.Feed(stream[off:end])
		frames = append(frames, fs...)
		errs = append(errs, es...)
	}

	if len(frames) != 2 {
		t.Fatalf("帧数 = %d, want 2", len(frames))
	}
	if string(frames[0].UserData) != "hello" || len(frames[1].UserData) != 33 {
		t.Error("帧内容错误")
	}
	if len(errs) != 1 {
		t.Errorf("应报告一次丢弃的前导字节: %v", errs)
	}
	if s.Pending() != 0 {
		t.Errorf("残留字节 = %d", s.Pending())
	}
}

func TestTransport(t *testing.T) {
	msg := make([]byte, 600)
	segs := BuildTransportSegments(msg, 62, 249)
	if len(segs) != 3 {
		t.Fatalf("段数 = %d, want 3", len(segs))
	}

	var total int
	for i, raw := range segs {
		seg, err := ParseTransport(raw)
		if err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if seg.FIR != (i == 0) || seg.FIN != (i == 2) {
			t.Errorf("第 %d 段 FIR/FIN 错误: %+v", i, seg)
		}
		if want := uint8(62+i) & TransportSeq; seg.Seq != want {
			t.Errorf("第 %d 段序号 = %d, want %d", i, seg.Seq, want)
		}
		total += len(seg.Data)
	}
	if total != 600 {
		t.Errorf("数据总长 = %d", total)
	}

	single := BuildTransportSegments([]byte{1}, 0, 0)
	if seg, _ := ParseTransport(single[0]); !seg.FIR || !seg.FIN {
		t.Error("单段报文应同时带 FIR 和 FIN")
	}
}
