// =============================================================================
// 文件: internal/dissect/transports.go
// 描述: 各承载的首遍解析 - PB-ADV / Proxy / DNP3
// =============================================================================
package dissect

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/mrcgq/fragkit/internal/bearer"
	"github.com/mrcgq/fragkit/internal/handoff"
	"github.com/mrcgq/fragkit/internal/reassembly"
	"github.com/mrcgq/fragkit/internal/segmentation"
)

// =============================================================================
// PB-ADV
// =============================================================================

func (s *Session) dissectPBADV(f Frame, out *Outcome) {
	pdu, err := bearer.ParsePBADV(f.Payload)
	if err != nil {
		atomic.AddUint64(&s.stats.malformed, 1)
		s.record(reassembly.KindPBADV, "malformed")
		out.warn(err)
		return
	}

	switch pdu.GPCF {
	case bearer.GPCFTransactionAck:
		atomic.AddUint64(&s.stats.controlPDUs, 1)
		out.Control = fmt.Sprintf("Transaction Ack (link=0x%08x trans=%d)", pdu.LinkID, pdu.Transaction)
		return
	case bearer.GPCFBearerControl:
		atomic.AddUint64(&s.stats.controlPDUs, 1)
		out.Control = bearerControlName(pdu)
		return
	}

	key := reassembly.PBADVKey(pdu.LinkID, pdu.Transaction)
	h := segmentation.Header{
		Kind:        reassembly.KindPBADV,
		Stream:      pdu.LinkID,
		Transaction: pdu.Transaction,
	}
	item := Item{Key: key, Length: len(pdu.Data)}

	if pdu.GPCF == bearer.GPCFTransactionStart {
		h.Role = segmentation.RoleStart
		h.SegN = pdu.SegN
		h.SegNKnown = true
		h.TotalLength = pdu.TotalLength
		h.FCS = pdu.FCS
		s.starts[key] = pbadvStart{segN: pdu.SegN, fcs: pdu.FCS}
	} else {
		h.Role = segmentation.RoleContinuation
		h.SegmentIndex = pdu.SegmentIndex
		if st, ok := s.starts[key]; ok {
			h.SegN = st.segN
			h.SegNKnown = true
		}
		item.SegmentIndex = uint32(pdu.SegmentIndex)
	}
	item.Role = h.Role

	pl, err := segmentation.PBADV{}.Place(h, 0)
	if err != nil {
		atomic.AddUint64(&s.stats.malformed, 1)
		s.record(reassembly.KindPBADV, "malformed")
		out.warn(fmt.Errorf("%s: %w", key, err))
		return
	}
	item.Offset = pl.Offset

	if s.retransmitted(&item, pdu.Data, f.Timestamp) {
		out.Items = append(out.Items, item)
		return
	}

	t := s.table(reassembly.KindPBADV, reassembly.SideNone)
	buf, done := s.insert(t, &item, pl, pdu.Data, f.Timestamp, out)
	if done {
		st, known := s.starts[key]
		snap, _ := t.Get(key)
		s.deliver(&item, handoff.Delivery{
			Kind:         reassembly.KindPBADV,
			Key:          key,
			Fragmented:   snap.Fragments > 1,
			SegmentIndex: item.SegmentIndex,
			Fragments:    snap.Fragments,
			Frame:        f.Number,
			Timestamp:    f.Timestamp,
			Data:         buf,
			FCS:          st.fcs,
			FCSKnown:     known,
		}, out)
	}
	out.Items = append(out.Items, item)
}

func bearerControlName(p *bearer.PBADVPDU) string {
	switch p.Opcode {
	case bearer.BearerOpLinkOpen:
		return fmt.Sprintf("Link Open (link=0x%08x uuid=%x)", p.LinkID, p.DeviceUUID)
	case bearer.BearerOpLinkAck:
		return fmt.Sprintf("Link Ack (link=0x%08x)", p.LinkID)
	case bearer.BearerOpLinkClose:
		return fmt.Sprintf("Link Close (link=0x%08x reason=%d)", p.LinkID, p.CloseReason)
	}
	return fmt.Sprintf("Bearer Control 0x%02X", p.Opcode)
}

// =============================================================================
// Proxy
// =============================================================================

func proxyRole(sar uint8) segmentation.Role {
	switch sar {
	case bearer.SARComplete:
		return segmentation.RoleComplete
	case bearer.SARFirst:
		return segmentation.RoleStart
	case bearer.SARContinuation:
		return segmentation.RoleContinuation
	default:
		return segmentation.RoleLast
	}
}

func (s *Session) dissectProxy(f Frame, out *Outcome) {
	pdu, err := bearer.ParseProxy(f.Payload)
	if err != nil {
		atomic.AddUint64(&s.stats.malformed, 1)
		s.record(reassembly.KindProxy, "malformed")
		out.warn(err)
		return
	}

	role := proxyRole(pdu.SAR)
	id := flowID{side: f.Side, stream: f.Stream}
	seq := s.sequencer(reassembly.KindProxy)
	if s.repeated(seq, id, role, pdu.Data, f.Timestamp, out) {
		return
	}
	if (role == segmentation.RoleStart || role == segmentation.RoleComplete) && seq.Open(f.Side, f.Stream) {
		atomic.AddUint64(&s.stats.abandoned, 1)
		out.warn(fmt.Errorf("%w: proxy %s", ErrAbandoned, f.Side))
	}

	frag := earlyFragment{
		frame:   f.Number,
		at:      f.Timestamp,
		role:    role,
		msgType: pdu.MessageType,
		data:    pdu.Data,
	}
	a := seq.Assign(f.Side, f.Stream, role, len(pdu.Data))
	if a.Orphan {
		frag.key = a.Key
		item := Item{Key: a.Key, Role: role, Length: len(pdu.Data)}
		if !s.park(id, frag) {
			s.markRetransmission(&item)
			out.Items = append(out.Items, item)
			return
		}
		s.orphan(&item, out)
		return
	}

	s.placeProxy(f, frag, a, out)
	if role == segmentation.RoleStart {
		s.adoptEarly(f, seq, id, out)
	}
}

// park 暂存起始分片之前到达的后续分片，与上一个暂存分片相同的重传返回 false
func (s *Session) park(id flowID, frag earlyFragment) bool {
	frag.data = append([]byte(nil), frag.data...)

	s.mu.Lock()
	defer s.mu.Unlock()

	early := s.early[id]
	if n := len(early); n > 0 && s.opts.Guard != nil {
		prev := early[n-1]
		if prev.role == frag.role && bytes.Equal(prev.data, frag.data) {
			return false
		}
	}
	s.early[id] = append(early, frag)
	return true
}

// adoptEarly 起始分片到达后按到达顺序补放暂存的后续分片
//
// 消息被 LAST 关闭后剩下的分片继续暂存，等待下一个起始分片。
func (s *Session) adoptEarly(f Frame, seq *segmentation.Sequencer, id flowID, out *Outcome) {
	s.mu.Lock()
	early := s.early[id]
	delete(s.early, id)
	s.mu.Unlock()

	var rest []earlyFragment
	for _, e := range early {
		a := seq.Assign(id.side, id.stream, e.role, len(e.data))
		if a.Orphan {
			e.key = a.Key
			rest = append(rest, e)
			continue
		}
		atomic.AddUint64(&s.stats.adopted, 1)
		s.placeProxy(f, e, a, out)
	}

	if len(rest) > 0 {
		s.mu.Lock()
		s.early[id] = rest
		s.mu.Unlock()
	}
}

// placeProxy 把已分配序号的 Proxy 分片写入重组表，f 为当前处理的报文
func (s *Session) placeProxy(f Frame, frag earlyFragment, a segmentation.Assignment, out *Outcome) {
	item := Item{Key: a.Key, Role: frag.role, SegmentIndex: a.Segment, Length: len(frag.data)}
	if frag.frame != f.Number {
		item.Adopted = frag.frame
	}

	switch frag.role {
	case segmentation.RoleStart, segmentation.RoleComplete:
		s.proxyTypes[a.Key] = frag.msgType
	default:
		if t, ok := s.proxyTypes[a.Key]; ok && t != frag.msgType {
			out.warn(fmt.Errorf("%w: %s %d != %d", ErrMessageTypeMismatch, a.Key, frag.msgType, t))
		}
	}

	pl, err := segmentation.Proxy{}.Place(segmentation.Header{Kind: reassembly.KindProxy, Side: f.Side, Role: frag.role}, a.Buffered)
	if err != nil {
		out.warn(err)
		return
	}
	item.Offset = pl.Offset

	if s.retransmitted(&item, frag.data, f.Timestamp) {
		out.Items = append(out.Items, item)
		return
	}

	t := s.table(reassembly.KindProxy, f.Side)
	buf, done := s.insert(t, &item, pl, frag.data, f.Timestamp, out)
	if done {
		s.deliver(&item, handoff.Delivery{
			Kind:         reassembly.KindProxy,
			Key:          a.Key,
			Fragmented:   frag.role != segmentation.RoleComplete,
			SegmentIndex: a.Segment,
			Fragments:    int(a.Segment) + 1,
			Frame:        f.Number,
			Timestamp:    f.Timestamp,
			Data:         buf,
			MessageType:  s.proxyTypes[a.Key],
		}, out)
		delete(s.proxyTypes, a.Key)
	}
	out.Items = append(out.Items, item)
}

func (s *Session) orphan(item *Item, out *Outcome) {
	item.Orphan = true
	item.State = reassembly.StateAwaitingFirst
	atomic.AddUint64(&s.stats.orphans, 1)
	s.record(item.Key.Kind, "orphan")
	out.warn(fmt.Errorf("%w: %s", ErrOrphanContinuation, item.Key))
	out.Items = append(out.Items, *item)
}

// =============================================================================
// DNP3
// =============================================================================

func transportRole(seg *bearer.TransportSegment) segmentation.Role {
	switch {
	case seg.FIR && seg.FIN:
		return segmentation.RoleComplete
	case seg.FIR:
		return segmentation.RoleStart
	case seg.FIN:
		return segmentation.RoleLast
	default:
		return segmentation.RoleContinuation
	}
}

func (s *Session) dissectDNP3(f Frame, out *Outcome) {
	id := flowID{side: f.Side, stream: f.Stream}
	sc, ok := s.scanners[id]
	if !ok {
		sc = &bearer.LinkScanner{}
		s.scanners[id] = sc
	}

	frames, errs := sc.Feed(f.Payload)
	for _, err := range errs {
		atomic.AddUint64(&s.stats.malformed, 1)
		s.record(reassembly.KindDNP3, "malformed")
		out.warn(err)
	}

	for _, lf := range frames {
		if !lf.CarriesTransport() {
			atomic.AddUint64(&s.stats.controlPDUs, 1)
			out.Control = fmt.Sprintf("Link FC=%d %d->%d", lf.Function(), lf.Source, lf.Dest)
			continue
		}
		s.dnp3Segment(f, lf, out)
	}
}

func (s *Session) dnp3Segment(f Frame, lf *bearer.LinkFrame, out *Outcome) {
	seg, err := bearer.ParseTransport(lf.UserData)
	if err != nil {
		out.warn(err)
		return
	}

	side := f.Side
	if side == reassembly.SideNone {
		side = reassembly.SideServer
		if lf.FromMaster() {
			side = reassembly.SideClient
		}
	}
	stream := lf.Stream()
	role := transportRole(seg)
	seq := s.sequencer(reassembly.KindDNP3)

	// 重传摘要包含传输层头，序号不同的相同数据不会被误判
	if s.repeated(seq, flowID{side: side, stream: stream}, role, lf.UserData, f.Timestamp, out) {
		return
	}

	switch seq.ObserveTransportSeq(side, stream, seg.Seq, seg.FIR) {
	case segmentation.TransportRepeat:
		// 链路层重试，同一序号的段已经归入消息
		if key, off, ok := seq.Previous(side, stream); ok {
			item := Item{Key: key, Role: role, Offset: off, Length: len(seg.Data)}
			s.markRetransmission(&item)
			out.Items = append(out.Items, item)
			return
		}
	case segmentation.TransportGap:
		atomic.AddUint64(&s.stats.sequenceGaps, 1)
		out.warn(fmt.Errorf("%w: %s 0x%08x seq=%d", ErrSequenceGap, side, stream, seg.Seq))
		if key, ok := seq.Abandon(side, stream); ok {
			atomic.AddUint64(&s.stats.abandoned, 1)
			s.table(reassembly.KindDNP3, side).Abandon(key)
			s.record(reassembly.KindDNP3, "malformed")
			out.warn(fmt.Errorf("%w: %s", ErrTransportBroken, key))
		}
	}
	if seg.FIR && seq.Open(side, stream) {
		atomic.AddUint64(&s.stats.abandoned, 1)
		out.warn(fmt.Errorf("%w: dnp3 %s 0x%08x", ErrAbandoned, side, stream))
	}

	a := seq.Assign(side, stream, role, len(seg.Data))
	item := Item{Key: a.Key, Role: role, SegmentIndex: a.Segment, Length: len(seg.Data)}
	if a.Orphan {
		s.orphan(&item, out)
		return
	}

	pl, err := segmentation.DNP3{}.Place(segmentation.Header{Kind: reassembly.KindDNP3, Side: side, Stream: stream, Role: role}, a.Buffered)
	if err != nil {
		out.warn(err)
		return
	}
	item.Offset = pl.Offset

	if s.retransmitted(&item, lf.UserData, f.Timestamp) {
		out.Items = append(out.Items, item)
		return
	}

	t := s.table(reassembly.KindDNP3, side)
	buf, done := s.insert(t, &item, pl, seg.Data, f.Timestamp, out)
	if done {
		s.deliver(&item, handoff.Delivery{
			Kind:         reassembly.KindDNP3,
			Key:          a.Key,
			Fragmented:   role != segmentation.RoleComplete,
			SegmentIndex: a.Segment,
			Fragments:    int(a.Segment) + 1,
			Frame:        f.Number,
			Timestamp:    f.Timestamp,
			Data:         buf,
		}, out)
	}
	out.Items = append(out.Items, item)
}
