// =============================================================================
// 文件: internal/segmentation/sequencer.go
// 描述: 序号分配器 - Proxy / DNP3 按方向递增的消息序号与段计数
// =============================================================================
package segmentation

import (
	"github.com/mrcgq/fragkit/internal/reassembly"
)

// Assignment 一次分配的结果
type Assignment struct {
	Key      reassembly.Key
	Segment  uint32 // 当前消息内的段计数，起始分片为 0
	Buffered uint32 // 本分片之前已归入消息的字节数
	Orphan   bool   // 没有打开的消息，无法确定偏移；Key 为下一条消息将使用的键
}

// TransportCheck DNP3 传输层序号检查结果
type TransportCheck uint8

const (
	TransportInOrder TransportCheck = iota
	TransportRepeat                 // 与上一段序号相同
	TransportGap                    // 序号跳变
)

func (c TransportCheck) String() string {
	switch c {
	case TransportInOrder:
		return "in-order"
	case TransportRepeat:
		return "repeat"
	case TransportGap:
		return "gap"
	}
	return "unknown"
}

type streamID struct {
	side   reassembly.Side
	stream uint32
}

type streamState struct {
	sequence uint32
	segment  uint32
	buffered uint32
	open     bool

	// 最近一次分配，消息结束后依然保留
	lastKey    reassembly.Key
	lastOffset uint32
	lastValid  bool

	transportSeq   uint8
	transportValid bool
}

// Sequencer 序号分配器
//
// 每个方向 (以及 DNP3 的每个链路地址对) 拥有独立的序号空间。
// 不加锁，与重组表一样只在单个会话内顺序调用。
type Sequencer struct {
	kind    reassembly.Kind
	streams map[streamID]*streamState
}

// NewSequencer 创建序号分配器
func NewSequencer(kind reassembly.Kind) *Sequencer {
	return &Sequencer{
		kind:    kind,
		streams: make(map[streamID]*streamState),
	}
}

func (s *Sequencer) state(side reassembly.Side, stream uint32) *streamState {
	id := streamID{side: side, stream: stream}
	st, ok := s.streams[id]
	if !ok {
		st = &streamState{}
		s.streams[id] = st
	}
	return st
}

func (s *Sequencer) key(side reassembly.Side, stream, seq uint32) reassembly.Key {
	return reassembly.Key{Kind: s.kind, Side: side, Stream: stream, ID: seq}
}

// Assign 为一个分片分配重组键，n 为分片数据长度
//
// 孤立的后续分片不改变任何状态，调用方可以在起始分片到达后按原顺序重新分配。
func (s *Sequencer) Assign(side reassembly.Side, stream uint32, role Role, n int) Assignment {
	st := s.state(side, stream)

	var a Assignment
	switch role {
	case RoleStart:
		st.sequence++
		st.segment = 0
		st.buffered = uint32(n)
		st.open = true
		a = Assignment{Key: s.key(side, stream, st.sequence)}

	case RoleComplete:
		st.sequence++
		st.segment = 0
		st.buffered = 0
		st.open = false
		a = Assignment{Key: s.key(side, stream, st.sequence)}

	case RoleContinuation, RoleLast:
		if !st.open {
			return Assignment{Key: s.key(side, stream, st.sequence+1), Orphan: true}
		}
		st.segment++
		a = Assignment{
			Key:      s.key(side, stream, st.sequence),
			Segment:  st.segment,
			Buffered: st.buffered,
		}
		st.buffered += uint32(n)
		if role == RoleLast {
			st.open = false
		}

	default:
		return Assignment{Key: s.key(side, stream, st.sequence+1), Orphan: true}
	}

	st.lastKey = a.Key
	st.lastOffset = a.Buffered
	st.lastValid = true
	return a
}

// Previous 最近一次分配的键与偏移
func (s *Sequencer) Previous(side reassembly.Side, stream uint32) (reassembly.Key, uint32, bool) {
	st, ok := s.streams[streamID{side: side, stream: stream}]
	if !ok || !st.lastValid {
		return reassembly.Key{}, 0, false
	}
	return st.lastKey, st.lastOffset, true
}

// Abandon 放弃当前未结束的消息，返回其键
func (s *Sequencer) Abandon(side reassembly.Side, stream uint32) (reassembly.Key, bool) {
	st, ok := s.streams[streamID{side: side, stream: stream}]
	if !ok || !st.open {
		return reassembly.Key{}, false
	}
	st.open = false
	return s.key(side, stream, st.sequence), true
}

// ObserveTransportSeq DNP3 传输层 6 位序号检查
//
// 首个分片 (FIR) 总是视为连续。重复的序号不更新状态。
func (s *Sequencer) ObserveTransportSeq(side reassembly.Side, stream uint32, seq uint8, first bool) TransportCheck {
	st := s.state(side, stream)
	seq &= 0x3F

	check := TransportInOrder
	if st.transportValid && !first {
		switch seq {
		case st.transportSeq:
			return TransportRepeat
		case (st.transportSeq + 1) & 0x3F:
		default:
			check = TransportGap
		}
	}
	st.transportSeq = seq
	st.transportValid = true
	return check
}

// Open 当前方向是否有未结束的消息
func (s *Sequencer) Open(side reassembly.Side, stream uint32) bool {
	st, ok := s.streams[streamID{side: side, stream: stream}]
	return ok && st.open
}

// Reset 清空所有序号
func (s *Sequencer) Reset() {
	s.streams = make(map[streamID]*streamState)
}
