// =============================================================================
// 文件: internal/reassembly/message.go
// 描述: 分片重组 - 单条消息的累积器 (区间集合 + 总长度 + 完成判定)
// =============================================================================
package reassembly

import (
	"bytes"
	"sort"
	"time"
)

// span 已接收的字节区间 [offset, offset+len(data))
type span struct {
	offset uint32
	data   []byte
}

func (s span) end() uint32 { return s.offset + uint32(len(s.data)) }

// Message 单个重组键对应的部分消息
//
// spans 始终按 offset 升序且互不重叠；重叠部分以先到者为准。
type Message struct {
	key   Key
	state State

	total      uint32
	totalKnown bool
	started    bool // 已见到 offset 0 的起始分片

	spans     []span
	received  uint32
	fragments int

	overlap   bool
	conflict  bool
	malformed bool

	data []byte // 完整后的连续缓冲区

	firstSeen time.Time
	lastSeen  time.Time
}

func newMessage(key Key, at time.Time) *Message {
	return &Message{
		key:       key,
		state:     StateAwaitingFirst,
		firstSeen: at,
		lastSeen:  at,
	}
}

func (m *Message) touch(at time.Time) {
	if at.After(m.lastSeen) {
		m.lastSeen = at
	}
}

// insert 合并新区间，只写入尚未覆盖的部分
func (m *Message) insert(offset uint32, data []byte) (added, overlap, conflict bool) {
	if len(data) == 0 {
		return false, false, false
	}

	end := offset + uint32(len(data))
	pos := offset
	var pieces []span

	for _, s := range m.spans {
		if s.end() <= offset || s.offset >= end {
			continue
		}

		if pos < s.offset {
			pieces = append(pieces, span{offset: pos, data: data[pos-offset : s.offset-offset]})
		}

		// 比较共享区间
		lo := maxU32(offset, s.offset)
		hi := minU32(end, s.end())
		overlap = true
		if !bytes.Equal(data[lo-offset:hi-offset], s.data[lo-s.offset:hi-s.offset]) {
			conflict = true
		}

		if s.end() > pos {
			pos = s.end()
		}
	}
	if pos < end {
		pieces = append(pieces, span{offset: pos, data: data[pos-offset:]})
	}

	if len(pieces) == 0 {
		return false, overlap, conflict
	}

	for _, p := range pieces {
		m.spans = append(m.spans, p)
		m.received += uint32(len(p.data))
	}
	sort.Slice(m.spans, func(i, j int) bool { return m.spans[i].offset < m.spans[j].offset })

	if offset == 0 {
		m.started = true
	}
	return true, overlap, conflict
}

// truncate 丢弃越过总长度的数据，返回是否有丢弃
func (m *Message) truncate(limit uint32) bool {
	dropped := false
	kept := m.spans[:0]
	for _, s := range m.spans {
		switch {
		case s.offset >= limit:
			m.received -= uint32(len(s.data))
			dropped = true
		case s.end() > limit:
			cut := s.end() - limit
			s.data = s.data[:len(s.data)-int(cut)]
			m.received -= cut
			dropped = true
			kept = append(kept, s)
		default:
			kept = append(kept, s)
		}
	}
	m.spans = kept
	return dropped
}

// covered 总长度已知且 [0, total) 无空洞
func (m *Message) covered() bool {
	if !m.totalKnown {
		return false
	}
	var next uint32
	for _, s := range m.spans {
		if s.offset > next {
			return false
		}
		if s.end() > next {
			next = s.end()
		}
		if next >= m.total {
			return true
		}
	}
	return next >= m.total
}

// assemble 拼接为连续缓冲区，调用前必须已 covered
func (m *Message) assemble() []byte {
	buf := make([]byte, m.total)
	for _, s := range m.spans {
		copy(buf[s.offset:], s.data)
	}
	return buf
}

// matches 已完成消息与新分片内容是否一致
func (m *Message) matches(offset uint32, data []byte) bool {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(m.data)) {
		return false
	}
	return bytes.Equal(m.data[offset:end], data)
}

func (m *Message) refreshState() {
	if m.state.Terminal() {
		return
	}
	if m.started || m.totalKnown {
		m.state = StateAwaitingCompletion
	} else {
		m.state = StateAwaitingFirst
	}
}

func (m *Message) snapshot() Snapshot {
	received := m.received
	if m.state.Terminal() {
		received = m.total
	}
	return Snapshot{
		Key:        m.key,
		State:      m.state,
		Total:      m.total,
		TotalKnown: m.totalKnown,
		Received:   received,
		Fragments:  m.fragments,
		Overlap:    m.overlap,
		Conflict:   m.conflict,
		Malformed:  m.malformed,
		Data:       m.data,
	}
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
