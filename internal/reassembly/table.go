// =============================================================================
// 文件: internal/reassembly/table.go
// 描述: 分片重组表 - Key -> Message 映射，负责插入、完成判定与交付
// =============================================================================
package reassembly

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxMessageSize 默认最大消息长度 (PB-ADV 总长度字段为 16 位)
const DefaultMaxMessageSize = 65535

// Options 重组表参数
type Options struct {
	// MaxMessageSize 单条消息上限，0 表示不限制
	MaxMessageSize uint32
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{MaxMessageSize: DefaultMaxMessageSize}
}

// Stats 统计
type Stats struct {
	Pending  int
	Complete int
	Consumed int
	Orphans  int

	Fragments  uint64
	Duplicates uint64
	Overlaps   uint64
	Conflicts  uint64
	Malformed  uint64
	KeyReuse   uint64
	Completed  uint64
	Delivered  uint64
	Expired    uint64
}

// Table 重组表
//
// 每个传输层实例 (每个方向) 一张表，表之间不共享。
// 内部加锁只为了让指标采集可以并发读取统计。
type Table struct {
	opts    Options
	entries map[Key]*Message

	fragments  uint64
	duplicates uint64
	overlaps   uint64
	conflicts  uint64
	malformed  uint64
	keyReuse   uint64
	completed  uint64
	delivered  uint64
	expired    uint64

	mu sync.RWMutex
}

// New 创建重组表
func New(opts Options) *Table {
	return &Table{
		opts:    opts,
		entries: make(map[Key]*Message),
	}
}

// Add 插入一个分片
//
// offset 为该分片在完整消息中的字节位置；final 表示该分片结束消息，
// 此时总长度隐式为 offset+len(payload)。
func (t *Table) Add(key Key, offset uint32, payload []byte, final bool, at time.Time) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := uint64(offset) + uint64(len(payload))
	if t.opts.MaxMessageSize > 0 && end > uint64(t.opts.MaxMessageSize) {
		t.malformed++
		if m, ok := t.entries[key]; ok {
			m.malformed = true
			return m.result(StatusPending), newError(key, "add", ErrMessageTooLarge)
		}
		return Result{Status: StatusPending}, newError(key, "add", ErrMessageTooLarge)
	}

	m, ok := t.entries[key]
	if !ok {
		m = newMessage(key, at)
		t.entries[key] = m
	}
	m.touch(at)

	if m.state.Terminal() {
		if m.matches(offset, payload) {
			t.duplicates++
			return m.result(StatusDuplicate), nil
		}
		t.keyReuse++
		return m.result(StatusPending), newError(key, "add", ErrKeyReuse)
	}

	if final && m.totalKnown && uint64(m.total) != end {
		t.malformed++
		m.malformed = true
		return m.result(StatusPending), newError(key, "add", ErrMalformedLength)
	}
	if m.totalKnown && end > uint64(m.total) {
		t.malformed++
		m.malformed = true
		return m.result(StatusPending), newError(key, "add", ErrMalformedLength)
	}

	buf := append([]byte(nil), payload...)
	added, overlap, conflict := m.insert(offset, buf)

	var err error
	totalChanged := false
	if final && !m.totalKnown {
		m.total = uint32(end)
		m.totalKnown = true
		totalChanged = true
		// 超出最终分片末尾的已缓存数据被丢弃
		if m.truncate(m.total) {
			m.malformed = true
			t.malformed++
			err = newError(key, "add", ErrMalformedLength)
		}
	}

	if overlap {
		m.overlap = true
		t.overlaps++
	}

	if conflict {
		m.conflict = true
		t.conflicts++
		if err == nil {
			err = newError(key, "add", ErrOverlapConflict)
		}
	}

	if !added && !totalChanged {
		if !conflict {
			t.duplicates++
			return m.result(StatusDuplicate), nil
		}
		return m.result(StatusPending), err
	}

	if added {
		m.fragments++
		t.fragments++
	}
	return t.evaluate(m), err
}

// SetTotalLength 起始分片声明的总长度，可以晚于后续分片到达
func (t *Table) SetTotalLength(key Key, n uint32, at time.Time) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opts.MaxMessageSize > 0 && n > t.opts.MaxMessageSize {
		t.malformed++
		return Result{Status: StatusPending}, newError(key, "set_total", ErrMessageTooLarge)
	}

	m, ok := t.entries[key]
	if !ok {
		m = newMessage(key, at)
		t.entries[key] = m
	}
	m.touch(at)

	if m.totalKnown {
		if m.total == n {
			if m.state.Terminal() {
				return m.result(StatusDuplicate), nil
			}
			return m.result(StatusPending), nil
		}
		t.malformed++
		m.malformed = true
		return m.result(StatusPending), newError(key, "set_total", ErrMalformedLength)
	}

	m.total = n
	m.totalKnown = true

	var err error
	if m.truncate(n) {
		t.malformed++
		m.malformed = true
		err = newError(key, "set_total", ErrMalformedLength)
	}
	return t.evaluate(m), err
}

// evaluate 完成判定，完成只会发生一次
func (t *Table) evaluate(m *Message) Result {
	if m.covered() {
		m.data = m.assemble()
		m.spans = nil
		m.state = StateComplete
		t.completed++
		return m.result(StatusCompleted)
	}
	m.refreshState()
	return m.result(StatusPending)
}

func (m *Message) result(status Status) Result {
	r := Result{
		Status:    status,
		State:     m.state,
		Fragments: m.fragments,
		Overlap:   m.overlap,
		Conflict:  m.conflict,
	}
	if status == StatusCompleted {
		r.Data = m.data
	}
	return r
}

// Get 只读查询，不改变任何状态
func (t *Table) Get(key Key) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshot(), true
}

// IsComplete 是否已完整 (含已交付)
func (t *Table) IsComplete(key Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.entries[key]
	return ok && m.state.Terminal()
}

// TakeCompleted 取出完整缓冲区，状态转为 Consumed
//
// 缓冲区继续保留在表中，供第二遍解析通过 Get 查询。
func (t *Table) TakeCompleted(key Key) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.entries[key]
	if !ok || m.state != StateComplete {
		return nil, false
	}
	m.state = StateConsumed
	t.delivered++
	return m.data, true
}

// Pending 未完成的键，按首次出现时间排序
func (t *Table) Pending() []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var msgs []*Message
	for _, m := range t.entries {
		if !m.state.Terminal() {
			msgs = append(msgs, m)
		}
	}
	return sortedKeys(msgs)
}

// Orphans 只有后续分片、始终没见到起始分片的键
func (t *Table) Orphans() []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var msgs []*Message
	for _, m := range t.entries {
		if m.state == StateAwaitingFirst {
			msgs = append(msgs, m)
		}
	}
	return sortedKeys(msgs)
}

// Expire 清除最后活动早于 cutoff 的未完成消息和已交付消息
//
// 默认不会被调用；是否启用由调用方决定。
func (t *Table) Expire(cutoff time.Time) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Message
	for k, m := range t.entries {
		if m.state == StateComplete || !m.lastSeen.Before(cutoff) {
			continue
		}
		removed = append(removed, m)
		delete(t.entries, k)
		if !m.state.Terminal() {
			t.expired++
		}
	}
	return sortedKeys(removed)
}

// Abandon 丢弃一条未完成的消息 (传输层序号断裂)，计为畸形
func (t *Table) Abandon(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.entries[key]
	if !ok || m.state.Terminal() {
		return false
	}
	delete(t.entries, key)
	t.malformed++
	return true
}

// Len 表中条目数 (含已交付)
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Stats 获取统计
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		Fragments:  t.fragments,
		Duplicates: t.duplicates,
		Overlaps:   t.overlaps,
		Conflicts:  t.conflicts,
		Malformed:  t.malformed,
		KeyReuse:   t.keyReuse,
		Completed:  t.completed,
		Delivered:  t.delivered,
		Expired:    t.expired,
	}
	for _, m := range t.entries {
		switch m.state {
		case StateAwaitingFirst:
			s.Pending++
			s.Orphans++
		case StateAwaitingCompletion:
			s.Pending++
		case StateComplete:
			s.Complete++
		case StateConsumed:
			s.Consumed++
		}
	}
	return s
}

// Reset 清空表 (新的抓包会话)
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[Key]*Message)
	t.fragments = 0
	t.duplicates = 0
	t.overlaps = 0
	t.conflicts = 0
	t.malformed = 0
	t.keyReuse = 0
	t.completed = 0
	t.delivered = 0
	t.expired = 0
}

func sortedKeys(msgs []*Message) []Key {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].firstSeen.Equal(msgs[j].firstSeen) {
			return msgs[i].firstSeen.Before(msgs[j].firstSeen)
		}
		return lessKey(msgs[i].key, msgs[j].key)
	})
	keys := make([]Key, len(msgs))
	for i, m := range msgs {
		keys[i] = m.key
	}
	return keys
}

func lessKey(a, b Key) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Side != b.Side {
		return a.Side < b.Side
	}
	if a.Stream != b.Stream {
		return a.Stream < b.Stream
	}
	return a.ID < b.ID
}
