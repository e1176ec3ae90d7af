// =============================================================================
// 文件: internal/dissect/session.go
// 描述: 解析会话 - 一次抓包对应一个会话，负责首遍插入与二遍查询
// =============================================================================
package dissect

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/fragkit/internal/bearer"
	"github.com/mrcgq/fragkit/internal/dedup"
	"github.com/mrcgq/fragkit/internal/handoff"
	"github.com/mrcgq/fragkit/internal/reassembly"
	"github.com/mrcgq/fragkit/internal/segmentation"
)

var (
	ErrNotVisited          = errors.New("报文未经首遍解析")
	ErrUnknownKind         = errors.New("未知传输类型")
	ErrOrphanContinuation  = errors.New("没有起始分片的后续分片")
	ErrAbandoned           = errors.New("未完成的消息被新的起始分片取代")
	ErrSequenceGap         = errors.New("传输层序号不连续")
	ErrTransportBroken     = errors.New("传输层序号断裂，未完成的消息已丢弃")
	ErrMessageTypeMismatch = errors.New("分片消息类型不一致")
)

// Frame 一个物理报文
type Frame struct {
	Number    uint64
	Timestamp time.Time
	Kind      reassembly.Kind
	Side      reassembly.Side
	Stream    uint32 // 传输层连接标识 (DNP3 的 TCP 流)
	Payload   []byte
}

// Item 报文中单个分片的处理结果
type Item struct {
	Key            reassembly.Key
	Role           segmentation.Role
	SegmentIndex   uint32
	Offset         uint32
	Length         int
	Status         reassembly.Status
	State          reassembly.State
	Orphan         bool
	Retransmission bool
	Adopted        uint64 // 非零表示分片来自更早的报文，在起始分片到达后补放
	Decoded        *handoff.Decoded
}

// Outcome 单个报文的解析结果，首遍生成后缓存
type Outcome struct {
	Frame    uint64
	Kind     reassembly.Kind
	Items    []Item
	Control  string // 不参与重组的控制 PDU
	Warnings []error
}

// Delivered 本报文交付的消息
func (o *Outcome) Delivered() []*handoff.Decoded {
	var out []*handoff.Decoded
	for _, it := range o.Items {
		if it.Decoded != nil {
			out = append(out, it.Decoded)
		}
	}
	return out
}

func (o *Outcome) warn(err error) {
	o.Warnings = append(o.Warnings, err)
}

// Recorder 分片计数观察者 (指标)
type Recorder interface {
	ObserveFragment(kind reassembly.Kind, status string)
}

// Options 会话参数
type Options struct {
	Table      reassembly.Options
	PendingTTL time.Duration // 0 表示不清理
	Guard      *dedup.Guard  // nil 表示不做重传过滤
	Dispatcher *handoff.Dispatcher
	Recorder   Recorder
}

type tableID struct {
	kind reassembly.Kind
	side reassembly.Side
}

type flowID struct {
	side   reassembly.Side
	stream uint32
}

// earlyFragment 起始分片之前到达的后续分片，按到达顺序暂存
type earlyFragment struct {
	key     reassembly.Key
	frame   uint64
	at      time.Time
	role    segmentation.Role
	msgType uint8
	data    []byte
}

type pbadvStart struct {
	segN uint8
	fcs  uint8
}

// Session 解析会话
//
// 首遍解析由单个 goroutine 顺序调用；锁只保护统计与结果缓存，
// 使指标采集和二遍查询可以并发进行。
type Session struct {
	name string
	opts Options
	log  *zap.SugaredLogger

	mu         sync.RWMutex
	tables     map[tableID]*reassembly.Table
	sequencers map[reassembly.Kind]*segmentation.Sequencer
	scanners   map[flowID]*bearer.LinkScanner
	early      map[flowID][]earlyFragment
	starts     map[reassembly.Key]pbadvStart
	proxyTypes map[reassembly.Key]uint8
	outcomes   map[uint64]*Outcome
	lastSweep  time.Time

	stats sessionStats
}

type sessionStats struct {
	frames          uint64
	lookups         uint64
	fragments       uint64
	deliveries      uint64
	unfragmented    uint64
	decodeErrors    uint64
	malformed       uint64
	warnings        uint64
	orphans         uint64
	adopted         uint64
	retransmissions uint64
	abandoned       uint64
	sequenceGaps    uint64
	controlPDUs     uint64
	expired         uint64
}

// NewSession 创建会话
func NewSession(name string, opts Options, log *zap.SugaredLogger) *Session {
	if opts.Dispatcher == nil {
		opts.Dispatcher = handoff.NewDefaultDispatcher()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		name:       name,
		opts:       opts,
		log:        log.With("session", name),
		tables:     make(map[tableID]*reassembly.Table),
		sequencers: make(map[reassembly.Kind]*segmentation.Sequencer),
		scanners:   make(map[flowID]*bearer.LinkScanner),
		early:      make(map[flowID][]earlyFragment),
		starts:     make(map[reassembly.Key]pbadvStart),
		proxyTypes: make(map[reassembly.Key]uint8),
		outcomes:   make(map[uint64]*Outcome),
	}
}

// Name 会话名称
func (s *Session) Name() string { return s.name }

// Dissect 处理一个报文
//
// first 为 true 表示首次看到该报文，分片会被插入重组表；
// first 为 false 只返回首遍缓存的结果，不做任何插入。
// 畸形输入作为 Outcome.Warnings 返回，不会中止会话。
func (s *Session) Dissect(f Frame, first bool) (*Outcome, error) {
	s.mu.RLock()
	cached, visited := s.outcomes[f.Number]
	s.mu.RUnlock()

	if !first {
		atomic.AddUint64(&s.stats.lookups, 1)
		if !visited {
			return nil, fmt.Errorf("%w: #%d", ErrNotVisited, f.Number)
		}
		return cached, nil
	}
	if visited {
		return cached, nil
	}

	atomic.AddUint64(&s.stats.frames, 1)
	s.sweep(f.Timestamp)
	if s.opts.Guard != nil && !f.Timestamp.IsZero() {
		s.opts.Guard.Rotate(f.Timestamp)
	}

	out := &Outcome{Frame: f.Number, Kind: f.Kind}
	switch f.Kind {
	case reassembly.KindPBADV:
		s.dissectPBADV(f, out)
	case reassembly.KindProxy:
		s.dissectProxy(f, out)
	case reassembly.KindDNP3:
		s.dissectDNP3(f, out)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, f.Kind)
	}

	if n := len(out.Warnings); n > 0 {
		atomic.AddUint64(&s.stats.warnings, uint64(n))
		for _, w := range out.Warnings {
			s.log.Debugw("分片告警", "frame", f.Number, "kind", f.Kind, "err", w)
		}
	}

	s.mu.Lock()
	s.outcomes[f.Number] = out
	s.mu.Unlock()
	return out, nil
}

// =============================================================================
// 公共插入路径
// =============================================================================

func (s *Session) table(kind reassembly.Kind, side reassembly.Side) *reassembly.Table {
	id := tableID{kind: kind, side: side}

	s.mu.RLock()
	t, ok := s.tables[id]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.tables[id]; !ok {
		t = reassembly.New(s.opts.Table)
		s.tables[id] = t
	}
	return t
}

func (s *Session) sequencer(kind reassembly.Kind) *segmentation.Sequencer {
	seq, ok := s.sequencers[kind]
	if !ok {
		seq = segmentation.NewSequencer(kind)
		s.sequencers[kind] = seq
	}
	return seq
}

func (s *Session) record(kind reassembly.Kind, status string) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.ObserveFragment(kind, status)
	}
}

// retransmitted 重传过滤，返回 true 表示应丢弃
func (s *Session) retransmitted(item *Item, data []byte, at time.Time) bool {
	if s.opts.Guard == nil {
		return false
	}
	if s.opts.Guard.CheckAndMark(item.Key, item.Offset, data, at) {
		return false
	}
	s.markRetransmission(item)
	return true
}

// repeated 与同一流上一个分片完全相同的分片视为重传
//
// Proxy 和 DNP3 的偏移按到达顺序累加，重传必须在分配序号之前识别。
func (s *Session) repeated(seq *segmentation.Sequencer, id flowID, role segmentation.Role, data []byte, at time.Time, out *Outcome) bool {
	if s.opts.Guard == nil {
		return false
	}
	key, off, ok := seq.Previous(id.side, id.stream)
	if !ok || !s.opts.Guard.Seen(key, off, data, at) {
		return false
	}
	item := Item{Key: key, Role: role, Offset: off, Length: len(data)}
	s.markRetransmission(&item)
	out.Items = append(out.Items, item)
	return true
}

func (s *Session) markRetransmission(item *Item) {
	item.Retransmission = true
	item.Status = reassembly.StatusDuplicate
	atomic.AddUint64(&s.stats.retransmissions, 1)
	s.record(item.Key.Kind, "retransmission")
}

// insert 把已放置的分片写入重组表，返回完成的缓冲区
func (s *Session) insert(t *reassembly.Table, item *Item, pl segmentation.Placement, data []byte, at time.Time, out *Outcome) ([]byte, bool) {
	atomic.AddUint64(&s.stats.fragments, 1)
	completed := false

	if pl.SetTotal {
		res, err := t.SetTotalLength(item.Key, pl.Total, at)
		if err != nil {
			out.warn(err)
		}
		completed = res.Status == reassembly.StatusCompleted
		item.State = res.State
	}

	res, err := t.Add(item.Key, pl.Offset, data, pl.Final, at)
	if err != nil {
		out.warn(err)
		s.record(item.Key.Kind, "malformed")
	}
	item.Status = res.Status
	item.State = res.State
	if completed {
		item.Status = reassembly.StatusCompleted
	}
	s.record(item.Key.Kind, item.Status.String())

	if item.Status != reassembly.StatusCompleted {
		return nil, false
	}
	buf, ok := t.TakeCompleted(item.Key)
	if ok {
		item.State = reassembly.StateConsumed
	}
	return buf, ok
}

func (s *Session) deliver(item *Item, del handoff.Delivery, out *Outcome) {
	atomic.AddUint64(&s.stats.deliveries, 1)
	if !del.Fragmented {
		atomic.AddUint64(&s.stats.unfragmented, 1)
	}

	dec, err := s.opts.Dispatcher.Dispatch(del)
	if err != nil {
		atomic.AddUint64(&s.stats.decodeErrors, 1)
		out.warn(err)
		return
	}
	item.Decoded = dec
	s.log.Debugw("消息交付", "frame", del.Frame, "key", del.Key, "len", len(del.Data), "type", dec.Type)
}

// sweep 按报文时间清理超时的未完成消息
func (s *Session) sweep(now time.Time) {
	ttl := s.opts.PendingTTL
	if ttl <= 0 || now.IsZero() {
		return
	}
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < ttl/2 {
		return
	}
	s.lastSweep = now

	cutoff := now.Add(-ttl)
	for _, t := range s.allTables() {
		for _, k := range t.Expire(cutoff) {
			atomic.AddUint64(&s.stats.expired, 1)
			s.log.Debugw("清理超时消息", "key", k)
		}
	}

	s.mu.Lock()
	for id, early := range s.early {
		if early[len(early)-1].at.Before(cutoff) {
			delete(s.early, id)
			atomic.AddUint64(&s.stats.expired, 1)
			s.log.Debugw("清理超时的早到分片", "key", early[0].key, "count", len(early))
		}
	}
	s.mu.Unlock()
}

// =============================================================================
// 查询
// =============================================================================

func (s *Session) allTables() []*reassembly.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]tableID, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].kind != ids[j].kind {
			return ids[i].kind < ids[j].kind
		}
		return ids[i].side < ids[j].side
	})

	tables := make([]*reassembly.Table, len(ids))
	for i, id := range ids {
		tables[i] = s.tables[id]
	}
	return tables
}

// Lookup 只读查询某个重组键
func (s *Session) Lookup(key reassembly.Key) (reassembly.Snapshot, bool) {
	s.mu.RLock()
	t, ok := s.tables[tableID{kind: key.Kind, side: key.Side}]
	s.mu.RUnlock()
	if !ok {
		return reassembly.Snapshot{}, false
	}
	return t.Get(key)
}

// Pending 所有未完成的重组键
func (s *Session) Pending() []reassembly.Key {
	var keys []reassembly.Key
	for _, t := range s.allTables() {
		keys = append(keys, t.Pending()...)
	}
	return append(keys, s.earlyKeys()...)
}

// Orphans 始终没有起始分片的重组键，含暂存的早到分片
func (s *Session) Orphans() []reassembly.Key {
	var keys []reassembly.Key
	for _, t := range s.allTables() {
		keys = append(keys, t.Orphans()...)
	}
	return append(keys, s.earlyKeys()...)
}

func (s *Session) earlyKeys() []reassembly.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]reassembly.Key, 0, len(s.early))
	for _, early := range s.early {
		keys = append(keys, early[0].key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Side != keys[j].Side {
			return keys[i].Side < keys[j].Side
		}
		return keys[i].Stream < keys[j].Stream
	})
	return keys
}

// ReassemblyStats 所有重组表的统计之和
func (s *Session) ReassemblyStats() reassembly.Stats {
	var sum reassembly.Stats
	for _, t := range s.allTables() {
		st := t.Stats()
		sum.Pending += st.Pending
		sum.Complete += st.Complete
		sum.Consumed += st.Consumed
		sum.Orphans += st.Orphans
		sum.Fragments += st.Fragments
		sum.Duplicates += st.Duplicates
		sum.Overlaps += st.Overlaps
		sum.Conflicts += st.Conflicts
		sum.Malformed += st.Malformed
		sum.KeyReuse += st.KeyReuse
		sum.Completed += st.Completed
		sum.Delivered += st.Delivered
		sum.Expired += st.Expired
	}

	s.mu.RLock()
	sum.Pending += len(s.early)
	sum.Orphans += len(s.early)
	s.mu.RUnlock()
	return sum
}

// Reset 清空所有状态，开始新的抓包
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tables {
		t.Reset()
	}
	for _, seq := range s.sequencers {
		seq.Reset()
	}
	s.scanners = make(map[flowID]*bearer.LinkScanner)
	s.early = make(map[flowID][]earlyFragment)
	s.starts = make(map[reassembly.Key]pbadvStart)
	s.proxyTypes = make(map[reassembly.Key]uint8)
	s.outcomes = make(map[uint64]*Outcome)
	s.lastSweep = time.Time{}
	if s.opts.Guard != nil {
		s.opts.Guard.Reset()
	}
}

// GetStats 获取统计
func (s *Session) GetStats() map[string]interface{} {
	rs := s.ReassemblyStats()
	return map[string]interface{}{
		"frames":          atomic.LoadUint64(&s.stats.frames),
		"lookups":         atomic.LoadUint64(&s.stats.lookups),
		"fragments":       atomic.LoadUint64(&s.stats.fragments),
		"deliveries":      atomic.LoadUint64(&s.stats.deliveries),
		"unfragmented":    atomic.LoadUint64(&s.stats.unfragmented),
		"decode_errors":   atomic.LoadUint64(&s.stats.decodeErrors),
		"malformed":       atomic.LoadUint64(&s.stats.malformed),
		"warnings":        atomic.LoadUint64(&s.stats.warnings),
		"orphans":         atomic.LoadUint64(&s.stats.orphans),
		"adopted":         atomic.LoadUint64(&s.stats.adopted),
		"retransmissions": atomic.LoadUint64(&s.stats.retransmissions),
		"abandoned":       atomic.LoadUint64(&s.stats.abandoned),
		"sequence_gaps":   atomic.LoadUint64(&s.stats.sequenceGaps),
		"control_pdus":    atomic.LoadUint64(&s.stats.controlPDUs),
		"expired":         atomic.LoadUint64(&s.stats.expired),
		"pending":         rs.Pending,
		"completed":       rs.Completed,
		"overlaps":        rs.Overlaps,
		"conflicts":       rs.Conflicts,
		"key_reuse":       rs.KeyReuse,
	}
}
