// =============================================================================
// 文件: internal/dedup/guard.go
// 描述: 重传过滤 - 时间分片布隆过滤器 + 精确缓存
//       广播承载会多次重复发送同一 PDU，在进入重组表之前丢弃
// =============================================================================
package dedup

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/mrcgq/fragkit/internal/reassembly"
)

// Options 过滤器参数
type Options struct {
	ExpectedItems  uint          // 每个时间片预期条目数
	FalsePositive  float64       // 布隆过滤器误报率
	SliceDuration  time.Duration // 时间片长度
	Slices         int           // 保留的时间片数量
	ExactCacheSize int           // 精确缓存容量
}

// DefaultOptions 默认参数: 10 秒一片，保留 6 片
func DefaultOptions() Options {
	return Options{
		ExpectedItems:  20000,
		FalsePositive:  0.0001,
		SliceDuration:  10 * time.Second,
		Slices:         6,
		ExactCacheSize: 20000,
	}
}

// Digest 分片摘要
type Digest [blake2b.Size256]byte

// Stats 统计信息
type Stats struct {
	TotalChecks uint64
	Duplicates  uint64
	BloomHits   uint64
	FalseHits   uint64 // 布隆命中但精确缓存未命中
	Rotations   uint64
	Cached      int // 精确缓存当前条目数
}

// Guard 重传过滤器
//
// 时间由调用方驱动 (报文时间戳)，离线回放与在线抓包行为一致。
// 布隆过滤器只作快速否定，重复的最终判定以精确缓存为准，
// 因此误报不会丢弃合法分片。
type Guard struct {
	opts Options

	mu         sync.Mutex
	slices     []*timeSlice
	currentIdx int
	exact      *lruCache

	stats Stats
}

type timeSlice struct {
	bloom     *bloom.BloomFilter
	startTime time.Time
	count     int64
}

// New 创建过滤器
func New(opts Options) *Guard {
	def := DefaultOptions()
	if opts.ExpectedItems == 0 {
		opts.ExpectedItems = def.ExpectedItems
	}
	if opts.FalsePositive <= 0 || opts.FalsePositive >= 1 {
		opts.FalsePositive = def.FalsePositive
	}
	if opts.SliceDuration <= 0 {
		opts.SliceDuration = def.SliceDuration
	}
	if opts.Slices <= 0 {
		opts.Slices = def.Slices
	}
	if opts.ExactCacheSize <= 0 {
		opts.ExactCacheSize = def.ExactCacheSize
	}

	g := &Guard{opts: opts}
	g.resetLocked(time.Time{})
	return g
}

func (g *Guard) newSlice(start time.Time) *timeSlice {
	return &timeSlice{
		bloom:     bloom.NewWithEstimates(g.opts.ExpectedItems, g.opts.FalsePositive),
		startTime: start,
	}
}

func (g *Guard) resetLocked(now time.Time) {
	g.slices = make([]*timeSlice, g.opts.Slices)
	for i := range g.slices {
		g.slices[i] = g.newSlice(now)
	}
	g.currentIdx = 0
	g.exact = newLRUCache(g.opts.ExactCacheSize)
}

// Sum 计算 (键, 偏移, 数据) 的摘要
func Sum(key reassembly.Key, offset uint32, payload []byte) Digest {
	var hdr [17]byte
	hdr[0] = byte(key.Kind)
	hdr[1] = byte(key.Side)
	binary.BigEndian.PutUint32(hdr[2:6], key.Stream)
	binary.BigEndian.PutUint32(hdr[6:10], key.ID)
	binary.BigEndian.PutUint32(hdr[10:14], offset)
	binary.BigEndian.PutUint16(hdr[14:16], uint16(len(payload)))

	h, _ := blake2b.New256(nil)
	h.Write(hdr[:])
	h.Write(payload)

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// CheckAndMark 检查并标记分片
// 返回 true 表示首次出现，false 表示重传
func (g *Guard) CheckAndMark(key reassembly.Key, offset uint32, payload []byte, at time.Time) bool {
	atomic.AddUint64(&g.stats.TotalChecks, 1)
	d := Sum(key, offset, payload)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.rotateLocked(at)
	if g.seenLocked(d) {
		return false
	}

	// 新分片，加入当前时间片
	cur := g.slices[g.currentIdx]
	cur.bloom.Add(d[:])
	cur.count++
	g.exact.add(d)

	return true
}

// Seen 只检查不标记，返回 true 表示该分片已出现过
func (g *Guard) Seen(key reassembly.Key, offset uint32, payload []byte, at time.Time) bool {
	atomic.AddUint64(&g.stats.TotalChecks, 1)
	d := Sum(key, offset, payload)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.rotateLocked(at)
	return g.seenLocked(d)
}

func (g *Guard) seenLocked(d Digest) bool {
	// 1. 布隆过滤器快速否定
	hit := false
	for _, s := range g.slices {
		if s.bloom.Test(d[:]) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}

	// 2. 精确缓存确认
	atomic.AddUint64(&g.stats.BloomHits, 1)
	if g.exact.contains(d) {
		atomic.AddUint64(&g.stats.Duplicates, 1)
		return true
	}
	atomic.AddUint64(&g.stats.FalseHits, 1)
	return false
}

// Rotate 按时间推进时间片
func (g *Guard) Rotate(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rotateLocked(now)
}

func (g *Guard) rotateLocked(now time.Time) {
	cur := g.slices[g.currentIdx]
	if cur.startTime.IsZero() {
		cur.startTime = now
		return
	}
	if now.Sub(cur.startTime) < g.opts.SliceDuration {
		return
	}

	// 时间跳跃超过整个窗口时全部重置
	steps := int(now.Sub(cur.startTime) / g.opts.SliceDuration)
	if steps >= len(g.slices) {
		g.resetLocked(now)
		atomic.AddUint64(&g.stats.Rotations, uint64(steps))
		return
	}

	for i := 0; i < steps; i++ {
		g.currentIdx = (g.currentIdx + 1) % len(g.slices)
		g.slices[g.currentIdx] = g.newSlice(cur.startTime.Add(time.Duration(i+1) * g.opts.SliceDuration))
	}
	atomic.AddUint64(&g.stats.Rotations, uint64(steps))
}

// Stats 返回统计信息
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	cached := g.exact.len()
	g.mu.Unlock()

	return Stats{
		TotalChecks: atomic.LoadUint64(&g.stats.TotalChecks),
		Duplicates:  atomic.LoadUint64(&g.stats.Duplicates),
		BloomHits:   atomic.LoadUint64(&g.stats.BloomHits),
		FalseHits:   atomic.LoadUint64(&g.stats.FalseHits),
		Rotations:   atomic.LoadUint64(&g.stats.Rotations),
		Cached:      cached,
	}
}

// Reset 清空所有时间片与缓存
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked(time.Time{})
}

// Window 过滤窗口长度
func (g *Guard) Window() time.Duration {
	return g.opts.SliceDuration * time.Duration(g.opts.Slices)
}

// === 精确缓存 (FIFO 淘汰) ===

type lruCache struct {
	capacity int
	items    map[Digest]struct{}
	order    []Digest
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[Digest]struct{}, capacity),
		order:    make([]Digest, 0, capacity),
	}
}

func (c *lruCache) add(d Digest) {
	if _, exists := c.items[d]; exists {
		return
	}
	if len(c.items) >= c.capacity {
		oldest := c.order[0]
		delete(c.items, oldest)
		c.order = c.order[1:]
	}
	c.items[d] = struct{}{}
	c.order = append(c.order, d)
}

func (c *lruCache) contains(d Digest) bool {
	_, exists := c.items[d]
	return exists
}

func (c *lruCache) len() int { return len(c.items) }
