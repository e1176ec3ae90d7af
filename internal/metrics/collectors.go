// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 收集器 - 重组表 / 重传过滤器
// =============================================================================
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/fragkit/internal/dedup"
	"github.com/mrcgq/fragkit/internal/reassembly"
)

// =============================================================================
// 重组表收集器
// =============================================================================

// StatsProvider 重组统计来源 (一个解析会话)
type StatsProvider interface {
	Name() string
	ReassemblyStats() reassembly.Stats
}

// ReassemblyCollector 重组表收集器
type ReassemblyCollector struct {
	mu      sync.RWMutex
	sources []StatsProvider

	pending    *prometheus.Desc
	complete   *prometheus.Desc
	orphans    *prometheus.Desc
	fragments  *prometheus.Desc
	duplicates *prometheus.Desc
	overlaps   *prometheus.Desc
	conflicts  *prometheus.Desc
	malformed  *prometheus.Desc
	keyReuse   *prometheus.Desc
	completed  *prometheus.Desc
	delivered  *prometheus.Desc
	expired    *prometheus.Desc
}

// NewReassemblyCollector 创建重组表收集器
func NewReassemblyCollector(sources ...StatsProvider) *ReassemblyCollector {
	labels := []string{"session"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("fragkit_reassembly_"+name, help, labels, nil)
	}
	return &ReassemblyCollector{
		sources:    sources,
		pending:    desc("pending", "Messages still waiting for fragments"),
		complete:   desc("complete", "Messages complete but not yet handed off"),
		orphans:    desc("orphans", "Messages buffered without their first fragment"),
		fragments:  desc("fragments_total", "Fragments accepted into the table"),
		duplicates: desc("duplicates_total", "Fragments fully covered by earlier data"),
		overlaps:   desc("overlaps_total", "Fragments overlapping earlier data with equal bytes"),
		conflicts:  desc("conflicts_total", "Fragments overlapping earlier data with different bytes"),
		malformed:  desc("malformed_total", "Fragments rejected as malformed"),
		keyReuse:   desc("key_reuse_total", "Fragments arriving for an already consumed key"),
		completed:  desc("completed_total", "Messages that reached completion"),
		delivered:  desc("delivered_total", "Messages handed to the upper layer"),
		expired:    desc("expired_total", "Pending messages dropped by the TTL sweep"),
	}
}

// Add 追加统计来源
func (c *ReassemblyCollector) Add(src StatsProvider) {
	c.mu.Lock()
	c.sources = append(c.sources, src)
	c.mu.Unlock()
}

// Describe 实现 prometheus.Collector
func (c *ReassemblyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.complete
	ch <- c.orphans
	ch <- c.fragments
	ch <- c.duplicates
	ch <- c.overlaps
	ch <- c.conflicts
	ch <- c.malformed
	ch <- c.keyReuse
	ch <- c.completed
	ch <- c.delivered
	ch <- c.expired
}

// Collect 实现 prometheus.Collector
func (c *ReassemblyCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	sources := append([]StatsProvider(nil), c.sources...)
	c.mu.RUnlock()

	for _, src := range sources {
		name := src.Name()
		st := src.ReassemblyStats()

		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), name)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
		}

		gauge(c.pending, st.Pending)
		gauge(c.complete, st.Complete)
		gauge(c.orphans, st.Orphans)
		counter(c.fragments, st.Fragments)
		counter(c.duplicates, st.Duplicates)
		counter(c.overlaps, st.Overlaps)
		counter(c.conflicts, st.Conflicts)
		counter(c.malformed, st.Malformed)
		counter(c.keyReuse, st.KeyReuse)
		counter(c.completed, st.Completed)
		counter(c.delivered, st.Delivered)
		counter(c.expired, st.Expired)
	}
}

// =============================================================================
// 重传过滤器收集器
// =============================================================================

// DedupStatsProvider 重传过滤统计来源
type DedupStatsProvider interface {
	Stats() dedup.Stats
}

// DedupCollector 重传过滤器收集器，每个会话一个过滤器
type DedupCollector struct {
	mu     sync.RWMutex
	guards map[string]DedupStatsProvider

	checks     *prometheus.Desc
	duplicates *prometheus.Desc
	bloomHits  *prometheus.Desc
	falseHits  *prometheus.Desc
	rotations  *prometheus.Desc
	cached     *prometheus.Desc
}

// NewDedupCollector 创建重传过滤器收集器
func NewDedupCollector() *DedupCollector {
	labels := []string{"session"}
	return &DedupCollector{
		guards: make(map[string]DedupStatsProvider),
		checks: prometheus.NewDesc("fragkit_dedup_checks_total",
			"Fragments checked against the retransmission guard", labels, nil),
		duplicates: prometheus.NewDesc("fragkit_dedup_duplicates_total",
			"Fragments recognised as retransmissions", labels, nil),
		bloomHits: prometheus.NewDesc("fragkit_dedup_bloom_hits_total",
			"Bloom filter positives", labels, nil),
		falseHits: prometheus.NewDesc("fragkit_dedup_false_hits_total",
			"Bloom filter positives rejected by the exact cache", labels, nil),
		rotations: prometheus.NewDesc("fragkit_dedup_rotations_total",
			"Time slice rotations", labels, nil),
		cached: prometheus.NewDesc("fragkit_dedup_cached",
			"Digests held by the exact cache", labels, nil),
	}
}

// Add 登记一个会话的过滤器
func (c *DedupCollector) Add(session string, guard DedupStatsProvider) {
	c.mu.Lock()
	c.guards[session] = guard
	c.mu.Unlock()
}

// Describe 实现 prometheus.Collector
func (c *DedupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checks
	ch <- c.duplicates
	ch <- c.bloomHits
	ch <- c.falseHits
	ch <- c.rotations
	ch <- c.cached
}

// Collect 实现 prometheus.Collector
func (c *DedupCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, g := range c.guards {
		st := g.Stats()
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(st.TotalChecks), name)
		ch <- prometheus.MustNewConstMetric(c.duplicates, prometheus.CounterValue, float64(st.Duplicates), name)
		ch <- prometheus.MustNewConstMetric(c.bloomHits, prometheus.CounterValue, float64(st.BloomHits), name)
		ch <- prometheus.MustNewConstMetric(c.falseHits, prometheus.CounterValue, float64(st.FalseHits), name)
		ch <- prometheus.MustNewConstMetric(c.rotations, prometheus.CounterValue, float64(st.Rotations), name)
		ch <- prometheus.MustNewConstMetric(c.cached, prometheus.GaugeValue, float64(st.Cached), name)
	}
}
