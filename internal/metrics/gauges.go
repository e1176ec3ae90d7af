// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 解析过程指标 - 分片结果 / 交付耗时 / 推送丢弃
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/fragkit/internal/reassembly"
)

// FragkitMetrics 解析过程指标
type FragkitMetrics struct {
	FramesTotal     *prometheus.CounterVec
	FragmentsTotal  *prometheus.CounterVec
	HandoffTotal    *prometheus.CounterVec
	HandoffErrors   *prometheus.CounterVec
	HandoffLatency  *prometheus.HistogramVec
	SessionsActive  prometheus.Gauge
	FeedClients     prometheus.Gauge
	FeedDropped     prometheus.Counter
	CaptureDuration *prometheus.HistogramVec
}

// NewFragkitMetrics 创建并注册指标
func NewFragkitMetrics(registry *prometheus.Registry) *FragkitMetrics {
	m := &FragkitMetrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fragkit",
				Name:      "frames_total",
				Help:      "Frames dissected by transport",
			},
			[]string{"kind"},
		),
		FragmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fragkit",
				Name:      "fragments_total",
				Help:      "Fragment outcomes by transport and status",
			},
			[]string{"kind", "status"},
		),
		HandoffTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fragkit",
				Name:      "handoff_total",
				Help:      "Messages handed to the upper layer decoder",
			},
			[]string{"kind"},
		),
		HandoffErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fragkit",
				Name:      "handoff_errors_total",
				Help:      "Upper layer decoder failures",
			},
			[]string{"kind"},
		),
		HandoffLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fragkit",
				Name:      "handoff_duration_seconds",
				Help:      "Upper layer decode latency",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
			},
			[]string{"kind"},
		),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fragkit",
			Name:      "sessions_active",
			Help:      "Capture sessions currently being dissected",
		}),
		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fragkit",
			Name:      "feed_clients",
			Help:      "Connected live feed clients",
		}),
		FeedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fragkit",
			Name:      "feed_dropped_total",
			Help:      "Deliveries dropped for slow feed clients",
		}),
		CaptureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fragkit",
				Name:      "capture_pass_duration_seconds",
				Help:      "Wall time of one pass over a capture",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pass"},
		),
	}

	registry.MustRegister(
		m.FramesTotal,
		m.FragmentsTotal,
		m.HandoffTotal,
		m.HandoffErrors,
		m.HandoffLatency,
		m.SessionsActive,
		m.FeedClients,
		m.FeedDropped,
		m.CaptureDuration,
	)
	return m
}

// RecordFrame 记录一帧
func (m *FragkitMetrics) RecordFrame(kind reassembly.Kind) {
	m.FramesTotal.WithLabelValues(kind.String()).Inc()
}

// ObserveFragment 记录一个分片的处理结果
func (m *FragkitMetrics) ObserveFragment(kind reassembly.Kind, status string) {
	m.FragmentsTotal.WithLabelValues(kind.String(), status).Inc()
}

// ObserveHandoff 记录一次上层解码
func (m *FragkitMetrics) ObserveHandoff(kind reassembly.Kind, d time.Duration, err error) {
	k := kind.String()
	m.HandoffTotal.WithLabelValues(k).Inc()
	m.HandoffLatency.WithLabelValues(k).Observe(d.Seconds())
	if err != nil {
		m.HandoffErrors.WithLabelValues(k).Inc()
	}
}

// RecordPass 记录一遍回放耗时
func (m *FragkitMetrics) RecordPass(first bool, d time.Duration) {
	pass := "second"
	if first {
		pass = "first"
	}
	m.CaptureDuration.WithLabelValues(pass).Observe(d.Seconds())
}

// SessionStarted 会话开始
func (m *FragkitMetrics) SessionStarted() { m.SessionsActive.Inc() }

// SessionFinished 会话结束
func (m *FragkitMetrics) SessionFinished() { m.SessionsActive.Dec() }

// FeedClientConnected 推送客户端连接
func (m *FragkitMetrics) FeedClientConnected() { m.FeedClients.Inc() }

// FeedClientDisconnected 推送客户端断开
func (m *FragkitMetrics) FeedClientDisconnected() { m.FeedClients.Dec() }

// FeedDrop 推送丢弃
func (m *FragkitMetrics) FeedDrop() { m.FeedDropped.Inc() }
