// =============================================================================
// 文件: cmd/fragd/main_test.go
// =============================================================================
package main

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/mrcgq/fragkit/internal/capture"
	"github.com/mrcgq/fragkit/internal/config"
	"github.com/mrcgq/fragkit/internal/metrics"
)

func TestSessionNames(t *testing.T) {
	got := sessionNames([]string{"/a/x.pcap", "/b/x.pcap", "y.pcap"})
	want := []string{"x.pcap", "x.pcap#2", "y.pcap"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReplayAll(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Dedup.Enabled = true

	for _, name := range []string{"a.pcap", "b.pcap"} {
		path := filepath.Join(dir, name)
		if _, err := capture.Generate(path, capture.SampleOptions{Ports: cfg.Capture.Ports}); err != nil {
			t.Fatalf("生成样例失败: %v", err)
		}
		cfg.Capture.Inputs = append(cfg.Capture.Inputs, path)
	}
	cfg.Capture.Inputs = append(cfg.Capture.Inputs, filepath.Join(dir, "missing.pcap"))

	a := newApp(cfg, zap.NewNop().Sugar())
	ms := metrics.NewMetricsServer(":0", "/metrics", "/health", false, nil)
	a.metrics = metrics.NewFragkitMetrics(ms.GetRegistry())
	a.reassemblyCollector = metrics.NewReassemblyCollector()
	a.dedupCollector = metrics.NewDedupCollector()
	ms.MustRegisterCollector(a.reassemblyCollector)
	ms.MustRegisterCollector(a.dedupCollector)

	results, err := a.replayAll(context.Background())
	if err != nil {
		t.Fatalf("replayAll 返回错误: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("结果数 = %d", len(results))
	}

	for _, r := range results[:2] {
		if r.Err != nil {
			t.Errorf("%s 回放失败: %v", r.Name, r.Err)
			continue
		}
		if r.First.Deliveries != capture.SampleDeliveries {
			t.Errorf("%s 交付数 = %d", r.Name, r.First.Deliveries)
		}
		if r.Second == nil || r.Second.Deliveries != r.First.Deliveries {
			t.Errorf("%s 第二遍结果错误: %+v", r.Name, r.Second)
		}
	}
	if results[2].Err == nil {
		t.Error("缺失的输入应报错")
	}

	st := a.healthStatus()
	if st.Status != "degraded" {
		t.Errorf("有失败输入时应为 degraded: %s", st.Status)
	}
	if _, err := ms.GetRegistry().Gather(); err != nil {
		t.Errorf("采集指标失败: %v", err)
	}
}
