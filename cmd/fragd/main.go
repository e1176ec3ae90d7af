// =============================================================================
// 文件: cmd/fragd/main.go
// 描述: 主程序入口 - 抓包回放、分片重组、Prometheus 指标和实时推送
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/fragkit/internal/capture"
	"github.com/mrcgq/fragkit/internal/config"
	"github.com/mrcgq/fragkit/internal/dedup"
	"github.com/mrcgq/fragkit/internal/dissect"
	"github.com/mrcgq/fragkit/internal/feed"
	"github.com/mrcgq/fragkit/internal/handoff"
	"github.com/mrcgq/fragkit/internal/logging"
	"github.com/mrcgq/fragkit/internal/metrics"
	"github.com/mrcgq/fragkit/internal/reassembly"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (为空使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	genSample := flag.String("gen-sample", "", "生成样例抓包到指定路径")
	serve := flag.Bool("serve", false, "回放结束后保持指标和推送服务，直到收到信号")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s [选项] [抓包文件...]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	if *genSample != "" {
		n, err := capture.Generate(*genSample, capture.SampleOptions{Ports: cfg.Capture.Ports})
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成样例失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("已生成样例抓包: %s (%d 个报文)\n", *genSample, n)
		return
	}

	// 命令行输入覆盖配置
	if flag.NArg() > 0 {
		cfg.Capture.Inputs = flag.Args()
	}
	if len(cfg.Capture.Inputs) == 0 && !*serve {
		fmt.Fprintln(os.Stderr, "没有输入抓包")
		flag.Usage()
		os.Exit(2)
	}

	zl, err := logging.New(cfg.LogLevel, cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	log := zl.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := newApp(cfg, log)
	a.sinks = append(a.sinks, logging.NewDeliverySink(zl))

	// 创建 Metrics 服务器
	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
			log,
		)
		a.metrics = metrics.NewFragkitMetrics(a.metricsServer.GetRegistry())
		a.reassemblyCollector = metrics.NewReassemblyCollector()
		a.metricsServer.MustRegisterCollector(a.reassemblyCollector)
		if cfg.Dedup.Enabled {
			a.dedupCollector = metrics.NewDedupCollector()
			a.metricsServer.MustRegisterCollector(a.dedupCollector)
		}
		a.metricsServer.SetHealthCheck(a.healthStatus)

		if err := a.metricsServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
			a.metricsServer = nil
		}
	}

	// 创建推送服务
	if cfg.Feed.Enabled {
		a.hub = feed.NewHub(cfg.Feed.Listen, cfg.Feed.Path, cfg.Feed.BufferSize, log)
		if a.metrics != nil {
			a.hub.SetObserver(a.metrics)
		}
		if err := a.hub.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "推送服务启动失败: %v\n", err)
			a.hub = nil
		} else {
			a.sinks = append(a.sinks, a.hub)
		}
	}

	printBanner(cfg, a)

	results, err := a.replayAll(ctx)
	printSummary(results)

	if *serve && err == nil && (a.metricsServer != nil || a.hub != nil) {
		fmt.Println("回放完成，按 Ctrl+C 停止")
		<-ctx.Done()
	}

	fmt.Println("\n正在关闭...")
	cancel()
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.metricsServer != nil {
		a.metricsServer.Stop()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "回放失败: %v\n", err)
		os.Exit(1)
	}
	for _, r := range results {
		if r != nil && r.Err != nil {
			os.Exit(1)
		}
	}
}

// =============================================================================
// 回放
// =============================================================================

type app struct {
	cfg   *config.Config
	log   *zap.SugaredLogger
	ports *capture.PortMap
	sinks []handoff.Sink

	metricsServer       *metrics.MetricsServer
	metrics             *metrics.FragkitMetrics
	reassemblyCollector *metrics.ReassemblyCollector
	dedupCollector      *metrics.DedupCollector
	hub                 *feed.Hub

	active   int64
	finished int64
	failed   int64
}

type sessionResult struct {
	Name   string
	Path   string
	First  *capture.PassSummary
	Second *capture.PassSummary
	Stats  map[string]interface{}
	Err    error
}

func newApp(cfg *config.Config, log *zap.SugaredLogger) *app {
	return &app{
		cfg:   cfg,
		log:   log,
		ports: capture.NewPortMap(cfg.Capture.Ports),
	}
}

// replayAll 并发回放所有输入，每个输入一个会话
//
// 单个输入失败只记录在结果里，不影响其它输入；只有取消会中止全部。
func (a *app) replayAll(ctx context.Context) ([]*sessionResult, error) {
	inputs := a.cfg.Capture.Inputs
	names := sessionNames(inputs)
	results := make([]*sessionResult, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Capture.Workers)

	for i, path := range inputs {
		i, path := i, path
		g.Go(func() error {
			res := a.replay(gctx, names[i], path)
			results[i] = res
			if res.Err != nil {
				atomic.AddInt64(&a.failed, 1)
				if errors.Is(res.Err, context.Canceled) {
					return res.Err
				}
				a.log.Errorw("回放失败", "session", res.Name, "err", res.Err)
			}
			return nil
		})
	}

	return results, g.Wait()
}

func (a *app) replay(ctx context.Context, name, path string) *sessionResult {
	res := &sessionResult{Name: name, Path: path}

	disp := handoff.NewDefaultDispatcher()
	for _, s := range a.sinks {
		disp.AddSink(s)
	}

	opts := dissect.Options{
		Table:      reassembly.Options{MaxMessageSize: uint32(a.cfg.Reassembly.MaxMessageSize)},
		PendingTTL: a.cfg.PendingTTL(),
		Dispatcher: disp,
	}
	if a.cfg.Dedup.Enabled {
		opts.Guard = dedup.New(dedup.Options{
			ExpectedItems:  uint(a.cfg.Dedup.ExpectedItems),
			FalsePositive:  a.cfg.Dedup.FalsePositive,
			SliceDuration:  a.cfg.Dedup.SliceDuration(),
			Slices:         a.cfg.Dedup.Slices,
			ExactCacheSize: a.cfg.Dedup.ExactCacheSize,
		})
		if a.dedupCollector != nil {
			a.dedupCollector.Add(name, opts.Guard)
		}
	}
	if a.metrics != nil {
		disp.SetObserver(a.metrics)
		opts.Recorder = a.metrics
	}

	session := dissect.NewSession(name, opts, a.log)
	if a.reassemblyCollector != nil {
		a.reassemblyCollector.Add(session)
	}

	r := capture.NewReplayer(a.ports, session, a.log)
	if a.metrics != nil {
		r.SetObserver(a.metrics)
		a.metrics.SessionStarted()
		defer a.metrics.SessionFinished()
	}

	atomic.AddInt64(&a.active, 1)
	defer atomic.AddInt64(&a.active, -1)
	defer atomic.AddInt64(&a.finished, 1)

	res.First, res.Err = r.Run(ctx, path, true)
	if res.First != nil && a.metrics != nil {
		a.metrics.RecordPass(true, res.First.Duration)
	}
	if res.Err == nil && a.cfg.Capture.TwoPass {
		res.Second, res.Err = r.Run(ctx, path, false)
		if res.Second != nil && a.metrics != nil {
			a.metrics.RecordPass(false, res.Second.Duration)
		}
	}
	res.Stats = session.GetStats()
	return res
}

// sessionNames 以文件名作为会话名，重名时追加序号
func sessionNames(inputs []string) []string {
	seen := make(map[string]int)
	names := make([]string, len(inputs))
	for i, in := range inputs {
		base := filepath.Base(in)
		seen[base]++
		if n := seen[base]; n > 1 {
			base = fmt.Sprintf("%s#%d", base, n)
		}
		names[i] = base
	}
	return names
}

// =============================================================================
// 健康检查
// =============================================================================

func (a *app) healthStatus() metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime),
		Components: make(map[string]metrics.ComponentHealth),
	}

	active := atomic.LoadInt64(&a.active)
	finished := atomic.LoadInt64(&a.finished)
	failed := atomic.LoadInt64(&a.failed)
	status.Components["replay"] = metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("active: %d, finished: %d/%d", active, finished, len(a.cfg.Capture.Inputs)),
	}
	if failed > 0 {
		status.Status = "degraded"
		status.Components["replay"] = metrics.ComponentHealth{
			Status:  "degraded",
			Message: fmt.Sprintf("failed: %d", failed),
		}
	}

	if a.hub != nil {
		status.Components["feed"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("clients: %d", a.hub.Clients()),
		}
	}
	return status
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("fragd v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("支持承载:")
	fmt.Println("  - pbadv : BT Mesh PB-ADV (UDP 封装)")
	fmt.Println("  - proxy : BT Mesh Proxy SAR (UDP 封装)")
	fmt.Println("  - dnp3  : DNP3 传输层 (TCP)")
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  fragd -gen-sample sample.pcap")
	fmt.Println("  fragd -c config.yaml sample.pcap")
	fmt.Println("  fragd -c config.yaml -serve a.pcap b.pcap")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
	fmt.Println("  - /feed     : WebSocket 交付推送")
}

func printBanner(cfg *config.Config, a *app) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║         fragd v%-50s ║\n", Version)
	fmt.Println("║         PB-ADV + Mesh Proxy + DNP3 分片重组                      ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  输入文件: %-53s ║\n", fmt.Sprintf("%d 个", len(cfg.Capture.Inputs)))
	fmt.Printf("║  并发数:   %-53d ║\n", cfg.Capture.Workers)
	fmt.Printf("║  两遍回放: %-53v ║\n", cfg.Capture.TwoPass)
	fmt.Printf("║  端口映射: %-53s ║\n", truncateString(formatPorts(cfg.Capture.Ports), 53))

	if a.metricsServer != nil {
		fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Prometheus: http://localhost%s%-35s ║\n", cfg.Metrics.Listen, cfg.Metrics.Path)
		fmt.Printf("║  健康检查:   http://localhost%s%-33s ║\n", cfg.Metrics.Listen, cfg.Metrics.HealthPath)
	}
	if a.hub != nil {
		fmt.Printf("║  实时推送:   ws://localhost%s%-37s ║\n", cfg.Feed.Listen, cfg.Feed.Path)
	}

	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Println("║  已启用功能:                                                     ║")
	if cfg.Dedup.Enabled {
		fmt.Println("║    ✓ 重传过滤 (布隆过滤器 + 精确缓存)                            ║")
	}
	if cfg.Reassembly.PendingTTLSec > 0 {
		fmt.Printf("║    ✓ 未完成消息超时清理 (%-3d 秒)                                 ║\n", cfg.Reassembly.PendingTTLSec)
	}
	if cfg.Log.File != "" {
		fmt.Println("║    ✓ 滚动日志文件                                                ║")
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printSummary(results []*sessionResult) {
	fmt.Println()
	fmt.Printf("%-24s %8s %8s %8s %8s %8s  %s\n", "会话", "报文", "帧", "交付", "告警", "待重组", "结果")
	for _, r := range results {
		if r == nil {
			continue
		}
		var packets, frames, deliveries, warnings uint64
		if r.First != nil {
			packets, frames = r.First.Packets, r.First.Frames
			deliveries, warnings = r.First.Deliveries, r.First.Warnings
		}
		pending := 0
		if v, ok := r.Stats["pending"].(int); ok {
			pending = v
		}
		result := "OK"
		switch {
		case r.Err != nil:
			result = r.Err.Error()
		case r.Second != nil && r.Second.Deliveries != deliveries:
			result = fmt.Sprintf("第二遍交付不一致 (%d)", r.Second.Deliveries)
		}
		fmt.Printf("%-24s %8d %8d %8d %8d %8d  %s\n",
			truncateString(r.Name, 24), packets, frames, deliveries, warnings, pending, result)
	}
	fmt.Println()
}

func formatPorts(p config.PortsConfig) string {
	return fmt.Sprintf("pbadv=%v proxy=%v dnp3=%v", p.PBADV, p.Proxy, p.DNP3)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
