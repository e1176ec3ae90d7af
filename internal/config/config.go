// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 重组参数、抓包端口映射、监控与推送端口冲突检测
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	Log        LogConfig        `yaml:"log"`
	Reassembly ReassemblyConfig `yaml:"reassembly"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Capture    CaptureConfig    `yaml:"capture"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Feed       FeedConfig       `yaml:"feed"`
}

// LogConfig 日志输出配置
type LogConfig struct {
	Format     string `yaml:"format"` // console, json
	File       string `yaml:"file"`   // 为空则只输出到标准错误
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ReassemblyConfig 重组表配置
type ReassemblyConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PendingTTLSec  int `yaml:"pending_ttl_sec"` // 0 表示永不清理
}

// DedupConfig 重传过滤配置
type DedupConfig struct {
	Enabled        bool    `yaml:"enabled"`
	SliceSec       int     `yaml:"slice_sec"`
	Slices         int     `yaml:"slices"`
	ExpectedItems  int     `yaml:"expected_items"`
	FalsePositive  float64 `yaml:"false_positive"`
	ExactCacheSize int     `yaml:"exact_cache_size"`
}

// CaptureConfig 抓包回放配置
type CaptureConfig struct {
	Inputs  []string    `yaml:"inputs"`
	TwoPass bool        `yaml:"two_pass"`
	Workers int         `yaml:"workers"`
	Ports   PortsConfig `yaml:"ports"`
}

// PortsConfig 端口到承载的映射
type PortsConfig struct {
	PBADV []int `yaml:"pbadv"` // UDP
	Proxy []int `yaml:"proxy"` // UDP
	DNP3  []int `yaml:"dnp3"`  // TCP
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// FeedConfig WebSocket 推送配置
type FeedConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"buffer_size"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		Log: LogConfig{
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},

		Reassembly: ReassemblyConfig{
			MaxMessageSize: 65535,
			PendingTTLSec:  0,
		},

		Dedup: DedupConfig{
			Enabled:        false,
			SliceSec:       10,
			Slices:         6,
			ExpectedItems:  20000,
			FalsePositive:  0.0001,
			ExactCacheSize: 20000,
		},

		Capture: CaptureConfig{
			TwoPass: true,
			Workers: 4,
			Ports: PortsConfig{
				PBADV: []int{8891},
				Proxy: []int{8892},
				DNP3:  []int{20000},
			},
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Feed: FeedConfig{
			Enabled:    false,
			Listen:     ":9101",
			Path:       "/feed",
			BufferSize: 256,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 无效: %q (可选 debug, info, warn, error)", c.LogLevel)
	}

	if err := c.validateLog(); err != nil {
		return err
	}

	if c.Reassembly.MaxMessageSize < 1 || c.Reassembly.MaxMessageSize > 1<<20 {
		return fmt.Errorf("reassembly.max_message_size 需在 1-%d 之间", 1<<20)
	}
	if c.Reassembly.PendingTTLSec < 0 {
		return fmt.Errorf("reassembly.pending_ttl_sec 不能为负数")
	}

	if c.Dedup.Enabled {
		if err := c.validateDedup(); err != nil {
			return err
		}
	}

	if err := c.validateCapture(); err != nil {
		return err
	}

	// 监听端口冲突检测
	ports := map[int]string{}
	if c.Metrics.Enabled {
		p, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		ports[p] = "metrics"
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
	}
	if c.Feed.Enabled {
		p, err := parsePort(c.Feed.Listen)
		if err != nil {
			return fmt.Errorf("feed.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[p]; exists {
			return fmt.Errorf("feed.listen 端口 (%d) 与 %s 冲突", p, existing)
		}
		if c.Feed.BufferSize < 1 || c.Feed.BufferSize > 65536 {
			return fmt.Errorf("feed.buffer_size 需在 1-65536 之间")
		}
	}

	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format 无效: %q (可选 console, json)", c.Log.Format)
	}
	if c.Log.File != "" && c.Log.MaxSizeMB < 1 {
		return fmt.Errorf("log.max_size_mb 需大于 0")
	}
	if c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log.max_backups / log.max_age_days 不能为负数")
	}
	return nil
}

func (c *Config) validateDedup() error {
	if c.Dedup.SliceSec < 1 || c.Dedup.SliceSec > 3600 {
		return fmt.Errorf("dedup.slice_sec 需在 1-3600 之间")
	}
	if c.Dedup.Slices < 1 || c.Dedup.Slices > 256 {
		return fmt.Errorf("dedup.slices 需在 1-256 之间")
	}
	if c.Dedup.ExpectedItems < 1 {
		return fmt.Errorf("dedup.expected_items 需大于 0")
	}
	if c.Dedup.FalsePositive <= 0 || c.Dedup.FalsePositive >= 1 {
		return fmt.Errorf("dedup.false_positive 需在 (0, 1) 之间")
	}
	if c.Dedup.ExactCacheSize < 1 {
		return fmt.Errorf("dedup.exact_cache_size 需大于 0")
	}
	return nil
}

func (c *Config) validateCapture() error {
	if c.Capture.Workers < 1 || c.Capture.Workers > 64 {
		return fmt.Errorf("capture.workers 需在 1-64 之间")
	}

	// UDP 端口不能同时映射到两种承载
	udp := map[int]string{}
	for _, group := range []struct {
		name  string
		ports []int
	}{{"pbadv", c.Capture.Ports.PBADV}, {"proxy", c.Capture.Ports.Proxy}} {
		for _, p := range group.ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("capture.ports.%s 端口无效: %d", group.name, p)
			}
			if existing, exists := udp[p]; exists && existing != group.name {
				return fmt.Errorf("capture.ports.%s 端口 (%d) 与 %s 冲突", group.name, p, existing)
			}
			udp[p] = group.name
		}
	}
	for _, p := range c.Capture.Ports.DNP3 {
		if p < 1 || p > 65535 {
			return fmt.Errorf("capture.ports.dnp3 端口无效: %d", p)
		}
	}

	if len(c.Capture.Ports.PBADV)+len(c.Capture.Ports.Proxy)+len(c.Capture.Ports.DNP3) == 0 {
		return fmt.Errorf("capture.ports 至少需要配置一个端口")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = "/" + c.Metrics.Path
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
	if c.Feed.Path == "" {
		c.Feed.Path = "/feed"
	} else if !strings.HasPrefix(c.Feed.Path, "/") {
		c.Feed.Path = "/" + c.Feed.Path
	}
}

func parsePort(addr string) (int, error) {
	var port int
	var err error
	if strings.HasPrefix(addr, ":") {
		port, err = strconv.Atoi(addr[1:])
	} else if _, portStr, serr := net.SplitHostPort(addr); serr == nil {
		port, err = strconv.Atoi(portStr)
	} else {
		port, err = strconv.Atoi(addr)
	}
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("端口超出范围: %d", port)
	}
	return port, nil
}

// PendingTTL 未完成消息的清理时限
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Reassembly.PendingTTLSec) * time.Second
}

// SliceDuration 重传过滤时间片长度
func (c *DedupConfig) SliceDuration() time.Duration {
	return time.Duration(c.SliceSec) * time.Second
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# fragkit 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error

# 日志输出
log:
  format: "console"                 # console, json
  file: ""                          # 日志文件 (留空只输出到终端)
  max_size_mb: 100                  # 单个文件上限
  max_backups: 5                    # 保留的旧文件数
  max_age_days: 30                  # 旧文件保留天数
  compress: false                   # 压缩旧文件

# 分片重组
reassembly:
  max_message_size: 65535           # 单条消息上限 (字节)
  pending_ttl_sec: 0                # 未完成消息清理时限 (秒)，0 表示永不清理

# 重传过滤 (广播承载会重复发送同一 PDU)
dedup:
  enabled: false
  slice_sec: 10                     # 时间片长度 (秒)
  slices: 6                         # 保留的时间片数量
  expected_items: 20000             # 每个时间片预期条目数
  false_positive: 0.0001            # 布隆过滤器误报率
  exact_cache_size: 20000           # 精确缓存容量

# 抓包回放
capture:
  inputs: []                        # pcap 文件列表 (命令行参数优先)
  two_pass: true                    # 第二遍只查询缓存结果
  workers: 4                        # 并行回放的文件数
  ports:
    pbadv: [8891]                   # UDP 端口 -> PB-ADV 承载
    proxy: [8892]                   # UDP 端口 -> Proxy 承载
    dnp3: [20000]                   # TCP 端口 -> DNP3

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# 重组结果实时推送 (WebSocket)
feed:
  enabled: false
  listen: ":9101"
  path: "/feed"
  buffer_size: 256                  # 每个客户端的发送队列长度
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
