// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志 - zap 终端输出 + lumberjack 滚动文件
// =============================================================================
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mrcgq/fragkit/internal/config"
	"github.com/mrcgq/fragkit/internal/handoff"
)

// ParseLevel 解析日志级别，未知级别按 info 处理
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New 按配置创建日志器
func New(level string, cfg config.LogConfig) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevelAt(ParseLevel(level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if cfg.Format == "json" {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), lvl),
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), lvl))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// DeliverySink 把每条交付记录到日志
type DeliverySink struct {
	log *zap.Logger
}

// NewDeliverySink 创建交付日志
func NewDeliverySink(log *zap.Logger) *DeliverySink {
	return &DeliverySink{log: log.Named("handoff")}
}

// Publish 实现 handoff.Sink
func (s *DeliverySink) Publish(d *handoff.Decoded) {
	s.log.Info("消息交付",
		zap.String("kind", d.Kind),
		zap.String("key", d.Key),
		zap.Uint64("frame", d.Frame),
		zap.Int("len", d.Length),
		zap.String("type", d.Type),
		zap.String("summary", d.Summary),
	)
}
