// =============================================================================
// 文件: internal/capture/replay.go
// 描述: 抓包回放 - 读取 pcap 并逐帧送入解析会话
// =============================================================================
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/mrcgq/fragkit/internal/dissect"
	"github.com/mrcgq/fragkit/internal/reassembly"
)

// Dissector 解析会话
type Dissector interface {
	Dissect(f dissect.Frame, first bool) (*dissect.Outcome, error)
}

// FrameObserver 帧计数回调 (指标)
type FrameObserver interface {
	RecordFrame(kind reassembly.Kind)
}

// PassSummary 一遍回放的结果
type PassSummary struct {
	Path       string
	First      bool
	Packets    uint64
	Frames     uint64
	Skipped    uint64
	Deliveries uint64
	Warnings   uint64
	Errors     uint64
	Duration   time.Duration
}

// Replayer 抓包回放器
type Replayer struct {
	ports    *PortMap
	session  Dissector
	observer FrameObserver
	log      *zap.SugaredLogger

	stats struct {
		packets    uint64
		frames     uint64
		deliveries uint64
		passes     uint64
	}
}

// NewReplayer 创建回放器
func NewReplayer(ports *PortMap, session Dissector, log *zap.SugaredLogger) *Replayer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Replayer{
		ports:   ports,
		session: session,
		log:     log.Named("capture"),
	}
}

// SetObserver 设置帧计数回调
func (r *Replayer) SetObserver(o FrameObserver) {
	r.observer = o
}

// Run 回放一遍抓包
//
// 帧号从 1 开始按文件顺序编号，两遍回放编号一致。
// first 为 false 时只查询首遍结果。
func (r *Replayer) Run(ctx context.Context, path string, first bool) (*PassSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开抓包失败: %w", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("读取 pcap 文件头失败 %s: %w", path, err)
	}

	src := gopacket.NewPacketSource(reader, reader.LinkType())
	sum := &PassSummary{Path: path, First: first}
	start := time.Now()
	var number uint64

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("读取第 %d 个报文失败: %w", number+1, err)
		}
		number++
		sum.Packets++

		frame, ok := r.ports.Classify(packet)
		if !ok {
			sum.Skipped++
			continue
		}
		frame.Number = number
		frame.Timestamp = packet.Metadata().Timestamp
		sum.Frames++
		if first && r.observer != nil {
			r.observer.RecordFrame(frame.Kind)
		}

		out, err := r.session.Dissect(frame, first)
		if err != nil {
			sum.Errors++
			r.log.Warnw("解析失败", "frame", number, "kind", frame.Kind, "err", err)
			continue
		}
		sum.Deliveries += uint64(len(out.Delivered()))
		sum.Warnings += uint64(len(out.Warnings))
	}

	sum.Duration = time.Since(start)
	atomic.AddUint64(&r.stats.packets, sum.Packets)
	atomic.AddUint64(&r.stats.frames, sum.Frames)
	atomic.AddUint64(&r.stats.deliveries, sum.Deliveries)
	atomic.AddUint64(&r.stats.passes, 1)

	r.log.Infow("回放完成",
		"path", path,
		"first", first,
		"packets", sum.Packets,
		"frames", sum.Frames,
		"deliveries", sum.Deliveries,
		"warnings", sum.Warnings,
		"duration", sum.Duration,
	)
	return sum, nil
}

// GetStats 获取统计
func (r *Replayer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"packets":    atomic.LoadUint64(&r.stats.packets),
		"frames":     atomic.LoadUint64(&r.stats.frames),
		"deliveries": atomic.LoadUint64(&r.stats.deliveries),
		"passes":     atomic.LoadUint64(&r.stats.passes),
	}
}
