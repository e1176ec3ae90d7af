// =============================================================================
// 文件: internal/handoff/handoff.go
// 描述: 上层交付 - 把重组完成 (或未分片) 的消息交给上层解码器
// =============================================================================
package handoff

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/fragkit/internal/reassembly"
)

var ErrNoDecoder = errors.New("没有注册解码器")

// Delivery 交付给上层的一条完整消息
type Delivery struct {
	Kind         reassembly.Kind
	Key          reassembly.Key
	Fragmented   bool   // 是否经过重组
	SegmentIndex uint32 // 完成消息的那个分片的段号
	Fragments    int
	Frame        uint64 // 完成消息的报文编号
	Timestamp    time.Time
	Data         []byte

	// PB-ADV 起始分片携带的 FCS
	FCS      uint8
	FCSKnown bool
	// Proxy 消息类型
	MessageType uint8
}

// Decoded 上层解码结果，对重组引擎不透明
type Decoded struct {
	Delivery Delivery       `json:"-"`
	Kind     string         `json:"kind"`
	Key      string         `json:"key"`
	Frame    uint64         `json:"frame"`
	Length   int            `json:"length"`
	Type     string         `json:"type"`
	Summary  string         `json:"summary"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// Decoder 上层解码器
type Decoder interface {
	Decode(d Delivery) (*Decoded, error)
}

// DecoderFunc 函数适配
type DecoderFunc func(d Delivery) (*Decoded, error)

func (f DecoderFunc) Decode(d Delivery) (*Decoded, error) { return f(d) }

// Sink 解码结果的观察者 (推送 / 日志)
type Sink interface {
	Publish(*Decoded)
}

// Observer 交付耗时观察者 (指标)
type Observer interface {
	ObserveHandoff(kind reassembly.Kind, d time.Duration, err error)
}

// Dispatcher 按传输类型分发
type Dispatcher struct {
	mu       sync.RWMutex
	decoders map[reassembly.Kind]Decoder
	sinks    []Sink
	observer Observer

	delivered    uint64
	fragmented   uint64
	decodeErrors uint64
}

// NewDispatcher 创建分发器
func NewDispatcher() *Dispatcher {
	return &Dispatcher{decoders: make(map[reassembly.Kind]Decoder)}
}

// NewDefaultDispatcher 注册内置摘要解码器
func NewDefaultDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.Register(reassembly.KindPBADV, DecoderFunc(DecodeProvisioning))
	d.Register(reassembly.KindProxy, DecoderFunc(DecodeProxy))
	d.Register(reassembly.KindDNP3, DecoderFunc(DecodeDNP3))
	return d
}

// Register 注册解码器，重复注册覆盖
func (d *Dispatcher) Register(kind reassembly.Kind, dec Decoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoders[kind] = dec
}

// AddSink 添加观察者
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// SetObserver 设置耗时观察者
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// HandOff 交付一条消息
func (d *Dispatcher) HandOff(kind reassembly.Kind, fragmented bool, segmentIndex uint32, data []byte) (*Decoded, error) {
	return d.Dispatch(Delivery{
		Kind:         kind,
		Fragmented:   fragmented,
		SegmentIndex: segmentIndex,
		Data:         data,
	})
}

// Dispatch 交付一条消息，解码失败直接返回，不重试
func (d *Dispatcher) Dispatch(del Delivery) (*Decoded, error) {
	d.mu.RLock()
	dec, ok := d.decoders[del.Kind]
	sinks := d.sinks
	obs := d.observer
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDecoder, del.Kind)
	}

	atomic.AddUint64(&d.delivered, 1)
	if del.Fragmented {
		atomic.AddUint64(&d.fragmented, 1)
	}

	start := time.Now()
	out, err := dec.Decode(del)
	if obs != nil {
		obs.ObserveHandoff(del.Kind, time.Since(start), err)
	}
	if err != nil {
		atomic.AddUint64(&d.decodeErrors, 1)
		return nil, fmt.Errorf("解码 %s 失败: %w", del.Kind, err)
	}

	out.Delivery = del
	out.Kind = del.Kind.String()
	out.Key = del.Key.String()
	out.Frame = del.Frame
	out.Length = len(del.Data)
	if out.Attrs == nil {
		out.Attrs = make(map[string]any)
	}
	out.Attrs["fragmented"] = del.Fragmented

	for _, s := range sinks {
		s.Publish(out)
	}
	return out, nil
}

// GetStats 获取统计
func (d *Dispatcher) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"delivered":     atomic.LoadUint64(&d.delivered),
		"fragmented":    atomic.LoadUint64(&d.fragmented),
		"decode_errors": atomic.LoadUint64(&d.decodeErrors),
	}
}
