// =============================================================================
// 文件: internal/segmentation/policy.go
// 描述: 分段策略 - 把 "第 K 个分片" 换算为完整消息中的字节偏移
// =============================================================================
package segmentation

import (
	"errors"
	"fmt"

	"github.com/mrcgq/fragkit/internal/reassembly"
)

// PB-ADV 分段容量 (协议常量)
const (
	PBADVFirstSegmentSize        = 20
	PBADVContinuationSegmentSize = 23
	PBADVMaxSegN                 = 0x3F
)

// DNP3 传输层单段最大数据量
const DNP3MaxSegmentSize = 249

var (
	ErrBadSegmentIndex = errors.New("分段索引无效")
	ErrBadRole         = errors.New("分段角色无效")
)

// Role 分片在消息中的位置
type Role uint8

const (
	RoleUnknown      Role = iota
	RoleStart             // 起始分片 (PB-ADV Transaction Start / Proxy FIRST / DNP3 FIR)
	RoleContinuation      // 中间分片
	RoleLast              // 结束分片 (Proxy LAST / DNP3 FIN)
	RoleComplete          // 未分片的完整消息
)

func (r Role) String() string {
	names := []string{"UNKNOWN", "START", "CONTINUATION", "LAST", "COMPLETE"}
	if int(r) < len(names) {
		return names[r]
	}
	return "UNKNOWN"
}

// Header 与协议无关的分片头
type Header struct {
	Kind         reassembly.Kind
	Side         reassembly.Side
	Stream       uint32
	Transaction  uint8
	Role         Role
	SegmentIndex uint8
	SegN         uint8
	SegNKnown    bool
	TotalLength  uint16
	FCS          uint8
}

// Placement 分片放置结果
type Placement struct {
	Offset   uint32
	Final    bool
	SetTotal bool
	Total    uint32
}

// Policy 分段策略，Place 为纯函数
//
// buffered 为调用方已经归入当前消息的字节数，只有按到达顺序计算偏移的传输使用。
type Policy interface {
	Kind() reassembly.Kind
	Place(h Header, buffered uint32) (Placement, error)
}

// For 按传输类型选择策略，每个传输实例只选择一次
func For(kind reassembly.Kind) (Policy, error) {
	switch kind {
	case reassembly.KindPBADV:
		return PBADV{}, nil
	case reassembly.KindProxy:
		return Proxy{}, nil
	case reassembly.KindDNP3:
		return DNP3{}, nil
	}
	return nil, fmt.Errorf("不支持的传输类型: %s", kind)
}

// =============================================================================
// PB-ADV: 起始分片携带总长度，后续分片按固定容量计算偏移
// =============================================================================

// PBADV 策略
type PBADV struct{}

func (PBADV) Kind() reassembly.Kind { return reassembly.KindPBADV }

func (PBADV) Place(h Header, _ uint32) (Placement, error) {
	switch h.Role {
	case RoleStart:
		return Placement{
			Offset:   0,
			Final:    h.SegN == 0,
			SetTotal: true,
			Total:    uint32(h.TotalLength),
		}, nil
	case RoleContinuation:
		if h.SegmentIndex == 0 || h.SegmentIndex > PBADVMaxSegN {
			return Placement{}, fmt.Errorf("%w: %d", ErrBadSegmentIndex, h.SegmentIndex)
		}
		if h.SegNKnown && h.SegmentIndex > h.SegN {
			return Placement{}, fmt.Errorf("%w: %d > SegN %d", ErrBadSegmentIndex, h.SegmentIndex, h.SegN)
		}
		return Placement{Offset: PBADVContinuationOffset(h.SegmentIndex)}, nil
	}
	return Placement{}, fmt.Errorf("%w: pbadv %s", ErrBadRole, h.Role)
}

// PBADVContinuationOffset 第 idx 个后续分片的偏移
func PBADVContinuationOffset(idx uint8) uint32 {
	return PBADVFirstSegmentSize + uint32(idx-1)*PBADVContinuationSegmentSize
}

// SplitPBADV 按 20 / 23 字节切分，第 0 段为起始分片数据
func SplitPBADV(msg []byte) [][]byte {
	first := PBADVFirstSegmentSize
	if len(msg) < first {
		first = len(msg)
	}
	segs := [][]byte{msg[:first]}
	for off := first; off < len(msg); off += PBADVContinuationSegmentSize {
		end := off + PBADVContinuationSegmentSize
		if end > len(msg) {
			end = len(msg)
		}
		segs = append(segs, msg[off:end])
	}
	return segs
}

// =============================================================================
// Proxy / DNP3: 偏移由到达顺序决定，结束标记关闭消息
// =============================================================================

// Proxy 策略
type Proxy struct{}

func (Proxy) Kind() reassembly.Kind { return reassembly.KindProxy }

func (Proxy) Place(h Header, buffered uint32) (Placement, error) {
	return placeByArrival(h, buffered)
}

// DNP3 策略
type DNP3 struct{}

func (DNP3) Kind() reassembly.Kind { return reassembly.KindDNP3 }

func (DNP3) Place(h Header, buffered uint32) (Placement, error) {
	return placeByArrival(h, buffered)
}

func placeByArrival(h Header, buffered uint32) (Placement, error) {
	switch h.Role {
	case RoleStart:
		return Placement{Offset: 0}, nil
	case RoleComplete:
		return Placement{Offset: 0, Final: true}, nil
	case RoleContinuation:
		return Placement{Offset: buffered}, nil
	case RoleLast:
		return Placement{Offset: buffered, Final: true}, nil
	}
	return Placement{}, fmt.Errorf("%w: %s %s", ErrBadRole, h.Kind, h.Role)
}

// SplitFixed 按固定大小切分 (Proxy MTU / DNP3 传输段)
func SplitFixed(msg []byte, size int) [][]byte {
	if size <= 0 || len(msg) <= size {
		return [][]byte{msg}
	}
	var segs [][]byte
	for off := 0; off < len(msg); off += size {
		end := off + size
		if end > len(msg) {
			end = len(msg)
		}
		segs = append(segs, msg[off:end])
	}
	return segs
}
