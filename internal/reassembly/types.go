// =============================================================================
// 文件: internal/reassembly/types.go
// 描述: 分片重组 - 基础类型定义 (传输类型 / 方向 / 重组键 / 状态)
// =============================================================================
package reassembly

import "fmt"

// Kind 传输类型
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPBADV        // BT Mesh PB-ADV 承载
	KindProxy        // BT Mesh Proxy 承载
	KindDNP3         // DNP3 传输层
)

func (k Kind) String() string {
	switch k {
	case KindPBADV:
		return "pbadv"
	case KindProxy:
		return "proxy"
	case KindDNP3:
		return "dnp3"
	default:
		return "unknown"
	}
}

// Side 方向 (Proxy / DNP3 两端各自独立的序列空间)
type Side uint8

const (
	SideNone Side = iota
	SideClient
	SideServer
)

func (s Side) String() string {
	switch s {
	case SideClient:
		return "client"
	case SideServer:
		return "server"
	default:
		return "-"
	}
}

// Key 重组键，结构体本身可比较，直接作为 map key 使用
type Key struct {
	Kind   Kind
	Side   Side
	Stream uint32 // PB-ADV: Link ID; DNP3: 链路地址对; Proxy: 0
	ID     uint32 // PB-ADV: 事务号; Proxy/DNP3: 每方向递增的消息序号
}

// PBADVKey Link ID + 事务号
func PBADVKey(linkID uint32, transaction uint8) Key {
	return Key{Kind: KindPBADV, Stream: linkID, ID: uint32(transaction)}
}

// ProxyKey 方向 + 连接 + 序号，stream 为承载连接的流标识
func ProxyKey(side Side, stream, sequence uint32) Key {
	return Key{Kind: KindProxy, Side: side, Stream: stream, ID: sequence}
}

// DNP3Key 方向 + 链路地址对 + 序号
func DNP3Key(side Side, stream, sequence uint32) Key {
	return Key{Kind: KindDNP3, Side: side, Stream: stream, ID: sequence}
}

func (k Key) String() string {
	switch k.Kind {
	case KindPBADV:
		return fmt.Sprintf("pbadv(link=0x%08x trans=%d)", k.Stream, k.ID)
	case KindProxy:
		return fmt.Sprintf("proxy(%s stream=0x%08x seq=%d)", k.Side, k.Stream, k.ID)
	case KindDNP3:
		return fmt.Sprintf("dnp3(%s stream=0x%08x seq=%d)", k.Side, k.Stream, k.ID)
	default:
		return fmt.Sprintf("%s(%s %d/%d)", k.Kind, k.Side, k.Stream, k.ID)
	}
}

// State 单条消息的重组状态
type State uint8

const (
	// StateAwaitingFirst 尚未见到起始分片，也不知道总长度
	StateAwaitingFirst State = iota
	// StateAwaitingCompletion 起始分片或总长度已知，仍有空洞
	StateAwaitingCompletion
	// StateComplete 已完整，缓冲区可取
	StateComplete
	// StateConsumed 已交付给上层
	StateConsumed
)

func (s State) String() string {
	names := []string{"AWAITING_FIRST", "AWAITING_COMPLETION", "COMPLETE", "CONSUMED"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Terminal 终态不可回退
func (s State) Terminal() bool {
	return s == StateComplete || s == StateConsumed
}

// Status 单次插入的结果
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Result 插入结果
type Result struct {
	Status    Status
	State     State
	Data      []byte // 仅 StatusCompleted 时有效，调用方不得修改
	Fragments int
	Overlap   bool // 与已有数据重叠且内容一致
	Conflict  bool // 与已有数据重叠且内容不一致 (先到者优先)
}

// Snapshot 只读视图 (Get 返回)
type Snapshot struct {
	Key        Key
	State      State
	Total      uint32
	TotalKnown bool
	Received   uint32 // 已覆盖的字节数
	Fragments  int
	Overlap    bool
	Conflict   bool
	Malformed  bool
	Data       []byte // 完整后才有
}
