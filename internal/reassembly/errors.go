// =============================================================================
// 文件: internal/reassembly/errors.go
// 描述: 分片重组 - 错误定义 (全部可恢复，不终止重组表)
// =============================================================================
package reassembly

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedLength 分片越过已声明的总长度，或总长度被重复声明为不同值
	ErrMalformedLength = errors.New("分片长度与总长度不符")
	// ErrOverlapConflict 同一区间收到内容不同的数据，保留先到者
	ErrOverlapConflict = errors.New("重叠分片内容冲突")
	// ErrKeyReuse 已完成的键收到与已交付内容不一致的分片
	ErrKeyReuse = errors.New("重组键被复用")
	// ErrMessageTooLarge 超过配置的最大消息长度
	ErrMessageTooLarge = errors.New("消息超过最大长度")
)

// Error 带上下文的重组错误
type Error struct {
	Key Key
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(key Key, op string, err error) error {
	return &Error{Key: key, Op: op, Err: err}
}
