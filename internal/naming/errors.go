package naming

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParam 标识符格式非法，调用方修正输入后可重试。
	ErrInvalidParam = errors.New("invalid param")

	// ErrServiceNotWritable 注册表处于只读/排空状态，或本节点不是 Leader。
	ErrServiceNotWritable = errors.New("service not writable")
)

// invalidf 构造包裹 ErrInvalidParam 的错误。
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParam, fmt.Sprintf(format, args...))
}

// ErrorCode 返回错误对应的机器可读码，供传输层渲染。
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrInvalidParam):
		return "INVALID_PARAM"
	case errors.Is(err, ErrServiceNotWritable):
		return "SERVICE_NOT_WRITABLE"
	default:
		return "SERVER_ERROR"
	}
}
