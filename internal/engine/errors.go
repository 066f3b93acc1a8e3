package engine

import (
	"errors"
	"strings"
)

// Error 是引擎返回的失败。Message 原样返回给调用方，Cause 保留完整原因链。
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError 构造引擎错误。
func NewError(message string, cause error) *Error {
	return &Error{Message: message, Cause: cause}
}

// ErrNotConfigured 表示未配置引擎终端。
var ErrNotConfigured = errors.New("signing engine not configured")

// chainError 用于从远端返回的原因文本重建错误链。
type chainError struct {
	msg  string
	next error
}

func (c *chainError) Error() string { return c.msg }
func (c *chainError) Unwrap() error { return c.next }

// chainFrom 将逐层原因文本还原为嵌套错误，首个元素在最外层。
func chainFrom(causes []string) error {
	var out error
	for i := len(causes) - 1; i >= 0; i-- {
		msg := strings.TrimSpace(causes[i])
		if msg == "" {
			continue
		}
		out = &chainError{msg: msg, next: out}
	}
	return out
}
