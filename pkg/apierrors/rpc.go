package apierrors

import (
	"errors"
	"fmt"
	"strings"
)

// RPCError 是写回调用方的 JSON-RPC 错误对象。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ToRPC 将任意错误规整为 JSON-RPC 错误。
// 业务错误使用映射表中的错误码；其余错误视为引擎失败，message 为顶层错误文本，
// data 为完整的原因链。
func ToRPC(err error) *RPCError {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*RPCError); ok {
		return rpcErr
	}
	if apiErr, ok := FromError(err); ok && apiErr.Code != CodeEngineFailure {
		out := &RPCError{Code: RPCCode(apiErr.Code), Message: apiErr.Error()}
		if apiErr.cause != nil {
			out.Data = FormatChain(apiErr.cause)
		}
		return out
	}
	return &RPCError{
		Code:    RPCServerError,
		Message: err.Error(),
		Data:    FormatChain(err),
	}
}

// FormatChain 展开错误链，每层一行。
func FormatChain(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(err.Error())
	causes := causesOf(err)
	if len(causes) == 0 {
		return b.String()
	}
	b.WriteString("\n\nCaused by:")
	for i, cause := range causes {
		fmt.Fprintf(&b, "\n    %d: %s", i, cause.Error())
	}
	return b.String()
}

func causesOf(err error) []error {
	var out []error
	queue := unwrapAll(err)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == nil {
			continue
		}
		out = append(out, next)
		queue = append(queue, unwrapAll(next)...)
	}
	return out
}

func unwrapAll(err error) []error {
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		return u.Unwrap()
	case interface{ Unwrap() error }:
		if inner := u.Unwrap(); inner != nil {
			return []error{inner}
		}
	}
	return nil
}

// IsRPC 判断错误是否为指定 JSON-RPC 错误码。
func IsRPC(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
