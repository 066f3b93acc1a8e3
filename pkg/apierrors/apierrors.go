package apierrors

import (
	"errors"
	"strconv"
	"time"
)

// Code 表示统一业务错误码。
type Code string

const (
	CodeParseError      Code = "PARSE_ERROR"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeMethodNotFound  Code = "METHOD_NOT_FOUND"
	CodeInvalidParams   Code = "INVALID_PARAMS"
	CodeWrongPassword   Code = "WRONG_PASSWORD"
	CodeLocked          Code = "LOCKED"
	CodeNoPassword      Code = "NO_PASSWORD"
	CodeIdentityCorrupt Code = "IDENTITY_CORRUPT"
	CodeIdentityIO      Code = "IDENTITY_IO"
	CodeNoIdentity      Code = "NO_IDENTITY"
	CodeRetryLater      Code = "RETRY_LATER"
	CodeEngineFailure   Code = "ENGINE_FAILURE"
)

// JSON-RPC 2.0 预留错误码。
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
	// RPCServerError 是引擎失败使用的 500 类错误码。
	RPCServerError = 500
)

var httpStatusMap = map[Code]int{
	CodeParseError:      400,
	CodeInvalidRequest:  400,
	CodeMethodNotFound:  404,
	CodeInvalidParams:   400,
	CodeWrongPassword:   403,
	CodeLocked:          423,
	CodeNoPassword:      409,
	CodeIdentityCorrupt: 503,
	CodeIdentityIO:      503,
	CodeNoIdentity:      503,
	CodeRetryLater:      429,
	CodeEngineFailure:   500,
}

var rpcCodeMap = map[Code]int{
	CodeParseError:      RPCParseError,
	CodeInvalidRequest:  RPCInvalidRequest,
	CodeMethodNotFound:  RPCMethodNotFound,
	CodeInvalidParams:   RPCInvalidParams,
	CodeWrongPassword:   403,
	CodeLocked:          423,
	CodeNoPassword:      409,
	CodeIdentityCorrupt: 503,
	CodeIdentityIO:      503,
	CodeNoIdentity:      503,
	CodeRetryLater:      429,
	CodeEngineFailure:   RPCServerError,
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Code       Code
	Message    string
	cause      error
	retryAfter time.Duration
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 创建带底层原因的业务错误。
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	apiErr, ok := FromError(err)
	return ok && apiErr.Code == code
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// RPCCode 返回对应的 JSON-RPC 错误码，未知错误按引擎失败处理。
func RPCCode(code Code) int {
	if rpc, ok := rpcCodeMap[code]; ok {
		return rpc
	}
	return RPCServerError
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeRetryLater
}
