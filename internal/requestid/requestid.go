// Package requestid 在 context 中传递请求 ID。
package requestid

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Header 是请求/响应中携带请求 ID 的头。
const Header = "X-Request-Id"

type ctxKey struct{}

// New 生成新的请求 ID。
func New() string {
	return uuid.NewString()
}

// With 返回携带 id 的 context。
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From 读取请求 ID，不存在时返回空串。
func From(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Attr 返回用于日志的 request_id 属性。
func Attr(ctx context.Context) slog.Attr {
	return slog.String("request_id", From(ctx))
}

// Sanitize 只接受合法 UUID 形式的外部请求 ID，否则生成新的。
func Sanitize(raw string) string {
	if raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String()
		}
	}
	return New()
}
