// Package rpcapi 在本地回环 HTTP 上提供 JSON-RPC 2.0 接口，支持批量、通知与加密请求体。
package rpcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/aegis-sign/localsigner/internal/envelope"
	"github.com/aegis-sign/localsigner/internal/gateway"
	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/requestid"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
	"github.com/aegis-sign/localsigner/pkg/validator"
)

// DefaultMaxBodyBytes 是请求体上限，部署请求会携带完整程序源码。
const DefaultMaxBodyBytes int64 = 16 << 20

// Caller 执行单个方法调用。
type Caller interface {
	Call(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// KeySource 为解密请求体提供服务端密钥。
type KeySource interface {
	Unlock() (*identity.Keypair, error)
}

// Options 配置 Handler。
type Options struct {
	Logger         *slog.Logger
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// Handler 实现 `/` 与 `/discovery`。
type Handler struct {
	gateway Caller
	keys    KeySource
	logger  *slog.Logger
	maxBody int64
	origins map[string]struct{}
}

// NewHandler 构造 Handler。
func NewHandler(gw Caller, keys KeySource, opts Options) *Handler {
	if gw == nil {
		panic("rpc gateway is required")
	}
	if keys == nil {
		panic("rpc key source is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &Handler{gateway: gw, keys: keys, logger: opts.Logger, maxBody: opts.MaxBodyBytes}
	if len(opts.AllowedOrigins) > 0 {
		h.origins = make(map[string]struct{}, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			h.origins[o] = struct{}{}
		}
	}
	return h
}

// Register 将 handler 注册到 mux。
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/discovery", h.wrap(http.HandlerFunc(h.handleDiscovery)))
	mux.Handle("/", h.wrap(http.HandlerFunc(h.handleRPC)))
}

func (h *Handler) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, nil, invalidRequest("GET required"))
		return
	}
	resp, err := h.handleOne(r.Context(), json.RawMessage(`{"jsonrpc":"2.0","method":"discovery","id":null}`))
	h.writeSingle(w, resp, err)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.writeError(w, http.StatusNotFound, nil, apierrors.New(apierrors.CodeMethodNotFound, "not found"))
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, nil, invalidRequest("POST required"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, nil,
				invalidRequest(fmt.Sprintf("request body exceeds %d bytes", h.maxBody)))
			return
		}
		h.writeError(w, http.StatusBadRequest, nil, invalidRequest("read request body"))
		return
	}

	if isEnvelope(r) {
		body, err = h.openEnvelope(r, body)
		if err != nil {
			h.writeError(w, 0, nil, err)
			return
		}
	}

	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		h.writeError(w, 0, nil, apierrors.New(apierrors.CodeParseError, "parse error"))
		return
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		h.handleBatch(r.Context(), w, trimmed)
		return
	}
	resp, err := h.handleOne(r.Context(), trimmed)
	h.writeSingle(w, resp, err)
}

func (h *Handler) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil || len(items) == 0 {
		h.writeError(w, 0, nil, invalidRequest("batch must be a non-empty array"))
		return
	}
	out := make([]*response, 0, len(items))
	for _, item := range items {
		resp, _ := h.handleOne(ctx, item)
		if resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func isEnvelope(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == envelope.ContentType
}

// openEnvelope 用服务端私钥与 Public-Key 头中的客户端公钥解密请求体。
func (h *Handler) openEnvelope(r *http.Request, sealed []byte) ([]byte, error) {
	rawKey, err := validator.DecodeHex(r.Header.Get(envelope.PublicKeyHeader), 0)
	if err != nil {
		return nil, invalidRequest("invalid Public-Key header")
	}
	peer, err := envelope.ParsePublicKey(rawKey)
	if err != nil {
		return nil, invalidRequest("invalid Public-Key header")
	}
	kp, err := h.keys.Unlock()
	if err != nil {
		return nil, err
	}
	defer kp.Close()
	plaintext, err := envelope.Open(kp.PrivateKey(), peer, sealed)
	if err != nil {
		h.logger.Warn("failed to open request envelope", requestid.Attr(r.Context()), slog.Any("error", err))
		return nil, invalidRequest("cannot decrypt request body")
	}
	return plaintext, nil
}

func (h *Handler) writeSingle(w http.ResponseWriter, resp *response, err error) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeError(w, statusFor(err), resp, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// statusFor 只对传输层错误与限流使用非 200 状态，方法错误按 JSON-RPC 惯例返回 200。
func statusFor(err error) int {
	apiErr, ok := apierrors.FromError(err)
	if !ok {
		return http.StatusOK
	}
	switch apiErr.Code {
	case apierrors.CodeParseError, apierrors.CodeInvalidRequest, apierrors.CodeRetryLater:
		return apierrors.HTTPStatus(apiErr.Code)
	default:
		return http.StatusOK
	}
}

// writeError 写出错误响应。status 为 0 时按错误码推导；resp 为空时以 null id 构造。
func (h *Handler) writeError(w http.ResponseWriter, status int, resp *response, err error) {
	if resp == nil {
		resp = errorResponse(nil, err)
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		if status == 0 {
			status = apierrors.HTTPStatus(apiErr.Code)
		}
		if apierrors.RequiresRetryAfter(apiErr.Code) {
			if hint := apiErr.RetryAfterHint(); hint != "" {
				w.Header().Set("Retry-After", hint)
			}
		}
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var _ Caller = (*gateway.Gateway)(nil)
