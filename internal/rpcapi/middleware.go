package rpcapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aegis-sign/localsigner/internal/envelope"
	"github.com/aegis-sign/localsigner/internal/requestid"
)

var allowedHeaders = strings.Join([]string{"Content-Type", envelope.PublicKeyHeader, requestid.Header}, ", ")

// wrap 挂上请求 ID、CORS 与访问日志。
func (h *Handler) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestid.Sanitize(r.Header.Get(requestid.Header))
		w.Header().Set(requestid.Header, id)
		ctx := requestid.With(r.Context(), id)

		if !h.applyCORS(w, r) {
			h.writeError(w, http.StatusForbidden, nil, invalidRequest("origin not allowed"))
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		h.logger.Debug("http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))
	})
}

// applyCORS 设置跨域头，来源不在白名单内时返回 false。
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.origins != nil {
		if _, ok := h.origins[origin]; !ok {
			return false
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Expose-Headers", "Retry-After, "+requestid.Header)
	w.Header().Set("Access-Control-Max-Age", "600")
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
