// Package gateway 把 JSON-RPC 方法名映射到引擎调用：查表、参数校验、解锁、调度与错误规整。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aegis-sign/localsigner/internal/engine"
	"github.com/aegis-sign/localsigner/internal/gateway/dispatch"
	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/requestid"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

// IdentitySource 提供公开身份与按次解锁的密钥。
type IdentitySource interface {
	Identity() (identity.Identity, error)
	Unlock() (*identity.Keypair, error)
}

// UpdateChecker 接收调用方要求的版本，必须立即返回。
type UpdateChecker interface {
	Check(required string)
}

// Dispatcher 在 worker 池上执行任务。
type Dispatcher interface {
	Do(ctx context.Context, name string, task dispatch.Task) (any, error)
}

// DiscoveryInfo 是 discovery 的返回值。
type DiscoveryInfo struct {
	Version  string   `json:"version"`
	Features []string `json:"features"`
	// Pubkey 是身份指纹（十六进制），与能力 URL 中的 userinfo 相同。
	Pubkey    string `json:"pubkey"`
	PublicKey string `json:"public_key"`
}

// Config 汇总 Gateway 的依赖。
type Config struct {
	Engine     engine.Engine
	Identity   IdentitySource
	Updates    UpdateChecker
	Dispatcher Dispatcher
	Metrics    *Metrics
	Logger     *slog.Logger
	Version    string
	// RetryAfter 是队列满时给调用方的重试提示。
	RetryAfter time.Duration
}

// Gateway 处理单个 JSON-RPC 调用。
type Gateway struct {
	engine     engine.Engine
	identity   IdentitySource
	updates    UpdateChecker
	dispatcher Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
	version    string
	retryAfter time.Duration
	registry   *Registry
}

// New 构造 Gateway 并建立方法表。
func New(cfg Config) (*Gateway, error) {
	if cfg.Identity == nil {
		return nil, errors.New("gateway: identity source is required")
	}
	if cfg.Updates == nil {
		return nil, errors.New("gateway: update checker is required")
	}
	if cfg.Engine == nil {
		cfg.Engine = engine.Unconfigured{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	g := &Gateway{
		engine:     cfg.Engine,
		identity:   cfg.Identity,
		updates:    cfg.Updates,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		version:    cfg.Version,
		retryAfter: cfg.RetryAfter,
	}
	g.registry = g.buildRegistry()
	return g, nil
}

// Methods 按注册顺序返回全部方法名。
func (g *Gateway) Methods() []string {
	return g.registry.Names()
}

// Lookup 返回方法描述，供文档与测试核对参数表。
func (g *Gateway) Lookup(name string) (*Method, bool) {
	return g.registry.Lookup(name)
}

// Call 执行一次调用。返回的错误可直接交给 apierrors.ToRPC。
func (g *Gateway) Call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	m, ok := g.registry.Lookup(method)
	if !ok {
		g.metrics.count("unknown", "not_found")
		return nil, apierrors.New(apierrors.CodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
	}
	p, err := bind(m, params)
	if err != nil {
		g.metrics.count(m.Name, "invalid_params")
		return nil, err
	}

	run := func(ctx context.Context) (any, error) {
		return timed(ctx, g.logger, g.metrics, m.Name, func() (any, error) {
			return g.invoke(ctx, m, p)
		})
	}
	var result any
	if m.Queued && g.dispatcher != nil {
		result, err = g.dispatcher.Do(ctx, m.Name, run)
		err = g.mapDispatchError(m.Name, err)
	} else {
		result, err = run(ctx)
	}
	if err != nil {
		if _, ok := apierrors.FromError(err); !ok {
			g.logger.Error("engine call failed",
				slog.String("method", m.Name),
				requestid.Attr(ctx),
				slog.String("chain", apierrors.FormatChain(err)))
		}
		return nil, err
	}
	return result, nil
}

func (g *Gateway) mapDispatchError(method string, err error) error {
	switch {
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrRateLimited):
		g.metrics.count(method, "rejected")
		return apierrors.Wrap(apierrors.CodeRetryLater, "server busy, retry later", err).WithRetryAfter(g.retryAfter)
	case errors.Is(err, dispatch.ErrClosed):
		g.metrics.count(method, "rejected")
		return apierrors.Wrap(apierrors.CodeRetryLater, "server shutting down", err).WithRetryAfter(g.retryAfter)
	default:
		return err
	}
}

// invoke 解锁（按需）后执行 handler，panic 被转换为引擎失败。
func (g *Gateway) invoke(ctx context.Context, m *Method, p Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("method panicked",
				slog.String("method", m.Name),
				requestid.Attr(ctx),
				slog.Any("panic", r))
			err = apierrors.Wrap(apierrors.CodeEngineFailure,
				fmt.Sprintf("%s panicked: %v", m.Name, r),
				errors.New(string(debug.Stack())))
			result = nil
		}
	}()
	if m.RequiresUnlock {
		kp, err := g.identity.Unlock()
		if err != nil {
			return nil, err
		}
		defer kp.Close()
	}
	return m.Handler(ctx, p)
}

func (g *Gateway) discovery(context.Context, Params) (any, error) {
	id, err := g.identity.Identity()
	if err != nil {
		return nil, err
	}
	return DiscoveryInfo{
		Version:   g.version,
		Features:  g.features(),
		Pubkey:    id.Fingerprint.String(),
		PublicKey: id.PublicKeyHex(),
	}, nil
}

func (g *Gateway) features() []string {
	names := g.registry.Names()
	out := names[:0]
	for _, name := range names {
		if name != MethodDiscovery {
			out = append(out, name)
		}
	}
	return out
}

func (g *Gateway) update(_ context.Context, p Params) (any, error) {
	g.updates.Check(p.String("version"))
	return nil, nil
}

// timed 记录方法的开始与耗时，不论成功与否。
func timed[T any](ctx context.Context, logger *slog.Logger, metrics *Metrics, method string, fn func() (T, error)) (T, error) {
	start := time.Now()
	logger.Info("executing method", slog.String("method", method), requestid.Attr(ctx))
	v, err := fn()
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	logger.Info("method finished",
		slog.String("method", method),
		requestid.Attr(ctx),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
		slog.String("outcome", outcome))
	metrics.count(method, outcome)
	metrics.observe(method, elapsed)
	return v, err
}
