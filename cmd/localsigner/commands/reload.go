package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aegis-sign/localsigner/internal/config"
	"github.com/aegis-sign/localsigner/internal/engine"
	"github.com/aegis-sign/localsigner/internal/gateway/dispatch"
	"github.com/aegis-sign/localsigner/internal/infra/engineclient"
)

// reloader 在 SIGHUP 时重新解析配置，热更新派发限速、引擎代理、连接池参数与引擎目标。
// 监听地址、数据目录等其余字段只在重启后生效。
type reloader struct {
	resolve  func() (config.Config, error)
	disp     *dispatch.Dispatcher
	pool     *engineclient.Pool
	selector *engine.RoundRobinSelector
	remote   *engine.Remote
	logger   *slog.Logger
	current  config.Config
}

func (r *reloader) run(ctx context.Context, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := r.reload(); err != nil {
				r.logger.Error("config reload failed; keeping current settings", slog.Any("error", err))
			}
		}
	}
}

func (r *reloader) reload() error {
	next, err := r.resolve()
	if err != nil {
		return err
	}
	return r.apply(next)
}

func (r *reloader) apply(next config.Config) error {
	targets, err := next.EngineTargets()
	if err != nil {
		return err
	}
	if r.pool == nil && len(targets) > 0 {
		return errors.New("engine targets were not configured at startup; restart to enable the engine")
	}
	if r.pool != nil && len(targets) == 0 {
		return errors.New("engine.targets must not become empty while the engine is running")
	}

	if next.DataDir != r.current.DataDir || next.Server.Host != r.current.Server.Host || next.Server.Port != r.current.Server.Port {
		r.logger.Warn("listen address and data dir changes take effect after restart")
	}
	if next.Dispatch.RateLimit != r.current.Dispatch.RateLimit {
		r.disp.UpdateRateLimit(next.Dispatch.RateLimit)
		r.logger.Info("dispatch rate limit updated", slog.Float64("rate_limit", next.Dispatch.RateLimit))
	}
	if r.pool != nil {
		r.applyTargets(next.EnginePool(), targets)
	}
	if r.remote != nil && next.Engine.Proxy != r.current.Engine.Proxy {
		r.remote.SetProxy(next.Engine.Proxy)
		r.logger.Info("engine proxy updated", slog.Bool("direct", next.Engine.Proxy == ""))
	}
	r.current = next
	return nil
}

func (r *reloader) applyTargets(poolCfg engineclient.Config, targets []engineclient.Target) {
	r.pool.UpdateConfig(poolCfg)
	keep := make(map[string]struct{}, len(targets))
	ids := make([]string, len(targets))
	for i, t := range targets {
		r.pool.RegisterTarget(t)
		keep[t.ID] = struct{}{}
		ids[i] = t.ID
	}
	// 先切换选择器，再摘除旧目标，避免新调用选中已移除的目标。
	_ = r.selector.SetTargets(ids)
	for _, st := range r.pool.Status() {
		if _, ok := keep[st.ID]; ok {
			continue
		}
		if err := r.pool.RemoveTarget(st.ID); err != nil {
			r.logger.Warn("remove engine target failed", slog.String("target", st.ID), slog.Any("error", err))
			continue
		}
		r.logger.Info("engine target removed", slog.String("target", st.ID))
	}
	r.logger.Info("engine targets reloaded", slog.Any("targets", ids))
}
