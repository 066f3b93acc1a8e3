package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aegis-sign/localsigner/internal/buildinfo"
	"github.com/aegis-sign/localsigner/internal/capability"
	"github.com/aegis-sign/localsigner/internal/config"
	"github.com/aegis-sign/localsigner/internal/desktop"
	"github.com/aegis-sign/localsigner/internal/engine"
	"github.com/aegis-sign/localsigner/internal/gateway"
	"github.com/aegis-sign/localsigner/internal/gateway/dispatch"
	"github.com/aegis-sign/localsigner/internal/infra/engineclient"
	"github.com/aegis-sign/localsigner/internal/lifecycle"
	"github.com/aegis-sign/localsigner/internal/rpcapi"
	"github.com/aegis-sign/localsigner/internal/update"
)

const (
	appName  = "localsigner"
	bundleID = "io.aegis-sign.localsigner"
)

type serveOptions struct {
	noUnlock bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local JSON-RPC server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.noUnlock, "no-unlock", false, "start locked without asking for the password")
	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dialogs desktop.Dialogs = desktop.Native{AppName: appName}
	if cfg.Update.Headless {
		dialogs = desktop.Headless{Logger: logger}
	}

	if stale, err := lifecycle.StaleInstanceRunning(bundleID); err != nil {
		logger.Warn("stale instance check failed", slog.Any("error", err))
	} else if stale {
		_ = dialogs.Message(appName, "Another localsigner process is still running. Quit it and start again.")
		return errors.New("another localsigner process is running")
	}

	ctl := newControl(dialogs, logger.With(slog.String("component", "control")))
	inst, err := lifecycle.AcquireInstance(cfg.DataDir, appName, ctl.handle,
		logger.With(slog.String("component", "instance")))
	var another *lifecycle.AnotherInstanceError
	if errors.As(err, &another) {
		logger.Info("handed off to running instance", slog.String("url", another.Reply.URL))
		if another.Reply.URL != "" {
			fmt.Fprintln(cmd.OutOrStdout(), another.Reply.URL)
		}
		return nil
	}
	if err != nil {
		return err
	}
	defer inst.Close()

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	id, err := store.EnsureIdentity(ctx)
	if err != nil {
		return err
	}
	if store.HasPassword() && !opts.noUnlock {
		prompt := dialogPrompt(dialogs)
		if term.IsTerminal(int(os.Stdin.Fd())) {
			prompt = terminalPrompt(cmd.ErrOrStderr())
		}
		if err := unlockAtStartup(store, prompt, logger); err != nil {
			return err
		}
	}
	ctl.setStore(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, pool, selector, err := buildEngine(reg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	disp, err := dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		MaxQueue:  cfg.Dispatch.MaxQueue,
		RateLimit: cfg.Dispatch.RateLimit,
		RateBurst: cfg.Dispatch.RateBurst,
		Logger:    logger.With(slog.String("component", "dispatch")),
		Metrics:   dispatch.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	defer disp.Close()

	remote, _ := eng.(*engine.Remote)
	reload := &reloader{
		resolve:  func() (config.Config, error) { return resolveConfig(cmd) },
		disp:     disp,
		pool:     pool,
		selector: selector,
		remote:   remote,
		logger:   logger.With(slog.String("component", "reload")),
		current:  cfg,
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reload.run(ctx, hup)

	gate := update.NewGate(update.Options{
		Running:    buildinfo.Version,
		ReleaseURL: cfg.Update.ReleaseURL,
		Dialogs:    dialogs,
		Logger:     logger.With(slog.String("component", "update")),
	})
	gw, err := gateway.New(gateway.Config{
		Engine:     eng,
		Identity:   store,
		Updates:    gate,
		Dispatcher: disp,
		Metrics:    gateway.NewMetrics(reg),
		Logger:     logger.With(slog.String("component", "rpc")),
		Version:    buildinfo.Version,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	rpcapi.NewHandler(gw, store, rpcapi.Options{
		Logger:         logger.With(slog.String("component", "http")),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}).Register(mux)
	if cfg.Server.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/debug/dispatch", disp.DebugHandler())
		if pool != nil {
			mux.Handle("/debug/engine", engineStatusHandler(pool))
		}
	}

	srv, err := lifecycle.NewServer(mux, lifecycle.ServerOptions{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Logger: logger.With(slog.String("component", "server")),
	})
	if err != nil {
		return err
	}
	addr, err := srv.Start(ctx)
	if err != nil {
		return err
	}
	capURL, err := capability.ForListener(id.Fingerprint.String(), addr)
	if err != nil {
		_ = srv.Stop(context.Background())
		return err
	}
	ctl.setURL(capURL)
	logger.Info("localsigner ready",
		slog.String("version", buildinfo.Version),
		slog.String("fingerprint", id.Fingerprint.String()),
		slog.Bool("locked", !store.Unlocked()))
	fmt.Fprintln(cmd.OutOrStdout(), capURL)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srv.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.Any("error", err))
	}
	gate.Wait()
	return serveErr
}

// buildEngine 根据 engine.targets 构造远端引擎；未配置时返回占位引擎。
func buildEngine(reg prometheus.Registerer) (engine.Engine, *engineclient.Pool, *engine.RoundRobinSelector, error) {
	targets, err := cfg.EngineTargets()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(targets) == 0 {
		logger.Warn("no signing engine configured; wallet calls will fail")
		return engine.Unconfigured{}, nil, nil, nil
	}
	pool, err := engineclient.NewPool(cfg.EnginePool(),
		engineclient.WithLogger(logger.With(slog.String("component", "engine_pool"))),
		engineclient.WithRegisterer(reg))
	if err != nil {
		return nil, nil, nil, err
	}
	ids := make([]string, len(targets))
	for i, t := range targets {
		pool.RegisterTarget(t)
		ids[i] = t.ID
	}
	selector, err := engine.NewRoundRobinSelector(ids)
	if err != nil {
		_ = pool.Close()
		return nil, nil, nil, err
	}
	remote, err := engine.NewRemote(pool, selector,
		engine.WithCallTimeout(cfg.Engine.CallTimeout),
		engine.WithProxy(cfg.Engine.Proxy))
	if err != nil {
		_ = pool.Close()
		return nil, nil, nil, err
	}
	return remote, pool, selector, nil
}

func engineStatusHandler(pool *engineclient.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pool.Status())
	})
}
