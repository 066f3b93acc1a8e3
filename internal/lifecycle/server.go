// Package lifecycle 管理本地监听器的启停与单实例约束。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning 表示监听器已经启动。
	ErrAlreadyRunning = errors.New("server already running")
	// ErrNotLoopback 表示监听地址不是回环地址。
	ErrNotLoopback = errors.New("listen host must be a loopback address")
)

// ServerOptions 配置 Server。
type ServerOptions struct {
	Host              string
	Port              int
	Logger            *slog.Logger
	ReadHeaderTimeout time.Duration
}

// Server 是单监听器的 HTTP 服务，同一时刻最多运行一个实例。
type Server struct {
	handler http.Handler
	addr    string
	logger  *slog.Logger
	rht     time.Duration

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan error
}

// IsLoopback 判断 host 是否为回环地址。
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// NewServer 校验地址并构造 Server，不会开始监听。
func NewServer(handler http.Handler, opts ServerOptions) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if !IsLoopback(opts.Host) {
		return nil, fmt.Errorf("%w: %s", ErrNotLoopback, opts.Host)
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", opts.Port)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	return &Server{
		handler: handler,
		addr:    net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		logger:  opts.Logger,
		rht:     opts.ReadHeaderTimeout,
	}, nil
}

// Start 绑定监听地址并在后台提供服务，返回实际地址。
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil, ErrAlreadyRunning
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: s.rht}
	done := make(chan error, 1)
	s.srv, s.ln, s.done = srv, ln, done

	go func() {
		s.logger.Info("rpc server listening", slog.String("addr", ln.Addr().String()))
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("rpc server closed unexpectedly", slog.Any("error", err))
		}
		done <- err
		close(done)
	}()
	return ln.Addr(), nil
}

// Stop 优雅关闭服务；未运行时直接返回。
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down rpc server")
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return <-done
}

// Running 报告监听器是否在运行。
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Addr 返回当前监听地址，未运行时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Done 返回本次运行的结束通知，未运行时为 nil。
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
