// Package engineclient 维护到外部钱包引擎进程的 gRPC 长连接池，
// 支持 tcp、unix socket 与 vsock 三种终端。
package engineclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrTargetNotFound 表示请求的引擎目标未注册。
	ErrTargetNotFound = errors.New("engine target not registered")
	// ErrPoolDraining 表示目标被摘除或熔断。
	ErrPoolDraining = errors.New("engine pool is draining")
	// ErrAcquireTimeout 表示在指定时间内未获取到连接。
	ErrAcquireTimeout = errors.New("acquire engine connection timeout")
)

// Dialer 允许自定义拨号逻辑，测试中替换为 bufconn。
type Dialer func(ctx context.Context, target Target, cfg Config) (*grpc.ClientConn, error)

// Target 描述一个引擎终端，Endpoint 形如 host:port、unix:///path 或 vsock://cid:port。
type Target struct {
	ID       string
	Endpoint string
}

// TargetStatus 是单个目标的运行状态快照。
type TargetStatus struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Conns    int    `json:"conns"`
	Idle     int    `json:"idle"`
	State    string `json:"state"`
}

// Pool 管理到引擎进程的长连接。
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer  Dialer
	metrics *Metrics
	logger  *slog.Logger

	cfg atomic.Value // Config

	mu      sync.RWMutex
	targets map[string]*targetPool
}

// Option 允许自定义 Pool 行为。
type Option func(*Pool)

// WithDialer 自定义拨号器。
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pool) { p.metrics = NewMetrics(reg) }
}

// NewPool 创建连接池，目标注册后按 MinConns 预热。
func NewPool(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine pool config: %w", err)
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]*targetPool),
		logger:  slog.Default(),
	}
	p.cfg.Store(cfg)
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		p.dialer = defaultDialer
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	p.logger = p.logger.With(slog.String("component", "engine_pool"))
	return p, nil
}

// Close 停止所有后台任务并关闭连接。
func (p *Pool) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range p.targets {
		_ = tp.close()
	}
	p.targets = map[string]*targetPool{}
	return nil
}

// Config 返回当前配置副本。
func (p *Pool) Config() Config {
	return p.cfg.Load().(Config)
}

// UpdateConfig 热更新配置。
func (p *Pool) UpdateConfig(cfg Config) {
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = cfg.MinConns
	}
	cfg = cfg.withDefaults()
	p.cfg.Store(cfg)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, tp := range p.targets {
		tp.updateCapacity(cfg.MaxConns)
		go tp.ensureMin(cfg.MinConns)
	}
}

// RegisterTarget 新增或更新引擎目标。
func (p *Pool) RegisterTarget(target Target) {
	if target.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.targets[target.ID]; ok {
		existing.updateTarget(target)
		return
	}
	tp := newTargetPool(p, target)
	p.targets[target.ID] = tp
	go tp.ensureMin(p.Config().MinConns)
}

// RemoveTarget 摘除目标：拒绝新的借用并关闭空闲连接，借出中的连接在归还时关闭。
func (p *Pool) RemoveTarget(id string) error {
	p.mu.Lock()
	tp, ok := p.targets[id]
	delete(p.targets, id)
	p.mu.Unlock()
	if !ok {
		return ErrTargetNotFound
	}
	p.metrics.setActive(id, 0)
	return tp.drain()
}

// Acquire 借用一条长连接。AcquireTimeout 只约束等待连接的时间。
func (p *Pool) Acquire(ctx context.Context, targetID string) (*Lease, error) {
	p.mu.RLock()
	tp := p.targets[targetID]
	p.mu.RUnlock()
	if tp == nil {
		return nil, ErrTargetNotFound
	}
	return tp.acquire(ctx)
}

// Status 返回所有目标的状态。
func (p *Pool) Status() []TargetStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]TargetStatus, 0, len(p.targets))
	for _, tp := range p.targets {
		out = append(out, tp.status())
	}
	return out
}

// Lease 表示从池中借出的连接句柄。
type Lease struct {
	conn     *connWrapper
	released atomic.Bool
}

// Conn 返回底层 *grpc.ClientConn。
func (l *Lease) Conn() *grpc.ClientConn {
	if l == nil || l.conn == nil {
		return nil
	}
	return l.conn.conn
}

// Invoke 在借出的连接上调用引擎方法。
func (l *Lease) Invoke(ctx context.Context, method string, params map[string]any) (*structpb.Value, error) {
	req, err := structpb.NewStruct(map[string]any{
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}
	return Invoke(ctx, l.Conn(), req)
}

// Release 归还连接；err 非空时连接被标记为需重建。
func (l *Lease) Release(err error) {
	if l == nil || l.conn == nil {
		return
	}
	if l.released.Swap(true) {
		return
	}
	l.conn.pool.release(l.conn, err)
	l.conn = nil
}

// connWrapper 包装单条 gRPC 连接及其监控协程。
type connWrapper struct {
	conn      *grpc.ClientConn
	pool      *targetPool
	cancel    context.CancelFunc
	target    Target
	unhealthy atomic.Bool
}

func (cw *connWrapper) close() {
	if cw.cancel != nil {
		cw.cancel()
	}
	_ = cw.conn.Close()
}

func (cw *connWrapper) start() {
	ctx, cancel := context.WithCancel(cw.pool.parent.ctx)
	cw.cancel = cancel
	go cw.watchConnectivity(ctx)
	go cw.healthLoop(ctx)
}

func (cw *connWrapper) watchConnectivity(ctx context.Context) {
	redial := newRedialer(cw.pool.parent.Config().Redial)
	for {
		state := cw.conn.GetState()
		if state == connectivity.Shutdown {
			return
		}
		if !cw.conn.WaitForStateChange(ctx, state) {
			return
		}
		switch cw.conn.GetState() {
		case connectivity.TransientFailure:
			cw.pool.parent.metrics.incStreamReset(cw.target.ID)
			cw.pool.health.failed()
			select {
			case <-time.After(redial.delay()):
				cw.conn.ResetConnectBackoff()
			case <-ctx.Done():
				return
			}
		case connectivity.Ready:
			redial.connected()
			cw.pool.health.succeeded()
		}
	}
}

func (cw *connWrapper) healthLoop(ctx context.Context) {
	cfg := cw.pool.parent.Config()
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := healthpb.NewHealthClient(cw.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg = cw.pool.parent.Config()
			if next := cfg.HealthCheckInterval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
			checkCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
			resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: cfg.ServiceName})
			cancel()
			if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				cw.unhealthy.Store(true)
				cw.pool.health.failed()
				cw.pool.parent.logger.Warn("engine health degraded", slog.String("target", cw.target.ID), slog.Any("err", err))
			} else {
				cw.pool.health.succeeded()
			}
		}
	}
}

// targetPool 管理单个目标的连接集合。
type targetPool struct {
	parent *Pool
	target Target

	mu     sync.Mutex
	conns  chan *connWrapper
	total  int
	health *targetHealth
	closed bool
}

func newTargetPool(parent *Pool, target Target) *targetPool {
	cfg := parent.Config()
	return &targetPool{
		parent: parent,
		target: target,
		conns:  make(chan *connWrapper, cfg.MaxConns),
		health: newTargetHealth(3, time.Second),
	}
}

func (tp *targetPool) updateTarget(t Target) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return
	}
	tp.target = t
}

func (tp *targetPool) updateCapacity(max int) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed || cap(tp.conns) == max {
		return
	}
	next := make(chan *connWrapper, max)
	for {
		select {
		case conn := <-tp.conns:
			select {
			case next <- conn:
			default:
				conn.close()
				tp.total--
			}
		default:
			tp.conns = next
			return
		}
	}
}

func (tp *targetPool) ensureMin(min int) {
	ctx := tp.parent.ctx
	for {
		tp.mu.Lock()
		total, closed := tp.total, tp.closed
		tp.mu.Unlock()
		if closed || total >= min {
			return
		}
		if err := tp.maybeOpen(ctx); err != nil {
			tp.parent.logger.Warn("prewarm engine connection failed", slog.String("target", tp.target.ID), slog.Any("err", err))
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (tp *targetPool) takeHealthy(conn *connWrapper) bool {
	if conn == nil {
		return false
	}
	if conn.unhealthy.Load() {
		conn.close()
		tp.decrement()
		go tp.maybeOpen(tp.parent.ctx)
		return false
	}
	return true
}

func (tp *targetPool) acquire(ctx context.Context) (*Lease, error) {
	if !tp.health.admit() {
		return nil, ErrPoolDraining
	}
	cfg := tp.parent.Config()
	start := time.Now()
	acquireCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}
	for {
		select {
		case conn := <-tp.idle():
			if !tp.takeHealthy(conn) {
				continue
			}
			tp.parent.metrics.observeAcquire(tp.target.ID, time.Since(start))
			return &Lease{conn: conn}, nil
		default:
			if err := tp.maybeOpen(acquireCtx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				tp.parent.logger.Warn("open engine connection failed", slog.String("target", tp.target.ID), slog.Any("err", err))
			}
		}
		select {
		case conn := <-tp.idle():
			if !tp.takeHealthy(conn) {
				continue
			}
			tp.parent.metrics.observeAcquire(tp.target.ID, time.Since(start))
			return &Lease{conn: conn}, nil
		case <-acquireCtx.Done():
			return nil, errors.Join(ErrAcquireTimeout, acquireCtx.Err())
		}
	}
}

func (tp *targetPool) idle() chan *connWrapper {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.conns
}

func (tp *targetPool) maybeOpen(ctx context.Context) error {
	tp.mu.Lock()
	cfg := tp.parent.Config()
	if tp.closed || tp.total >= cfg.MaxConns {
		tp.mu.Unlock()
		return nil
	}
	tp.total++
	tp.mu.Unlock()
	if err := tp.openConnection(ctx); err != nil {
		tp.decrement()
		return err
	}
	return nil
}

func (tp *targetPool) openConnection(ctx context.Context) error {
	cfg := tp.parent.Config()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	tp.mu.Lock()
	target := tp.target
	tp.mu.Unlock()
	conn, err := tp.parent.dialer(dialCtx, target, cfg)
	if err != nil {
		return err
	}
	wrapper := &connWrapper{conn: conn, pool: tp, target: target}
	wrapper.start()
	select {
	case tp.idle() <- wrapper:
		tp.mu.Lock()
		total := tp.total
		tp.mu.Unlock()
		tp.parent.metrics.setActive(target.ID, float64(total))
		return nil
	case <-tp.parent.ctx.Done():
		wrapper.close()
		return tp.parent.ctx.Err()
	}
}

func (tp *targetPool) release(conn *connWrapper, err error) {
	if err != nil && shouldRecycle(err) {
		conn.unhealthy.Store(true)
	}
	if conn.unhealthy.Load() {
		conn.close()
		tp.decrement()
		go tp.maybeOpen(tp.parent.ctx)
		return
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		conn.close()
		return
	}
	select {
	case tp.conns <- conn:
	default:
		conn.close()
		if tp.total > 0 {
			tp.total--
		}
	}
}

func (tp *targetPool) decrement() {
	tp.mu.Lock()
	if tp.total > 0 {
		tp.total--
	}
	total := tp.total
	tp.mu.Unlock()
	tp.parent.metrics.setActive(tp.target.ID, float64(total))
}

func (tp *targetPool) drain() error {
	tp.health.drain()
	return tp.close()
}

func (tp *targetPool) close() error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return nil
	}
	tp.closed = true
	for {
		select {
		case conn := <-tp.conns:
			if conn != nil {
				conn.close()
			}
		default:
			tp.total = 0
			return nil
		}
	}
}

func (tp *targetPool) status() TargetStatus {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return TargetStatus{
		ID:       tp.target.ID,
		Endpoint: tp.target.Endpoint,
		Conns:    tp.total,
		Idle:     len(tp.conns),
		State:    string(tp.health.state()),
	}
}

// defaultDialer 使用 keepalive 参数建立阻塞式连接。引擎调用本身不设超时。
func defaultDialer(ctx context.Context, target Target, cfg Config) (*grpc.ClientConn, error) {
	params := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	dopts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(params),
		grpc.WithContextDialer(dialEndpoint),
		grpc.WithBlock(),
	}
	return grpc.DialContext(ctx, "passthrough:///"+target.Endpoint, dopts...)
}

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "unix:"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix:"))
	case strings.HasPrefix(endpoint, "vsock://"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock://"))
	case strings.HasPrefix(endpoint, "vsock:"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock:"))
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", endpoint)
	}
}

func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	cid, port, err := parseVsock(target)
	if err != nil {
		return nil, err
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(cid, port, nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}

func parseVsock(target string) (uint32, uint32, error) {
	parts := strings.Split(target, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	cid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid: %w", err)
	}
	port, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port: %w", err)
	}
	return uint32(cid), uint32(port), nil
}
