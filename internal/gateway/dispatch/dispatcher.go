// Package dispatch 提供固定大小的 worker 池：请求进入有界队列，由 worker 执行，
// 调用方断开后任务照常完成，结果被丢弃。
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull 当队列无可用 slot 时返回。
	ErrQueueFull = errors.New("dispatcher queue full")
	// ErrRateLimited 表示命中速率限制。
	ErrRateLimited = errors.New("dispatcher rate limited")
	// ErrClosed 表示 Dispatcher 已关闭。
	ErrClosed = errors.New("dispatcher closed")
)

// Task 是在 worker 上执行的工作。传入的 ctx 不会因调用方断开而取消。
type Task func(ctx context.Context) (any, error)

// Result 是任务执行结果。
type Result struct {
	Value any
	Err   error
}

// Dispatcher 负责排队与调度。
type Dispatcher struct {
	cfg Config

	queue   chan *job
	stopCh  chan struct{}
	metrics *Metrics

	// closeMu 保证 Close 之后不会再有任务入队。
	closeMu sync.RWMutex
	closed  bool

	limiter atomic.Pointer[rate.Limiter]
	logger  *slog.Logger

	seq atomic.Uint64

	mu       sync.Mutex
	inflight map[uint64]*job

	wg sync.WaitGroup
}

// job 是队列中的元素。
type job struct {
	id       uint64
	name     string
	ctx      context.Context
	task     Task
	done     chan Result
	enqueued time.Time
}

// New 创建并启动后台 worker。
func New(cfg Config) (*Dispatcher, error) {
	normalized := cfg.normalize()
	d := &Dispatcher{
		cfg:      normalized,
		queue:    make(chan *job, normalized.MaxQueue),
		stopCh:   make(chan struct{}),
		metrics:  normalized.Metrics,
		logger:   normalized.Logger,
		inflight: make(map[uint64]*job),
	}
	if normalized.RateLimit > 0 {
		d.limiter.Store(rate.NewLimiter(rate.Limit(normalized.RateLimit), normalized.RateBurst))
	}
	d.start()
	return d, nil
}

// Submit 将任务放入队列，返回只会收到一次结果的 channel。
func (d *Dispatcher) Submit(ctx context.Context, name string, task Task) (<-chan Result, error) {
	if task == nil {
		return nil, errors.New("task is required")
	}
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	if limiter := d.limiter.Load(); limiter != nil && !limiter.Allow() {
		d.metrics.incRejected("rate_limited")
		return nil, ErrRateLimited
	}
	j := &job{
		id:       d.seq.Add(1),
		name:     name,
		ctx:      context.WithoutCancel(ctx),
		task:     task,
		done:     make(chan Result, 1),
		enqueued: time.Now(),
	}
	select {
	case d.queue <- j:
		d.metrics.incQueueDepth()
		return j.done, nil
	default:
		d.metrics.incRejected("queue_full")
		d.logger.Warn("dispatcher queue full", slog.String("method", name), slog.Int("max_queue", d.cfg.MaxQueue))
		return nil, ErrQueueFull
	}
}

// Do 提交任务并等待结果；ctx 结束时立即返回，任务继续执行。
func (d *Dispatcher) Do(ctx context.Context, name string, task Task) (any, error) {
	done, err := d.Submit(ctx, name, task)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 停止 worker，队列中尚未执行的任务返回 ErrClosed。
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()
	close(d.stopCh)
	d.wg.Wait()
	for {
		select {
		case j := <-d.queue:
			d.metrics.decQueueDepth()
			j.done <- Result{Err: ErrClosed}
		default:
			return
		}
	}
}

// UpdateRateLimit 热更新速率限制，<=0 关闭限流。
func (d *Dispatcher) UpdateRateLimit(rateValue float64) {
	if rateValue <= 0 {
		d.limiter.Store(nil)
		return
	}
	d.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), d.cfg.RateBurst))
}

func (d *Dispatcher) start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case j := <-d.queue:
			if j == nil {
				continue
			}
			d.handleJob(j)
		}
	}
}

func (d *Dispatcher) handleJob(j *job) {
	d.metrics.decQueueDepth()
	d.metrics.observeWait(j.name, float64(time.Since(j.enqueued).Milliseconds()))
	d.mu.Lock()
	d.inflight[j.id] = j
	d.mu.Unlock()
	d.metrics.incInFlight()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, j.id)
		d.mu.Unlock()
		d.metrics.decInFlight()
	}()

	value, err := j.task(j.ctx)
	j.done <- Result{Value: value, Err: err}
}
