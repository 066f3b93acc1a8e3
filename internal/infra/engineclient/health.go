package engineclient

import (
	"sync"
	"time"
)

type healthState string

const (
	stateHealthy  healthState = "healthy"
	stateDegraded healthState = "degraded"
	stateDraining healthState = "draining"
)

// targetHealth 跟踪单个引擎目标的连续失败。
// 连续失败达到阈值后标记 degraded（仅用于状态上报），冷却期过后自动恢复；drain 之后拒绝新的租约。
type targetHealth struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu         sync.Mutex
	failures   int
	degradedAt time.Time
	draining   bool
}

func newTargetHealth(threshold int, cooldown time.Duration) *targetHealth {
	return &targetHealth{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (h *targetHealth) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.draining
}

func (h *targetHealth) succeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.degradedAt = time.Time{}
}

// failed 返回本次失败是否刚好触发 degraded。
func (h *targetHealth) failed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	if h.draining || !h.degradedAt.IsZero() || h.failures < h.threshold {
		return false
	}
	h.degradedAt = h.now()
	return true
}

func (h *targetHealth) drain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
}

func (h *targetHealth) state() healthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.draining:
		return stateDraining
	case h.degradedAt.IsZero():
		return stateHealthy
	case h.now().Sub(h.degradedAt) > h.cooldown:
		h.failures = 0
		h.degradedAt = time.Time{}
		return stateHealthy
	default:
		return stateDegraded
	}
}
