package engineclient

import (
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxRedialShift 限制指数增长的位移，避免溢出。
const maxRedialShift = 16

// redialer 只被单个 watchConnectivity goroutine 使用，不加锁。
type redialer struct {
	cfg      RedialConfig
	failures int
}

func newRedialer(cfg RedialConfig) *redialer {
	return &redialer{cfg: cfg}
}

// delay 返回下一次重拨前的等待时间，结果落在 [Base, Cap] 内。
func (r *redialer) delay() time.Duration {
	wait := r.cfg.Cap
	if shift := min(r.failures, maxRedialShift); r.cfg.Base<<shift > 0 && r.cfg.Base<<shift < r.cfg.Cap {
		wait = r.cfg.Base << shift
	}
	r.failures++
	if r.cfg.Spread > 0 {
		factor := 1 + r.cfg.Spread*(2*rand.Float64()-1)
		wait = time.Duration(float64(wait) * factor)
	}
	return min(max(wait, r.cfg.Base), r.cfg.Cap)
}

func (r *redialer) connected() {
	r.failures = 0
}

// shouldRecycle 判断调用错误是否意味着连接本身不可用。
// 引擎返回的业务失败不影响连接复用。
func shouldRecycle(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded, codes.Internal:
		return true
	default:
		return false
	}
}
