package dispatch

import (
	"encoding/json"
	"net/http"
	"time"
)

// Stats 是某一时刻的队列与运行情况。
type Stats struct {
	Workers   int     `json:"workers"`
	MaxQueue  int     `json:"max_queue"`
	Queued    int     `json:"queued"`
	Running   int     `json:"running"`
	RateLimit float64 `json:"rate_limit,omitempty"`
	// ByMethod 按方法名统计正在执行的任务。
	ByMethod map[string]int `json:"by_method"`
	// OldestMS 是正在执行的任务中自入队起最长的耗时，单位毫秒。
	OldestMS int64 `json:"oldest_ms"`
}

// Stats 返回当前统计。
func (d *Dispatcher) Stats() Stats {
	now := time.Now()
	st := Stats{
		Workers:  d.cfg.Workers,
		MaxQueue: d.cfg.MaxQueue,
		Queued:   len(d.queue),
		ByMethod: make(map[string]int),
	}
	if limiter := d.limiter.Load(); limiter != nil {
		st.RateLimit = float64(limiter.Limit())
	}
	d.mu.Lock()
	st.Running = len(d.inflight)
	for _, j := range d.inflight {
		st.ByMethod[j.name]++
		if age := now.Sub(j.enqueued).Milliseconds(); age > st.OldestMS {
			st.OldestMS = age
		}
	}
	d.mu.Unlock()
	return st
}

// DebugHandler 以 JSON 输出 Stats，挂载在 /debug/dispatch。
func (d *Dispatcher) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Stats())
	})
}
