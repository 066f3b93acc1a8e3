package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录方法调用次数与耗时。
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "localsigner_gateway_requests_total",
			Help: "JSON-RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "localsigner_gateway_latency_ms",
			Help:    "Elapsed time of dispatched calls",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000},
		}, []string{"method"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

func (m *Metrics) count(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) observe(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(method).Observe(float64(elapsed.Milliseconds()))
}
