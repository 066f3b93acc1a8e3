package engineclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露 active_conns / grpc_stream_resets / acquire_latency_ms。
type Metrics struct {
	activeConns    *prometheus.GaugeVec
	streamResets   *prometheus.CounterVec
	acquireLatency *prometheus.HistogramVec
}

// NewMetrics 在注册器中注册连接池指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "localsigner",
			Subsystem: "engine_pool",
			Name:      "active_conns",
			Help:      "Number of established gRPC connections per engine target",
		}, []string{"target"}),
		streamResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localsigner",
			Subsystem: "engine_pool",
			Name:      "grpc_stream_resets_total",
			Help:      "Total number of gRPC transient failures",
		}, []string{"target"}),
		acquireLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localsigner",
			Subsystem: "engine_pool",
			Name:      "acquire_latency_ms",
			Help:      "Time spent waiting for a pooled engine connection in milliseconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 2000},
		}, []string{"target"}),
	}
	reg.MustRegister(m.activeConns, m.streamResets, m.acquireLatency)
	return m
}

func (m *Metrics) setActive(target string, value float64) {
	if m == nil {
		return
	}
	m.activeConns.WithLabelValues(target).Set(value)
}

func (m *Metrics) incStreamReset(target string) {
	if m == nil {
		return
	}
	m.streamResets.WithLabelValues(target).Inc()
}

func (m *Metrics) observeAcquire(target string, duration time.Duration) {
	if m == nil {
		return
	}
	m.acquireLatency.WithLabelValues(target).Observe(duration.Seconds() * 1000)
}
