package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录队列关键指标。
type Metrics struct {
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
	rejected   *prometheus.CounterVec
	wait       *prometheus.HistogramVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "localsigner_dispatch_queue_depth",
			Help: "Number of requests waiting for a worker",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "localsigner_dispatch_in_flight",
			Help: "Number of requests currently executing",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "localsigner_dispatch_rejected_total",
			Help: "Requests rejected before execution",
		}, []string{"reason"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "localsigner_dispatch_wait_ms",
			Help:    "Time spent queued before a worker picked the request up",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"method"}),
	}
	reg.MustRegister(m.queueDepth, m.inFlight, m.rejected, m.wait)
	return m
}

func (m *Metrics) incQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

func (m *Metrics) decQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

func (m *Metrics) incInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) decInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) incRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func (m *Metrics) observeWait(method string, durMs float64) {
	if m == nil {
		return
	}
	m.wait.WithLabelValues(labelOrUnknown(method)).Observe(durMs)
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
