package admission

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	reserve      *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	compensation prometheus.Counter
	swept        prometheus.Counter
	held         prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		reserve: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostline_admission_reserve_total",
			Help: "Reserve attempts by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hostline_admission_reserve_duration_seconds",
			Help:    "Reserve latency by outcome.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"outcome"}),
		compensation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostline_admission_compensations_total",
			Help: "Attach side effects undone after a failed second verification.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostline_admission_swept_total",
			Help: "Expired reservations removed by the sweeper.",
		}),
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostline_admission_reservations",
			Help: "Reservations currently held.",
		}),
	}
	reg.MustRegister(m.reserve, m.latency, m.compensation, m.swept, m.held,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) observeReserve(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.reserve.WithLabelValues(string(outcome)).Inc()
	m.latency.WithLabelValues(string(outcome)).Observe(seconds)
}

func (m *Metrics) compensated() {
	if m != nil {
		m.compensation.Inc()
	}
}

func (m *Metrics) sweptN(n int) {
	if m != nil && n > 0 {
		m.swept.Add(float64(n))
	}
}

func (m *Metrics) setHeld(n int) {
	if m != nil {
		m.held.Set(float64(n))
	}
}
