package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	generationTotal    *prometheus.CounterVec
	generationDuration prometheus.Histogram
	recoveryTotal      *prometheus.CounterVec
	rotationTotal      *prometheus.CounterVec

	outboxDepth     prometheus.Gauge
	sessionActive   prometheus.Gauge
	usageFetchTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			generationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generation_total",
					Help: "Total generations by terminal status.",
				},
				[]string{"status"},
			),
			generationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "generation_duration_seconds",
					Help:    "Generation duration in seconds.",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
			),
			recoveryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recovery_total",
					Help: "Total recovery attempts by failure kind.",
				},
				[]string{"kind"},
			),
			rotationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rotation_total",
					Help: "Total account rotations by selection reason.",
				},
				[]string{"reason"},
			),
			outboxDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "outbox_depth",
					Help: "Messages currently held in the outgoing queue.",
				},
			),
			sessionActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "session_active",
					Help: "Whether a generation is currently running (1 or 0).",
				},
			),
			usageFetchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "usage_fetch_total",
					Help: "Total usage-window fetches by account and status.",
				},
				[]string{"account", "status"},
			),
		}

		prometheus.MustRegister(
			m.generationTotal,
			m.generationDuration,
			m.recoveryTotal,
			m.rotationTotal,
			m.outboxDepth,
			m.sessionActive,
			m.usageFetchTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordGeneration(status string, duration time.Duration) {
	m := getMetrics()
	m.generationTotal.WithLabelValues(status).Inc()
	m.generationDuration.Observe(duration.Seconds())
}

func RecordRecovery(kind string) {
	getMetrics().recoveryTotal.WithLabelValues(kind).Inc()
}

func RecordRotation(reason string) {
	getMetrics().rotationTotal.WithLabelValues(reason).Inc()
}

func SetOutboxDepth(depth int) {
	getMetrics().outboxDepth.Set(float64(depth))
}

func SetSessionActive(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	getMetrics().sessionActive.Set(v)
}

func RecordUsageFetch(account string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().usageFetchTotal.WithLabelValues(account, status).Inc()
}
