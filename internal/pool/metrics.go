package pool

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WarmCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentkernel_pool_warm_count",
			Help: "Number of warm (idle, available) sandboxes",
		},
		[]string{"runtime_tag"},
	)

	InUseCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentkernel_pool_in_use_count",
			Help: "Number of leased sandboxes",
		},
		[]string{"runtime_tag"},
	)

	CleanupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentkernel_pool_cleanup_queue_depth",
			Help: "Number of sandboxes pending destruction",
		},
	)

	AcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentkernel_pool_acquire_duration_seconds",
			Help:    "Time to satisfy a pool acquire, warm hit or cold start",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"runtime_tag", "source"}, // source: "warm" or "cold_start"
	)

	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentkernel_pool_provisions_total",
			Help: "Total sandboxes provisioned, by outcome",
		},
		[]string{"runtime_tag", "result"}, // result: "ok" or "error"
	)
)

func init() {
	prometheus.MustRegister(
		WarmCount,
		InUseCount,
		CleanupQueueDepth,
		AcquireDuration,
		ProvisionsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Report publishes a Stats snapshot under the given runtime tag.
func Report(runtimeTag string, stats Stats) {
	WarmCount.WithLabelValues(runtimeTag).Set(float64(stats.Warm))
	InUseCount.WithLabelValues(runtimeTag).Set(float64(stats.InUse))
	CleanupQueueDepth.Set(float64(stats.Cleanup))
}
