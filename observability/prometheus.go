package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus mirror of the in-process collector. Counter increments and
// histogram observations are reflected into a dedicated registry so
// deployments can scrape the same numbers the inspector shows.

var (
	promOnce     sync.Once
	promRegistry *prometheus.Registry
	promCounters *prometheus.CounterVec
	promHist     *prometheus.HistogramVec
)

func initProm() {
	promOnce.Do(func() {
		promRegistry = prometheus.NewRegistry()
		promCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backbone",
			Name:      "events_total",
			Help:      "Counter metric events by name and model.",
		}, []string{"metric", "model"})
		promHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backbone",
			Name:      "observations",
			Help:      "Histogram metric observations by name.",
			Buckets:   prometheus.ExponentialBuckets(1, 2.5, 12),
		}, []string{"metric"})
		promRegistry.MustRegister(promCounters, promHist)
	})
}

func mirrorCounter(name string, value float64, labels map[string]string) {
	initProm()
	promCounters.WithLabelValues(name, labels["model"]).Add(value)
}

func mirrorHistogram(name string, value float64, labels map[string]string) {
	initProm()
	promHist.WithLabelValues(name).Observe(value)
}

// PrometheusHandler exposes the mirrored metrics for scraping.
func PrometheusHandler() http.Handler {
	initProm()
	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}
