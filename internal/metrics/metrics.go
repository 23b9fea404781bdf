package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for a harvest run.
type Collector struct {
	registry *prometheus.Registry

	ItemsCompleted prometheus.Counter
	ItemsSucceeded prometheus.Counter
	ItemsFailed    prometheus.Counter
	FetchRetries   prometheus.Counter

	Running prometheus.Gauge
	Queued  prometheus.Gauge

	FetchDuration prometheus.Histogram
}

// New creates and registers all instruments on a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		ItemsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentiharvest_items_completed_total",
			Help: "Total number of work items that reached a terminal state",
		}),
		ItemsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentiharvest_items_succeeded_total",
			Help: "Total number of work items that produced a report",
		}),
		ItemsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentiharvest_items_failed_total",
			Help: "Total number of work items that ended in a terminal error",
		}),
		FetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "mentiharvest_fetch_retries_total",
			Help: "Total number of fetch attempts beyond the first per item",
		}),
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mentiharvest_items_running",
			Help: "Number of work items currently executing",
		}),
		Queued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mentiharvest_items_queued",
			Help: "Number of work items waiting for admission",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mentiharvest_fetch_duration_seconds",
			Help:    "Wall time of one item fetch including retries",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}

// Handler exposes the registry for a /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
