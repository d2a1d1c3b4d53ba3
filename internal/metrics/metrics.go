package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsSyncedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_items_synced_total",
		Help: "Total batch items persisted successfully",
	})
	ItemsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_items_failed_total",
		Help: "Total batch items rejected or failed to persist",
	})
	BatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_batches_total",
		Help: "Total batch sync requests received",
	})
	ValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_validations_total",
		Help: "Location validation requests by outcome",
	}, []string{"outcome"})
	AssignmentCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_assignment_cache_hits_total",
		Help: "Assignment lookups served from cache",
	})
	AssignmentCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_assignment_cache_misses_total",
		Help: "Assignment lookups that fell through to the database",
	})
	RequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldsync_request_duration_ms",
		Help:    "Request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(ItemsSyncedTotal)
	prometheus.MustRegister(ItemsFailedTotal)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(ValidationsTotal)
	prometheus.MustRegister(AssignmentCacheHitsTotal)
	prometheus.MustRegister(AssignmentCacheMissesTotal)
	prometheus.MustRegister(RequestDurationMs)
}

// Handler exposes the registered metrics for scraping
func Handler() http.Handler { return promhttp.Handler() }
