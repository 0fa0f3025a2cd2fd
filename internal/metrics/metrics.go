package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EstimationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_estimations_total",
			Help: "Total number of estimations by confidence level",
		},
		[]string{"confidence"},
	)

	EstimationSearchLevel = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_estimation_search_level_total",
			Help: "Fallback level used by the comparable search",
		},
		[]string{"level"},
	)

	EstimationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimo_estimation_failures_total",
			Help: "Estimations that ended with an error",
		},
		[]string{"reason"},
	)

	EstimationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "estimo_estimation_duration_seconds",
			Help:    "Duration of an estimation, geocoding excluded",
			Buckets: prometheus.DefBuckets,
		},
	)

	ZoneStatsDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "estimo_zone_stats_unavailable_total",
			Help: "Estimations returned without zone statistics because the source failed",
		},
	)
)

func ObserveEstimation(confidence string, searchLevel int, seconds float64) {
	EstimationsTotal.WithLabelValues(confidence).Inc()
	EstimationSearchLevel.WithLabelValues(strconv.Itoa(searchLevel)).Inc()
	EstimationDuration.Observe(seconds)
}

func ObserveFailure(reason string) {
	EstimationFailures.WithLabelValues(reason).Inc()
}

var BatchItemsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "estimo_batch_items_total",
		Help: "Batch estimation items by outcome",
	},
	[]string{"outcome"},
)
