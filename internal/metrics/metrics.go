// Package metrics exposes Prometheus instrumentation for the covariance
// estimation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EstimationsStarted counts estimation jobs accepted by the service.
	EstimationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "covmatrix_estimations_started_total",
		Help: "Number of covariance estimation jobs started.",
	})

	// EstimationsCompleted counts finished jobs by terminal status.
	EstimationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covmatrix_estimations_completed_total",
		Help: "Number of covariance estimation jobs finished, by status.",
	}, []string{"status"})

	// EstimationDuration observes wall-clock time per estimation job.
	EstimationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "covmatrix_estimation_duration_seconds",
		Help:    "Wall-clock duration of covariance estimation jobs.",
		Buckets: prometheus.DefBuckets,
	})

	// ObjectiveEvaluations counts calls into caller-supplied density
	// functions across all jobs.
	ObjectiveEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "covmatrix_objective_evaluations_total",
		Help: "Number of objective function evaluations performed.",
	})
)

// CountEvaluations wraps f so every invocation increments
// ObjectiveEvaluations.
func CountEvaluations(f func([]float64) (float64, error)) func([]float64) (float64, error) {
	return func(x []float64) (float64, error) {
		ObjectiveEvaluations.Inc()
		return f(x)
	}
}
