package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	completionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmquery_completion_requests_total",
			Help: "Total number of text-completion calls by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)
	completionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmquery_completion_latency_seconds",
			Help:    "Text-completion call latency by purpose.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"purpose"},
	)
	validatorRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmquery_validator_rejections_total",
			Help: "Total number of SQL statements rejected by the safety validator, by reason.",
		},
		[]string{"reason"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmquery_query_executions_total",
			Help: "Total number of validated query executions by outcome.",
		},
		[]string{"outcome"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crmquery_query_duration_seconds",
			Help:    "Validated query execution latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		},
	)
	streamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crmquery_stream_chunks_total",
			Help: "Total number of streamed answer chunks emitted.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		completionRequestsTotal,
		completionLatencySeconds,
		validatorRejectionsTotal,
		queryExecutionsTotal,
		queryDurationSeconds,
		streamChunksTotal,
	)
}

func ObserveCompletion(purpose, outcome string, elapsed time.Duration) {
	completionRequestsTotal.WithLabelValues(purpose, outcome).Inc()
	completionLatencySeconds.WithLabelValues(purpose).Observe(elapsed.Seconds())
}

func IncrementValidatorRejection(reason string) {
	validatorRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveQueryExecution(outcome string, elapsed time.Duration) {
	queryExecutionsTotal.WithLabelValues(outcome).Inc()
	queryDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementStreamChunks(n int) {
	if n > 0 {
		streamChunksTotal.Add(float64(n))
	}
}
