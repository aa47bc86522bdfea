package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// turnsTotal counts submitted turns by outcome
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trax_turns_total",
		Help: "Total submitted turns by outcome",
	}, []string{"outcome"})

	// completionDuration tracks provider latency
	completionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trax_completion_duration_seconds",
		Help:    "Completion provider call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 9), // 100ms to ~25s
	}, []string{"kind", "result"})

	// normalizerFallbacks counts model outputs that were not valid structured replies
	normalizerFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trax_normalizer_fallbacks_total",
		Help: "Model responses stored as degraded replies",
	})

	// titlesTotal counts title generation jobs by result
	titlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trax_session_titles_total",
		Help: "Session title generation jobs by result",
	}, []string{"result"})
)

const (
	outcomeOK           = "ok"
	outcomeDegraded     = "degraded"
	outcomeUnauthorized = "unauthorized"
	outcomeInvalid      = "invalid_input"
	outcomeProvider     = "provider_error"
	outcomeStorage      = "storage_error"
)
