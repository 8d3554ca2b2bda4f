package profile

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpattn/profilesvc/internal/domain"
)

var (
	// mutationTotal counts finished mutations by operation and outcome
	mutationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_mutations_total",
		Help: "Profile mutations by operation and outcome",
	}, []string{"operation", "outcome"})

	// mutationDuration tracks end-to-end mutation latency including retries
	mutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "profile_mutation_duration_seconds",
		Help:    "Profile mutation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"operation"})

	// conflictRetries counts mutations replayed after a version race
	conflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_conflict_retries_total",
		Help: "Mutations retried after a version conflict",
	}, []string{"operation"})

	// mutationFailedState counts failed attempts by the last state reached
	mutationFailedState = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_mutation_failed_state_total",
		Help: "Failed mutation attempts by the last state reached before failure",
	}, []string{"operation", "state"})
)

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	if kind := domain.KindOf(err); kind != "" {
		return strings.ToLower(string(kind))
	}
	return "error"
}
