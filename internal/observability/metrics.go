package observability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/Sophanos/saga-sub007"

var (
	suggestionsCreated metric.Int64Counter
	decisionsTotal     metric.Int64Counter
	decisionDuration   metric.Float64Histogram
	rollbacksTotal     metric.Int64Counter
	preflightTotal     metric.Int64Counter
	streamsTotal       metric.Int64Counter
	activeStreams      metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// InitMetrics creates the instruments against the global meter provider.
// Safe to call multiple times; only the first call has an effect, so install
// the meter provider before the first call.
func InitMetrics() error {
	metricsOnce.Do(func() {
		m := otel.Meter(instrumentationName)
		var err error

		if suggestionsCreated, err = m.Int64Counter("proposals_suggestions_created_total",
			metric.WithDescription("Suggestions recorded from agent proposals")); err != nil {
			metricsErr = err
			return
		}
		if decisionsTotal, err = m.Int64Counter("proposals_decisions_total",
			metric.WithDescription("Review decisions by decision and resulting stage")); err != nil {
			metricsErr = err
			return
		}
		if decisionDuration, err = m.Float64Histogram("proposals_decision_duration_seconds",
			metric.WithDescription("Time to apply a review decision"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if rollbacksTotal, err = m.Int64Counter("proposals_rollbacks_total",
			metric.WithDescription("Rollback attempts by outcome")); err != nil {
			metricsErr = err
			return
		}
		if preflightTotal, err = m.Int64Counter("proposals_preflight_total",
			metric.WithDescription("Preflight computations by status")); err != nil {
			metricsErr = err
			return
		}
		if streamsTotal, err = m.Int64Counter("proposals_streams_total",
			metric.WithDescription("Agent streaming turns by outcome")); err != nil {
			metricsErr = err
			return
		}
		if activeStreams, err = m.Int64UpDownCounter("proposals_streams_active",
			metric.WithDescription("Agent streaming turns in flight")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func ready() bool {
	return metricsEnabled.Load() && InitMetrics() == nil
}

// RecordSuggestionCreated counts a recorded suggestion.
func RecordSuggestionCreated(ctx context.Context, operation, preflight string) {
	if !ready() {
		return
	}
	suggestionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("preflight", preflight),
	))
}

// RecordDecision counts a decision and how long it took. outcome is the
// resulting stage, or the error kind when the decision was refused.
func RecordDecision(ctx context.Context, decision, outcome string, d time.Duration) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("outcome", outcome),
	)
	decisionsTotal.Add(ctx, 1, attrs)
	decisionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRollback counts a rollback attempt.
func RecordRollback(ctx context.Context, outcome string, cascade bool) {
	if !ready() {
		return
	}
	rollbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("cascade", cascade),
	))
}

// RecordPreflight counts a preflight computation.
func RecordPreflight(ctx context.Context, status string) {
	if !ready() {
		return
	}
	preflightTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// StreamStarted marks an agent turn as in flight.
func StreamStarted(ctx context.Context) {
	if !ready() {
		return
	}
	activeStreams.Add(ctx, 1)
}

// StreamFinished records the end of an agent turn.
func StreamFinished(ctx context.Context, outcome string) {
	if !ready() {
		return
	}
	activeStreams.Add(ctx, -1)
	streamsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
