package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncInstruments counts engine polls.
type SyncInstruments struct {
	polls    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	issues   metric.Int64Gauge
}

func NewSyncInstruments(meter metric.Meter) SyncInstruments {
	polls, _ := meter.Int64Counter("mirrorball.sync.polls",
		metric.WithDescription("Engine polls completed"),
	)
	errs, _ := meter.Int64Counter("mirrorball.sync.poll_errors",
		metric.WithDescription("Engine polls that failed"),
	)
	duration, _ := meter.Float64Histogram("mirrorball.sync.poll.duration",
		metric.WithDescription("Engine poll duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	issues, _ := meter.Int64Gauge("mirrorball.sync.issues",
		metric.WithDescription("Issues in the latest snapshot"),
	)
	return SyncInstruments{polls: polls, errors: errs, duration: duration, issues: issues}
}

func (s SyncInstruments) RecordPoll(ctx context.Context, started time.Time, issueCount int, err error) {
	if s.polls == nil {
		return
	}
	ms := float64(time.Since(started).Microseconds()) / 1000
	s.polls.Add(ctx, 1)
	s.duration.Record(ctx, ms)
	if err != nil {
		s.errors.Add(ctx, 1)
		return
	}
	s.issues.Record(ctx, int64(issueCount))
}

// ResolverInstruments counts resolution dispatches by outcome.
type ResolverInstruments struct {
	submissions metric.Int64Counter
	errors      metric.Int64Counter
}

func NewResolverInstruments(meter metric.Meter) ResolverInstruments {
	submissions, _ := meter.Int64Counter("mirrorball.resolver.submissions",
		metric.WithDescription("Resolutions dispatched to the engine"),
	)
	errs, _ := meter.Int64Counter("mirrorball.resolver.errors",
		metric.WithDescription("Resolutions the engine did not accept"),
	)
	return ResolverInstruments{submissions: submissions, errors: errs}
}

func (r ResolverInstruments) RecordResolution(ctx context.Context, clearing bool, err error) {
	if r.submissions == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("mirrorball.clear", clearing))
	r.submissions.Add(ctx, 1, attrs)
	if err != nil {
		r.errors.Add(ctx, 1, attrs)
	}
}
