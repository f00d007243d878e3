// MetricObserver records intake and flush counters plus flush lag
// Uses the OTel Metrics API with project and event type attributes
package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricObserver records metrics for every intake item and flush.
type MetricObserver struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	stale    metric.Int64Counter
	flushes  metric.Int64Counter
	failures metric.Int64Counter
	lag      metric.Float64Histogram
	wait     metric.Float64Histogram
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter("dwell")

	accepted, err := meter.Int64Counter("dwell.intake.accepted",
		metric.WithDescription("Number of envelopes accepted at intake"),
	)
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("dwell.intake.rejected",
		metric.WithDescription("Number of envelopes rejected at intake"),
	)
	if err != nil {
		return nil, err
	}
	stale, err := meter.Int64Counter("dwell.trace.stale_updates",
		metric.WithDescription("Number of trace updates discarded as older than stored state"),
	)
	if err != nil {
		return nil, err
	}
	flushes, err := meter.Int64Counter("dwell.flush.count",
		metric.WithDescription("Number of delayed observations flushed to the sink"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("dwell.flush.failures",
		metric.WithDescription("Number of flushes that failed to produce a record"),
	)
	if err != nil {
		return nil, err
	}
	lag, err := meter.Float64Histogram("dwell.flush.lag",
		metric.WithUnit("ms"),
		metric.WithDescription("Time between an observation's flush deadline and its flush"),
	)
	if err != nil {
		return nil, err
	}
	wait, err := meter.Float64Histogram("dwell.flush.wait",
		metric.WithUnit("ms"),
		metric.WithDescription("Time between an observation's arrival and its flush"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{
		accepted: accepted,
		rejected: rejected,
		stale:    stale,
		flushes:  flushes,
		failures: failures,
		lag:      lag,
		wait:     wait,
	}, nil
}

// ObserveIntake implements Observer.
func (m *MetricObserver) ObserveIntake(info IntakeInfo) {
	attrs := metric.WithAttributes(
		attribute.String("project.id", info.ProjectID),
		attribute.String("event.type", string(info.Type)),
	)
	ctx := context.Background()
	if !info.Accepted {
		m.rejected.Add(ctx, 1, attrs)
		return
	}
	m.accepted.Add(ctx, 1, attrs)
	if info.Stale {
		m.stale.Add(ctx, 1, attrs)
	}
}

// ObserveFlush implements Observer.
func (m *MetricObserver) ObserveFlush(info FlushInfo) {
	ctx := context.Background()
	if info.Err != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("project.id", info.ProjectID),
			attribute.String("observation.type", info.Type),
		))
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("project.id", info.ProjectID),
		attribute.String("observation.type", info.Type),
		attribute.Bool("enriched", info.Enriched),
	)
	m.flushes.Add(ctx, 1, attrs)
	m.lag.Record(ctx, float64(max(info.Lag(), 0))/float64(time.Millisecond), attrs)
	m.wait.Record(ctx, float64(info.Wait)/float64(time.Millisecond), attrs)
}
