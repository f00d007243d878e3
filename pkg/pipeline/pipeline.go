// Ingestion pipeline that routes batches by event type
// Trace events update state immediately, observations wait out the delay window before merge and write
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/andrewh/dwell/pkg/delay"
	"github.com/andrewh/dwell/pkg/event"
	"github.com/andrewh/dwell/pkg/merge"
	"github.com/andrewh/dwell/pkg/sink"
	"github.com/andrewh/dwell/pkg/tracestate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDelay is the enrichment window used when none is configured.
const DefaultDelay = 5 * time.Second

// Options configures a Pipeline.
type Options struct {
	// Delay is how long observations wait for trace context before flush.
	Delay     time.Duration
	Store     tracestate.Store
	Scheduler delay.Scheduler
	Sink      sink.Writer
	// Forwarder receives events that skip the delay window. Nil drops them.
	Forwarder      sink.UpdateForwarder
	Observers      []Observer
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
	Now            func() time.Time
}

// Pipeline is the ingestion intake together with its flush path.
type Pipeline struct {
	delay     time.Duration
	store     tracestate.Store
	scheduler delay.Scheduler
	engine    *merge.Engine
	sink      sink.Writer
	forwarder sink.UpdateForwarder
	observers []Observer
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline requires a trace state store")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("pipeline requires a scheduler")
	}
	if opts.Sink == nil {
		return nil, errors.New("pipeline requires a sink")
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("delay must be non-negative, got %s", opts.Delay)
	}

	p := &Pipeline{
		delay:     opts.Delay,
		store:     opts.Store,
		scheduler: opts.Scheduler,
		sink:      opts.Sink,
		forwarder: opts.Forwarder,
		observers: opts.Observers,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	p.tracer = tp.Tracer("dwell")
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.engine = merge.NewEngine(p.store)
	p.engine.Now = p.now
	return p, nil
}

// Delay returns the configured enrichment window.
func (p *Pipeline) Delay() time.Duration {
	return p.delay
}

// ItemStatus is the outcome of one envelope in a batch.
type ItemStatus struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchResult reports per-item outcomes for an ingested batch.
type BatchResult struct {
	Successes []ItemStatus `json:"successes"`
	Errors    []ItemStatus `json:"errors"`
}

// HTTPStatus is 207 when any item failed and 201 otherwise.
func (r BatchResult) HTTPStatus() int {
	if len(r.Errors) > 0 {
		return http.StatusMultiStatus
	}
	return http.StatusCreated
}

// Ingest handles each envelope of a batch independently. A failing item
// never affects its siblings.
func (p *Pipeline) Ingest(ctx context.Context, projectID string, batch []event.Envelope) BatchResult {
	ctx, span := p.tracer.Start(ctx, "ingest",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.Int("batch.size", len(batch)),
		),
	)
	defer span.End()

	result := BatchResult{
		Successes: make([]ItemStatus, 0, len(batch)),
		Errors:    []ItemStatus{},
	}
	for _, e := range batch {
		info := IntakeInfo{ProjectID: projectID, Type: e.Type, Route: e.Type.Route()}
		stale, err := p.ingestOne(ctx, projectID, e)
		info.Stale = stale
		info.Err = err
		info.Accepted = err == nil
		p.notifyIntake(info)

		if err != nil {
			st := itemError(e.ID, err)
			p.logger.Debug("rejected event", "project", projectID, "id", e.ID, "type", e.Type, "status", st.Status, "error", err)
			result.Errors = append(result.Errors, st)
			continue
		}
		result.Successes = append(result.Successes, ItemStatus{ID: e.ID, Status: http.StatusCreated})
	}

	span.SetAttributes(
		attribute.Int("batch.accepted", len(result.Successes)),
		attribute.Int("batch.rejected", len(result.Errors)),
	)
	if len(result.Errors) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d events rejected", len(result.Errors), len(batch)))
	}
	return result
}

// errUnavailable marks failures caused by the pipeline rather than the event.
var errUnavailable = errors.New("pipeline unavailable")

func itemError(id string, err error) ItemStatus {
	var verr *event.ValidationError
	switch {
	case errors.As(err, &verr):
		return ItemStatus{ID: id, Status: http.StatusBadRequest, Message: verr.Error(), Error: "invalid request data"}
	case errors.Is(err, delay.ErrClosed):
		return ItemStatus{ID: id, Status: http.StatusServiceUnavailable, Message: err.Error(), Error: "shutting down"}
	default:
		return ItemStatus{ID: id, Status: http.StatusInternalServerError, Message: err.Error(), Error: "internal error"}
	}
}

func (p *Pipeline) ingestOne(ctx context.Context, projectID string, e event.Envelope) (stale bool, err error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	switch e.Type.Route() {
	case event.RouteTrace:
		applied, err := p.upsertTrace(ctx, projectID, e)
		return err == nil && !applied, err
	case event.RouteObservation:
		return false, p.scheduleObservation(projectID, e)
	default:
		return false, p.forward(ctx, projectID, e)
	}
}

func (p *Pipeline) upsertTrace(ctx context.Context, projectID string, e event.Envelope) (bool, error) {
	body, err := event.DecodeTrace(e)
	if err != nil {
		return false, err
	}
	meta, err := event.Metadata(body.Metadata)
	if err != nil {
		return false, err
	}
	attrs := tracestate.Attributes{
		UserID:     body.UserID,
		SessionID:  body.SessionID,
		Release:    body.Release,
		Public:     body.Public,
		Bookmarked: body.Bookmarked,
		Tags:       body.Tags,
		Metadata:   meta,
	}
	key := tracestate.Key{ProjectID: projectID, TraceID: body.ID}
	applied, err := p.store.Upsert(ctx, key, attrs, e.Timestamp)
	if err != nil {
		return false, fmt.Errorf("%w: upserting trace %s: %w", errUnavailable, body.ID, err)
	}
	if !applied {
		p.logger.Debug("discarded stale trace update", "project", projectID, "trace", body.ID, "event_ts", e.Timestamp)
	}
	return applied, nil
}

// Pending converts an observation envelope into the form held by the
// scheduler, stamping arrival time and flush deadline.
func (p *Pipeline) Pending(projectID string, e event.Envelope) (merge.Pending, error) {
	body, err := event.DecodeObservation(e)
	if err != nil {
		return merge.Pending{}, err
	}
	meta, err := event.Metadata(body.Metadata)
	if err != nil {
		return merge.Pending{}, err
	}
	start := e.Timestamp
	if body.StartTime != nil {
		start = *body.StartTime
	}
	arrival := p.now()
	return merge.Pending{
		ProjectID:           projectID,
		ObservationID:       body.ID,
		TraceID:             body.TraceID,
		ParentObservationID: body.ParentObservationID,
		Type:                e.Type.ObservationType(),
		Name:                body.Name,
		StartTime:           start,
		EndTime:             body.EndTime,
		Metadata:            meta,
		Input:               event.Stringify(body.Input),
		Output:              event.Stringify(body.Output),
		Level:               body.Level,
		StatusMessage:       body.StatusMessage,
		Version:             body.Version,
		Model:               body.Model,
		Environment:         body.Environment,
		EventTimestamp:      e.Timestamp,
		ArrivalTime:         arrival,
		FlushDeadline:       arrival.Add(p.delay),
	}, nil
}

func (p *Pipeline) scheduleObservation(projectID string, e event.Envelope) error {
	pending, err := p.Pending(projectID, e)
	if err != nil {
		return err
	}
	// Flushes can run behind their deadline when workers are saturated, so
	// keep the trace for one more window past it.
	if r, ok := p.store.(tracestate.Retainer); ok {
		r.Retain(pending.TraceKey(), pending.FlushDeadline.Add(p.delay))
	}
	err = p.scheduler.Schedule(pending.FlushDeadline, func(ctx context.Context) error {
		return p.Flush(ctx, pending)
	})
	if err != nil {
		return fmt.Errorf("scheduling observation %s: %w", pending.ObservationID, err)
	}
	return nil
}

func (p *Pipeline) forward(ctx context.Context, projectID string, e event.Envelope) error {
	if p.forwarder == nil {
		p.logger.Debug("dropping update event, no forwarder configured", "id", e.ID, "type", e.Type)
		return nil
	}
	if err := p.forwarder.Forward(ctx, projectID, e); err != nil {
		return fmt.Errorf("%w: forwarding %s: %w", errUnavailable, e.ID, err)
	}
	return nil
}

// Flush merges a pending observation with the current trace state and
// writes the result. The sink is idempotent, so flushing the same
// observation twice stores one record.
func (p *Pipeline) Flush(ctx context.Context, pending merge.Pending) error {
	ctx, span := p.tracer.Start(ctx, "flush",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("project.id", pending.ProjectID),
			attribute.String("trace.id", pending.TraceID),
			attribute.String("observation.id", pending.ObservationID),
		),
	)
	defer span.End()

	info := FlushInfo{
		ProjectID:     pending.ProjectID,
		TraceID:       pending.TraceID,
		ObservationID: pending.ObservationID,
		Type:          pending.Type,
		Deadline:      pending.FlushDeadline,
	}
	err := p.flush(ctx, pending, &info)
	info.FlushedAt = p.now()
	info.Wait = info.FlushedAt.Sub(pending.ArrivalTime)
	info.Err = err
	p.notifyFlush(info)

	span.SetAttributes(attribute.Bool("enriched", info.Enriched))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) flush(ctx context.Context, pending merge.Pending, info *FlushInfo) error {
	record, enriched, err := p.engine.Flush(ctx, pending)
	if err != nil {
		return err
	}
	info.Enriched = enriched
	if err := p.sink.Write(ctx, record); err != nil {
		return fmt.Errorf("writing observation %s: %w", pending.ObservationID, err)
	}
	return nil
}

func (p *Pipeline) notifyIntake(info IntakeInfo) {
	for _, o := range p.observers {
		o.ObserveIntake(info)
	}
}

func (p *Pipeline) notifyFlush(info FlushInfo) {
	for _, o := range p.observers {
		o.ObserveFlush(info)
	}
}
