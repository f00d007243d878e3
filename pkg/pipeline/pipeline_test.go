// End-to-end tests for the ingestion pipeline with a real scheduler and short delay window
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/andrewh/dwell/pkg/delay"
	"github.com/andrewh/dwell/pkg/event"
	"github.com/andrewh/dwell/pkg/merge"
	"github.com/andrewh/dwell/pkg/sink"
	"github.com/andrewh/dwell/pkg/tracestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testDelay = 100 * time.Millisecond

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type harness struct {
	pipeline  *Pipeline
	store     *tracestate.MemoryStore
	scheduler *delay.HeapScheduler
	sink      *sink.MemorySink
	spans     *tracetest.SpanRecorder
	observer  *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     tracestate.NewMemoryStore(4),
		scheduler: delay.New(delay.Options{Workers: 4}),
		sink:      sink.NewMemorySink(),
		spans:     tracetest.NewSpanRecorder(),
		observer:  &recordingObserver{},
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p, err := New(Options{
		Delay:          testDelay,
		Store:          h.store,
		Scheduler:      h.scheduler,
		Sink:           h.sink,
		Forwarder:      h.sink,
		Observers:      []Observer{h.observer},
		TracerProvider: tp,
	})
	require.NoError(t, err)
	h.pipeline = p
	t.Cleanup(func() { h.close(t) })
	return h
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.scheduler.Close(ctx))
}

func (h *harness) ingest(t *testing.T, envs ...event.Envelope) BatchResult {
	t.Helper()
	return h.pipeline.Ingest(context.Background(), "p", envs)
}

func (h *harness) waitForRecord(t *testing.T, spanID string) sink.Record {
	t.Helper()
	var rec sink.Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = h.sink.Get(sink.Key{ProjectID: "p", SpanID: spanID})
		return ok
	}, 5*time.Second, 5*time.Millisecond, "record %s never flushed", spanID)
	return rec
}

type recordingObserver struct {
	mu      sync.Mutex
	intakes []IntakeInfo
	flushes []FlushInfo
}

func (o *recordingObserver) ObserveIntake(info IntakeInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.intakes = append(o.intakes, info)
}

func (o *recordingObserver) ObserveFlush(info FlushInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes = append(o.flushes, info)
}

func (o *recordingObserver) snapshot() ([]IntakeInfo, []FlushInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]IntakeInfo(nil), o.intakes...), append([]FlushInfo(nil), o.flushes...)
}

func envelope(id string, typ event.Type, ts time.Time, body string) event.Envelope {
	return event.Envelope{ID: id, Type: typ, Timestamp: ts, Body: json.RawMessage(body)}
}

func traceCreate(id string, ts time.Time, body string) event.Envelope {
	return envelope("env-"+id+"-"+ts.Format(time.RFC3339Nano), event.TypeTraceCreate, ts, body)
}

func spanCreate(id, traceID string, ts time.Time, extra string) event.Envelope {
	body := fmt.Sprintf(`{"id":%q,"traceId":%q,"name":"llm-call"%s}`, id, traceID, extra)
	return envelope("env-"+id, event.TypeSpanCreate, ts, body)
}

func TestObservationWithoutTraceIsUnenriched(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res := h.ingest(t, spanCreate("O1", "T1", t0, `,"metadata":{"model":"x"}`))
	require.Empty(t, res.Errors)
	assert.Equal(t, http.StatusCreated, res.HTTPStatus())

	rec := h.waitForRecord(t, "O1")
	assert.Empty(t, rec.UserID)
	assert.Empty(t, rec.SessionID)
	assert.Equal(t, map[string]string{"model": "x"}, rec.Metadata)
	assert.Equal(t, merge.Source, rec.Source)
	assert.Equal(t, "llm-call", rec.Name)
	assert.Equal(t, "SPAN", rec.Type)
}

func TestTraceArrivingWithinWindowEnriches(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	start := time.Now()
	h.ingest(t, spanCreate("O1", "T1", t0, `,"metadata":{"b":"3","c":"4"}`))
	time.Sleep(testDelay / 4)
	res := h.ingest(t, traceCreate("T1", t0, `{"id":"T1","userId":"U","sessionId":"S","metadata":{"a":"1","b":"2"}}`))
	require.Empty(t, res.Errors)

	rec := h.waitForRecord(t, "O1")
	assert.GreaterOrEqual(t, time.Since(start), testDelay, "never flushed before the deadline")
	assert.Equal(t, "U", rec.UserID)
	assert.Equal(t, "S", rec.SessionID)
	assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, rec.Metadata)
	assert.Equal(t, "t-T1", rec.ParentSpanID)
}

func TestTraceArrivingAfterFlushNeverEnriches(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ingest(t, spanCreate("O1", "T1", t0, ""))
	rec := h.waitForRecord(t, "O1")
	require.Empty(t, rec.UserID)

	h.ingest(t, traceCreate("T1", t0, `{"id":"T1","userId":"U","sessionId":"S"}`))
	time.Sleep(testDelay)

	again, ok := h.sink.Get(sink.Key{ProjectID: "p", SpanID: "O1"})
	require.True(t, ok)
	assert.Empty(t, again.UserID, "flushed records are immutable")
	assert.Len(t, h.sink.Records(), 1)
}

// Each observation is enriched with whatever state existed at its own
// deadline, so two spans of one trace can disagree.
func TestObservationsOfOneTraceEnrichedByOwnDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ingest(t, spanCreate("O1", "T1", t0, ""))
	first := h.waitForRecord(t, "O1")

	h.ingest(t, traceCreate("T1", t0, `{"id":"T1","userId":"U"}`))
	h.ingest(t, spanCreate("O2", "T1", t0.Add(time.Second), ""))
	second := h.waitForRecord(t, "O2")

	assert.Empty(t, first.UserID)
	assert.Equal(t, "U", second.UserID)
	assert.Equal(t, first.TraceID, second.TraceID)
}

func TestPendingObservationRetainsTraceAcrossSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ingest(t, traceCreate("T1", t0, `{"id":"T1","userId":"U"}`))
	h.ingest(t, spanCreate("O1", "T1", t0, ""))
	assert.Zero(t, h.store.Sweep(0), "trace with a pending observation was evicted")

	rec := h.waitForRecord(t, "O1")
	assert.Equal(t, "U", rec.UserID)
}

// Trace (user U, session S) arrives first; a span for it arrives a moment
// later and is flushed with U and S.
func TestScenarioTraceThenSpan(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ingest(t, traceCreate("T1", t0, `{"id":"T1","userId":"U","sessionId":"S"}`))
	h.ingest(t, spanCreate("O1", "T1", t0.Add(100*time.Millisecond), ""))

	rec := h.waitForRecord(t, "O1")
	assert.Equal(t, "U", rec.UserID)
	assert.Equal(t, "S", rec.SessionID)
}

// Two updates of one trace arrive out of order; the later event time wins
// and the span flushed afterwards sees it.
func TestScenarioOutOfOrderTraceUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ingest(t, traceCreate("T1", t0.Add(2*time.Second), `{"id":"T1","userId":"U2"}`))
	res := h.ingest(t, traceCreate("T1", t0.Add(1*time.Second), `{"id":"T1","userId":"U1"}`))
	require.Empty(t, res.Errors, "stale updates are accepted, then discarded")
	h.ingest(t, spanCreate("O1", "T1", t0.Add(3*time.Second), ""))

	rec := h.waitForRecord(t, "O1")
	assert.Equal(t, "U2", rec.UserID)

	intakes, _ := h.observer.snapshot()
	require.Len(t, intakes, 3)
	assert.False(t, intakes[0].Stale)
	assert.True(t, intakes[1].Stale)
}

func TestBatchReportsPerItemErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res := h.ingest(t,
		traceCreate("T1", t0, `{"id":"T1","userId":"U"}`),
		envelope("bad-type", "mystery-create", t0, `{"id":"x"}`),
		envelope("", event.TypeSpanCreate, t0, `{"id":"O9","traceId":"T1"}`),
		envelope("no-ts", event.TypeSpanCreate, time.Time{}, `{"id":"O9","traceId":"T1"}`),
		envelope("no-trace-id", event.TypeSpanCreate, t0, `{"id":"O9"}`),
		envelope("bad-body", event.TypeTraceCreate, t0, `{"id":`),
		spanCreate("O1", "T1", t0, ""),
	)

	assert.Equal(t, http.StatusMultiStatus, res.HTTPStatus())
	require.Len(t, res.Successes, 2)
	require.Len(t, res.Errors, 5)
	for _, e := range res.Errors {
		assert.Equal(t, http.StatusBadRequest, e.Status, "item %q", e.ID)
		assert.NotEmpty(t, e.Message)
	}
	assert.Equal(t, "bad-type", res.Errors[0].ID)

	rec := h.waitForRecord(t, "O1")
	assert.Equal(t, "U", rec.UserID, "siblings of rejected items are unaffected")
	assert.Len(t, h.sink.Records(), 1)
}

func TestUpdatesAreForwardedImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res := h.ingest(t,
		envelope("u1", event.TypeSpanUpdate, t0, `{"id":"O1","traceId":"T1","endTime":"2026-03-01T12:00:01Z"}`),
		envelope("s1", event.TypeScoreCreate, t0, `{"id":"S1","traceId":"T1","value":1}`),
	)
	require.Empty(t, res.Errors)

	updates := h.sink.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, "u1", updates[0].Envelope.ID)
	assert.Equal(t, "p", updates[0].ProjectID)
	assert.Empty(t, h.sink.Records())
}

func TestDuplicateFlushWritesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	pending, err := h.pipeline.Pending("p", spanCreate("O1", "T1", t0, ""))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.pipeline.Flush(ctx, pending))
	_, err = h.store.Upsert(ctx, pending.TraceKey(), tracestate.Attributes{UserID: ptr("U")}, t0)
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Flush(ctx, pending))

	records := h.sink.Records()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].UserID, "first write wins")
}

func TestPendingStampsDeadline(t *testing.T) {
	t.Parallel()

	now := t0.Add(time.Hour)
	sched := delay.New(delay.Options{})
	t.Cleanup(func() { _ = sched.Close(context.Background()) })
	p, err := New(Options{
		Delay:     time.Second,
		Store:     tracestate.NewMemoryStore(1),
		Scheduler: sched,
		Sink:      sink.NewMemorySink(),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	pending, err := p.Pending("p", spanCreate("O1", "T1", t0,
		`,"parentObservationId":"O0","input":{"q":"hi"},"output":"ok","startTime":"2026-03-01T11:59:59Z"`))
	require.NoError(t, err)
	assert.Equal(t, now, pending.ArrivalTime)
	assert.Equal(t, now.Add(time.Second), pending.FlushDeadline)
	assert.Equal(t, t0, pending.EventTimestamp)
	assert.Equal(t, t0.Add(-time.Second), pending.StartTime)
	assert.Equal(t, "O0", pending.ParentObservationID)
	assert.JSONEq(t, `{"q":"hi"}`, pending.Input)
	assert.Equal(t, "ok", pending.Output)
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, sink.Record) error { return errors.New("sink down") }

func TestFlushFailureIsObserved(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	sched := delay.New(delay.Options{})
	t.Cleanup(func() { _ = sched.Close(context.Background()) })
	p, err := New(Options{
		Store:          tracestate.NewMemoryStore(1),
		Scheduler:      sched,
		Sink:           failingWriter{},
		Observers:      []Observer{obs},
		TracerProvider: tp,
	})
	require.NoError(t, err)

	pending, err := p.Pending("p", spanCreate("O1", "T1", t0, ""))
	require.NoError(t, err)
	err = p.Flush(context.Background(), pending)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")

	_, flushes := obs.snapshot()
	require.Len(t, flushes, 1)
	assert.Error(t, flushes[0].Err)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "flush", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestIngestAfterCloseReportsUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.close(t)

	res := h.ingest(t, spanCreate("O1", "T1", t0, ""))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, http.StatusServiceUnavailable, res.Errors[0].Status)
}

func TestIngestEmitsSpans(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ingest(t, spanCreate("O1", "T1", t0, ""))
	h.waitForRecord(t, "O1")

	require.Eventually(t, func() bool {
		names := map[string]bool{}
		for _, s := range h.spans.Ended() {
			names[s.Name()] = true
		}
		return names["ingest"] && names["flush"]
	}, 5*time.Second, 5*time.Millisecond)

	_, flushes := h.observer.snapshot()
	require.Len(t, flushes, 1)
	assert.False(t, flushes[0].Enriched)
	assert.GreaterOrEqual(t, flushes[0].Wait, testDelay)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	store := tracestate.NewMemoryStore(1)
	sched := delay.New(delay.Options{})
	t.Cleanup(func() { _ = sched.Close(context.Background()) })
	mem := sink.NewMemorySink()

	tests := []struct {
		name string
		opts Options
	}{
		{"no store", Options{Scheduler: sched, Sink: mem}},
		{"no scheduler", Options{Store: store, Sink: mem}},
		{"no sink", Options{Store: store, Scheduler: sched}},
		{"negative delay", Options{Store: store, Scheduler: sched, Sink: mem, Delay: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}
