// Merge of a delayed observation with the trace state visible at flush time
// Merge is pure; Engine adds the single read from the trace state store
package merge

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/andrewh/dwell/pkg/sink"
	"github.com/andrewh/dwell/pkg/tracestate"
)

// Source tags every record produced by this pipeline.
const Source = "delayed-ingestion"

// Pending is an observation held by the scheduler until its flush deadline.
type Pending struct {
	ProjectID           string
	ObservationID       string
	TraceID             string
	ParentObservationID string
	Type                string
	Name                string
	StartTime           time.Time
	EndTime             *time.Time
	Metadata            map[string]string
	Input               string
	Output              string
	Level               string
	StatusMessage       string
	Version             string
	Model               string
	Environment         string
	EventTimestamp      time.Time
	ArrivalTime         time.Time
	FlushDeadline       time.Time
}

// TraceKey returns the trace state key the observation belongs to.
func (p Pending) TraceKey() tracestate.Key {
	return tracestate.Key{ProjectID: p.ProjectID, TraceID: p.TraceID}
}

// Merge builds the finalized record for p. A nil trace means no trace state
// existed at flush time and the record carries observation fields only.
//
// Trace metadata is overlaid by observation metadata, so observation keys
// win on collision. Bookmarked is only inherited by root observations.
func Merge(p Pending, trace *tracestate.State, now time.Time) sink.Record {
	r := sink.Record{
		ID:             p.ObservationID,
		SpanID:         p.ObservationID,
		TraceID:        p.TraceID,
		ProjectID:      p.ProjectID,
		ParentSpanID:   p.ParentObservationID,
		Name:           p.Name,
		Type:           p.Type,
		Source:         Source,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		Input:          p.Input,
		Output:         p.Output,
		Level:          p.Level,
		StatusMessage:  p.StatusMessage,
		Version:        p.Version,
		Model:          p.Model,
		Environment:    p.Environment,
		EventTimestamp: p.EventTimestamp,
		CreatedAt:      now,
	}
	// Top-level observations hang off the synthetic trace root, which has
	// no parent of its own.
	if root := "t-" + p.TraceID; r.ParentSpanID == "" && p.ObservationID != root {
		r.ParentSpanID = root
	}

	meta := make(map[string]string, len(p.Metadata))
	if trace != nil {
		maps.Copy(meta, trace.Metadata)
		r.UserID = trace.UserID
		r.SessionID = trace.SessionID
		r.Tags = slices.Clone(trace.Tags)
		r.Release = trace.Release
		r.Public = trace.Public
		if p.ParentObservationID == "" {
			r.Bookmarked = trace.Bookmarked
		}
	}
	maps.Copy(meta, p.Metadata)
	r.Metadata = meta
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return r
}

// Engine resolves trace state for pending observations. It only reads from
// the store.
type Engine struct {
	Store tracestate.Store
	Now   func() time.Time
}

// NewEngine returns an Engine reading from store.
func NewEngine(store tracestate.Store) *Engine {
	return &Engine{Store: store, Now: time.Now}
}

// Flush looks up the trace once and merges it into p. An absent trace is
// not an error.
func (e *Engine) Flush(ctx context.Context, p Pending) (sink.Record, bool, error) {
	st, ok, err := e.Store.Get(ctx, p.TraceKey())
	if err != nil {
		return sink.Record{}, false, fmt.Errorf("reading trace state %s: %w", p.TraceID, err)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if !ok {
		return Merge(p, nil, now()), false, nil
	}
	return Merge(p, &st, now()), true, nil
}
