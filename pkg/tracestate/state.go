// Per-trace latest-known attribute state and its last-writer-wins merge rule
// Store implementations share apply so the rule is identical across backends
package tracestate

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Key identifies a trace within a project.
type Key struct {
	ProjectID string
	TraceID   string
}

// Attributes is one trace update. Nil pointers were not supplied and never
// overwrite stored values.
type Attributes struct {
	UserID     *string
	SessionID  *string
	Release    *string
	Public     *bool
	Bookmarked *bool
	Tags       []string
	Metadata   map[string]string
}

// State is the merged snapshot of everything known about a trace.
type State struct {
	Key                Key
	UserID             string
	SessionID          string
	Release            string
	Public             bool
	Bookmarked         bool
	Tags               []string
	Metadata           map[string]string
	LastEventTimestamp time.Time
}

// Store holds trace state keyed by project and trace id.
//
// Upsert is linearizable per key and reports whether the update was applied;
// an update older than the stored LastEventTimestamp is discarded with
// applied=false and a nil error. Get returns a copy of the latest committed
// state, or ok=false if the trace has never been seen.
type Store interface {
	Upsert(ctx context.Context, key Key, attrs Attributes, eventTime time.Time) (applied bool, err error)
	Get(ctx context.Context, key Key) (state State, ok bool, err error)
}

// Retainer is implemented by stores that evict idle traces. Retain asks the
// store to keep key at least until the given time, so state outlives every
// delayed observation that will still read it.
type Retainer interface {
	Retain(key Key, until time.Time)
}

// newState builds the initial state for a trace from its first update.
func newState(key Key, attrs Attributes, eventTime time.Time) State {
	s := State{Key: key, Metadata: map[string]string{}}
	s.apply(attrs, eventTime)
	return s
}

// apply merges attrs into s if eventTime is not older than the stored
// timestamp. Scalars are replaced when supplied, metadata keys are merged
// with the incoming value winning, and tags are unioned.
func (s *State) apply(attrs Attributes, eventTime time.Time) bool {
	if eventTime.Before(s.LastEventTimestamp) {
		return false
	}
	if attrs.UserID != nil {
		s.UserID = *attrs.UserID
	}
	if attrs.SessionID != nil {
		s.SessionID = *attrs.SessionID
	}
	if attrs.Release != nil {
		s.Release = *attrs.Release
	}
	if attrs.Public != nil {
		s.Public = *attrs.Public
	}
	if attrs.Bookmarked != nil {
		s.Bookmarked = *attrs.Bookmarked
	}
	if len(attrs.Tags) > 0 {
		tags := append(slices.Clone(s.Tags), attrs.Tags...)
		slices.Sort(tags)
		s.Tags = slices.Compact(tags)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string, len(attrs.Metadata))
	}
	maps.Copy(s.Metadata, attrs.Metadata)
	s.LastEventTimestamp = eventTime
	return true
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s State) Clone() State {
	s.Tags = slices.Clone(s.Tags)
	s.Metadata = maps.Clone(s.Metadata)
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return s
}
