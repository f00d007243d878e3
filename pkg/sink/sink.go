// Finalized event records and the writers that persist them
// Every writer is idempotent on (project, span id) and the first write wins
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrewh/dwell/pkg/event"
)

// ErrInvalidRecord is returned for records missing an identity field.
// Writers never retry it.
var ErrInvalidRecord = errors.New("invalid record")

// Record is one enriched observation ready for analytics. It is immutable
// once written.
type Record struct {
	ID             string            `json:"id"`
	SpanID         string            `json:"span_id"`
	TraceID        string            `json:"trace_id"`
	ProjectID      string            `json:"project_id"`
	ParentSpanID   string            `json:"parent_span_id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	UserID         string            `json:"user_id"`
	SessionID      string            `json:"session_id"`
	Metadata       map[string]string `json:"metadata"`
	Tags           []string          `json:"tags"`
	Release        string            `json:"release,omitempty"`
	Public         bool              `json:"public"`
	Bookmarked     bool              `json:"bookmarked"`
	Source         string            `json:"source"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	Input          string            `json:"input,omitempty"`
	Output         string            `json:"output,omitempty"`
	Level          string            `json:"level,omitempty"`
	StatusMessage  string            `json:"status_message,omitempty"`
	Version        string            `json:"version,omitempty"`
	Model          string            `json:"model,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	EventTimestamp time.Time         `json:"event_ts"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Key is the idempotency key of a Record.
type Key struct {
	ProjectID string
	SpanID    string
}

// Key returns the record's idempotency key.
func (r Record) Key() Key {
	return Key{ProjectID: r.ProjectID, SpanID: r.SpanID}
}

// Validate reports ErrInvalidRecord when an identity field is empty.
func (r Record) Validate() error {
	switch {
	case r.ProjectID == "":
		return fmt.Errorf("%w: empty project_id", ErrInvalidRecord)
	case r.SpanID == "":
		return fmt.Errorf("%w: empty span_id", ErrInvalidRecord)
	case r.TraceID == "":
		return fmt.Errorf("%w: empty trace_id", ErrInvalidRecord)
	}
	return nil
}

// Writer persists finalized records. Writing a record whose key already
// exists is a no-op that returns nil.
type Writer interface {
	Write(ctx context.Context, r Record) error
}

// UpdateForwarder receives events that bypass the delay window, such as
// observation updates and scores.
type UpdateForwarder interface {
	Forward(ctx context.Context, projectID string, e event.Envelope) error
}

// Update is a forwarded event as retained by in-process forwarders.
type Update struct {
	ProjectID string
	Envelope  event.Envelope
}
