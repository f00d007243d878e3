// Newline-delimited JSON sink for piping records to stdout or a file
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/andrewh/dwell/pkg/event"
)

// JSONSink writes each record as one JSON line. Keys already written by
// this process are skipped.
type JSONSink struct {
	mu   sync.Mutex
	enc  *json.Encoder
	seen map[Key]struct{}
}

// NewJSONSink writes to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w), seen: make(map[Key]struct{})}
}

// Write implements Writer.
func (s *JSONSink) Write(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[r.Key()]; ok {
		return nil
	}
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	s.seen[r.Key()] = struct{}{}
	return nil
}

// Forward implements UpdateForwarder by writing the raw envelope.
func (s *JSONSink) Forward(ctx context.Context, projectID string, e event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(struct {
		ProjectID string         `json:"project_id"`
		Update    event.Envelope `json:"update"`
	}{projectID, e}); err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}
	return nil
}
