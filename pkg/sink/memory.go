// In-memory record sink used by tests, replay, and single-process deployments
package sink

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/andrewh/dwell/pkg/event"
)

// MemorySink keeps records in write order and forwarded updates alongside.
// It implements both Writer and UpdateForwarder.
type MemorySink struct {
	mu      sync.Mutex
	index   map[Key]int
	records []Record
	updates []Update
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{index: make(map[Key]int)}
}

// Write implements Writer.
func (s *MemorySink) Write(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[r.Key()]; ok {
		return nil
	}
	s.index[r.Key()] = len(s.records)
	s.records = append(s.records, cloneRecord(r))
	return nil
}

// Forward implements UpdateForwarder.
func (s *MemorySink) Forward(ctx context.Context, projectID string, e event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, Update{ProjectID: projectID, Envelope: e})
	return nil
}

// Get returns the record stored under key.
func (s *MemorySink) Get(key Key) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(s.records[i]), true
}

// Records returns a copy of every stored record in write order.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// Updates returns the forwarded events in arrival order.
func (s *MemorySink) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.updates)
}

func cloneRecord(r Record) Record {
	r.Metadata = maps.Clone(r.Metadata)
	r.Tags = slices.Clone(r.Tags)
	if r.EndTime != nil {
		end := *r.EndTime
		r.EndTime = &end
	}
	return r
}
