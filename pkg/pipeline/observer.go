// Observer interface for deriving signals (metrics, logs) from intake and flush outcomes
// Observers are called synchronously and must not block
package pipeline

import (
	"time"

	"github.com/andrewh/dwell/pkg/event"
)

// IntakeInfo describes how one envelope was handled at intake.
type IntakeInfo struct {
	ProjectID string
	Type      event.Type
	Route     event.Route
	Accepted  bool
	// Stale is set for trace updates discarded because a newer update was already stored.
	Stale bool
	Err   error
}

// FlushInfo describes one completed flush of a delayed observation.
type FlushInfo struct {
	ProjectID     string
	TraceID       string
	ObservationID string
	Type          string
	Deadline      time.Time
	FlushedAt     time.Time
	// Wait is the time between arrival and flush.
	Wait     time.Duration
	Enriched bool
	Err      error
}

// Lag is how far past its deadline the flush ran.
func (f FlushInfo) Lag() time.Duration {
	return f.FlushedAt.Sub(f.Deadline)
}

// Observer receives intake and flush outcomes.
type Observer interface {
	ObserveIntake(info IntakeInfo)
	ObserveFlush(info FlushInfo)
}
