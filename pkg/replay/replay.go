// Realtime replay: sends scenario steps to an ingester at wall-clock offsets
package replay

import (
	"context"
	"time"

	"github.com/andrewh/dwell/pkg/event"
	"github.com/andrewh/dwell/pkg/pipeline"
)

// Ingester accepts a batch for one project.
type Ingester interface {
	Ingest(ctx context.Context, projectID string, batch []event.Envelope) pipeline.BatchResult
}

// StepResult is the outcome of one replayed step.
type StepResult struct {
	At     time.Duration
	SentAt time.Time
	Result pipeline.BatchResult
}

// Report summarises a replay run.
type Report struct {
	Steps    []StepResult
	Accepted int
	Rejected int
	Elapsed  time.Duration
}

// Run replays the scenario, then waits out sc.Wait. It returns early with
// ctx.Err() on cancellation, along with the steps sent so far.
func Run(ctx context.Context, ing Ingester, sc *Scenario) (Report, error) {
	var report Report
	base := time.Now()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for _, step := range sc.Steps {
		timer.Reset(time.Until(base.Add(step.At)))
		select {
		case <-ctx.Done():
			report.Elapsed = time.Since(base)
			return report, ctx.Err()
		case <-timer.C:
		}

		sentAt := time.Now()
		batch := make([]event.Envelope, len(step.Events))
		for i, e := range step.Events {
			if e.Timestamp.IsZero() {
				e.Timestamp = sentAt
			}
			batch[i] = e
		}
		res := ing.Ingest(ctx, sc.Project, batch)
		report.Accepted += len(res.Successes)
		report.Rejected += len(res.Errors)
		report.Steps = append(report.Steps, StepResult{At: step.At, SentAt: sentAt, Result: res})
	}

	timer.Reset(time.Until(base.Add(sc.Duration())))
	select {
	case <-ctx.Done():
		report.Elapsed = time.Since(base)
		return report, ctx.Err()
	case <-timer.C:
	}
	report.Elapsed = time.Since(base)
	return report, nil
}
