// LogObserver emits log records for failed and late flushes
// Uses the OTel Logs API so records share the process's log pipeline
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log"
)

// LogObserver emits log records for notable flush outcomes.
type LogObserver struct {
	logger        log.Logger
	lateThreshold time.Duration
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
// A lateThreshold of 0 disables late flush detection.
func NewLogObserver(lp log.LoggerProvider, lateThreshold time.Duration) *LogObserver {
	return &LogObserver{
		logger:        lp.Logger("dwell"),
		lateThreshold: lateThreshold,
	}
}

// ObserveIntake implements Observer. Intake outcomes are reported in the
// HTTP response, so nothing is logged here.
func (l *LogObserver) ObserveIntake(IntakeInfo) {}

// ObserveFlush emits an ERROR record for failed flushes and a WARN record
// for flushes that ran later than the threshold past their deadline.
func (l *LogObserver) ObserveFlush(info FlushInfo) {
	attrs := []log.KeyValue{
		log.String("project.id", info.ProjectID),
		log.String("trace.id", info.TraceID),
		log.String("observation.id", info.ObservationID),
	}

	if info.Err != nil {
		var rec log.Record
		rec.SetSeverity(log.SeverityError)
		rec.SetSeverityText("ERROR")
		rec.SetBody(log.StringValue(fmt.Sprintf("flush of %s failed: %v", info.ObservationID, info.Err)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
		return
	}

	if l.lateThreshold > 0 && info.Lag() > l.lateThreshold {
		var rec log.Record
		rec.SetSeverity(log.SeverityWarn)
		rec.SetSeverityText("WARN")
		rec.SetBody(log.StringValue(fmt.Sprintf(
			"late flush of %s: %s past deadline (threshold %s)",
			info.ObservationID, info.Lag(), l.lateThreshold,
		)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}
}
