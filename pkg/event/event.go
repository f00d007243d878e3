// Event envelope and body types accepted by the ingestion batch API
// Each envelope carries a discriminated type that decides how the body is routed
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the variant carried by an Envelope.
type Type string

// Event types understood by the intake.
const (
	TypeTraceCreate      Type = "trace-create"
	TypeTraceUpdate      Type = "trace-update"
	TypeSpanCreate       Type = "span-create"
	TypeGenerationCreate Type = "generation-create"
	TypeEventCreate      Type = "event-create"
	TypeSpanUpdate       Type = "span-update"
	TypeGenerationUpdate Type = "generation-update"
	TypeScoreCreate      Type = "score-create"
	TypeSDKLog           Type = "sdk-log"
)

// Route says which path an event type takes through the pipeline.
type Route int

// Routes.
const (
	RouteUnknown     Route = iota // RouteUnknown marks a type the intake does not accept.
	RouteTrace                    // RouteTrace upserts into the trace state store immediately.
	RouteObservation              // RouteObservation is held for the delay window, then merged.
	RoutePassthrough              // RoutePassthrough is forwarded to the non-delayed update path.
)

var routes = map[Type]Route{
	TypeTraceCreate:      RouteTrace,
	TypeTraceUpdate:      RouteTrace,
	TypeSpanCreate:       RouteObservation,
	TypeGenerationCreate: RouteObservation,
	TypeEventCreate:      RouteObservation,
	TypeSpanUpdate:       RoutePassthrough,
	TypeGenerationUpdate: RoutePassthrough,
	TypeScoreCreate:      RoutePassthrough,
	TypeSDKLog:           RoutePassthrough,
}

// Route returns the pipeline route for the type.
func (t Type) Route() Route {
	return routes[t]
}

// ObservationType returns the observation kind stored on finalized records
// ("SPAN", "GENERATION" or "EVENT"), or "" for non-observation types.
func (t Type) ObservationType() string {
	switch t {
	case TypeSpanCreate:
		return "SPAN"
	case TypeGenerationCreate:
		return "GENERATION"
	case TypeEventCreate:
		return "EVENT"
	default:
		return ""
	}
}

// Envelope is the uniform wrapper around every ingested event.
// Timestamp is the producer-assigned event time, not the arrival time.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

// TraceBody is the body of trace-create and trace-update events.
// Nil pointer fields were not supplied by the producer and never overwrite stored state.
type TraceBody struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	UserID      *string         `json:"userId,omitempty"`
	SessionID   *string         `json:"sessionId,omitempty"`
	Release     *string         `json:"release,omitempty"`
	Version     *string         `json:"version,omitempty"`
	Public      *bool           `json:"public,omitempty"`
	Bookmarked  *bool           `json:"bookmarked,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// ObservationBody is the body of span-create, generation-create and event-create events.
type ObservationBody struct {
	ID                  string          `json:"id"`
	TraceID             string          `json:"traceId"`
	ParentObservationID string          `json:"parentObservationId,omitempty"`
	Name                string          `json:"name,omitempty"`
	StartTime           *time.Time      `json:"startTime,omitempty"`
	EndTime             *time.Time      `json:"endTime,omitempty"`
	Level               string          `json:"level,omitempty"`
	StatusMessage       string          `json:"statusMessage,omitempty"`
	Version             string          `json:"version,omitempty"`
	Model               string          `json:"model,omitempty"`
	Environment         string          `json:"environment,omitempty"`
	Input               json.RawMessage `json:"input,omitempty"`
	Output              json.RawMessage `json:"output,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}
