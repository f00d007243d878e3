// Envelope validation and typed body decoding
// Every failure is a *ValidationError so callers can report it per item
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sentinel causes wrapped by ValidationError.
var (
	ErrMissingField  = errors.New("missing required field")
	ErrUnknownType   = errors.New("unknown event type")
	ErrMalformedBody = errors.New("malformed body")
)

// ValidationError describes why a single envelope was rejected.
type ValidationError struct {
	Field  string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " %q", e.Field)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func missing(field string) error {
	return &ValidationError{Field: field, Err: ErrMissingField}
}

func malformed(field string, err error) error {
	return &ValidationError{Field: field, Detail: err.Error(), Err: ErrMalformedBody}
}

// Validate checks the envelope fields common to every event type.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return missing("id")
	}
	if e.Type == "" {
		return missing("type")
	}
	if e.Type.Route() == RouteUnknown {
		return &ValidationError{Field: "type", Detail: string(e.Type), Err: ErrUnknownType}
	}
	if e.Timestamp.IsZero() {
		return missing("timestamp")
	}
	if len(bytes.TrimSpace(e.Body)) == 0 || bytes.Equal(bytes.TrimSpace(e.Body), []byte("null")) {
		return missing("body")
	}
	return nil
}

// DecodeTrace validates the envelope and decodes a trace body.
func DecodeTrace(e Envelope) (TraceBody, error) {
	var body TraceBody
	if err := e.Validate(); err != nil {
		return body, err
	}
	if e.Type.Route() != RouteTrace {
		return body, &ValidationError{Field: "type", Detail: "not a trace event: " + string(e.Type), Err: ErrUnknownType}
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return body, malformed("body", err)
	}
	if strings.TrimSpace(body.ID) == "" {
		return body, missing("body.id")
	}
	return body, nil
}

// DecodeObservation validates the envelope and decodes an observation-creation body.
func DecodeObservation(e Envelope) (ObservationBody, error) {
	var body ObservationBody
	if err := e.Validate(); err != nil {
		return body, err
	}
	if e.Type.Route() != RouteObservation {
		return body, &ValidationError{Field: "type", Detail: "not an observation event: " + string(e.Type), Err: ErrUnknownType}
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return body, malformed("body", err)
	}
	if strings.TrimSpace(body.ID) == "" {
		return body, missing("body.id")
	}
	if strings.TrimSpace(body.TraceID) == "" {
		return body, missing("body.traceId")
	}
	if body.StartTime != nil && body.EndTime != nil && body.EndTime.Before(*body.StartTime) {
		return body, &ValidationError{Field: "body.endTime", Detail: "before startTime", Err: ErrMalformedBody}
	}
	return body, nil
}

// Metadata flattens a JSON metadata value into string pairs.
// Objects contribute one entry per key. Any other non-null value is kept
// under the single key "metadata".
func Metadata(raw json.RawMessage) (map[string]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]string{}, nil
	}
	if raw[0] != '{' {
		if !json.Valid(raw) {
			return nil, malformed("metadata", errors.New("invalid JSON"))
		}
		return map[string]string{"metadata": Stringify(raw)}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, malformed("metadata", err)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = Stringify(v)
	}
	return out, nil
}

// Stringify renders a JSON value as text: strings lose their quotes, null
// becomes empty, and everything else is compact JSON.
func Stringify(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
