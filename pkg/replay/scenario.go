// Replay scenarios: timed batches of events loaded from YAML
// Each step fires at an offset from the start of the replay
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andrewh/dwell/pkg/event"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultProject is used when a scenario names no project.
const DefaultProject = "replay"

// Scenario is a validated replay script.
type Scenario struct {
	Project string
	// Delay overrides the configured enrichment window when non-zero.
	Delay time.Duration
	Steps []Step
	// Wait is how long to keep running after the last step so pending
	// observations can flush.
	Wait time.Duration
}

// Step is one batch sent at an offset from the replay start. Envelopes
// with a zero Timestamp are stamped with the wall-clock send time.
type Step struct {
	At     time.Duration
	Events []event.Envelope
}

type rawScenario struct {
	Project string    `yaml:"project"`
	Delay   string    `yaml:"delay"`
	Wait    string    `yaml:"wait"`
	Steps   []rawStep `yaml:"steps"`
}

type rawStep struct {
	At     string     `yaml:"at"`
	Events []rawEvent `yaml:"events"`
}

type rawEvent struct {
	ID        string         `yaml:"id"`
	Type      string         `yaml:"type"`
	Timestamp time.Time      `yaml:"timestamp"`
	Body      map[string]any `yaml:"body"`
}

// ParseOffset parses a time offset string like "+5m" or "30s" into a duration.
func ParseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("offset cannot be empty")
	}
	s = strings.TrimPrefix(s, "+")
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("offset %q must not be negative", s)
	}
	return d, nil
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied scenario path is expected
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML. Events without an id
// get a random UUID.
func ParseScenario(data []byte) (*Scenario, error) {
	var raw rawScenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}

	sc := &Scenario{Project: raw.Project}
	if sc.Project == "" {
		sc.Project = DefaultProject
	}
	if raw.Delay != "" {
		d, err := ParseOffset(raw.Delay)
		if err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
		sc.Delay = d
	}
	if raw.Wait != "" {
		d, err := ParseOffset(raw.Wait)
		if err != nil {
			return nil, fmt.Errorf("wait: %w", err)
		}
		sc.Wait = d
	}

	for i, rs := range raw.Steps {
		at, err := ParseOffset(rs.At)
		if err != nil {
			return nil, fmt.Errorf("step %d: invalid at: %w", i, err)
		}
		step := Step{At: at, Events: make([]event.Envelope, 0, len(rs.Events))}
		for j, re := range rs.Events {
			e, err := re.envelope()
			if err != nil {
				return nil, fmt.Errorf("step %d event %d: %w", i, j, err)
			}
			step.Events = append(step.Events, e)
		}
		sc.Steps = append(sc.Steps, step)
	}

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (re rawEvent) envelope() (event.Envelope, error) {
	e := event.Envelope{ID: re.ID, Type: event.Type(re.Type), Timestamp: re.Timestamp}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if re.Body != nil {
		body, err := json.Marshal(re.Body)
		if err != nil {
			return e, fmt.Errorf("encoding body: %w", err)
		}
		e.Body = body
	}
	return e, nil
}

// Validate checks step ordering and that every event would pass intake
// validation once stamped.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	var errs []error
	for i, step := range s.Steps {
		if i > 0 && step.At < s.Steps[i-1].At {
			errs = append(errs, fmt.Errorf("step %d: at %s is before the previous step (%s)", i, step.At, s.Steps[i-1].At))
		}
		if len(step.Events) == 0 {
			errs = append(errs, fmt.Errorf("step %d: no events", i))
		}
		for j, e := range step.Events {
			if e.Timestamp.IsZero() {
				e.Timestamp = time.Unix(0, 0)
			}
			if err := validateEvent(e); err != nil {
				errs = append(errs, fmt.Errorf("step %d event %d (%s): %w", i, j, e.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func validateEvent(e event.Envelope) error {
	switch e.Type.Route() {
	case event.RouteTrace:
		_, err := event.DecodeTrace(e)
		return err
	case event.RouteObservation:
		_, err := event.DecodeObservation(e)
		return err
	default:
		return e.Validate()
	}
}

// Duration is the offset of the last step plus the trailing wait.
func (s *Scenario) Duration() time.Duration {
	if len(s.Steps) == 0 {
		return s.Wait
	}
	return s.Steps[len(s.Steps)-1].At + s.Wait
}
