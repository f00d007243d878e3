// Tests for scenario parsing, defaults, and validation
package replay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/andrewh/dwell/pkg/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "+100ms", want: 100 * time.Millisecond},
		{in: "2s", want: 2 * time.Second},
		{in: " +0s ", want: 0},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "-1s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseOffset(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadScenario(t *testing.T) {
	t.Parallel()

	sc, err := LoadScenario("testdata/late-trace.yaml")
	require.NoError(t, err)

	assert.Equal(t, "demo", sc.Project)
	assert.Equal(t, 200*time.Millisecond, sc.Delay)
	assert.Equal(t, 300*time.Millisecond, sc.Wait)
	require.Len(t, sc.Steps, 2)
	assert.Equal(t, 50*time.Millisecond, sc.Steps[1].At)
	assert.Equal(t, 350*time.Millisecond, sc.Duration())

	span := sc.Steps[0].Events[0]
	assert.Equal(t, event.TypeSpanCreate, span.Type)
	assert.True(t, span.Timestamp.IsZero(), "timestamp is stamped at send time")

	var body map[string]any
	require.NoError(t, json.Unmarshal(span.Body, &body))
	assert.Equal(t, "trace-1", body["traceId"])
	assert.Equal(t, map[string]any{"stage": "retrieval"}, body["metadata"])
}

func TestParseScenarioDefaults(t *testing.T) {
	t.Parallel()

	sc, err := ParseScenario([]byte(`
steps:
  - at: 0s
    events:
      - type: trace-create
        timestamp: 2026-03-01T12:00:00Z
        body: {id: t1}
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultProject, sc.Project)
	assert.Zero(t, sc.Delay)
	e := sc.Steps[0].Events[0]
	_, err = uuid.Parse(e.ID)
	assert.NoError(t, err, "missing ids get a uuid")
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), e.Timestamp.UTC())
}

func TestParseScenarioErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "no steps", yaml: "project: p\n", want: "no steps"},
		{name: "bad yaml", yaml: "steps: [", want: "parsing scenario"},
		{name: "bad at", yaml: "steps:\n  - at: later\n    events: [{type: trace-create, body: {id: t}}]\n", want: "invalid at"},
		{name: "bad delay", yaml: "delay: x\nsteps: []\n", want: "delay"},
		{name: "out of order", yaml: `
steps:
  - at: 1s
    events: [{type: trace-create, body: {id: t}}]
  - at: 0s
    events: [{type: trace-create, body: {id: t}}]
`, want: "before the previous step"},
		{name: "empty step", yaml: "steps:\n  - at: 0s\n", want: "no events"},
		{name: "unknown type", yaml: "steps:\n  - at: 0s\n    events: [{type: bogus, body: {id: t}}]\n", want: "unknown event type"},
		{name: "observation without trace", yaml: "steps:\n  - at: 0s\n    events: [{type: span-create, body: {id: s}}]\n", want: "body.traceId"},
		{name: "missing body", yaml: "steps:\n  - at: 0s\n    events: [{type: score-create}]\n", want: "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadScenario("testdata/does-not-exist.yaml")
	assert.ErrorContains(t, err, "reading scenario")
}
