// Contract tests shared by every record Writer
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andrewh/dwell/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRecord(span string) Record {
	end := t0.Add(2 * time.Second)
	return Record{
		ID:             span,
		SpanID:         span,
		TraceID:        "T1",
		ProjectID:      "p",
		ParentSpanID:   "t-T1",
		Name:           "llm-call",
		Type:           "SPAN",
		UserID:         "U",
		SessionID:      "S",
		Metadata:       map[string]string{"env": "prod"},
		Tags:           []string{"a"},
		Source:         "delayed-ingestion",
		StartTime:      t0,
		EndTime:        &end,
		Input:          "hello",
		EventTimestamp: t0,
		CreatedAt:      t0.Add(5 * time.Second),
	}
}

// readable is a Writer that can list what it stored for a project.
type readable interface {
	Writer
	UpdateForwarder
	list(t *testing.T, projectID string) []Record
}

type memoryReadable struct{ *MemorySink }

func (m memoryReadable) list(_ *testing.T, projectID string) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out
}

type sqliteReadable struct{ *SQLiteSink }

func (s sqliteReadable) list(t *testing.T, projectID string) []Record {
	t.Helper()
	out, err := s.Records(context.Background(), projectID)
	require.NoError(t, err)
	return out
}

type jsonReadable struct {
	*JSONSink
	buf *syncBuffer
}

func (j jsonReadable) list(t *testing.T, projectID string) []Record {
	t.Helper()
	var out []Record
	dec := json.NewDecoder(bytes.NewReader(j.buf.Bytes()))
	for dec.More() {
		var line map[string]json.RawMessage
		require.NoError(t, dec.Decode(&line))
		if _, ok := line["update"]; ok {
			continue
		}
		raw, err := json.Marshal(line)
		require.NoError(t, err)
		var r Record
		require.NoError(t, json.Unmarshal(raw, &r))
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func forEachWriter(t *testing.T, fn func(t *testing.T, w readable)) {
	t.Helper()
	factories := []struct {
		name string
		new  func(t *testing.T) readable
	}{
		{"memory", func(*testing.T) readable { return memoryReadable{NewMemorySink()} }},
		{"json", func(*testing.T) readable {
			buf := &syncBuffer{}
			return jsonReadable{NewJSONSink(buf), buf}
		}},
		{"sqlite", func(t *testing.T) readable {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sink.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return sqliteReadable{s}
		}},
	}
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			fn(t, f.new(t))
		})
	}
}

func TestWriterStoresRecord(t *testing.T) {
	t.Parallel()
	forEachWriter(t, func(t *testing.T, w readable) {
		want := testRecord("O1")
		require.NoError(t, w.Write(context.Background(), want))

		got := w.list(t, "p")
		require.Len(t, got, 1)
		assert.Equal(t, want.SpanID, got[0].SpanID)
		assert.Equal(t, want.UserID, got[0].UserID)
		assert.Equal(t, want.SessionID, got[0].SessionID)
		assert.Equal(t, want.Metadata, got[0].Metadata)
		assert.Equal(t, want.Tags, got[0].Tags)
		assert.Equal(t, "delayed-ingestion", got[0].Source)
		assert.True(t, want.StartTime.Equal(got[0].StartTime))
		require.NotNil(t, got[0].EndTime)
		assert.True(t, want.EndTime.Equal(*got[0].EndTime))
	})
}

func TestWriterIsIdempotent(t *testing.T) {
	t.Parallel()
	forEachWriter(t, func(t *testing.T, w readable) {
		ctx := context.Background()
		first := testRecord("O1")
		second := testRecord("O1")
		second.UserID = "someone-else"

		require.NoError(t, w.Write(ctx, first))
		require.NoError(t, w.Write(ctx, second))

		got := w.list(t, "p")
		require.Len(t, got, 1)
		assert.Equal(t, "U", got[0].UserID, "first write wins")
	})
}

func TestWriterKeysByProject(t *testing.T) {
	t.Parallel()
	forEachWriter(t, func(t *testing.T, w readable) {
		ctx := context.Background()
		a := testRecord("O1")
		b := testRecord("O1")
		b.ProjectID = "other"
		require.NoError(t, w.Write(ctx, a))
		require.NoError(t, w.Write(ctx, b))

		assert.Len(t, w.list(t, "p"), 1)
		assert.Len(t, w.list(t, "other"), 1)
	})
}

func TestWriterRejectsInvalidRecord(t *testing.T) {
	t.Parallel()
	forEachWriter(t, func(t *testing.T, w readable) {
		r := testRecord("")
		err := w.Write(context.Background(), r)
		assert.ErrorIs(t, err, ErrInvalidRecord)
		assert.Empty(t, w.list(t, "p"))
	})
}

func TestWriterConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	forEachWriter(t, func(t *testing.T, w readable) {
		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				assert.NoError(t, w.Write(context.Background(), testRecord("O1")))
			})
		}
		wg.Wait()
		assert.Len(t, w.list(t, "p"), 1)
	})
}

func TestWriterForwardsUpdates(t *testing.T) {
	t.Parallel()
	forEachWriter(t, func(t *testing.T, w readable) {
		e := event.Envelope{
			ID:        "u1",
			Type:      event.TypeSpanUpdate,
			Timestamp: t0,
			Body:      json.RawMessage(`{"id":"O1","traceId":"T1"}`),
		}
		require.NoError(t, w.Forward(context.Background(), "p", e))
		assert.Empty(t, w.list(t, "p"), "updates are not records")
	})
}

func TestMemorySinkUpdatesInOrder(t *testing.T) {
	t.Parallel()

	s := NewMemorySink()
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, s.Forward(ctx, "p", event.Envelope{ID: id, Type: event.TypeScoreCreate}))
	}
	got := s.Updates()
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].Envelope.ID)
	assert.Equal(t, "u2", got[1].Envelope.ID)
	assert.Equal(t, "p", got[0].ProjectID)
}

func TestMemorySinkGetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewMemorySink()
	require.NoError(t, s.Write(context.Background(), testRecord("O1")))

	r, ok := s.Get(Key{"p", "O1"})
	require.True(t, ok)
	r.Metadata["env"] = "mutated"

	again, _ := s.Get(Key{"p", "O1"})
	assert.Equal(t, "prod", again.Metadata["env"])

	_, ok = s.Get(Key{"p", "missing"})
	assert.False(t, ok)
}

func TestSQLiteSinkReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sink.db")
	ctx := context.Background()
	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, testRecord("O1")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Write(ctx, testRecord("O1")))

	got, err := s.Records(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("DWELL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DWELL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	r := testRecord("pg-" + time.Now().Format("150405.000000000"))
	require.NoError(t, s.Write(ctx, r))
	require.NoError(t, s.Write(ctx, r))

	var n int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT count(*) FROM events WHERE project_id = $1 AND span_id = $2`, r.ProjectID, r.SpanID).Scan(&n))
	assert.Equal(t, 1, n)
}
