// SQLite-backed record sink with schema managed by golang-migrate
package sink

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrewh/dwell/pkg/event"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteSink stores records in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sink database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to sink database: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

// migrateSQLite brings the schema up to date. The migrate instance is not
// closed because that would close db as well.
func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading sink migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: "sink_schema_migrations"})
	if err != nil {
		return fmt.Errorf("preparing sink migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("preparing sink migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying sink migrations: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

const insertRecordSQL = `INSERT INTO events (
	project_id, span_id, trace_id, parent_span_id, name, type, user_id, session_id,
	metadata, tags, release, public, bookmarked, source, start_time, end_time,
	input, output, level, status_message, version, model, environment, event_ts, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (project_id, span_id) DO NOTHING`

// Write implements Writer.
func (s *SQLiteSink) Write(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	meta, tags, err := encodeCollections(r)
	if err != nil {
		return err
	}
	var end sql.NullInt64
	if r.EndTime != nil {
		end = sql.NullInt64{Int64: r.EndTime.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, insertRecordSQL,
		r.ProjectID, r.SpanID, r.TraceID, r.ParentSpanID, r.Name, r.Type, r.UserID, r.SessionID,
		meta, tags, r.Release, r.Public, r.Bookmarked, r.Source, r.StartTime.UnixNano(), end,
		r.Input, r.Output, r.Level, r.StatusMessage, r.Version, r.Model, r.Environment,
		r.EventTimestamp.UnixNano(), r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", r.SpanID, err)
	}
	return nil
}

// Forward implements UpdateForwarder.
func (s *SQLiteSink) Forward(ctx context.Context, projectID string, e event.Envelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observation_updates (project_id, event_id, type, event_ts, body) VALUES (?, ?, ?, ?, ?)`,
		projectID, e.ID, string(e.Type), e.Timestamp.UnixNano(), string(e.Body))
	if err != nil {
		return fmt.Errorf("inserting update %s: %w", e.ID, err)
	}
	return nil
}

const selectRecordsSQL = `SELECT
	project_id, span_id, trace_id, parent_span_id, name, type, user_id, session_id,
	metadata, tags, release, public, bookmarked, source, start_time, end_time,
	input, output, level, status_message, version, model, environment, event_ts, created_at
FROM events WHERE project_id = ? ORDER BY created_at, span_id`

// Records returns every record stored for a project.
func (s *SQLiteSink) Records(ctx context.Context, projectID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecordsSQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r                       Record
			meta, tags              string
			start, eventTS, created int64
			end                     sql.NullInt64
		)
		if err := rows.Scan(
			&r.ProjectID, &r.SpanID, &r.TraceID, &r.ParentSpanID, &r.Name, &r.Type, &r.UserID, &r.SessionID,
			&meta, &tags, &r.Release, &r.Public, &r.Bookmarked, &r.Source, &start, &end,
			&r.Input, &r.Output, &r.Level, &r.StatusMessage, &r.Version, &r.Model, &r.Environment,
			&eventTS, &created,
		); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if err := decodeCollections(&r, meta, tags); err != nil {
			return nil, err
		}
		r.ID = r.SpanID
		r.StartTime = time.Unix(0, start).UTC()
		r.EventTimestamp = time.Unix(0, eventTS).UTC()
		r.CreatedAt = time.Unix(0, created).UTC()
		if end.Valid {
			t := time.Unix(0, end.Int64).UTC()
			r.EndTime = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeCollections(r Record) (meta, tags string, err error) {
	m := r.Metadata
	if m == nil {
		m = map[string]string{}
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	t := r.Tags
	if t == nil {
		t = []string{}
	}
	tb, err := json.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(mb), string(tb), nil
}

func decodeCollections(r *Record, meta, tags string) error {
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return fmt.Errorf("decoding tags: %w", err)
	}
	return nil
}
