// SQLite-backed trace state store for deployments that keep state on local disk
// Read-compare-write runs in one transaction on a single connection
package tracestate

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a Store persisted in a SQLite database.
// The pool is limited to one connection, so every Upsert transaction is
// serialised and per-key linearizability follows.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening trace state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating trace state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectStateSQL = `SELECT user_id, session_id, release, public, bookmarked, tags, metadata, last_event_ts
FROM trace_state WHERE project_id = ? AND trace_id = ?`

const upsertStateSQL = `INSERT INTO trace_state
	(project_id, trace_id, user_id, session_id, release, public, bookmarked, tags, metadata, last_event_ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (project_id, trace_id) DO UPDATE SET
	user_id = excluded.user_id,
	session_id = excluded.session_id,
	release = excluded.release,
	public = excluded.public,
	bookmarked = excluded.bookmarked,
	tags = excluded.tags,
	metadata = excluded.metadata,
	last_event_ts = excluded.last_event_ts`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadState(ctx context.Context, q queryer, key Key) (State, bool, error) {
	var (
		st         = State{Key: key}
		tags, meta string
		lastTS     int64
	)
	err := q.QueryRowContext(ctx, selectStateSQL, key.ProjectID, key.TraceID).Scan(
		&st.UserID, &st.SessionID, &st.Release, &st.Public, &st.Bookmarked, &tags, &meta, &lastTS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("loading trace state %s/%s: %w", key.ProjectID, key.TraceID, err)
	}
	if err := json.Unmarshal([]byte(tags), &st.Tags); err != nil {
		return State{}, false, fmt.Errorf("decoding tags: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &st.Metadata); err != nil {
		return State{}, false, fmt.Errorf("decoding metadata: %w", err)
	}
	if st.Metadata == nil {
		st.Metadata = map[string]string{}
	}
	st.LastEventTimestamp = time.Unix(0, lastTS).UTC()
	return st, true, nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, key Key, attrs Attributes, eventTime time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	st, ok, err := loadState(ctx, tx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		st = newState(key, attrs, eventTime)
	} else if !st.apply(attrs, eventTime) {
		return false, nil
	}

	tags, err := json.Marshal(st.Tags)
	if err != nil {
		return false, fmt.Errorf("encoding tags: %w", err)
	}
	meta, err := json.Marshal(st.Metadata)
	if err != nil {
		return false, fmt.Errorf("encoding metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertStateSQL,
		key.ProjectID, key.TraceID, st.UserID, st.SessionID, st.Release, st.Public, st.Bookmarked,
		string(tags), string(meta), st.LastEventTimestamp.UnixNano(),
	); err != nil {
		return false, fmt.Errorf("writing trace state %s/%s: %w", key.ProjectID, key.TraceID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing upsert: %w", err)
	}
	return true, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (State, bool, error) {
	return loadState(ctx, s.db, key)
}
