// PostgreSQL record sink on a pgx connection pool
package sink

import (
	"context"
	"fmt"

	"github.com/andrewh/dwell/pkg/event"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgx-contrib/pgxotel"
)

// PostgresSchema creates the tables used by PostgresSink.
const PostgresSchema = `CREATE TABLE IF NOT EXISTS events (
	project_id     TEXT        NOT NULL,
	span_id        TEXT        NOT NULL,
	trace_id       TEXT        NOT NULL,
	parent_span_id TEXT        NOT NULL DEFAULT '',
	name           TEXT        NOT NULL DEFAULT '',
	type           TEXT        NOT NULL DEFAULT '',
	user_id        TEXT        NOT NULL DEFAULT '',
	session_id     TEXT        NOT NULL DEFAULT '',
	metadata       JSONB       NOT NULL DEFAULT '{}',
	tags           TEXT[]      NOT NULL DEFAULT '{}',
	release        TEXT        NOT NULL DEFAULT '',
	public         BOOLEAN     NOT NULL DEFAULT FALSE,
	bookmarked     BOOLEAN     NOT NULL DEFAULT FALSE,
	source         TEXT        NOT NULL,
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ,
	input          TEXT        NOT NULL DEFAULT '',
	output         TEXT        NOT NULL DEFAULT '',
	level          TEXT        NOT NULL DEFAULT '',
	status_message TEXT        NOT NULL DEFAULT '',
	version        TEXT        NOT NULL DEFAULT '',
	model          TEXT        NOT NULL DEFAULT '',
	environment    TEXT        NOT NULL DEFAULT '',
	event_ts       TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project_id, span_id)
);
CREATE TABLE IF NOT EXISTS observation_updates (
	seq        BIGSERIAL   PRIMARY KEY,
	project_id TEXT        NOT NULL,
	event_id   TEXT        NOT NULL,
	type       TEXT        NOT NULL,
	event_ts   TIMESTAMPTZ NOT NULL,
	body       JSONB       NOT NULL
)`

// PostgresSink stores records in PostgreSQL.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the schema exists. Queries are
// traced through the global OpenTelemetry tracer provider.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = &pgxotel.QueryTracer{Name: "github.com/andrewh/dwell/pkg/sink"}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres sink: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres sink: %w", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating postgres sink schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

const insertRecordPG = `INSERT INTO events (
	project_id, span_id, trace_id, parent_span_id, name, type, user_id, session_id,
	metadata, tags, release, public, bookmarked, source, start_time, end_time,
	input, output, level, status_message, version, model, environment, event_ts, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
	$17, $18, $19, $20, $21, $22, $23, $24, $25)
ON CONFLICT (project_id, span_id) DO NOTHING`

// Write implements Writer.
func (s *PostgresSink) Write(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	meta := r.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, insertRecordPG,
		r.ProjectID, r.SpanID, r.TraceID, r.ParentSpanID, r.Name, r.Type, r.UserID, r.SessionID,
		meta, tags, r.Release, r.Public, r.Bookmarked, r.Source, r.StartTime, r.EndTime,
		r.Input, r.Output, r.Level, r.StatusMessage, r.Version, r.Model, r.Environment,
		r.EventTimestamp, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", r.SpanID, err)
	}
	return nil
}

// Forward implements UpdateForwarder.
func (s *PostgresSink) Forward(ctx context.Context, projectID string, e event.Envelope) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO observation_updates (project_id, event_id, type, event_ts, body) VALUES ($1, $2, $3, $4, $5)`,
		projectID, e.ID, string(e.Type), e.Timestamp, e.Body)
	if err != nil {
		return fmt.Errorf("inserting update %s: %w", e.ID, err)
	}
	return nil
}
