// Package audit persists the outcome of every Connect call.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"switchboard/internal/connector"
	"switchboard/pkg/middleware"
)

const writeTimeout = 2 * time.Second

// EnsureSchema creates the connect_events table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS connect_events (
	id BIGSERIAL PRIMARY KEY,
	connector text NOT NULL,
	method text,
	uri text,
	outcome text NOT NULL,
	status_code int,
	error text,
	request_id text,
	duration_ms int,
	started_at timestamptz NOT NULL,
	finished_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS connect_events_connector_started_idx ON connect_events(connector, started_at DESC);
`)
	return err
}

// PostgresRecorder writes connect events. Write failures are logged, never
// returned to the Connect caller.
type PostgresRecorder struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

func NewPostgresRecorder(pool *pgxpool.Pool, log *zap.SugaredLogger) *PostgresRecorder {
	return &PostgresRecorder{pool: pool, log: log}
}

func (r *PostgresRecorder) Record(ctx context.Context, ev connector.Event) {
	if r == nil || r.pool == nil {
		return
	}
	row := NewRow(ctx, ev)
	// The request may already be cancelled; the audit row should still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO connect_events(connector, method, uri, outcome, status_code, error, request_id, duration_ms, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, row.Connector, row.Method, row.URI, row.Outcome, row.StatusCode, row.Error, row.RequestID, row.DurationMS, row.StartedAt)
	if err != nil {
		r.log.Warnw("record connect event", "connector", ev.Connector, "err", err)
	}
}

// Row is the stored form of a connector.Event.
type Row struct {
	Connector  string
	Method     *string
	URI        *string
	Outcome    string
	StatusCode *int
	Error      *string
	RequestID  *string
	DurationMS int
	StartedAt  time.Time
}

// NewRow converts ev, mapping empty values to NULL.
func NewRow(ctx context.Context, ev connector.Event) Row {
	row := Row{
		Connector:  ev.Connector,
		Method:     nullIfEmpty(ev.Method),
		URI:        nullIfEmpty(ev.URI),
		Outcome:    ev.Outcome,
		RequestID:  nullIfEmpty(middleware.RequestIDFrom(ctx)),
		DurationMS: int(ev.Duration.Milliseconds()),
		StartedAt:  ev.StartedAt,
	}
	if ev.StatusCode != 0 {
		sc := ev.StatusCode
		row.StatusCode = &sc
	}
	if ev.Err != nil {
		row.Error = nullIfEmpty(ev.Err.Error())
	}
	return row
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
