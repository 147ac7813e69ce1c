package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLSink appends history events to an event_history table. It supports
// SQLite (modernc.org/sqlite) and Postgres (pgx stdlib) based on DSN.
// The schema is created if missing.

type SQLSink struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

func NewSQLSinkFromDSN(dsn string) (*SQLSink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for SQL history sink")
	}
	ld := strings.ToLower(d)
	var drv, dialect, path string
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		drv, dialect, path = "pgx", "postgres", d
	case strings.HasPrefix(ld, "sqlite://"):
		drv, dialect, path = "sqlite", "sqlite", strings.TrimPrefix(d, "sqlite://")
	default:
		drv, dialect, path = "sqlite", "sqlite", d
	}
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, err
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	var create string
	if s.dialect == "sqlite" {
		create = `CREATE TABLE IF NOT EXISTS event_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			process_id TEXT NULL,
			process_name TEXT NULL,
			status TEXT NULL,
			duration_seconds REAL NULL,
			notification_id INTEGER NULL
		);`
	} else {
		create = `CREATE TABLE IF NOT EXISTS event_history(
			id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			event TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			process_id TEXT NULL,
			process_name TEXT NULL,
			status TEXT NULL,
			duration_seconds DOUBLE PRECISION NULL,
			notification_id BIGINT NULL
		);`
	}
	stmts := []string{
		create,
		`CREATE INDEX IF NOT EXISTS idx_event_history_user ON event_history(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_event_history_event ON event_history(event);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var q string
	if s.dialect == "sqlite" {
		q = `INSERT INTO event_history(occurred_at, event, user_id, process_id, process_name, status, duration_seconds, notification_id)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?);`
	} else {
		q = `INSERT INTO event_history(occurred_at, event, user_id, process_id, process_name, status, duration_seconds, notification_id)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8);`
	}
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), e.UserID,
		nullString(e.ProcessID), nullString(e.ProcessName), nullString(e.Status),
		e.DurationSeconds, e.NotificationID)
	return err
}

func (s *SQLSink) Close() error { return s.db.Close() }

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
