// Package db provides the SQLite span store and its migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"

	"spanflow/internal/models"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
	path string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:   db,
		path: dbPath,
	}, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spans (
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			service_name TEXT NOT NULL,
			start_time_unix_nano INTEGER NOT NULL,
			end_time_unix_nano INTEGER NOT NULL,
			duration_nanos INTEGER NOT NULL,
			status_code TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '{}',
			events TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (trace_id, span_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_service ON spans(service_name)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time_unix_nano)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// InsertSpans writes spans in one transaction. Spans already stored under the
// same (trace_id, span_id) are left untouched.
func (db *DB) InsertSpans(ctx context.Context, spans []models.Span) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO spans (
		trace_id, span_id, parent_span_id, name, service_name,
		start_time_unix_nano, end_time_unix_nano, duration_nanos,
		status_code, status_message, attributes, events
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range spans {
		s := &spans[i]
		attrs, err := encodeJSON(s.Attributes, "{}")
		if err != nil {
			return 0, fmt.Errorf("failed to encode attributes of span %s: %w", s.SpanID, err)
		}
		events, err := encodeJSON(s.Events, "[]")
		if err != nil {
			return 0, fmt.Errorf("failed to encode events of span %s: %w", s.SpanID, err)
		}

		if _, err := stmt.ExecContext(ctx,
			s.TraceID, s.SpanID, s.ParentSpanID, s.Name, s.ServiceName,
			s.StartTimeNanos, s.EndTimeNanos, s.DurationNanos(),
			string(s.StatusCode), s.StatusMessage, attrs, events,
		); err != nil {
			return 0, fmt.Errorf("failed to insert span %s: %w", s.SpanID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit spans: %w", err)
	}
	return len(spans), nil
}

// GetTrace returns the spans of one trace ordered by start time.
func (db *DB) GetTrace(ctx context.Context, traceID string) ([]models.Span, error) {
	rows, err := db.QueryContext(ctx, `SELECT
		trace_id, span_id, parent_span_id, name, service_name,
		start_time_unix_nano, end_time_unix_nano, status_code, status_message,
		attributes, events
	FROM spans WHERE trace_id = ?
	ORDER BY start_time_unix_nano, span_id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace %s: %w", traceID, err)
	}
	defer rows.Close()

	spans := make([]models.Span, 0)
	for rows.Next() {
		var (
			s      models.Span
			status string
			attrs  string
			events string
		)
		if err := rows.Scan(
			&s.TraceID, &s.SpanID, &s.ParentSpanID, &s.Name, &s.ServiceName,
			&s.StartTimeNanos, &s.EndTimeNanos, &status, &s.StatusMessage,
			&attrs, &events,
		); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		s.StatusCode = models.StatusCode(status)
		s.Attributes = map[string]string{}
		s.Events = []string{}
		if attrs != "{}" {
			if err := sonic.UnmarshalString(attrs, &s.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode attributes of span %s: %w", s.SpanID, err)
			}
		}
		if events != "[]" {
			if err := sonic.UnmarshalString(events, &s.Events); err != nil {
				return nil, fmt.Errorf("failed to decode events of span %s: %w", s.SpanID, err)
			}
		}
		spans = append(spans, s)
	}

	return spans, rows.Err()
}

// SearchTraces summarizes the most recently started traces.
func (db *DB) SearchTraces(ctx context.Context, limit int) ([]models.TraceSummary, error) {
	rows, err := db.QueryContext(ctx, `SELECT trace_id FROM spans
	GROUP BY trace_id
	ORDER BY MAX(start_time_unix_nano) DESC, trace_id DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search traces: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan trace id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// release the only connection before loading each trace
	rows.Close()

	summaries := make([]models.TraceSummary, 0, len(ids))
	for _, id := range ids {
		spans, err := db.GetTrace(ctx, id)
		if err != nil {
			return nil, err
		}
		if sum, ok := models.Summarize(id, spans); ok {
			summaries = append(summaries, sum)
		}
	}
	return summaries, nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func encodeJSON(v interface{}, empty string) (string, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return empty, nil
		}
	case []string:
		if len(t) == 0 {
			return empty, nil
		}
	}
	return sonic.MarshalString(v)
}
