package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             TEXT PRIMARY KEY,
	ts             TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	component      TEXT NOT NULL,
	kind           TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	payload        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
`

// Store is the durable SQLite backing for the audit trail. The table is
// insert-only; nothing in this package updates or deletes rows.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (creating if needed) the audit database at path. WAL and
// a busy timeout keep concurrent pipeline and monitor writers from failing
// on lock contention.
func OpenStore(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Append inserts one event. Duplicate ids are rejected by the primary key,
// which keeps the trail immutable under replays.
func (s *Store) Append(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, correlation_id, component, kind, reason, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		e.CorrelationID,
		e.Component,
		e.Kind,
		e.Reason,
		string(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", e.ID, err)
	}
	return nil
}

// ByCorrelation returns every event for one correlation id in insertion
// order (ULID order equals time order).
func (s *Store) ByCorrelation(ctx context.Context, correlationID string) ([]Event, error) {
	return s.query(ctx,
		`SELECT id, ts, correlation_id, component, kind, reason, payload
		 FROM audit_events WHERE correlation_id = ? ORDER BY id`, correlationID)
}

// ByKind returns every event of one kind in insertion order.
func (s *Store) ByKind(ctx context.Context, kind string) ([]Event, error) {
	return s.query(ctx,
		`SELECT id, ts, correlation_id, component, kind, reason, payload
		 FROM audit_events WHERE kind = ? ORDER BY id`, kind)
}

// All returns the complete trail in insertion order.
func (s *Store) All(ctx context.Context) ([]Event, error) {
	return s.query(ctx,
		`SELECT id, ts, correlation_id, component, kind, reason, payload
		 FROM audit_events ORDER BY id`)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &ts, &e.CorrelationID, &e.Component, &e.Kind, &e.Reason, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Timestamp, err = parseTS(ts)
		if err != nil {
			return nil, err
		}
		if payload != "" {
			e.Payload = []byte(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse audit timestamp %q: %w", s, err)
	}
	return t, nil
}
