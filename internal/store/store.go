// Package store provides the on-device durable store for the sync engine.
//
// The store holds two record kinds: cached prescriptions (with
// dirty-tracking against the remote document store) and a FIFO queue of
// pending photographic reports. It is backed by embedded SQLite with WAL
// mode so the UI task and the background workers can read concurrently
// with writes.
//
// All operations are atomic at the single-record level. Readers never
// observe a torn record: they see either the pre- or post-write state.
// Live queries (WatchPrescription, WatchPrescriptions) re-emit on every
// store mutation so observers stay current without polling.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection together with the change notifier
// that powers live queries.
type Store struct {
	conn *sql.DB
	path string

	mu       sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

// Open creates or opens the store database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single writer; readers go through WAL snapshots.
	conn.SetMaxOpenConns(1)

	s := &Store{
		conn:     conn,
		path:     path,
		watchers: make(map[int]chan struct{}),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the prescription and pending-report tables if they
// don't exist. Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS prescriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		doctor_name TEXT NOT NULL DEFAULT '',
		clinic_email TEXT NOT NULL DEFAULT '',
		family_name TEXT NOT NULL DEFAULT '',
		family_email TEXT NOT NULL DEFAULT '',
		diagnosis TEXT NOT NULL DEFAULT '',
		other_diagnosis TEXT NOT NULL DEFAULT '',
		medication TEXT NOT NULL,
		frequency TEXT NOT NULL DEFAULT '',
		meal_rule TEXT NOT NULL DEFAULT '',
		reminder_schedule TEXT NOT NULL DEFAULT '{}',  -- JSON object
		duration_days INTEGER NOT NULL DEFAULT 0,
		pill_count INTEGER NOT NULL DEFAULT 0,
		total_reports INTEGER NOT NULL DEFAULT 0,
		last_reported_at TEXT,
		created_at TEXT NOT NULL,
		dirty INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pending_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prescription_id TEXT NOT NULL,
		image_path TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prescriptions_user ON prescriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_prescriptions_dirty ON prescriptions(dirty, user_id);
	CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_reports(created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// notifyChanged wakes every live-query subscriber after a mutation.
// Signals are coalesced: a subscriber that hasn't drained its wakeup yet
// will still re-query the latest state exactly once.
func (s *Store) notifyChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// subscribe registers a wakeup channel and returns it with a cancel func.
func (s *Store) subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// timeLayout is RFC 3339 with a fixed-width fraction. RFC3339Nano strips
// trailing fractional zeros, which breaks the lexicographic ORDER BY on
// the stored text; a fixed width keeps string order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
