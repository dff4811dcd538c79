// Package store provides the persistent relational datastore for schedules,
// device actions, devices, readings, alerts and alert events, backed by
// SQLite for durability across restarts. It is the source of truth and the
// ordering arbiter: workers coordinate solely through rows and uniqueness
// constraints, never through in-memory state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the database at path, enables WAL mode and
// initializes the schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL mode for concurrent readers; SQLite works best with a single writer.
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			cron_expression TEXT NOT NULL DEFAULT '',
			interval_seconds INTEGER NOT NULL DEFAULT 0,
			start_time INTEGER,
			end_time INTEGER,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			device_ids TEXT NOT NULL DEFAULT '[]',
			action_type TEXT NOT NULL,
			action_params TEXT,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			next_run INTEGER,
			last_run INTEGER,
			last_run_status TEXT NOT NULL DEFAULT '',
			last_run_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_schedules_due
		ON schedules(is_enabled, next_run);

		CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			device_type TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			poll_enabled INTEGER NOT NULL DEFAULT 0,
			poll_interval INTEGER NOT NULL DEFAULT 60,
			is_active INTEGER NOT NULL DEFAULT 1,
			config TEXT,
			last_polled INTEGER,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id INTEGER REFERENCES schedules(id) ON DELETE SET NULL,
			device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			action_type TEXT NOT NULL,
			parameters TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			scheduled_time INTEGER NOT NULL,
			executed_time INTEGER,
			result TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			dispatch_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		-- At most one materialized action per schedule firing per device.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_actions_unique_firing
		ON device_actions(schedule_id, scheduled_time, device_id);

		CREATE INDEX IF NOT EXISTS idx_actions_dispatch
		ON device_actions(status, scheduled_time);

		CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			timestamp INTEGER NOT NULL,
			value REAL,
			json_value TEXT,
			metadata TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_readings_device_time
		ON readings(device_id, timestamp DESC);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			metric TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold_value REAL NOT NULL,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			trend_enabled INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alert_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			device_id INTEGER NOT NULL,
			triggered_at INTEGER NOT NULL,
			current_value REAL NOT NULL,
			threshold_value REAL NOT NULL,
			operator TEXT NOT NULL,
			metric TEXT NOT NULL,
			is_resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at INTEGER,
			resolution_value REAL,
			metadata TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_events_alert_resolved
		ON alert_events(alert_id, is_resolved);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug().Msg("Store schema initialized")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// All persisted instants are UTC unix milliseconds. Millisecond precision is
// required by the poller's monotonic timestamp clamp.

func timeToMs(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTimeToMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeToMs(*t)
}

func nullableMsToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := msToTime(ms.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

// clampLimit normalizes list pagination limits to [1, 1000], defaulting to 100.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
