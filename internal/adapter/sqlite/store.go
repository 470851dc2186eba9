// Package sqlite persists device settings and the reconciliation event
// journal in a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_settings (
    device_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (device_id, key)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    device_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    subject TEXT,
    previous_value TEXT,
    new_value TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id, id);
`

const timestampLayout = "2006-01-02 15:04:05.000"

// Store is a SQLite-backed settings store and event journal.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ domain.EventJournal = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema in %s: %w", path, err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "sqlite-store").Str("path", path).Logger(),
	}
	s.logger.Info().Msg("Opened settings database")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadSettings returns every stored setting of a device. A device without
// stored settings yields an empty map and no error.
func (s *Store) LoadSettings(ctx context.Context, deviceID string) (domain.Settings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM device_settings WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for %s: %w", deviceID, err)
	}
	defer rows.Close()

	settings := domain.Settings{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Str("key", key).Msg("Skipping undecodable setting")
			continue
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// SaveSettings upserts the given keys in one transaction. Keys not present
// in settings are left untouched.
func (s *Store) SaveSettings(ctx context.Context, deviceID string, settings domain.Settings) error {
	if len(settings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device_settings (device_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare settings upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timestampLayout)
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(settings[k])
		if err != nil {
			return fmt.Errorf("setting %q: %w", k, err)
		}
		if _, err := stmt.ExecContext(ctx, deviceID, k, string(raw), now); err != nil {
			return fmt.Errorf("failed to store setting %q for %s: %w", k, deviceID, err)
		}
	}
	return tx.Commit()
}

// DeleteDevice removes a device's settings. The journal is kept.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_settings WHERE device_id = ?`, deviceID)
	return err
}

// RecordEvent appends an event to the journal. A zero timestamp is replaced
// with the current time.
func (s *Store) RecordEvent(ctx context.Context, event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, device_id, event_type, subject, previous_value, new_value)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(timestampLayout), event.DeviceID, string(event.Type),
		event.Subject, event.PreviousValue, event.NewValue)
	if err != nil {
		return fmt.Errorf("failed to journal %s event for %s: %w", event.Type, event.DeviceID, err)
	}
	return nil
}

// Events returns the most recent events of a device, newest first.
// An empty deviceID returns events of every device.
func (s *Store) Events(ctx context.Context, deviceID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT timestamp, device_id, event_type, subject, previous_value, new_value FROM events`
	args := []interface{}{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e                   domain.Event
			ts, typ             string
			subject, prev, next sql.NullString
		)
		if err := rows.Scan(&ts, &e.DeviceID, &typ, &subject, &prev, &next); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(timestampLayout, ts)
		e.Type = domain.EventType(typ)
		e.Subject = subject.String
		e.PreviousValue = prev.String
		e.NewValue = next.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// HealthCheck implements the health checker contract.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.Ping(ctx)
}
