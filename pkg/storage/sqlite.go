package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"

	_ "modernc.org/sqlite"
)

// SQLiteProvider implements Database on a local SQLite file. It is the
// default provider for single-household installations that have no cloud
// project. Rows carry JSON payloads like the Firestore documents do, so
// the two providers stay interchangeable.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	json    TEXT NOT NULL,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS days (
	date TEXT PRIMARY KEY,
	json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS prices (
	date TEXT PRIMARY KEY,
	json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS flow_samples (
	ts   TEXT PRIMARY KEY,
	json TEXT NOT NULL
);
`

// configuredSQLite sets up the SQLite provider.
// It registers flags for configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "batterymanager.db", "Path to the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite opens a provider on the given file, creating the schema if
// needed.
func NewSQLite(path string) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// Init opens the database file and creates the schema.
func (s *SQLiteProvider) Init() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	// the driver does not support concurrent writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database file.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetSettings retrieves the stored settings. A missing row yields zero
// settings and version 0.
func (s *SQLiteProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var raw string
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT json, version FROM settings WHERE id = 1`).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings: %w", err)
	}

	var settings types.Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, version, nil
}

// SetSettings saves the settings.
func (s *SQLiteProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, json, version) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET json = excluded.json, version = excluded.version`,
		string(raw), version)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SaveDay upserts a day snapshot.
func (s *SQLiteProvider) SaveDay(ctx context.Context, snap types.DaySnapshot) error {
	if snap.Date == "" {
		return fmt.Errorf("day snapshot missing date")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal day snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO days (date, json) VALUES (?, ?)
		ON CONFLICT (date) DO UPDATE SET json = excluded.json`,
		snap.Date, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save day %s: %w", snap.Date, err)
	}
	return nil
}

// GetDay retrieves the snapshot for a date.
func (s *SQLiteProvider) GetDay(ctx context.Context, date string) (types.DaySnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM days WHERE date = ?`, date).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DaySnapshot{}, fmt.Errorf("%w: %s", ErrDayNotFound, date)
	}
	if err != nil {
		return types.DaySnapshot{}, fmt.Errorf("failed to get day %s: %w", date, err)
	}

	var snap types.DaySnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return types.DaySnapshot{}, fmt.Errorf("failed to unmarshal day %s: %w", date, err)
	}
	return snap, nil
}

// ListDays returns the dates with a stored snapshot within [start, end],
// ascending. Empty bounds mean unbounded.
func (s *SQLiteProvider) ListDays(ctx context.Context, start, end string) ([]string, error) {
	query := `SELECT date FROM days`
	var args []any
	switch {
	case start != "" && end != "":
		query += ` WHERE date >= ? AND date <= ?`
		args = append(args, start, end)
	case start != "":
		query += ` WHERE date >= ?`
		args = append(args, start)
	case end != "":
		query += ` WHERE date <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY date ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list days: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("failed to scan day row: %w", err)
		}
		dates = append(dates, date)
	}
	return dates, rows.Err()
}

// UpsertPrices stores a day's price points.
func (s *SQLiteProvider) UpsertPrices(ctx context.Context, date string, prices []types.PricePoint) error {
	raw, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("failed to marshal prices: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prices (date, json) VALUES (?, ?)
		ON CONFLICT (date) DO UPDATE SET json = excluded.json`,
		date, string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert prices for %s: %w", date, err)
	}
	return nil
}

// GetPrices retrieves a day's price points. A missing row yields an empty
// slice.
func (s *SQLiteProvider) GetPrices(ctx context.Context, date string) ([]types.PricePoint, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM prices WHERE date = ?`, date).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prices for %s: %w", date, err)
	}

	var prices []types.PricePoint
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prices for %s: %w", date, err)
	}
	return prices, nil
}

// SaveFlowSample stores a counter sample keyed by its RFC3339 timestamp.
func (s *SQLiteProvider) SaveFlowSample(ctx context.Context, sample types.EnergyFlowSample) error {
	if sample.Timestamp.IsZero() {
		return fmt.Errorf("flow sample missing timestamp")
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal flow sample: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_samples (ts, json) VALUES (?, ?)
		ON CONFLICT (ts) DO UPDATE SET json = excluded.json`,
		sample.Timestamp.UTC().Format(time.RFC3339), string(raw))
	if err != nil {
		return fmt.Errorf("failed to save flow sample: %w", err)
	}
	return nil
}

// GetLatestFlowSample retrieves the most recent counter sample, if any.
func (s *SQLiteProvider) GetLatestFlowSample(ctx context.Context) (types.EnergyFlowSample, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM flow_samples ORDER BY ts DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.EnergyFlowSample{}, false, nil
	}
	if err != nil {
		return types.EnergyFlowSample{}, false, fmt.Errorf("failed to get latest flow sample: %w", err)
	}

	var sample types.EnergyFlowSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return types.EnergyFlowSample{}, false, fmt.Errorf("failed to unmarshal flow sample: %w", err)
	}
	return sample, true, nil
}
