// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package collab is the small HTTP service the scanner talks to besides the
// analysis model: latency history, the global scan counter, and an analyze
// proxy that feeds both.
package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/insole_scanner/internal/sqlitedb"
)

// Schema is the collaborator store layout.
const Schema = `
CREATE TABLE IF NOT EXISTS latency_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ms INTEGER NOT NULL,
	at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);`

const scansCounter = "scans"

// Store keeps latency samples and counters in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sqlitedb.Open(path, Schema)
	if err != nil {
		return nil, fmt.Errorf("collab: open store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an open database that already has Schema applied.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordLatency appends one analysis round-trip.
func (s *Store) RecordLatency(ctx context.Context, d time.Duration, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO latency_samples (ms, at) VALUES (?, ?)`,
		d.Milliseconds(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("collab: record latency: %w", err)
	}
	return nil
}

// RecentLatencies returns the last n samples, oldest first.
func (s *Store) RecentLatencies(ctx context.Context, n int) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ms FROM (SELECT id, ms FROM latency_samples ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("collab: query latency: %w", err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("collab: scan latency: %w", err)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, rows.Err()
}

// IncrementScans adds one to the scan counter and returns the new total.
func (s *Store) IncrementScans(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, scansCounter).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("collab: increment scans: %w", err)
	}
	return total, nil
}

// Scans returns the scan total, nil before the first scan.
func (s *Store) Scans(ctx context.Context) (*int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE name = ?`, scansCounter).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collab: read scans: %w", err)
	}
	return &total, nil
}
