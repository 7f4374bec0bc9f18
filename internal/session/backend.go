// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/relabs-tech/insole_scanner/internal/sqlitedb"
)

// Backend is the key-value storage origin shared by every controller
// instance. Both conditional operations are atomic.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// PutUnless writes value unless keep(existing) is true for the
	// current value. It reports whether the write happened.
	PutUnless(ctx context.Context, key string, value []byte, keep func(existing []byte) bool) (bool, error)
	// DeleteIf removes key only while it still holds old.
	DeleteIf(ctx context.Context, key string, old []byte) (bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryBackend keeps values in process. Instances sharing one
// MemoryBackend behave like tabs sharing one storage origin.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return bytes.Clone(v), ok, nil
}

func (m *MemoryBackend) PutUnless(_ context.Context, key string, value []byte, keep func([]byte) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok && keep(old) {
		return false, nil
	}
	m.data[key] = bytes.Clone(value)
	return true, nil
}

func (m *MemoryBackend) DeleteIf(_ context.Context, key string, old []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Schema is the single table behind SQLBackend.
const Schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLBackend stores values in a SQLite file that several processes open.
type SQLBackend struct {
	db *sql.DB
}

// OpenSQLBackend opens the storage file at path.
func OpenSQLBackend(path string) (*SQLBackend, error) {
	db, err := sqlitedb.Open(path, Schema)
	if err != nil {
		return nil, err
	}
	return &SQLBackend{db: db}, nil
}

// NewSQLBackend wraps an already opened database; Schema must be applied.
func NewSQLBackend(db *sql.DB) *SQLBackend { return &SQLBackend{db: db} }

func (b *SQLBackend) Close() error { return b.db.Close() }

func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: get %s: %w", key, err)
	}
	return v, true, nil
}

func (b *SQLBackend) PutUnless(ctx context.Context, key string, value []byte, keep func([]byte) bool) (bool, error) {
	written := false
	err := sqlitedb.Immediate(ctx, b.db, func(conn *sql.Conn) error {
		var old []byte
		err := conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&old)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("session: read %s: %w", key, err)
		case keep(old):
			return nil
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("session: write %s: %w", key, err)
		}
		written = true
		return nil
	})
	return written, err
}

func (b *SQLBackend) DeleteIf(ctx context.Context, key string, old []byte) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND value = ?`, key, old)
	if err != nil {
		return false, fmt.Errorf("session: delete %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("session: delete %s: %w", key, err)
	}
	return nil
}
