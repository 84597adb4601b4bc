// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package history persists update outcomes to a SQLite database so past
// runs can be inspected after the process exits.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Update is one recorded update attempt.
type Update struct {
	ID              int64
	DeviceID        string
	FirmwareName    string
	FirmwareVersion string
	FirmwareTarget  string
	Success         bool
	Message         string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Store records update attempts in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at dbPath. ":memory:"
// gives an in-memory store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		// Table doesn't exist, run initial schema
		if _, err := s.db.Exec(Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		return err
	}

	for v := currentVersion + 1; v <= SchemaVersion; v++ {
		migration, ok := Migrations[v]
		if !ok {
			continue
		}
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", v, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one update attempt and fills in its row ID.
func (s *Store) Record(ctx context.Context, u *Update) error {
	if u.FinishedAt.IsZero() {
		u.FinishedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO updates (device_id, firmware_name, firmware_version, firmware_target,
			success, message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.DeviceID, u.FirmwareName, u.FirmwareVersion, u.FirmwareTarget,
		u.Success, u.Message, u.StartedAt, u.FinishedAt)
	if err != nil {
		return err
	}
	u.ID, _ = result.LastInsertId()
	return nil
}

// List returns the most recent updates, newest first. limit <= 0 means
// no limit.
func (s *Store) List(ctx context.Context, limit int) ([]*Update, error) {
	query := `
		SELECT id, device_id, firmware_name, firmware_version, firmware_target,
			success, message, started_at, finished_at
		FROM updates ORDER BY finished_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*Update
	for rows.Next() {
		u := &Update{}
		if err := rows.Scan(&u.ID, &u.DeviceID, &u.FirmwareName, &u.FirmwareVersion,
			&u.FirmwareTarget, &u.Success, &u.Message, &u.StartedAt, &u.FinishedAt); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// ListForDevice returns the recorded updates for one device, newest
// first.
func (s *Store) ListForDevice(ctx context.Context, deviceID string) ([]*Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, firmware_name, firmware_version, firmware_target,
			success, message, started_at, finished_at
		FROM updates WHERE device_id = ? ORDER BY finished_at DESC, id DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*Update
	for rows.Next() {
		u := &Update{}
		if err := rows.Scan(&u.ID, &u.DeviceID, &u.FirmwareName, &u.FirmwareVersion,
			&u.FirmwareTarget, &u.Success, &u.Message, &u.StartedAt, &u.FinishedAt); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}
