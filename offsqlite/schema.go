// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

// Package offsqlite is the SQLite-backed offline client of the MedFlow
// sync layer: a durable local cache of server records, a FIFO-per-entity
// mutation queue, the read/write wrapper used by feature services, and
// the sync engine that drains the queue and reconciles server state.
package offsqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// initializeDatabase creates the sync metadata tables. Safe to call on
// every startup; all statements are idempotent.
func initializeDatabase(db *sql.DB) error {
	// WAL keeps readers unblocked while the sync engine writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Local cache of server records, one row per (entity_type, id).
		`CREATE TABLE IF NOT EXISTS _cache_records (
			entity_type       TEXT NOT NULL,
			id                TEXT NOT NULL,
			payload           TEXT NOT NULL,
			last_synced_at    TEXT,
			local_modified_at TEXT NOT NULL,
			sync_status       TEXT NOT NULL CHECK (sync_status IN
				('synced','pendingCreate','pendingUpdate','pendingDelete','conflict')),
			PRIMARY KEY (entity_type, id)
		)`,

		// Durable mutation queue. seq provides strict FIFO ordering even
		// when created_at timestamps collide.
		`CREATE TABLE IF NOT EXISTS _mutation_queue (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			mutation_id   TEXT NOT NULL UNIQUE,
			entity_type   TEXT NOT NULL,
			target_id     TEXT NOT NULL,
			op            TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload       TEXT,
			created_at    TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			not_before    TEXT NOT NULL DEFAULT '',
			last_error    TEXT,
			status        TEXT NOT NULL CHECK (status IN ('pending','inFlight','failed'))
		)`,

		// Detected conflicts awaiting resolution. At most one open
		// conflict per entity.
		`CREATE TABLE IF NOT EXISTS _conflicts (
			conflict_id    TEXT PRIMARY KEY,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			local_payload  TEXT NOT NULL,
			server_payload TEXT,
			detected_at    TEXT NOT NULL,
			resolution     TEXT NOT NULL DEFAULT 'pending' CHECK (resolution IN
				('pending','local','server','merged')),
			resolved_at    TEXT
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS _conflicts_open_entity
			ON _conflicts (entity_type, entity_id) WHERE resolution = 'pending'`,

		// Pull cursor per entity type.
		`CREATE TABLE IF NOT EXISTS _pull_state (
			entity_type TEXT PRIMARY KEY,
			last_cursor TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// A mutation left inFlight by a crash is retried on the next cycle.
	if _, err := db.Exec(`UPDATE _mutation_queue SET status = 'pending' WHERE status = 'inFlight'`); err != nil {
		return fmt.Errorf("failed to reset inFlight mutations: %w", err)
	}

	return nil
}
