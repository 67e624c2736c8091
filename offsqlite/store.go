// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// Fixed-width fraction so lexicographic order of stored timestamps
// matches chronological order (not_before gates compare as strings).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Store is the durable local cache of server records, keyed by
// (entityType, id). It exclusively owns CachedRecord persistence; the
// sync engine and resolver go through its operations only.
type Store struct {
	db *sql.DB
}

// NewStore wraps an initialized sync database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the cached record or offsync.ErrNotFound.
func (s *Store) Get(ctx context.Context, entityType offsync.EntityType, id string) (*offsync.CachedRecord, error) {
	return getRecord(ctx, s.db, entityType, id)
}

func getRecord(ctx context.Context, q querier, entityType offsync.EntityType, id string) (*offsync.CachedRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT payload, last_synced_at, local_modified_at, sync_status
		FROM _cache_records WHERE entity_type = ? AND id = ?
	`, string(entityType), id)

	var payload, localModified, status string
	var lastSynced sql.NullString
	if err := row.Scan(&payload, &lastSynced, &localModified, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, offsync.ErrNotFound
		}
		return nil, offsync.NewStorageError("get", err)
	}

	rec := &offsync.CachedRecord{
		EntityType: entityType,
		ID:         id,
		Payload:    []byte(payload),
		SyncStatus: offsync.SyncStatus(status),
	}
	var err error
	if rec.LocalModifiedAt, err = parseTime(localModified); err != nil {
		return nil, offsync.NewStorageError("get", fmt.Errorf("bad local_modified_at: %w", err))
	}
	if lastSynced.Valid {
		t, err := parseTime(lastSynced.String)
		if err != nil {
			return nil, offsync.NewStorageError("get", fmt.Errorf("bad last_synced_at: %w", err))
		}
		rec.LastSyncedAt = &t
	}
	return rec, nil
}

// Put upserts the full record exactly as supplied. It never merges; the
// caller decides the resulting record.
func (s *Store) Put(ctx context.Context, rec *offsync.CachedRecord) error {
	return putRecord(ctx, s.db, rec)
}

// PutTx is Put inside an existing transaction.
func (s *Store) PutTx(ctx context.Context, tx *sql.Tx, rec *offsync.CachedRecord) error {
	return putRecord(ctx, tx, rec)
}

func putRecord(ctx context.Context, q querier, rec *offsync.CachedRecord) error {
	var lastSynced any
	if rec.LastSyncedAt != nil {
		lastSynced = fmtTime(*rec.LastSyncedAt)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO _cache_records (entity_type, id, payload, last_synced_at, local_modified_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			last_synced_at = excluded.last_synced_at,
			local_modified_at = excluded.local_modified_at,
			sync_status = excluded.sync_status
	`, string(rec.EntityType), rec.ID, string(rec.Payload), lastSynced,
		fmtTime(rec.LocalModifiedAt), string(rec.SyncStatus))
	if err != nil {
		return offsync.NewStorageError("put", err)
	}
	return nil
}

// Query returns all cached records of one entity type matching the
// predicate, in id order. The predicate runs in-process; it backs the
// offline list and search views.
func (s *Store) Query(ctx context.Context, entityType offsync.EntityType, predicate func(*offsync.CachedRecord) bool) ([]*offsync.CachedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, last_synced_at, local_modified_at, sync_status
		FROM _cache_records WHERE entity_type = ? ORDER BY id
	`, string(entityType))
	if err != nil {
		return nil, offsync.NewStorageError("query", err)
	}
	defer rows.Close()

	var out []*offsync.CachedRecord
	for rows.Next() {
		var id, payload, localModified, status string
		var lastSynced sql.NullString
		if err := rows.Scan(&id, &payload, &lastSynced, &localModified, &status); err != nil {
			return nil, offsync.NewStorageError("query", err)
		}
		rec := &offsync.CachedRecord{
			EntityType: entityType,
			ID:         id,
			Payload:    []byte(payload),
			SyncStatus: offsync.SyncStatus(status),
		}
		if rec.LocalModifiedAt, err = parseTime(localModified); err != nil {
			return nil, offsync.NewStorageError("query", fmt.Errorf("bad local_modified_at: %w", err))
		}
		if lastSynced.Valid {
			t, err := parseTime(lastSynced.String)
			if err != nil {
				return nil, offsync.NewStorageError("query", fmt.Errorf("bad last_synced_at: %w", err))
			}
			rec.LastSyncedAt = &t
		}
		if predicate == nil || predicate(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, offsync.NewStorageError("query", err)
	}
	return out, nil
}

// Delete removes the record. Used only after a Delete mutation is
// confirmed by the server, or when discarding a failed pendingCreate.
func (s *Store) Delete(ctx context.Context, entityType offsync.EntityType, id string) error {
	return deleteRecord(ctx, s.db, entityType, id)
}

// DeleteTx is Delete inside an existing transaction.
func (s *Store) DeleteTx(ctx context.Context, tx *sql.Tx, entityType offsync.EntityType, id string) error {
	return deleteRecord(ctx, tx, entityType, id)
}

func deleteRecord(ctx context.Context, q querier, entityType offsync.EntityType, id string) error {
	if _, err := q.ExecContext(ctx, `
		DELETE FROM _cache_records WHERE entity_type = ? AND id = ?
	`, string(entityType), id); err != nil {
		return offsync.NewStorageError("delete", err)
	}
	return nil
}

// Count returns the number of cached records of one entity type, for
// the UI cache-size indicator.
func (s *Store) Count(ctx context.Context, entityType offsync.EntityType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _cache_records WHERE entity_type = ?
	`, string(entityType)).Scan(&n)
	if err != nil {
		return 0, offsync.NewStorageError("count", err)
	}
	return n, nil
}

// RekeyTx moves a record from a temporary id to the server-assigned id
// inside an existing transaction. The queue's target ids are rewritten
// by the same transaction (see Queue.RewriteTargetIDTx) so dependent
// mutations are never dequeued under the stale id.
func (s *Store) RekeyTx(ctx context.Context, tx *sql.Tx, entityType offsync.EntityType, oldID, newID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _cache_records SET id = ? WHERE entity_type = ? AND id = ?
	`, newID, string(entityType), oldID); err != nil {
		return offsync.NewStorageError("rekey", err)
	}
	return nil
}

// BeginTx starts a transaction on the underlying database for callers
// that need multi-table atomicity (sync engine, resolver).
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, offsync.NewStorageError("begin", err)
	}
	return tx, nil
}
