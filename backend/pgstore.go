// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// PgStore is the PostgreSQL RecordStore used in production deployments.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps a pgx pool and ensures the schema exists.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool) (*PgStore, error) {
	s := &PgStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entity_records (
			entity_type    TEXT NOT NULL,
			id             TEXT NOT NULL,
			payload        JSONB,
			server_version BIGINT NOT NULL DEFAULT 1,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted        BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (entity_type, id)
		);
		CREATE INDEX IF NOT EXISTS entity_records_changed
			ON entity_records (entity_type, updated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to init entity_records schema: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, entityType offsync.EntityType, id string) (*offsync.ServerRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, payload, server_version, updated_at, deleted
		FROM entity_records WHERE entity_type = $1 AND id = $2
	`, string(entityType), id)
	rec, err := scanServerRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, offsync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if rec.Deleted {
		return nil, offsync.ErrNotFound
	}
	return rec, nil
}

func (s *PgStore) List(ctx context.Context, entityType offsync.EntityType) ([]offsync.ServerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, server_version, updated_at, deleted
		FROM entity_records WHERE entity_type = $1 AND NOT deleted
		ORDER BY id
	`, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()
	return collectServerRecords(rows)
}

func (s *PgStore) Create(ctx context.Context, entityType offsync.EntityType, payload json.RawMessage) (*offsync.ServerRecord, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO entity_records (entity_type, id, payload, server_version, updated_at, deleted)
		VALUES ($1, $2, $3, 1, now(), FALSE)
		RETURNING id, payload, server_version, updated_at, deleted
	`, string(entityType), id, payload)
	rec, err := scanServerRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	return rec, nil
}

// Update replaces the payload and clears any tombstone, so a client
// resolving a sync conflict as keep-local can resurrect a record another
// client deleted.
func (s *PgStore) Update(ctx context.Context, entityType offsync.EntityType, id string, payload json.RawMessage) (*offsync.ServerRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE entity_records
		SET payload = $3, server_version = server_version + 1, updated_at = now(), deleted = FALSE
		WHERE entity_type = $1 AND id = $2
		RETURNING id, payload, server_version, updated_at, deleted
	`, string(entityType), id, payload)
	rec, err := scanServerRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, offsync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return rec, nil
}

func (s *PgStore) Delete(ctx context.Context, entityType offsync.EntityType, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entity_records
		SET deleted = TRUE, payload = NULL, server_version = server_version + 1, updated_at = now()
		WHERE entity_type = $1 AND id = $2 AND NOT deleted
	`, string(entityType), id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return offsync.ErrNotFound
	}
	return nil
}

func (s *PgStore) ChangedSince(ctx context.Context, entityType offsync.EntityType, since time.Time, limit int) ([]offsync.ServerRecord, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, server_version, updated_at, deleted
		FROM entity_records WHERE entity_type = $1 AND updated_at > $2
		ORDER BY updated_at
		LIMIT $3
	`, string(entityType), since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	out, err := collectServerRecords(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := false
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		hasMore = true
	}
	return out, hasMore, nil
}

func scanServerRecord(row pgx.Row) (*offsync.ServerRecord, error) {
	var rec offsync.ServerRecord
	var payload []byte
	if err := row.Scan(&rec.ID, &payload, &rec.ServerVersion, &rec.UpdatedAt, &rec.Deleted); err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func collectServerRecords(rows pgx.Rows) ([]offsync.ServerRecord, error) {
	var out []offsync.ServerRecord
	for rows.Next() {
		rec, err := scanServerRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}
