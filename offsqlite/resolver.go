// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// Resolver exposes pending conflicts to the UI and applies the chosen
// resolution. A resolve call is atomic: either the cache is updated, the
// follow-up mutation queued and the conflict cleared together, or
// nothing changed.
type Resolver struct {
	db     *sql.DB
	store  *Store
	queue  *Queue
	clock  offsync.Clock
	logger *slog.Logger

	mergeMu sync.RWMutex
	merges  map[offsync.EntityType]offsync.MergeFunc
}

// NewResolver wires a resolver over the sync database.
func NewResolver(db *sql.DB, store *Store, queue *Queue, clock offsync.Clock, logger *slog.Logger) *Resolver {
	if clock == nil {
		clock = offsync.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		db:     db,
		store:  store,
		queue:  queue,
		clock:  clock,
		logger: logger,
		merges: make(map[offsync.EntityType]offsync.MergeFunc),
	}
}

// RegisterMerge installs the merge function for one entity type. Merged
// resolution is rejected for entity types without one; a generic shallow
// merge is not safe for nested clinical payloads.
func (r *Resolver) RegisterMerge(entityType offsync.EntityType, fn offsync.MergeFunc) {
	r.mergeMu.Lock()
	r.merges[entityType] = fn
	r.mergeMu.Unlock()
}

func (r *Resolver) mergeFor(entityType offsync.EntityType) (offsync.MergeFunc, bool) {
	r.mergeMu.RLock()
	defer r.mergeMu.RUnlock()
	fn, ok := r.merges[entityType]
	return fn, ok
}

// ListPending returns all unresolved conflicts, oldest first.
func (r *Resolver) ListPending(ctx context.Context) ([]*offsync.ConflictRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conflict_id, entity_type, entity_id, local_payload, server_payload, detected_at, resolution, resolved_at
		FROM _conflicts WHERE resolution = 'pending'
		ORDER BY detected_at, conflict_id
	`)
	if err != nil {
		return nil, offsync.NewStorageError("listPending", err)
	}
	defer rows.Close()

	var out []*offsync.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, offsync.NewStorageError("listPending", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, offsync.NewStorageError("listPending", err)
	}
	return out, nil
}

// Get returns one conflict by id, or offsync.ErrNotFound.
func (r *Resolver) Get(ctx context.Context, conflictID string) (*offsync.ConflictRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT conflict_id, entity_type, entity_id, local_payload, server_payload, detected_at, resolution, resolved_at
		FROM _conflicts WHERE conflict_id = ?
	`, conflictID)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, offsync.ErrNotFound
		}
		return nil, offsync.NewStorageError("getConflict", err)
	}
	return c, nil
}

// Resolve applies the chosen resolution:
//
//   - local: the local payload is kept, the record becomes pendingUpdate
//     and an Update mutation is queued so the choice pushes back to the
//     server on the next cycle;
//   - server: the server payload replaces the cache (or the record is
//     removed when the server side was a deletion) and any queued
//     mutations for the entity are discarded;
//   - merged: like local, with the payload supplied by the caller or
//     produced by the entity type's registered merge function.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, choice offsync.Resolution, mergedPayload json.RawMessage) error {
	if choice != offsync.ResolutionLocal && choice != offsync.ResolutionServer && choice != offsync.ResolutionMerged {
		return fmt.Errorf("invalid resolution choice %q", choice)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return offsync.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT conflict_id, entity_type, entity_id, local_payload, server_payload, detected_at, resolution, resolved_at
		FROM _conflicts WHERE conflict_id = ?
	`, conflictID)
	conflict, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return offsync.ErrNotFound
		}
		return offsync.NewStorageError("getConflict", err)
	}
	if conflict.Resolution != offsync.ResolutionPending {
		return fmt.Errorf("conflict %s already resolved as %s", conflictID, conflict.Resolution)
	}

	now := r.clock.Now().UTC()

	switch choice {
	case offsync.ResolutionLocal:
		if err := r.applyKeepLocalTx(ctx, tx, conflict, conflict.LocalPayload, now); err != nil {
			return err
		}

	case offsync.ResolutionMerged:
		payload := mergedPayload
		if payload == nil {
			fn, ok := r.mergeFor(conflict.EntityType)
			if !ok {
				return fmt.Errorf("no merge function registered for entity type %q", conflict.EntityType)
			}
			payload, err = fn(conflict.LocalPayload, conflict.ServerPayload)
			if err != nil {
				return fmt.Errorf("merge failed for %s/%s: %w", conflict.EntityType, conflict.EntityID, err)
			}
		}
		if err := r.applyKeepLocalTx(ctx, tx, conflict, payload, now); err != nil {
			return err
		}

	case offsync.ResolutionServer:
		// The server payload is already authoritative; nothing pushes
		// back, and superseded local mutations are dropped.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _mutation_queue WHERE entity_type = ? AND target_id = ?
		`, string(conflict.EntityType), conflict.EntityID); err != nil {
			return offsync.NewStorageError("resolve", err)
		}
		if conflict.ServerPayload == nil {
			if err := r.store.DeleteTx(ctx, tx, conflict.EntityType, conflict.EntityID); err != nil {
				return err
			}
		} else {
			if err := r.store.PutTx(ctx, tx, &offsync.CachedRecord{
				EntityType:      conflict.EntityType,
				ID:              conflict.EntityID,
				Payload:         conflict.ServerPayload,
				LastSyncedAt:    &now,
				LocalModifiedAt: now,
				SyncStatus:      offsync.StatusSynced,
			}); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _conflicts SET resolution = ?, resolved_at = ? WHERE conflict_id = ?
	`, string(choice), fmtTime(now), conflictID); err != nil {
		return offsync.NewStorageError("resolve", err)
	}

	if err := tx.Commit(); err != nil {
		return offsync.NewStorageError("commit", err)
	}

	r.logger.Info("conflict resolved",
		"conflictId", conflictID, "entityType", conflict.EntityType,
		"id", conflict.EntityID, "choice", choice)
	return nil
}

// applyKeepLocalTx installs payload as the record's content, marks it
// pendingUpdate and queues the Update that pushes the resolution back to
// the server. Queued mutations superseded by the resolution are
// replaced.
func (r *Resolver) applyKeepLocalTx(ctx context.Context, tx *sql.Tx, conflict *offsync.ConflictRecord, payload json.RawMessage, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _mutation_queue WHERE entity_type = ? AND target_id = ?
	`, string(conflict.EntityType), conflict.EntityID); err != nil {
		return offsync.NewStorageError("resolve", err)
	}

	prev, err := getRecord(ctx, tx, conflict.EntityType, conflict.EntityID)
	if err != nil && !errors.Is(err, offsync.ErrNotFound) {
		return err
	}
	var lastSynced *time.Time
	if prev != nil {
		lastSynced = prev.LastSyncedAt
	}

	if err := r.store.PutTx(ctx, tx, &offsync.CachedRecord{
		EntityType:      conflict.EntityType,
		ID:              conflict.EntityID,
		Payload:         payload,
		LastSyncedAt:    lastSynced,
		LocalModifiedAt: now,
		SyncStatus:      offsync.StatusPendingUpdate,
	}); err != nil {
		return err
	}

	return r.queue.EnqueueTx(ctx, tx, &offsync.QueuedMutation{
		EntityType: conflict.EntityType,
		TargetID:   conflict.EntityID,
		Op:         offsync.OpUpdate,
		Payload:    payload,
	})
}

// createConflict records a new pending conflict and flags the cached
// record, leaving its payload untouched. Called by the sync engine
// during reconcile.
func (r *Resolver) createConflict(ctx context.Context, entityType offsync.EntityType, entityID string, localPayload, serverPayload json.RawMessage) (*offsync.ConflictRecord, error) {
	now := r.clock.Now().UTC()
	conflict := &offsync.ConflictRecord{
		ConflictID:    uuid.New().String(),
		EntityType:    entityType,
		EntityID:      entityID,
		LocalPayload:  localPayload,
		ServerPayload: serverPayload,
		DetectedAt:    now,
		Resolution:    offsync.ResolutionPending,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, offsync.NewStorageError("begin", err)
	}
	defer tx.Rollback()

	var serverPayloadArg any
	if serverPayload != nil {
		serverPayloadArg = string(serverPayload)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _conflicts (conflict_id, entity_type, entity_id, local_payload, server_payload, detected_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')
	`, conflict.ConflictID, string(entityType), entityID, string(localPayload),
		serverPayloadArg, fmtTime(now)); err != nil {
		return nil, offsync.NewStorageError("createConflict", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _cache_records SET sync_status = 'conflict' WHERE entity_type = ? AND id = ?
	`, string(entityType), entityID); err != nil {
		return nil, offsync.NewStorageError("createConflict", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, offsync.NewStorageError("commit", err)
	}
	return conflict, nil
}

// openConflictFor returns the pending conflict for an entity, if any.
func (r *Resolver) openConflictFor(ctx context.Context, entityType offsync.EntityType, entityID string) (*offsync.ConflictRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT conflict_id, entity_type, entity_id, local_payload, server_payload, detected_at, resolution, resolved_at
		FROM _conflicts WHERE entity_type = ? AND entity_id = ? AND resolution = 'pending'
	`, string(entityType), entityID)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, offsync.NewStorageError("openConflictFor", err)
	}
	return c, nil
}

// refreshServerPayload keeps an open conflict's server side current as
// further server changes arrive.
func (r *Resolver) refreshServerPayload(ctx context.Context, conflictID string, serverPayload json.RawMessage) error {
	var arg any
	if serverPayload != nil {
		arg = string(serverPayload)
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE _conflicts SET server_payload = ? WHERE conflict_id = ? AND resolution = 'pending'
	`, arg, conflictID); err != nil {
		return offsync.NewStorageError("refreshServerPayload", err)
	}
	return nil
}

func scanConflict(row rowScanner) (*offsync.ConflictRecord, error) {
	var c offsync.ConflictRecord
	var entityType, localPayload, detectedAt, resolution string
	var serverPayload, resolvedAt sql.NullString
	if err := row.Scan(&c.ConflictID, &entityType, &c.EntityID, &localPayload,
		&serverPayload, &detectedAt, &resolution, &resolvedAt); err != nil {
		return nil, err
	}
	c.EntityType = offsync.EntityType(entityType)
	c.LocalPayload = []byte(localPayload)
	c.Resolution = offsync.Resolution(resolution)
	if serverPayload.Valid {
		c.ServerPayload = []byte(serverPayload.String)
	}
	var err error
	if c.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, fmt.Errorf("bad detected_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad resolved_at: %w", err)
		}
		c.ResolvedAt = &t
	}
	return &c, nil
}
