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
	"time"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// ReadCall fetches one record from the backend.
type ReadCall func(ctx context.Context) (*offsync.ServerRecord, error)

// ListCall fetches a set of records from the backend.
type ListCall func(ctx context.Context) ([]offsync.ServerRecord, error)

// MutateCall performs one write against the backend and returns the
// server-confirmed record (nil for deletes).
type MutateCall func(ctx context.Context) (*offsync.ServerRecord, error)

// ReadOptions tunes a single read.
type ReadOptions struct {
	// RequireFresh propagates network failures instead of falling back to
	// the cache.
	RequireFresh bool
	// CacheExpiry overrides the configured default for this read. Cached
	// entries older than this are not served offline.
	CacheExpiry time.Duration
}

// MutateOptions tunes a single mutation.
type MutateOptions struct {
	// OnlineOnly marks operations that must never be queued (signing a
	// record, locking a visit, generating a PDF). Offline they fail
	// immediately with ErrRequiresConnectivity.
	OnlineOnly bool
}

// ReadResult is a read answer plus its provenance.
type ReadResult struct {
	Payload   json.RawMessage
	FromCache bool
}

// MutateResult is the outcome of a mutation, optimistic or confirmed.
type MutateResult struct {
	// ID is the record id: the server-assigned id when confirmed, a
	// temporary id for an offline create.
	ID      string
	Payload json.RawMessage
	// Queued is true when the write was applied optimistically and a
	// mutation is waiting to sync.
	Queued bool
}

// Wrapper is the single entry point feature services use for reads and
// writes. It encapsulates the online/offline decision and the caching
// policy so feature code never inspects connectivity itself.
type Wrapper struct {
	store  *Store
	queue  *Queue
	conn   offsync.ConnectivityProvider
	clock  offsync.Clock
	config *offsync.Config
	logger *slog.Logger
}

// NewWrapper wires a wrapper over the local store and mutation queue.
func NewWrapper(store *Store, queue *Queue, conn offsync.ConnectivityProvider, clock offsync.Clock, config *offsync.Config, logger *slog.Logger) *Wrapper {
	if clock == nil {
		clock = offsync.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{store: store, queue: queue, conn: conn, clock: clock, config: config, logger: logger}
}

// Read resolves a single record: network first when online (caching the
// result), cache fallback when offline or on transient network failure.
// It never blocks past the network timeout plus one local lookup.
func (w *Wrapper) Read(ctx context.Context, call ReadCall, entityType offsync.EntityType, key string, opts ReadOptions) (*ReadResult, error) {
	if w.conn.Online() {
		rec, err := call(ctx)
		if err == nil {
			now := w.clock.Now().UTC()
			cached := &offsync.CachedRecord{
				EntityType:      entityType,
				ID:              rec.ID,
				Payload:         rec.Payload,
				LastSyncedAt:    &now,
				LocalModifiedAt: now,
				SyncStatus:      offsync.StatusSynced,
			}
			if putErr := w.putWithRetry(ctx, cached); putErr != nil {
				// The read itself succeeded; a cache write failure only
				// degrades offline availability.
				w.logger.Warn("failed to cache read result",
					"entityType", entityType, "id", rec.ID, "error", putErr)
			}
			return &ReadResult{Payload: rec.Payload}, nil
		}
		if opts.RequireFresh {
			return nil, err
		}
		w.logger.Debug("read fell back to cache", "entityType", entityType, "key", key, "error", err)
	}
	return w.readCached(ctx, entityType, key, opts)
}

// ReadList resolves a list view: network first when online, offline
// served from the cache through the in-process predicate.
func (w *Wrapper) ReadList(ctx context.Context, call ListCall, entityType offsync.EntityType, predicate func(*offsync.CachedRecord) bool, opts ReadOptions) ([]ReadResult, error) {
	if w.conn.Online() {
		recs, err := call(ctx)
		if err == nil {
			now := w.clock.Now().UTC()
			out := make([]ReadResult, 0, len(recs))
			for i := range recs {
				cached := &offsync.CachedRecord{
					EntityType:      entityType,
					ID:              recs[i].ID,
					Payload:         recs[i].Payload,
					LastSyncedAt:    &now,
					LocalModifiedAt: now,
					SyncStatus:      offsync.StatusSynced,
				}
				if putErr := w.putWithRetry(ctx, cached); putErr != nil {
					w.logger.Warn("failed to cache list entry",
						"entityType", entityType, "id", recs[i].ID, "error", putErr)
				}
				out = append(out, ReadResult{Payload: recs[i].Payload})
			}
			return out, nil
		}
		if opts.RequireFresh {
			return nil, err
		}
		w.logger.Debug("list fell back to cache", "entityType", entityType, "error", err)
	}

	cached, err := w.store.Query(ctx, entityType, predicate)
	if err != nil {
		return nil, err
	}
	out := make([]ReadResult, 0, len(cached))
	for _, rec := range cached {
		if rec.SyncStatus == offsync.StatusPendingDelete {
			continue
		}
		out = append(out, ReadResult{Payload: rec.Payload, FromCache: true})
	}
	return out, nil
}

func (w *Wrapper) readCached(ctx context.Context, entityType offsync.EntityType, key string, opts ReadOptions) (*ReadResult, error) {
	rec, err := w.store.Get(ctx, entityType, key)
	if err != nil {
		if errors.Is(err, offsync.ErrNotFound) {
			return nil, offsync.ErrOfflineUnavailable
		}
		return nil, err
	}
	if rec.SyncStatus == offsync.StatusPendingDelete {
		return nil, offsync.ErrOfflineUnavailable
	}
	expiry := opts.CacheExpiry
	if expiry == 0 {
		expiry = w.config.CacheExpiry.Std()
	}
	if expiry > 0 && w.clock.Now().Sub(rec.LocalModifiedAt) > expiry {
		return nil, fmt.Errorf("cached copy of %s/%s expired: %w", entityType, key, offsync.ErrOfflineUnavailable)
	}
	return &ReadResult{Payload: rec.Payload, FromCache: true}, nil
}

// Mutate performs a write. Online it calls the backend directly and
// records the confirmed result. Offline, or on a transient network
// failure, it applies the change optimistically to the local cache and
// queues a mutation, so a read issued after Mutate returns observes the
// change (local read-your-writes). Permanent failures propagate without
// queueing.
func (w *Wrapper) Mutate(ctx context.Context, call MutateCall, op offsync.Op, entityType offsync.EntityType, payload json.RawMessage, targetID string, opts MutateOptions) (*MutateResult, error) {
	online := w.conn.Online()

	if opts.OnlineOnly && !online {
		return nil, offsync.ErrRequiresConnectivity
	}

	if online {
		rec, err := call(ctx)
		if err == nil {
			return w.applyConfirmed(ctx, op, entityType, rec, targetID)
		}
		if opts.OnlineOnly || offsync.ClassifyError(err) == offsync.Permanent {
			return nil, err
		}
		w.logger.Debug("mutation queued after transient failure",
			"entityType", entityType, "op", op, "error", err)
	}

	return w.applyOptimistic(ctx, op, entityType, payload, targetID)
}

func (w *Wrapper) applyConfirmed(ctx context.Context, op offsync.Op, entityType offsync.EntityType, rec *offsync.ServerRecord, targetID string) (*MutateResult, error) {
	if op == offsync.OpDelete {
		if err := w.deleteWithRetry(ctx, entityType, targetID); err != nil {
			return nil, err
		}
		return &MutateResult{ID: targetID}, nil
	}
	now := w.clock.Now().UTC()
	cached := &offsync.CachedRecord{
		EntityType:      entityType,
		ID:              rec.ID,
		Payload:         rec.Payload,
		LastSyncedAt:    &now,
		LocalModifiedAt: now,
		SyncStatus:      offsync.StatusSynced,
	}
	if err := w.putWithRetry(ctx, cached); err != nil {
		return nil, err
	}
	return &MutateResult{ID: rec.ID, Payload: rec.Payload}, nil
}

func (w *Wrapper) applyOptimistic(ctx context.Context, op offsync.Op, entityType offsync.EntityType, payload json.RawMessage, targetID string) (*MutateResult, error) {
	now := w.clock.Now().UTC()

	var cached *offsync.CachedRecord
	switch op {
	case offsync.OpCreate:
		if targetID == "" {
			targetID = offsync.NewTempID()
		}
		cached = &offsync.CachedRecord{
			EntityType:      entityType,
			ID:              targetID,
			Payload:         payload,
			LocalModifiedAt: now,
			SyncStatus:      offsync.StatusPendingCreate,
		}

	case offsync.OpUpdate:
		prev, err := w.store.Get(ctx, entityType, targetID)
		if err != nil && !errors.Is(err, offsync.ErrNotFound) {
			return nil, err
		}
		status := offsync.StatusPendingUpdate
		var lastSynced *time.Time
		if prev != nil {
			lastSynced = prev.LastSyncedAt
			// A record the server has never seen stays pendingCreate; the
			// queued CREATE then UPDATE replay in order.
			if prev.SyncStatus == offsync.StatusPendingCreate {
				status = offsync.StatusPendingCreate
			}
		}
		cached = &offsync.CachedRecord{
			EntityType:      entityType,
			ID:              targetID,
			Payload:         payload,
			LastSyncedAt:    lastSynced,
			LocalModifiedAt: now,
			SyncStatus:      status,
		}

	case offsync.OpDelete:
		prev, err := w.store.Get(ctx, entityType, targetID)
		if err != nil && !errors.Is(err, offsync.ErrNotFound) {
			return nil, err
		}
		if prev != nil {
			cached = prev
			cached.LocalModifiedAt = now
			cached.SyncStatus = offsync.StatusPendingDelete
		}

	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}

	mutation := &offsync.QueuedMutation{
		EntityType: entityType,
		TargetID:   targetID,
		Op:         op,
	}
	if op != offsync.OpDelete {
		mutation.Payload = payload
	}

	// Cache update and enqueue commit together so the queue never holds a
	// mutation the cache does not reflect.
	err := w.withTxRetry(ctx, func(tx *sql.Tx) error {
		if cached != nil {
			if err := w.store.PutTx(ctx, tx, cached); err != nil {
				return err
			}
		}
		return w.queue.EnqueueTx(ctx, tx, mutation)
	})
	if err != nil {
		return nil, err
	}

	return &MutateResult{ID: targetID, Payload: payload, Queued: true}, nil
}

// PendingCount exposes "N changes waiting to sync" for status
// indicators.
func (w *Wrapper) PendingCount(ctx context.Context) (int, error) {
	return w.queue.PendingCount(ctx)
}

// Online exposes the connectivity state for status indicators.
func (w *Wrapper) Online() bool {
	return w.conn.Online()
}

// Storage failures are retried once before being surfaced as a
// user-visible "local storage unavailable" condition.

func (w *Wrapper) putWithRetry(ctx context.Context, rec *offsync.CachedRecord) error {
	err := w.store.Put(ctx, rec)
	if err == nil {
		return nil
	}
	var storageErr *offsync.StorageError
	if !errors.As(err, &storageErr) {
		return err
	}
	w.logger.Warn("retrying cache write after storage error", "error", err)
	return w.store.Put(ctx, rec)
}

func (w *Wrapper) deleteWithRetry(ctx context.Context, entityType offsync.EntityType, id string) error {
	err := w.store.Delete(ctx, entityType, id)
	if err == nil {
		return nil
	}
	var storageErr *offsync.StorageError
	if !errors.As(err, &storageErr) {
		return err
	}
	w.logger.Warn("retrying cache delete after storage error", "error", err)
	return w.store.Delete(ctx, entityType, id)
}

func (w *Wrapper) withTxRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	err := w.runTx(ctx, fn)
	if err == nil {
		return nil
	}
	var storageErr *offsync.StorageError
	if !errors.As(err, &storageErr) {
		return err
	}
	w.logger.Warn("retrying transaction after storage error", "error", err)
	return w.runTx(ctx, fn)
}

func (w *Wrapper) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return offsync.NewStorageError("commit", err)
	}
	return nil
}
