// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// EngineState is the observable phase of a sync cycle.
type EngineState string

const (
	StateIdle        EngineState = "idle"
	StatePushing     EngineState = "pushing"
	StatePulling     EngineState = "pulling"
	StateReconciling EngineState = "reconciling"
	StateError       EngineState = "error"
)

// errAuthExpired aborts a cycle into the Error state; the engine stays
// there until Reset is called after re-authentication.
var errAuthExpired = errors.New("authentication expired")

// Engine orchestrates sync cycles: drain the mutation queue (push),
// fetch server changes per entity type (pull), and reconcile them
// against the local cache, recording conflicts instead of overwriting
// local changes.
//
// Cycles are single-flight: a trigger while a cycle is in progress
// coalesces into that cycle. Cancellation is honored only at item and
// batch boundaries so the queue and cache stay consistent.
type Engine struct {
	db        *sql.DB
	store     *Store
	queue     *Queue
	transport Transport
	resolver  *Resolver
	clock     offsync.Clock
	config    *offsync.Config
	policy    offsync.BackoffPolicy
	metrics   offsync.MetricsRecorder
	logger    *slog.Logger

	cycleMu sync.Mutex // single-flight guard on the whole cycle

	stateMu sync.Mutex
	state   EngineState
	lastErr error
}

// NewEngine wires a sync engine over the given collaborators.
func NewEngine(db *sql.DB, store *Store, queue *Queue, transport Transport, resolver *Resolver, clock offsync.Clock, config *offsync.Config, metrics offsync.MetricsRecorder, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = offsync.SystemClock{}
	}
	if metrics == nil {
		metrics = offsync.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        db,
		store:     store,
		queue:     queue,
		transport: transport,
		resolver:  resolver,
		clock:     clock,
		config:    config,
		policy:    config.BackoffPolicy(),
		metrics:   metrics,
		logger:    logger,
	}
}

// State returns the current engine state.
func (e *Engine) State() EngineState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state == "" {
		return StateIdle
	}
	return e.state
}

// LastError returns the error that moved the engine into StateError.
func (e *Engine) LastError() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.lastErr
}

// Reset returns the engine from StateError to StateIdle after the caller
// has re-authenticated.
func (e *Engine) Reset() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state == StateError {
		e.state = StateIdle
		e.lastErr = nil
	}
}

func (e *Engine) setState(s EngineState, err error) {
	e.stateMu.Lock()
	e.state = s
	e.lastErr = err
	e.stateMu.Unlock()
}

// SyncNow runs one full sync cycle. A call while a cycle is in progress
// coalesces into the running cycle and reports offsync.ErrSyncInProgress.
// While the engine is in StateError only Reset can revive it.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.cycleMu.TryLock() {
		return offsync.ErrSyncInProgress
	}
	defer e.cycleMu.Unlock()

	if e.State() == StateError {
		return fmt.Errorf("sync engine requires re-authentication: %w", e.LastError())
	}

	cycleStart := e.clock.Now()
	err := e.runCycle(ctx)
	e.metrics.ObservePhase(ctx, offsync.PhaseTiming{
		Phase:    offsync.MetricsPhaseCycle,
		Duration: e.clock.Now().Sub(cycleStart),
		Err:      err != nil,
	})
	if err != nil {
		if errors.Is(err, errAuthExpired) {
			e.setState(StateError, err)
		} else {
			e.setState(StateIdle, nil)
		}
		return err
	}
	e.setState(StateIdle, nil)
	return nil
}

func (e *Engine) runCycle(ctx context.Context) error {
	e.setState(StatePushing, nil)
	if err := e.pushPhase(ctx); err != nil {
		return err
	}

	e.setState(StatePulling, nil)
	if err := e.pullPhase(ctx); err != nil {
		return err
	}
	return nil
}

// pushPhase drains the mutation queue in FIFO-per-entity order. A
// transient failure requeues the mutation behind its backoff gate and
// the drain moves on to other entities; a permanent failure parks the
// mutation as failed for explicit user action.
func (e *Engine) pushPhase(ctx context.Context) error {
	start := e.clock.Now()
	pushed := 0
	var phaseErr error

	for {
		// Cancellation is honored between individual sends, never mid-write.
		if err := ctx.Err(); err != nil {
			phaseErr = err
			break
		}

		m, err := e.queue.DequeueNextFor(ctx, "")
		if err != nil {
			phaseErr = err
			break
		}
		if m == nil {
			break
		}

		if err := e.queue.MarkInFlight(ctx, m.MutationID); err != nil {
			phaseErr = err
			break
		}

		if err := e.pushMutation(ctx, m); err != nil {
			// The mutation was not settled by a retry or failure path;
			// hand it back to the queue so the next cycle (or re-auth)
			// re-sends it instead of leaving it stranded inFlight.
			relErr := e.queue.Release(ctx, m.MutationID, err)
			if relErr != nil && !errors.Is(relErr, offsync.ErrNotFound) {
				e.logger.Error("failed to release in-flight mutation",
					"mutationId", m.MutationID, "error", relErr)
			}
			phaseErr = err
			break
		}
		pushed++
	}

	e.metrics.ObservePhase(ctx, offsync.PhaseTiming{
		Phase:    offsync.MetricsPhasePush,
		Duration: e.clock.Now().Sub(start),
		Items:    pushed,
		Err:      phaseErr != nil,
	})
	return phaseErr
}

// pushMutation sends one mutation and settles its outcome. Only internal
// failures (storage, auth) are returned; network failures are absorbed
// into the mutation's retry state.
func (e *Engine) pushMutation(ctx context.Context, m *offsync.QueuedMutation) error {
	var sendErr error

	switch m.Op {
	case offsync.OpCreate:
		rec, err := e.transport.Create(ctx, m.EntityType, m.Payload, m.TargetID)
		if err == nil {
			return e.confirmCreate(ctx, m, rec)
		}
		sendErr = err

	case offsync.OpUpdate:
		rec, err := e.transport.Update(ctx, m.EntityType, m.TargetID, m.Payload)
		if err == nil {
			return e.confirmUpsert(ctx, m, rec)
		}
		sendErr = err

	case offsync.OpDelete:
		err := e.transport.Delete(ctx, m.EntityType, m.TargetID)
		if err == nil || errors.Is(err, offsync.ErrNotFound) {
			// 404 on delete means the record is already gone; idempotent.
			return e.confirmDelete(ctx, m)
		}
		sendErr = err

	default:
		sendErr = fmt.Errorf("unknown operation: %s", m.Op)
	}

	if ctx.Err() != nil {
		// Caller cancellation, not a send failure; the mutation goes
		// back to pending without consuming a retry attempt.
		e.metrics.ObserveMutation(ctx, m.EntityType, m.Op, offsync.MetricsOutcomeCancelled)
		return ctx.Err()
	}

	if isAuthError(sendErr) {
		return fmt.Errorf("%w: %v", errAuthExpired, sendErr)
	}

	if offsync.ClassifyError(sendErr) == offsync.Permanent {
		e.logger.Warn("mutation failed permanently",
			"entityType", m.EntityType, "op", m.Op, "target", m.TargetID, "error", sendErr)
		e.metrics.ObserveMutation(ctx, m.EntityType, m.Op, offsync.MetricsOutcomeFailed)
		return e.queue.MarkFailed(ctx, m.MutationID, sendErr)
	}

	attempt := m.AttemptCount + 1
	if e.policy.Exhausted(attempt) {
		e.logger.Warn("mutation retries exhausted",
			"entityType", m.EntityType, "op", m.Op, "target", m.TargetID,
			"attempts", attempt, "error", sendErr)
		e.metrics.ObserveMutation(ctx, m.EntityType, m.Op, offsync.MetricsOutcomeFailed)
		return e.queue.MarkFailed(ctx, m.MutationID, sendErr)
	}

	notBefore := e.clock.Now().Add(e.policy.Delay(attempt))
	e.logger.Debug("mutation requeued after transient failure",
		"entityType", m.EntityType, "op", m.Op, "target", m.TargetID,
		"attempt", attempt, "retryAt", notBefore, "error", sendErr)
	e.metrics.ObserveMutation(ctx, m.EntityType, m.Op, offsync.MetricsOutcomeRequeued)
	return e.queue.Requeue(ctx, m.MutationID, sendErr, notBefore)
}

// confirmCreate records a successful create: the cached record is
// re-keyed from the temporary id to the server-assigned id, and every
// queued mutation still referencing the temporary id is rewritten before
// it can be dequeued.
func (e *Engine) confirmCreate(ctx context.Context, m *offsync.QueuedMutation, rec *offsync.ServerRecord) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if offsync.IsTempID(m.TargetID) && rec.ID != m.TargetID {
		if err := e.store.RekeyTx(ctx, tx, m.EntityType, m.TargetID, rec.ID); err != nil {
			return err
		}
		if err := e.queue.RewriteTargetIDTx(ctx, tx, m.EntityType, m.TargetID, rec.ID); err != nil {
			return err
		}
	}

	now := e.clock.Now().UTC()
	synced := &offsync.CachedRecord{
		EntityType:      m.EntityType,
		ID:              rec.ID,
		Payload:         rec.Payload,
		LastSyncedAt:    &now,
		LocalModifiedAt: now,
		SyncStatus:      offsync.StatusSynced,
	}

	// If a younger queued mutation still targets this record the cache
	// must keep reflecting the local edit, not the server echo.
	hasYounger, err := e.queue.hasPendingForExcluding(ctx, tx, m.EntityType, rec.ID, m.MutationID)
	if err != nil {
		return err
	}
	if !hasYounger {
		if err := e.store.PutTx(ctx, tx, synced); err != nil {
			return err
		}
	} else {
		if err := e.markSyncedMetaTx(ctx, tx, m.EntityType, rec.ID, now); err != nil {
			return err
		}
	}

	if err := e.queue.MarkDoneTx(ctx, tx, m.MutationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return offsync.NewStorageError("commit", err)
	}
	e.metrics.ObserveMutation(ctx, m.EntityType, m.Op, offsync.MetricsOutcomeDone)
	return nil
}

func (e *Engine) confirmUpsert(ctx context.Context, m *offsync.QueuedMutation, rec *offsync.ServerRecord) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.clock.Now().UTC()
	hasYounger, err := e.queue.hasPendingForExcluding(ctx, tx, m.EntityType, m.TargetID, m.MutationID)
	if err != nil {
		return err
	}
	if !hasYounger {
		synced := &offsync.CachedRecord{
			EntityType:      m.EntityType,
			ID:              rec.ID,
			Payload:         rec.Payload,
			LastSyncedAt:    &now,
			LocalModifiedAt: now,
			SyncStatus:      offsync.StatusSynced,
		}
		if err := e.store.PutTx(ctx, tx, synced); err != nil {
			return err
		}
	} else {
		if err := e.markSyncedMetaTx(ctx, tx, m.EntityType, m.TargetID, now); err != nil {
			return err
		}
	}

	if err := e.queue.MarkDoneTx(ctx, tx, m.MutationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return offsync.NewStorageError("commit", err)
	}
	e.metrics.ObserveMutation(ctx, m.EntityType, m.Op, offsync.MetricsOutcomeDone)
	return nil
}

func (e *Engine) confirmDelete(ctx context.Context, m *offsync.QueuedMutation) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.store.DeleteTx(ctx, tx, m.EntityType, m.TargetID); err != nil {
		return err
	}
	if err := e.queue.MarkDoneTx(ctx, tx, m.MutationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return offsync.NewStorageError("commit", err)
	}
	e.metrics.ObserveMutation(ctx, m.EntityType, m.Op, offsync.MetricsOutcomeDone)
	return nil
}

// markSyncedMetaTx records the sync watermark without touching the
// payload; used when younger queued mutations still own the cached
// payload.
func (e *Engine) markSyncedMetaTx(ctx context.Context, tx *sql.Tx, entityType offsync.EntityType, id string, syncedAt time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _cache_records SET last_synced_at = ? WHERE entity_type = ? AND id = ?
	`, fmtTime(syncedAt), string(entityType), id); err != nil {
		return offsync.NewStorageError("markSyncedMeta", err)
	}
	return nil
}

// pullPhase fetches server changes per entity type since the last pull
// cursor and reconciles each page. Cancellation is honored between
// pages.
func (e *Engine) pullPhase(ctx context.Context) error {
	start := e.clock.Now()
	pulled := 0
	var reconcileDur time.Duration
	var phaseErr error

scope:
	for _, entityType := range e.config.SyncScope {
		since, err := e.pullCursor(ctx, entityType)
		if err != nil {
			phaseErr = err
			break
		}

		for {
			if err := ctx.Err(); err != nil {
				phaseErr = err
				break scope
			}

			resp, err := e.transport.ChangedSince(ctx, entityType, since, e.config.DownloadLimit)
			if err != nil {
				if isAuthError(err) {
					phaseErr = fmt.Errorf("%w: %v", errAuthExpired, err)
				} else {
					phaseErr = fmt.Errorf("pull failed for %s: %w", entityType, err)
				}
				break scope
			}

			e.setState(StateReconciling, nil)
			reconcileStart := e.clock.Now()
			for i := range resp.Records {
				if err := e.reconcile(ctx, entityType, &resp.Records[i]); err != nil {
					reconcileDur += e.clock.Now().Sub(reconcileStart)
					phaseErr = err
					break scope
				}
				pulled++
			}
			reconcileDur += e.clock.Now().Sub(reconcileStart)
			e.setState(StatePulling, nil)

			if resp.Next.After(since) {
				if err := e.setPullCursor(ctx, entityType, resp.Next); err != nil {
					phaseErr = err
					break scope
				}
				since = resp.Next
			}
			if !resp.HasMore {
				break
			}
		}
	}

	e.metrics.ObservePhase(ctx, offsync.PhaseTiming{
		Phase:    offsync.MetricsPhaseReconcile,
		Duration: reconcileDur,
		Items:    pulled,
		Err:      phaseErr != nil,
	})
	e.metrics.ObservePhase(ctx, offsync.PhaseTiming{
		Phase:    offsync.MetricsPhasePull,
		Duration: e.clock.Now().Sub(start),
		Items:    pulled,
		Err:      phaseErr != nil,
	})
	return phaseErr
}

// reconcile folds one pulled server record into the local cache:
//
//   - no local entry, or a clean local entry: accept the server version;
//   - a local entry with a pending mutation or local edits whose payload
//     differs in any business field: record a conflict and leave the
//     cached payload untouched;
//   - an entity with an open conflict: never overwritten until resolved.
func (e *Engine) reconcile(ctx context.Context, entityType offsync.EntityType, srec *offsync.ServerRecord) error {
	open, err := e.resolver.openConflictFor(ctx, entityType, srec.ID)
	if err != nil {
		return err
	}
	if open != nil {
		// Keep the conflict's server side current for the resolution
		// screen, nothing else moves until the user decides.
		return e.resolver.refreshServerPayload(ctx, open.ConflictID, serverSide(srec))
	}

	local, err := e.store.Get(ctx, entityType, srec.ID)
	if err != nil && !errors.Is(err, offsync.ErrNotFound) {
		return err
	}

	now := e.clock.Now().UTC()

	if local == nil {
		if srec.Deleted {
			return nil
		}
		return e.store.Put(ctx, &offsync.CachedRecord{
			EntityType:      entityType,
			ID:              srec.ID,
			Payload:         srec.Payload,
			LastSyncedAt:    &now,
			LocalModifiedAt: now,
			SyncStatus:      offsync.StatusSynced,
		})
	}

	hasPending, err := e.queue.HasPendingFor(ctx, entityType, srec.ID)
	if err != nil {
		return err
	}
	locallyEdited := local.LastSyncedAt == nil || local.LocalModifiedAt.After(*local.LastSyncedAt)
	dirty := hasPending || locallyEdited

	// A server record no newer than our sync watermark carries nothing
	// the local copy has not already seen; replaying it against a dirty
	// record would manufacture a conflict out of our own pending edit.
	if dirty && local.LastSyncedAt != nil && !srec.UpdatedAt.After(*local.LastSyncedAt) {
		return nil
	}

	if srec.Deleted {
		if !dirty {
			return e.store.Delete(ctx, entityType, srec.ID)
		}
		return e.recordConflict(ctx, entityType, srec.ID, local, nil)
	}

	if !dirty {
		return e.store.Put(ctx, &offsync.CachedRecord{
			EntityType:      entityType,
			ID:              srec.ID,
			Payload:         srec.Payload,
			LastSyncedAt:    &now,
			LocalModifiedAt: now,
			SyncStatus:      offsync.StatusSynced,
		})
	}

	if jsonEqual(local.Payload, srec.Payload) {
		// Both sides hold the same business fields; only the watermark
		// moves. Any queued mutation replays harmlessly.
		return e.markSyncedMeta(ctx, entityType, srec.ID, now)
	}

	return e.recordConflict(ctx, entityType, srec.ID, local, srec.Payload)
}

func (e *Engine) markSyncedMeta(ctx context.Context, entityType offsync.EntityType, id string, syncedAt time.Time) error {
	if _, err := e.db.ExecContext(ctx, `
		UPDATE _cache_records SET last_synced_at = ? WHERE entity_type = ? AND id = ?
	`, fmtTime(syncedAt), string(entityType), id); err != nil {
		return offsync.NewStorageError("markSyncedMeta", err)
	}
	return nil
}

// recordConflict stores a ConflictRecord and flags the cached record,
// leaving its payload exactly as the user last wrote it. When a
// non-hold policy is configured for the entity type the conflict is
// resolved immediately; clinical and financial entities always hold.
func (e *Engine) recordConflict(ctx context.Context, entityType offsync.EntityType, id string, local *offsync.CachedRecord, serverPayload json.RawMessage) error {
	conflict, err := e.resolver.createConflict(ctx, entityType, id, local.Payload, serverPayload)
	if err != nil {
		return err
	}
	e.metrics.ObserveConflict(ctx, entityType)
	e.logger.Info("sync conflict detected",
		"entityType", entityType, "id", id, "conflictId", conflict.ConflictID)

	policy := e.config.PolicyFor(entityType)
	if policy == offsync.PolicyHold || offsync.IsClinical(entityType) {
		return nil
	}

	choice := offsync.ResolutionServer
	if policy == offsync.PolicyLocalWins {
		choice = offsync.ResolutionLocal
	}
	if err := e.resolver.Resolve(ctx, conflict.ConflictID, choice, nil); err != nil {
		return fmt.Errorf("auto-resolution (%s) failed for %s/%s: %w", policy, entityType, id, err)
	}
	return nil
}

func (e *Engine) pullCursor(ctx context.Context, entityType offsync.EntityType) (time.Time, error) {
	var cursor string
	err := e.db.QueryRowContext(ctx, `
		SELECT last_cursor FROM _pull_state WHERE entity_type = ?
	`, string(entityType)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, offsync.NewStorageError("pullCursor", err)
	}
	t, err := parseTime(cursor)
	if err != nil {
		return time.Time{}, offsync.NewStorageError("pullCursor", fmt.Errorf("bad cursor: %w", err))
	}
	return t, nil
}

func (e *Engine) setPullCursor(ctx context.Context, entityType offsync.EntityType, cursor time.Time) error {
	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO _pull_state (entity_type, last_cursor) VALUES (?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET last_cursor = excluded.last_cursor
	`, string(entityType), fmtTime(cursor)); err != nil {
		return offsync.NewStorageError("setPullCursor", err)
	}
	return nil
}

func isAuthError(err error) bool {
	var httpErr *offsync.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 401 || httpErr.StatusCode == 403
	}
	return false
}

func serverSide(srec *offsync.ServerRecord) json.RawMessage {
	if srec.Deleted {
		return nil
	}
	return srec.Payload
}

// jsonEqual compares two payloads structurally so formatting and key
// order differences never count as business-field divergence.
func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
