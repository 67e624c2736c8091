// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// Queue is the durable, ordered list of pending mutations. It survives
// process restarts and exclusively owns QueuedMutation persistence.
//
// Ordering rule: mutations for the same target id are applied strictly
// in enqueue order. Mutations for different ids do not interact and may
// drain in any relative order.
type Queue struct {
	db    *sql.DB
	clock offsync.Clock
}

// NewQueue wraps an initialized sync database.
func NewQueue(db *sql.DB, clock offsync.Clock) *Queue {
	if clock == nil {
		clock = offsync.SystemClock{}
	}
	return &Queue{db: db, clock: clock}
}

// Enqueue appends a mutation, assigning its MutationID and CreatedAt.
func (q *Queue) Enqueue(ctx context.Context, m *offsync.QueuedMutation) error {
	return q.enqueue(ctx, q.db, m)
}

// EnqueueTx is Enqueue inside an existing transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, m *offsync.QueuedMutation) error {
	return q.enqueue(ctx, tx, m)
}

func (q *Queue) enqueue(ctx context.Context, qr querier, m *offsync.QueuedMutation) error {
	m.MutationID = uuid.New().String()
	m.CreatedAt = q.clock.Now().UTC()
	m.Status = offsync.MutationPending

	var payload any
	if m.Payload != nil {
		payload = string(m.Payload)
	}
	_, err := qr.ExecContext(ctx, `
		INSERT INTO _mutation_queue (mutation_id, entity_type, target_id, op, payload, created_at, attempt_count, not_before, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', 'pending')
	`, m.MutationID, string(m.EntityType), m.TargetID, string(m.Op), payload, fmtTime(m.CreatedAt))
	if err != nil {
		return offsync.NewStorageError("enqueue", err)
	}
	return nil
}

// DequeueNextFor returns the oldest eligible pending mutation, scoped to
// an entity type when one is given, or nil when nothing is eligible.
//
// A mutation is eligible when its backoff gate has passed and no older
// live mutation exists for the same target id: an Update is never
// returned while its target's Create is still queued, and a failed
// mutation blocks younger mutations for its target until it is retried
// or discarded. Mutations for an entity with an open conflict are held
// until the conflict is resolved.
func (q *Queue) DequeueNextFor(ctx context.Context, entityType offsync.EntityType) (*offsync.QueuedMutation, error) {
	now := fmtTime(q.clock.Now())
	row := q.db.QueryRowContext(ctx, `
		SELECT m.mutation_id, m.entity_type, m.target_id, m.op, m.payload,
		       m.created_at, m.attempt_count, m.not_before, m.last_error, m.status
		FROM _mutation_queue m
		WHERE m.status = 'pending'
		  AND (m.not_before = '' OR m.not_before <= ?)
		  AND (? = '' OR m.entity_type = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM _mutation_queue older
			WHERE older.entity_type = m.entity_type
			  AND older.target_id = m.target_id
			  AND older.seq < m.seq
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM _conflicts c
			WHERE c.entity_type = m.entity_type
			  AND c.entity_id = m.target_id
			  AND c.resolution = 'pending'
		  )
		ORDER BY m.seq
		LIMIT 1
	`, now, string(entityType), string(entityType))

	m, err := scanMutation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, offsync.NewStorageError("dequeue", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*offsync.QueuedMutation, error) {
	var m offsync.QueuedMutation
	var entityType, op, createdAt, notBefore, status string
	var payload, lastError sql.NullString
	if err := row.Scan(&m.MutationID, &entityType, &m.TargetID, &op, &payload,
		&createdAt, &m.AttemptCount, &notBefore, &lastError, &status); err != nil {
		return nil, err
	}
	m.EntityType = offsync.EntityType(entityType)
	m.Op = offsync.Op(op)
	m.Status = offsync.MutationStatus(status)
	if payload.Valid {
		m.Payload = []byte(payload.String)
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if notBefore != "" {
		if m.NotBefore, err = parseTime(notBefore); err != nil {
			return nil, fmt.Errorf("bad not_before: %w", err)
		}
	}
	return &m, nil
}

// MarkInFlight transitions a pending mutation to inFlight.
func (q *Queue) MarkInFlight(ctx context.Context, mutationID string) error {
	return q.setStatus(ctx, q.db, mutationID, "pending", "inFlight")
}

// MarkDone acknowledges a mutation: it is removed from the queue.
func (q *Queue) MarkDone(ctx context.Context, mutationID string) error {
	return q.markDone(ctx, q.db, mutationID)
}

// MarkDoneTx is MarkDone inside an existing transaction.
func (q *Queue) MarkDoneTx(ctx context.Context, tx *sql.Tx, mutationID string) error {
	return q.markDone(ctx, tx, mutationID)
}

func (q *Queue) markDone(ctx context.Context, qr querier, mutationID string) error {
	res, err := qr.ExecContext(ctx, `DELETE FROM _mutation_queue WHERE mutation_id = ?`, mutationID)
	if err != nil {
		return offsync.NewStorageError("markDone", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return offsync.ErrNotFound
	}
	return nil
}

// MarkFailed records a permanent failure. The mutation stays in the
// queue, excluded from automatic retry, until the user retries or
// discards it.
func (q *Queue) MarkFailed(ctx context.Context, mutationID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE _mutation_queue SET status = 'failed', last_error = ? WHERE mutation_id = ?
	`, msg, mutationID)
	if err != nil {
		return offsync.NewStorageError("markFailed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return offsync.ErrNotFound
	}
	return nil
}

// Requeue returns an inFlight mutation to pending after a transient
// failure, incrementing its attempt count and gating it behind
// notBefore.
func (q *Queue) Requeue(ctx context.Context, mutationID string, cause error, notBefore time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE _mutation_queue
		SET status = 'pending', attempt_count = attempt_count + 1, last_error = ?, not_before = ?
		WHERE mutation_id = ?
	`, msg, fmtTime(notBefore), mutationID)
	if err != nil {
		return offsync.NewStorageError("requeue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return offsync.ErrNotFound
	}
	return nil
}

// Release returns an inFlight mutation to pending without counting a
// retry attempt. Used when the push aborts for reasons unrelated to the
// mutation itself (auth expiry, cancellation, local storage failure) so
// the mutation is re-sent as-is once the cycle can run again.
func (q *Queue) Release(ctx context.Context, mutationID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE _mutation_queue SET status = 'pending', last_error = ?
		WHERE mutation_id = ? AND status = 'inFlight'
	`, msg, mutationID)
	if err != nil {
		return offsync.NewStorageError("release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return offsync.ErrNotFound
	}
	return nil
}

// RetryFailed puts a failed mutation back into the automatic retry path
// with a fresh attempt budget. Explicit user action.
func (q *Queue) RetryFailed(ctx context.Context, mutationID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE _mutation_queue
		SET status = 'pending', attempt_count = 0, not_before = '', last_error = NULL
		WHERE mutation_id = ? AND status = 'failed'
	`, mutationID)
	if err != nil {
		return offsync.NewStorageError("retryFailed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return offsync.ErrNotFound
	}
	return nil
}

// Discard drops a mutation without sending it. Explicit user action on a
// failed mutation.
func (q *Queue) Discard(ctx context.Context, mutationID string) error {
	return q.MarkDone(ctx, mutationID)
}

// GetPending returns every queued mutation in FIFO order, including
// failed ones, for the "N changes waiting to sync" view.
func (q *Queue) GetPending(ctx context.Context) ([]*offsync.QueuedMutation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT mutation_id, entity_type, target_id, op, payload,
		       created_at, attempt_count, not_before, last_error, status
		FROM _mutation_queue
		ORDER BY seq
	`)
	if err != nil {
		return nil, offsync.NewStorageError("getPending", err)
	}
	defer rows.Close()

	var out []*offsync.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, offsync.NewStorageError("getPending", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, offsync.NewStorageError("getPending", err)
	}
	return out, nil
}

// PendingCount returns the number of queued mutations.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _mutation_queue`).Scan(&n); err != nil {
		return 0, offsync.NewStorageError("pendingCount", err)
	}
	return n, nil
}

// HasPendingFor reports whether any queued mutation targets the given
// entity id.
func (q *Queue) HasPendingFor(ctx context.Context, entityType offsync.EntityType, targetID string) (bool, error) {
	return q.hasPendingFor(ctx, q.db, entityType, targetID)
}

func (q *Queue) hasPendingFor(ctx context.Context, qr querier, entityType offsync.EntityType, targetID string) (bool, error) {
	var exists bool
	err := qr.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _mutation_queue WHERE entity_type = ? AND target_id = ?)
	`, string(entityType), targetID).Scan(&exists)
	if err != nil {
		return false, offsync.NewStorageError("hasPendingFor", err)
	}
	return exists, nil
}

// hasPendingForExcluding reports whether a queued mutation other than
// mutationID targets the given entity id. Used by the sync engine to
// decide whether a server-confirmed payload may overwrite the cache.
func (q *Queue) hasPendingForExcluding(ctx context.Context, qr querier, entityType offsync.EntityType, targetID, mutationID string) (bool, error) {
	var exists bool
	err := qr.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _mutation_queue
			WHERE entity_type = ? AND target_id = ? AND mutation_id != ?)
	`, string(entityType), targetID, mutationID).Scan(&exists)
	if err != nil {
		return false, offsync.NewStorageError("hasPendingFor", err)
	}
	return exists, nil
}

// RewriteTargetIDTx rewrites the target id of every queued mutation that
// still references a temporary id, inside the transaction that also
// re-keys the cached record. Must run before dependent mutations are
// dequeued.
func (q *Queue) RewriteTargetIDTx(ctx context.Context, tx *sql.Tx, entityType offsync.EntityType, oldID, newID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _mutation_queue SET target_id = ? WHERE entity_type = ? AND target_id = ?
	`, newID, string(entityType), oldID); err != nil {
		return offsync.NewStorageError("rewriteTargetID", err)
	}
	return nil
}

// Get returns one mutation by id, or offsync.ErrNotFound.
func (q *Queue) Get(ctx context.Context, mutationID string) (*offsync.QueuedMutation, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT mutation_id, entity_type, target_id, op, payload,
		       created_at, attempt_count, not_before, last_error, status
		FROM _mutation_queue WHERE mutation_id = ?
	`, mutationID)
	m, err := scanMutation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, offsync.ErrNotFound
		}
		return nil, offsync.NewStorageError("get", err)
	}
	return m, nil
}

func (q *Queue) setStatus(ctx context.Context, qr querier, mutationID, from, to string) error {
	res, err := qr.ExecContext(ctx, `
		UPDATE _mutation_queue SET status = ? WHERE mutation_id = ? AND status = ?
	`, to, mutationID, from)
	if err != nil {
		return offsync.NewStorageError("setStatus", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return offsync.ErrNotFound
	}
	return nil
}
