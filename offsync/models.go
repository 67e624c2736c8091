// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"time"
)

// SyncStatus describes the relationship between a cached record and the
// last known server state.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPendingCreate SyncStatus = "pendingCreate"
	StatusPendingUpdate SyncStatus = "pendingUpdate"
	StatusPendingDelete SyncStatus = "pendingDelete"
	StatusConflict      SyncStatus = "conflict"
)

// CachedRecord is a local copy of a server entity. The payload is the
// domain object, opaque to the sync layer.
//
// A record with StatusSynced has a payload identical to the last known
// server payload. Records created offline carry a temporary id until the
// server assigns a real one, at which point the record is re-keyed.
type CachedRecord struct {
	EntityType      EntityType      `json:"entityType"`
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload"`
	LastSyncedAt    *time.Time      `json:"lastSyncedAt,omitempty"`
	LocalModifiedAt time.Time       `json:"localModifiedAt"`
	SyncStatus      SyncStatus      `json:"syncStatus"`
}

// Op is a mutation operation kind.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationInFlight MutationStatus = "inFlight"
	MutationFailed   MutationStatus = "failed"
	MutationDone     MutationStatus = "done"
)

// QueuedMutation is one durable unit of offline work. Mutations for the
// same target id are applied strictly in creation order (FIFO per
// entity); mutations for different ids do not interact.
type QueuedMutation struct {
	MutationID   string          `json:"mutationId"`
	EntityType   EntityType      `json:"entityType"`
	TargetID     string          `json:"targetId"`
	Op           Op              `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"` // nil for DELETE
	CreatedAt    time.Time       `json:"createdAt"`
	AttemptCount int             `json:"attemptCount"`
	NotBefore    time.Time       `json:"notBefore"` // backoff gate; zero means eligible now
	LastError    string          `json:"lastError,omitempty"`
	Status       MutationStatus  `json:"status"`
}

// Resolution is the outcome chosen for a conflict.
type Resolution string

const (
	ResolutionPending Resolution = "pending"
	ResolutionLocal   Resolution = "local"
	ResolutionServer  Resolution = "server"
	ResolutionMerged  Resolution = "merged"
)

// ConflictRecord captures a detected divergence between local and server
// state for the same entity. While a conflict is open the cached record
// is never overwritten by automatic sync.
//
// ServerPayload is nil when the server side of the conflict is a
// deletion.
type ConflictRecord struct {
	ConflictID    string          `json:"conflictId"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	LocalPayload  json.RawMessage `json:"localPayload"`
	ServerPayload json.RawMessage `json:"serverPayload,omitempty"`
	DetectedAt    time.Time       `json:"detectedAt"`
	Resolution    Resolution      `json:"resolution"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
}

// MergeFunc produces the merged payload for a conflict of one entity
// type. Shallow object spread is not a safe merge for nested clinical
// objects, so merges are always per-entity-type and must be registered
// explicitly.
type MergeFunc func(local, server json.RawMessage) (json.RawMessage, error)
