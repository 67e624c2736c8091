// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

// Package backend is the reference implementation of the record API the
// offline layer consumes: per-entity CRUD with server-assigned ids,
// idempotent deletes, and a changed-since feed per entity type.
package backend

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// RecordStore is the authoritative record storage behind the API.
// Deletes are tombstones so the changed-since feed can propagate them.
type RecordStore interface {
	Get(ctx context.Context, entityType offsync.EntityType, id string) (*offsync.ServerRecord, error)
	List(ctx context.Context, entityType offsync.EntityType) ([]offsync.ServerRecord, error)
	Create(ctx context.Context, entityType offsync.EntityType, payload json.RawMessage) (*offsync.ServerRecord, error)
	// Update replaces the payload. An update to a tombstoned id
	// resurrects the record; only ids that never existed answer
	// offsync.ErrNotFound.
	Update(ctx context.Context, entityType offsync.EntityType, id string, payload json.RawMessage) (*offsync.ServerRecord, error)
	// Delete tombstones the record. It returns offsync.ErrNotFound when
	// the id does not exist or is already tombstoned.
	Delete(ctx context.Context, entityType offsync.EntityType, id string) error
	// ChangedSince returns records (tombstones included) modified after
	// since, oldest first, at most limit of them.
	ChangedSince(ctx context.Context, entityType offsync.EntityType, since time.Time, limit int) ([]offsync.ServerRecord, bool, error)
}

// MemStore is an in-memory RecordStore used by tests and the demo
// server.
type MemStore struct {
	clock offsync.Clock

	mu      sync.Mutex
	records map[offsync.EntityType]map[string]*offsync.ServerRecord
	lastTS  time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(clock offsync.Clock) *MemStore {
	if clock == nil {
		clock = offsync.SystemClock{}
	}
	return &MemStore{
		clock:   clock,
		records: make(map[offsync.EntityType]map[string]*offsync.ServerRecord),
	}
}

// nextTS returns a strictly increasing timestamp so changed-since
// cursors never skip records sharing a clock tick.
func (s *MemStore) nextTS() time.Time {
	ts := s.clock.Now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts
	return ts
}

func (s *MemStore) bucket(entityType offsync.EntityType) map[string]*offsync.ServerRecord {
	b, ok := s.records[entityType]
	if !ok {
		b = make(map[string]*offsync.ServerRecord)
		s.records[entityType] = b
	}
	return b
}

func (s *MemStore) Get(_ context.Context, entityType offsync.EntityType, id string) (*offsync.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bucket(entityType)[id]
	if !ok || rec.Deleted {
		return nil, offsync.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemStore) List(_ context.Context, entityType offsync.EntityType) ([]offsync.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucket(entityType)
	out := make([]offsync.ServerRecord, 0, len(bucket))
	for _, rec := range bucket {
		if rec.Deleted {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Create(_ context.Context, entityType offsync.EntityType, payload json.RawMessage) (*offsync.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &offsync.ServerRecord{
		ID:            uuid.New().String(),
		Payload:       payload,
		ServerVersion: 1,
		UpdatedAt:     s.nextTS(),
	}
	s.bucket(entityType)[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

// Update replaces the payload and clears any tombstone, so a client
// resolving a sync conflict as keep-local can resurrect a record another
// client deleted.
func (s *MemStore) Update(_ context.Context, entityType offsync.EntityType, id string, payload json.RawMessage) (*offsync.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bucket(entityType)[id]
	if !ok {
		return nil, offsync.ErrNotFound
	}
	rec.Payload = payload
	rec.Deleted = false
	rec.ServerVersion++
	rec.UpdatedAt = s.nextTS()
	cp := *rec
	return &cp, nil
}

func (s *MemStore) Delete(_ context.Context, entityType offsync.EntityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bucket(entityType)[id]
	if !ok || rec.Deleted {
		return offsync.ErrNotFound
	}
	rec.Deleted = true
	rec.Payload = nil
	rec.ServerVersion++
	rec.UpdatedAt = s.nextTS()
	return nil
}

func (s *MemStore) ChangedSince(_ context.Context, entityType offsync.EntityType, since time.Time, limit int) ([]offsync.ServerRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []offsync.ServerRecord
	for _, rec := range s.bucket(entityType) {
		if rec.UpdatedAt.After(since) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	hasMore := false
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		hasMore = true
	}
	return out, hasMore, nil
}
