// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

func newStore() *MemStore {
	return NewMemStore(offsync.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func TestMemStore_CreateAssignsIDAndVersion(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, offsync.EntityPatients, []byte(`{"name":"Alice"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID == "" {
		t.Error("created record should have a server-assigned id")
	}
	if rec.ServerVersion != 1 {
		t.Errorf("expected server_version 1, got %d", rec.ServerVersion)
	}

	got, err := s.Get(ctx, offsync.EntityPatients, rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got.Payload) != `{"name":"Alice"}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
}

func TestMemStore_UpdateBumpsVersion(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, offsync.EntityPatients, []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	updated, err := s.Update(ctx, offsync.EntityPatients, rec.ID, []byte(`{"v":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.ServerVersion != 2 {
		t.Errorf("expected server_version 2, got %d", updated.ServerVersion)
	}
	if !updated.UpdatedAt.After(rec.UpdatedAt) {
		t.Error("update should advance updated_at")
	}

	if _, err := s.Update(ctx, offsync.EntityPatients, "missing", []byte(`{}`)); !errors.Is(err, offsync.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_DeleteTombstones(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, offsync.EntityVisits, []byte(`{"reason":"checkup"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Delete(ctx, offsync.EntityVisits, rec.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Tombstoned records are gone from reads and lists
	if _, err := s.Get(ctx, offsync.EntityVisits, rec.ID); !errors.Is(err, offsync.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	recs, err := s.List(ctx, offsync.EntityVisits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected empty list, got %d records", len(recs))
	}

	// Second delete of the same id answers not found
	if err := s.Delete(ctx, offsync.EntityVisits, rec.ID); !errors.Is(err, offsync.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}

	// But the tombstone still travels through the changed-since feed
	changes, _, err := s.ChangedSince(ctx, offsync.EntityVisits, time.Time{}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if !changes[0].Deleted {
		t.Error("tombstone should be flagged deleted in the feed")
	}
	if changes[0].Payload != nil {
		t.Error("tombstone should not carry a payload")
	}
}

func TestMemStore_UpdateResurrectsTombstone(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, offsync.EntityPatients, []byte(`{"name":"Dana"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Delete(ctx, offsync.EntityPatients, rec.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An update to a tombstoned id brings the record back to life with the
	// new payload; this is how a client reasserts a record another client
	// deleted.
	revived, err := s.Update(ctx, offsync.EntityPatients, rec.ID, []byte(`{"name":"Dana R"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revived.Deleted {
		t.Error("update should clear the tombstone")
	}
	if revived.ServerVersion <= rec.ServerVersion {
		t.Errorf("resurrection should bump server_version past %d, got %d", rec.ServerVersion, revived.ServerVersion)
	}

	got, err := s.Get(ctx, offsync.EntityPatients, rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got.Payload) != `{"name":"Dana R"}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
	recs, err := s.List(ctx, offsync.EntityPatients)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("revived record should be listed, got %d records", len(recs))
	}
}

func TestMemStore_ChangedSinceOrderAndPaging(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		rec, err := s.Create(ctx, offsync.EntityPatients, []byte(`{"name":"`+name+`"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	page1, hasMore, err := s.ChangedSince(ctx, offsync.EntityPatients, time.Time{}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page1) != 3 || !hasMore {
		t.Fatalf("expected 3 records and hasMore, got %d/%v", len(page1), hasMore)
	}
	for i := 1; i < len(page1); i++ {
		if page1[i].UpdatedAt.Before(page1[i-1].UpdatedAt) {
			t.Error("changes should be ordered by updated_at ascending")
		}
	}

	page2, hasMore, err := s.ChangedSince(ctx, offsync.EntityPatients, page1[len(page1)-1].UpdatedAt, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page2) != 2 || hasMore {
		t.Fatalf("expected final page of 2, got %d/%v", len(page2), hasMore)
	}

	seen := map[string]bool{}
	for _, r := range append(page1, page2...) {
		seen[r.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("record %s missing from paged feed", id)
		}
	}
}

func TestMemStore_ChangedSinceTimestampsStrictlyIncrease(t *testing.T) {
	// The fake clock does not advance between creates; the store must
	// still hand out distinct timestamps so cursors never skip records.
	s := newStore()
	ctx := context.Background()

	r1, err := s.Create(ctx, offsync.EntityPatients, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := s.Create(ctx, offsync.EntityPatients, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r2.UpdatedAt.After(r1.UpdatedAt) {
		t.Errorf("timestamps must strictly increase: %v then %v", r1.UpdatedAt, r2.UpdatedAt)
	}
}

func TestMemStore_EntityTypesAreIsolated(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, offsync.EntityPatients, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Get(ctx, offsync.EntityVisits, rec.ID); !errors.Is(err, offsync.ErrNotFound) {
		t.Errorf("expected ErrNotFound across entity types, got %v", err)
	}
}
