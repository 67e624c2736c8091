// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/xtm888/medflow-clinic-sub001/backend"
	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every statement on the same in-memory
	// database.
	db.SetMaxOpenConns(1)
	require.NoError(t, initializeDatabase(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestClock() *offsync.FakeClock {
	return offsync.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func testConfig() *offsync.Config {
	cfg := offsync.DefaultConfig()
	cfg.SyncScope = []offsync.EntityType{offsync.EntityPatients, offsync.EntityVisits, offsync.EntityPreferences}
	return cfg
}

// fakeTransport serves the Transport interface from an in-memory record
// store, with scripted per-operation failures for fault injection.
type fakeTransport struct {
	mem *backend.MemStore

	mu   sync.Mutex
	errs map[string][]error
}

func newFakeTransport(clock offsync.Clock) *fakeTransport {
	return &fakeTransport{
		mem:  backend.NewMemStore(clock),
		errs: make(map[string][]error),
	}
}

// failNext schedules errors to be returned by the next calls of op, in
// order, before the transport resumes normal behavior.
func (f *fakeTransport) failNext(op string, errs ...error) {
	f.mu.Lock()
	f.errs[op] = append(f.errs[op], errs...)
	f.mu.Unlock()
}

func (f *fakeTransport) pop(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.errs[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.errs[op] = queue[1:]
	return err
}

func (f *fakeTransport) Get(ctx context.Context, entityType offsync.EntityType, id string) (*offsync.ServerRecord, error) {
	if err := f.pop("get"); err != nil {
		return nil, err
	}
	return f.mem.Get(ctx, entityType, id)
}

func (f *fakeTransport) Create(ctx context.Context, entityType offsync.EntityType, payload json.RawMessage, clientRef string) (*offsync.ServerRecord, error) {
	if err := f.pop("create"); err != nil {
		return nil, err
	}
	rec, err := f.mem.Create(ctx, entityType, payload)
	if err != nil {
		return nil, err
	}
	rec.ClientRef = clientRef
	return rec, nil
}

func (f *fakeTransport) Update(ctx context.Context, entityType offsync.EntityType, id string, payload json.RawMessage) (*offsync.ServerRecord, error) {
	if err := f.pop("update"); err != nil {
		return nil, err
	}
	return f.mem.Update(ctx, entityType, id, payload)
}

func (f *fakeTransport) Delete(ctx context.Context, entityType offsync.EntityType, id string) error {
	if err := f.pop("delete"); err != nil {
		return err
	}
	return f.mem.Delete(ctx, entityType, id)
}

func (f *fakeTransport) ChangedSince(ctx context.Context, entityType offsync.EntityType, since time.Time, limit int) (*offsync.ChangesResponse, error) {
	if err := f.pop("changes"); err != nil {
		return nil, err
	}
	recs, hasMore, err := f.mem.ChangedSince(ctx, entityType, since, limit)
	if err != nil {
		return nil, err
	}
	next := since
	for i := range recs {
		if recs[i].UpdatedAt.After(next) {
			next = recs[i].UpdatedAt
		}
	}
	return &offsync.ChangesResponse{Records: recs, Next: next, HasMore: hasMore}, nil
}

// serverSeed creates a record directly on the fake server, bypassing the
// sync path.
func serverSeed(t *testing.T, f *fakeTransport, entityType offsync.EntityType, payload string) *offsync.ServerRecord {
	t.Helper()
	rec, err := f.mem.Create(context.Background(), entityType, json.RawMessage(payload))
	require.NoError(t, err)
	return rec
}

func payloadField(t *testing.T, payload json.RawMessage, key string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	return m[key]
}
