// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtm888/medflow-clinic-sub001/backend"
	"github.com/xtm888/medflow-clinic-sub001/internal/auth"
	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// Full stack: Client -> HTTPTransport -> record API with JWT auth.
func TestClientAgainstRecordAPI(t *testing.T) {
	authn := auth.NewJWTAuth("integration-secret")
	mem := backend.NewMemStore(offsync.SystemClock{})
	srv := httptest.NewServer(backend.NewServer(mem, authn, nil).Router(nil))
	defer srv.Close()

	token, err := authn.GenerateToken("dr-amrani", "clinic-oran", time.Hour)
	require.NoError(t, err)

	db := newTestDB(t)
	conn := offsync.NewStaticConnectivity(false)
	client, err := NewClient(db, srv.URL, func(ctx context.Context) (string, error) {
		return token, nil
	}, conn, testConfig())
	require.NoError(t, err)

	ctx := context.Background()

	// Work offline first: create a patient and amend it.
	created, err := client.Wrapper.Mutate(ctx, nil, offsync.OpCreate, offsync.EntityPatients, []byte(`{"name":"Alice","city":"Oran"}`), "", MutateOptions{})
	require.NoError(t, err)
	require.True(t, created.Queued)
	require.True(t, offsync.IsTempID(created.ID))

	_, err = client.Wrapper.Mutate(ctx, nil, offsync.OpUpdate, offsync.EntityPatients, []byte(`{"name":"Alice B","city":"Oran"}`), created.ID, MutateOptions{})
	require.NoError(t, err)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.PendingCount)

	// Back online, one cycle drains the queue over real HTTP.
	conn.Set(true)
	require.NoError(t, client.SyncNow(ctx))

	st, err = client.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, st.PendingCount)

	recs, err := client.Store.Query(ctx, offsync.EntityPatients, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.False(t, offsync.IsTempID(recs[0].ID))
	require.Equal(t, offsync.StatusSynced, recs[0].SyncStatus)

	srvRec, err := mem.Get(ctx, offsync.EntityPatients, recs[0].ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Alice B","city":"Oran"}`, string(srvRec.Payload))
	require.Equal(t, int64(2), srvRec.ServerVersion)

	// A colleague's record created server-side arrives on the next pull.
	other, err := mem.Create(ctx, offsync.EntityPatients, []byte(`{"name":"Bob"}`))
	require.NoError(t, err)
	require.NoError(t, client.SyncNow(ctx))

	cached, err := client.Store.Get(ctx, offsync.EntityPatients, other.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Bob"}`, string(cached.Payload))

	// And a server-side delete propagates too.
	require.NoError(t, mem.Delete(ctx, offsync.EntityPatients, other.ID))
	require.NoError(t, client.SyncNow(ctx))
	_, err = client.Store.Get(ctx, offsync.EntityPatients, other.ID)
	require.ErrorIs(t, err, offsync.ErrNotFound)
}

func TestClientRejectedTokenEntersErrorState(t *testing.T) {
	authn := auth.NewJWTAuth("server-secret")
	mem := backend.NewMemStore(offsync.SystemClock{})
	srv := httptest.NewServer(backend.NewServer(mem, authn, nil).Router(nil))
	defer srv.Close()

	// Token signed with the wrong secret: every call answers 401.
	badToken, err := auth.NewJWTAuth("other-secret").GenerateToken("dr-amrani", "clinic-oran", time.Hour)
	require.NoError(t, err)

	db := newTestDB(t)
	conn := offsync.NewStaticConnectivity(true)
	client, err := NewClient(db, srv.URL, func(ctx context.Context) (string, error) {
		return badToken, nil
	}, conn, testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	err = client.SyncNow(ctx)
	require.Error(t, err)
	require.Equal(t, StateError, client.Engine.State())
}
