// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtm888/medflow-clinic-sub001/internal/auth"
	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

func newTestServer(t *testing.T, authn *auth.JWTAuth) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(newStore(), authn, nil).Router(nil))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any, out any) *http.Response {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_RequiresAuth(t *testing.T) {
	authn := auth.NewJWTAuth("test-secret")
	srv := newTestServer(t, authn)

	resp, err := http.Get(srv.URL + "/api/patients")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, err := authn.GenerateToken("user-1", "clinic-1", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/patients", token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestServer_RecordCRUD(t *testing.T) {
	srv := newTestServer(t, nil)
	base := srv.URL + "/api/patients"

	// Create
	var created offsync.ServerRecord
	resp := doJSON(t, http.MethodPost, base, "", offsync.CreateRequest{
		Payload: []byte(`{"name":"Alice"}`), ClientRef: "temp_x",
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if created.ID == "" || created.ServerVersion != 1 {
		t.Fatalf("unexpected created record: %+v", created)
	}
	if created.ClientRef != "temp_x" {
		t.Errorf("create response should echo client_ref, got %q", created.ClientRef)
	}

	// Read back
	var got offsync.ServerRecord
	resp = doJSON(t, http.MethodGet, base+"/"+created.ID, "", nil, &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(got.Payload) != `{"name":"Alice"}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}

	// Update
	var updated offsync.ServerRecord
	resp = doJSON(t, http.MethodPut, base+"/"+created.ID, "", offsync.UpdateRequest{
		Payload: []byte(`{"name":"Alice Smith"}`),
	}, &updated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if updated.ServerVersion != 2 {
		t.Errorf("expected server_version 2, got %d", updated.ServerVersion)
	}

	// Delete, then delete again
	resp = doJSON(t, http.MethodDelete, base+"/"+created.ID, "", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, base+"/"+created.ID, "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on double delete, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, base+"/"+created.ID, "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestServer_CreateRejectsEmptyPayload(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/patients", "", offsync.CreateRequest{}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
	var errResp offsync.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errResp.Error != "invalid_payload" {
		t.Errorf("expected invalid_payload error code, got %q", errResp.Error)
	}
}

func TestServer_ChangesFeedPaginates(t *testing.T) {
	srv := newTestServer(t, nil)
	base := srv.URL + "/api/patients"

	for i := 0; i < 5; i++ {
		resp := doJSON(t, http.MethodPost, base, "", offsync.CreateRequest{
			Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed create failed: %d", resp.StatusCode)
		}
	}

	var page1 offsync.ChangesResponse
	resp := doJSON(t, http.MethodGet, base+"/changes?limit=3", "", nil, &page1)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(page1.Records) != 3 || !page1.HasMore {
		t.Fatalf("expected first page of 3 with more, got %d/%v", len(page1.Records), page1.HasMore)
	}

	cursor := page1.Next.UTC().Format(time.RFC3339Nano)
	var page2 offsync.ChangesResponse
	resp = doJSON(t, http.MethodGet, base+"/changes?limit=3&since="+cursor, "", nil, &page2)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(page2.Records) != 2 || page2.HasMore {
		t.Fatalf("expected final page of 2, got %d/%v", len(page2.Records), page2.HasMore)
	}

	resp = doJSON(t, http.MethodGet, base+"/changes?since=yesterday", "", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, base+"/changes?limit=0", "", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewServer(newStore(), nil, nil).Router(reg))
	defer srv.Close()

	// Generate a request so the HTTP metrics have something to report
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/patients", "", offsync.CreateRequest{
		Payload: []byte(`{}`),
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create failed: %d", resp.StatusCode)
	}

	metricsResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", metricsResp.StatusCode)
	}
	body, err := io.ReadAll(metricsResp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "medflow_record_mutations_total") {
		t.Error("expected mutation counter in metrics exposition")
	}
	if !strings.Contains(string(body), "medflow_record_api_requests_total") {
		t.Error("expected request counter in metrics exposition")
	}
}
