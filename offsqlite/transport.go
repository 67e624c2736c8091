// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// Transport is the backend record API consumed by the sync engine: one
// call per entity operation plus a changed-since query per entity type.
type Transport interface {
	Get(ctx context.Context, entityType offsync.EntityType, id string) (*offsync.ServerRecord, error)
	Create(ctx context.Context, entityType offsync.EntityType, payload json.RawMessage, clientRef string) (*offsync.ServerRecord, error)
	Update(ctx context.Context, entityType offsync.EntityType, id string, payload json.RawMessage) (*offsync.ServerRecord, error)
	// Delete returns offsync.ErrNotFound when the server answers 404; the
	// engine treats that as success (idempotent delete).
	Delete(ctx context.Context, entityType offsync.EntityType, id string) error
	ChangedSince(ctx context.Context, entityType offsync.EntityType, since time.Time, limit int) (*offsync.ChangesResponse, error)
}

// HTTPTransport talks to the backend record API over HTTP with bearer
// token auth. Every call carries the configured timeout; timeouts are
// classified transient by the caller.
type HTTPTransport struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPTransport builds a transport for baseURL. tok supplies the
// bearer token per request.
func NewHTTPTransport(baseURL string, tok func(ctx context.Context) (string, error), timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Get(ctx context.Context, entityType offsync.EntityType, id string) (*offsync.ServerRecord, error) {
	var rec offsync.ServerRecord
	err := t.do(ctx, http.MethodGet, t.entityURL(entityType, id), nil, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *HTTPTransport) Create(ctx context.Context, entityType offsync.EntityType, payload json.RawMessage, clientRef string) (*offsync.ServerRecord, error) {
	req := offsync.CreateRequest{Payload: payload, ClientRef: clientRef}
	var rec offsync.ServerRecord
	if err := t.do(ctx, http.MethodPost, t.entityURL(entityType, ""), &req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *HTTPTransport) Update(ctx context.Context, entityType offsync.EntityType, id string, payload json.RawMessage) (*offsync.ServerRecord, error) {
	req := offsync.UpdateRequest{Payload: payload}
	var rec offsync.ServerRecord
	if err := t.do(ctx, http.MethodPut, t.entityURL(entityType, id), &req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *HTTPTransport) Delete(ctx context.Context, entityType offsync.EntityType, id string) error {
	return t.do(ctx, http.MethodDelete, t.entityURL(entityType, id), nil, nil)
}

func (t *HTTPTransport) ChangedSince(ctx context.Context, entityType offsync.EntityType, since time.Time, limit int) (*offsync.ChangesResponse, error) {
	u := fmt.Sprintf("%s/changes?since=%s&limit=%d",
		t.entityURL(entityType, ""), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)), limit)
	var resp offsync.ChangesResponse
	if err := t.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) entityURL(entityType offsync.EntityType, id string) string {
	u := fmt.Sprintf("%s/api/%s", t.BaseURL, url.PathEscape(string(entityType)))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (t *HTTPTransport) do(ctx context.Context, method, u string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return offsync.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &offsync.HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
