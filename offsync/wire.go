// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the backend record API. The backend exposes one
// HTTP call per entity operation plus a changed-since query per entity
// type; these models are shared by the client transport and the
// reference server.

// ServerRecord is the canonical server state of one entity record.
// ClientRef is set only on create responses, echoing the request's
// client_ref so the caller can correlate the server-assigned id.
type ServerRecord struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	ServerVersion int64           `json:"server_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deleted       bool            `json:"deleted,omitempty"`
	ClientRef     string          `json:"client_ref,omitempty"`
}

// ChangesResponse is the page returned by the changed-since query.
// Next is the cursor to pass as `since` on the following request; it
// only moves forward.
type ChangesResponse struct {
	Records []ServerRecord `json:"records"`
	Next    time.Time      `json:"next"`
	HasMore bool           `json:"has_more"`
}

// CreateRequest carries the payload of a record create. ClientRef echoes
// the client's temporary id back in the response so the caller can
// correlate the server-assigned id.
type CreateRequest struct {
	Payload   json.RawMessage `json:"payload"`
	ClientRef string          `json:"client_ref,omitempty"`
}

// UpdateRequest carries the full replacement payload of a record update.
type UpdateRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// ErrorResponse is the JSON body of a non-2xx backend response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
