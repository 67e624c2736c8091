// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

// Package auth carries request identity for the backend record API:
// JWT validation and the context helpers used by the HTTP handlers.
package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	clinicIDKey contextKey = "clinic_id"
)

// SetUserID sets the authenticated user id in the context.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the authenticated user id from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetClinicID sets the clinic id in the context.
func SetClinicID(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, clinicIDKey, clinicID)
}

// GetClinicID retrieves the clinic id from the context.
func GetClinicID(ctx context.Context) (string, bool) {
	clinicID, ok := ctx.Value(clinicIDKey).(string)
	return clinicID, ok
}
