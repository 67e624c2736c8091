// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := "user-123"
	clinicID := "clinic-oran"
	duration := time.Hour

	token, err := jwtAuth.GenerateToken(userID, clinicID, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if token == "" {
		t.Error("Generated token should not be empty")
	}

	// Verify the token can be parsed
	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}

	if claims.ClinicID != clinicID {
		t.Errorf("Expected cid %s, got %s", clinicID, claims.ClinicID)
	}

	if claims.Subject != userID {
		t.Errorf("Expected user_id %s, got %s", userID, claims.Subject)
	}

	if claims.ExpiresAt == nil {
		t.Error("Token should have expiration time")
	}

	expectedExpiry := time.Now().Add(duration)
	actualExpiry := claims.ExpiresAt.Time
	timeDiff := actualExpiry.Sub(expectedExpiry).Abs()

	if timeDiff > time.Second {
		t.Errorf("Token expiry time differs by more than 1 second: expected ~%v, got %v", expectedExpiry, actualExpiry)
	}
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "clinic-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := NewJWTAuth("secret-b").ValidateToken(token); err == nil {
		t.Error("Token signed with a different secret should be rejected")
	}
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "clinic-1", -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := jwtAuth.ValidateToken(token); err == nil {
		t.Error("Expired token should be rejected")
	}
}

func TestJWTAuth_ValidateToken_Garbage(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	if _, err := jwtAuth.ValidateToken("not-a-jwt"); err == nil {
		t.Error("Garbage token should be rejected")
	}
}

func TestJWTAuth_FromRequest(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "clinic-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	claims, err := jwtAuth.FromRequest(r)
	if err != nil {
		t.Fatalf("Failed to extract token from request: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Expected user_id user-1, got %s", claims.Subject)
	}

	// Missing header
	r = httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	if _, err := jwtAuth.FromRequest(r); err == nil {
		t.Error("Request without Authorization header should be rejected")
	}

	// Not a bearer token
	r = httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := jwtAuth.FromRequest(r); err == nil {
		t.Error("Non-bearer Authorization header should be rejected")
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "clinic-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var gotUser, gotClinic string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetUserID(r.Context())
		gotClinic, _ = GetClinicID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Authenticated request passes and context carries the ids
	r := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if gotUser != "user-1" {
		t.Errorf("Expected user-1 in context, got %q", gotUser)
	}
	if gotClinic != "clinic-1" {
		t.Errorf("Expected clinic-1 in context, got %q", gotClinic)
	}

	// Unauthenticated request gets 401 with a JSON error body
	r = httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json error body, got %q", ct)
	}
}
