// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayDoubles(t *testing.T) {
	p := BackoffPolicy{Min: time.Second, Max: 60 * time.Second, MaxAttempts: 5}

	require.Equal(t, 1*time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 8*time.Second, p.Delay(4))
	require.Equal(t, 16*time.Second, p.Delay(5))
}

func TestBackoffDelayCapped(t *testing.T) {
	p := BackoffPolicy{Min: time.Second, Max: 5 * time.Second, MaxAttempts: 10}

	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 5*time.Second, p.Delay(4))
	require.Equal(t, 5*time.Second, p.Delay(20))
}

func TestBackoffDelayClampsAttempt(t *testing.T) {
	p := DefaultBackoff()
	require.Equal(t, p.Min, p.Delay(0))
	require.Equal(t, p.Min, p.Delay(-3))
}

func TestBackoffExhausted(t *testing.T) {
	p := BackoffPolicy{Min: time.Second, Max: time.Minute, MaxAttempts: 3}

	require.False(t, p.Exhausted(1))
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
	require.True(t, p.Exhausted(4))

	// MaxAttempts 0 means unlimited retries.
	unlimited := BackoffPolicy{Min: time.Second, Max: time.Minute}
	require.False(t, unlimited.Exhausted(1000))
}
