// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import "time"

// BackoffPolicy maps an attempt count to a retry delay: exponential
// doubling from Min, capped at Max. After MaxAttempts transient failures
// a mutation transitions to failed and is excluded from automatic retry.
type BackoffPolicy struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the sync loop defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Min:         1 * time.Second,
		Max:         60 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the delay before retry number attempt (1-based; attempt
// is the number of failures observed so far).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether attempt failures have used up the automatic
// retry budget.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
