// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"time"
)

// Sync phase names reported to the metrics recorder.
const (
	MetricsPhasePush      = "push"
	MetricsPhasePull      = "pull"
	MetricsPhaseReconcile = "reconcile"
	MetricsPhaseCycle     = "cycle"
)

// Mutation outcome names.
const (
	MetricsOutcomeDone      = "done"
	MetricsOutcomeRequeued  = "requeued"
	MetricsOutcomeFailed    = "failed"
	MetricsOutcomeCancelled = "cancelled"
)

// PhaseTiming is one observation of a sync phase.
type PhaseTiming struct {
	Phase    string
	Duration time.Duration
	Items    int
	Err      bool
}

// MetricsRecorder receives sync engine observations. Implementations
// must be cheap; recording happens inside the sync cycle.
type MetricsRecorder interface {
	ObservePhase(ctx context.Context, timing PhaseTiming)
	ObserveMutation(ctx context.Context, entityType EntityType, op Op, outcome string)
	ObserveConflict(ctx context.Context, entityType EntityType)
}

// MetricsRecorderFuncs adapts plain functions to MetricsRecorder; nil
// fields are no-ops.
type MetricsRecorderFuncs struct {
	PhaseFunc    func(ctx context.Context, timing PhaseTiming)
	MutationFunc func(ctx context.Context, entityType EntityType, op Op, outcome string)
	ConflictFunc func(ctx context.Context, entityType EntityType)
}

func (f MetricsRecorderFuncs) ObservePhase(ctx context.Context, timing PhaseTiming) {
	if f.PhaseFunc != nil {
		f.PhaseFunc(ctx, timing)
	}
}

func (f MetricsRecorderFuncs) ObserveMutation(ctx context.Context, entityType EntityType, op Op, outcome string) {
	if f.MutationFunc != nil {
		f.MutationFunc(ctx, entityType, op, outcome)
	}
}

func (f MetricsRecorderFuncs) ObserveConflict(ctx context.Context, entityType EntityType) {
	if f.ConflictFunc != nil {
		f.ConflictFunc(ctx, entityType)
	}
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObservePhase(context.Context, PhaseTiming)               {}
func (NopMetrics) ObserveMutation(context.Context, EntityType, Op, string) {}
func (NopMetrics) ObserveConflict(context.Context, EntityType)             {}
