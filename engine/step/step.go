// Package step defines the materialized per-node run state and its store
// contract, including the atomic claim primitive the scheduler leases work
// through.
//
// A step is created for every graph node when the run is created. Readiness
// is durable state: a blocked step becomes queued when its dependencies
// succeed, a retrying step carries nextEligibleAt, and a running step carries
// the lease of the worker executing it. Workers never wait in memory on one
// another.
package step

import (
	"context"
	"time"

	"github.com/meterflow/meterflow/engine/workflow"
)

type (
	// Step is the durable execution state of one graph node within a run.
	Step struct {
		RunID       string
		WorkspaceID string
		// StepID equals the graph node ID.
		StepID   string
		NodeType workflow.NodeType
		Status   Status
		// Attempt counts claims, not executions: it is incremented by the
		// atomic claim operation, so a reclaim after a stalled worker counts
		// as a new attempt.
		Attempt int
		// Lock is the lease of the worker currently executing the step. Set
		// together with StatusRunning, cleared on every transition out of it.
		Lock    *Lease
		Inputs  map[string]any
		Outputs map[string]any
		Error   *Error
		Metrics *Metrics
		// NextEligibleAt delays claiming of a queued step, used for retry
		// backoff. Nil means eligible immediately.
		NextEligibleAt *time.Time
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// Lease identifies the worker holding a running step and when it took it.
	// It expires after the stall threshold (5 minutes by default) of
	// wall-clock inactivity; the scheduler's stall-recovery pass reclaims
	// expired leases.
	Lease struct {
		WorkerID string    `json:"workerId"`
		LockedAt time.Time `json:"lockedAt"`
	}

	// Error is the normalized failure recorded on a step.
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Stack   string         `json:"stack,omitempty"`
		Context map[string]any `json:"context,omitempty"`
	}

	// Metrics captures per-execution measurements.
	Metrics struct {
		LatencyMS  int64  `json:"latencyMs"`
		Tokens     int64  `json:"tokens,omitempty"`
		CostAtomic string `json:"costAtomic,omitempty"`
	}

	// Artifact is overflow storage for step outputs too large to inline.
	Artifact struct {
		ID        string
		RunID     string
		StepID    string
		Kind      string
		Blob      []byte
		CreatedAt time.Time
	}

	// Status is the step lifecycle state.
	Status string

	// Update is the partial write applied by Store.Update. Nil fields are
	// left untouched; the store always bumps UpdatedAt.
	Update struct {
		Status *Status
		// ClearLock removes the lease. Lock and ClearLock are mutually
		// exclusive.
		ClearLock      bool
		Lock           *Lease
		Inputs         map[string]any
		Outputs        map[string]any
		Error          *Error
		ClearError     bool
		Metrics        *Metrics
		NextEligibleAt *time.Time
		// ClearNextEligibleAt removes the eligibility delay.
		ClearNextEligibleAt bool
	}

	// Store is the step persistence contract.
	Store interface {
		// CreateAll inserts the materialized steps of a run.
		CreateAll(ctx context.Context, steps []*Step) error

		// Get returns one step or store.ErrNotFound.
		Get(ctx context.Context, runID, stepID string) (*Step, error)

		// ListByRun returns every step of the run.
		ListByRun(ctx context.Context, runID string) ([]*Step, error)

		// Claim atomically leases the single oldest eligible queued step:
		// status queued, nextEligibleAt absent or ≤ now, optionally scoped to
		// runID (empty for unscoped), sorted by updatedAt ascending. It sets
		// status running, the lease, increments the attempt counter and
		// returns the after-image. store.ErrNotFound signals an empty queue.
		Claim(ctx context.Context, runID, workerID string, now time.Time) (*Step, error)

		// Update applies the partial write to one step.
		Update(ctx context.Context, runID, stepID string, u Update) (*Step, error)

		// UpdateIf applies the partial write iff the step's current status is
		// expect, returning store.ErrConflict otherwise. Used for guarded
		// transitions such as blocked → queued.
		UpdateIf(ctx context.Context, runID, stepID string, expect Status, u Update) (*Step, error)

		// ReapStale resets running steps whose lease predates cutoff back to
		// queued with the lease cleared, returning how many were reset. The
		// attempt counter is preserved; the next claim increments it.
		ReapStale(ctx context.Context, cutoff time.Time) (int, error)
	}

	// ArtifactStore persists overflow artifacts.
	ArtifactStore interface {
		Put(ctx context.Context, a *Artifact) error
		Get(ctx context.Context, runID, stepID, kind string) (*Artifact, error)
	}
)

const (
	// StatusQueued marks a step eligible for claiming (subject to
	// NextEligibleAt).
	StatusQueued Status = "queued"
	// StatusRunning marks a step leased by a worker.
	StatusRunning Status = "running"
	// StatusSucceeded is the successful terminal state.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is the failed terminal state.
	StatusFailed Status = "failed"
	// StatusBlocked marks a step waiting on dependencies or approval.
	StatusBlocked Status = "blocked"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// StatusPtr returns a pointer to s, for use in Update.
func StatusPtr(s Status) *Status { return &s }
