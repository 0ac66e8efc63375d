// Package run defines the run model and its store contract. A run is one
// execution of a graph: it owns its steps, events, receipts and artifacts,
// and carries an immutable snapshot of both the graph and the workspace
// auto-pay policy taken at creation time.
package run

import (
	"context"
	"time"

	"github.com/meterflow/meterflow/engine/workflow"
)

type (
	// Run is one execution of a workflow graph.
	Run struct {
		ID          string
		WorkspaceID string
		CreatedBy   string
		Status      Status
		// Input is the user intent that produced the graph.
		Input Input
		// Graph is the immutable snapshot frozen at creation. Policy changes
		// after creation never mutate an in-flight run.
		Graph workflow.Graph
		// Budget tracks the spend ceiling and the running spent counter.
		Budget Budget
		// AutoPay is the workspace auto-pay policy snapshot taken at
		// creation. Budget gating consults this snapshot, never the live
		// workspace settings.
		AutoPay         AutoPayPolicy
		CreatedAt       time.Time
		UpdatedAt       time.Time
		LastHeartbeatAt *time.Time
	}

	// Input is the user-supplied intent of a run.
	Input struct {
		Text            string `json:"text"`
		VoiceTranscript string `json:"voiceTranscript,omitempty"`
	}

	// Budget is the per-run spend ceiling. Amounts are non-negative integers
	// in atomic units (10⁻⁶ of the asset), carried as decimal strings.
	Budget struct {
		Asset       string `json:"asset"`
		Network     string `json:"network"`
		MaxAtomic   string `json:"maxAtomic"`
		SpentAtomic string `json:"spentAtomic"`
	}

	// AutoPayPolicy is the workspace auto-pay settings snapshot carried on
	// the run.
	AutoPayPolicy struct {
		Enabled          bool   `json:"enabled"`
		MaxPerStepAtomic string `json:"maxPerStepAtomic,omitempty"`
		MaxPerRunAtomic  string `json:"maxPerRunAtomic,omitempty"`
	}

	// Status is the run lifecycle state.
	Status string

	// Store is the run persistence contract.
	Store interface {
		// Create persists a new run.
		Create(ctx context.Context, r *Run) error

		// Get returns the run by ID or store.ErrNotFound.
		Get(ctx context.Context, id string) (*Run, error)

		// ListByWorkspace returns up to limit runs of the workspace ordered
		// by creation time descending.
		ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*Run, error)

		// UpdateStatus transitions the run status iff its current status is
		// one of from. It returns the after-image, store.ErrConflict when the
		// current status is not in from, or store.ErrNotFound.
		UpdateStatus(ctx context.Context, id string, from []Status, to Status) (*Run, error)

		// CompareAndSetSpent sets budget.spentAtomic to next iff the stored
		// value equals prev, returning store.ErrConflict otherwise. This is
		// the single optimistic-lock write of the engine.
		CompareAndSetSpent(ctx context.Context, id string, prev, next string) error

		// Heartbeat updates lastHeartbeatAt to now.
		Heartbeat(ctx context.Context, id string) error
	}
)

const (
	// StatusDraft is a run that has not been queued yet.
	StatusDraft Status = "draft"
	// StatusQueued is a run awaiting its first execution.
	StatusQueued Status = "queued"
	// StatusRunning is a run with work in flight or eligible.
	StatusRunning Status = "running"
	// StatusPausedForApproval is a run blocked on a human approval gate.
	StatusPausedForApproval Status = "paused_for_approval"
	// StatusSucceeded is the successful terminal state.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is the failed terminal state.
	StatusFailed Status = "failed"
	// StatusCanceled is the user-canceled terminal state.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Executable reports whether steps of a run in this status may be claimed and
// executed.
func (s Status) Executable() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPausedForApproval
}
