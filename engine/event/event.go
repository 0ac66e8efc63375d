// Package event defines the append-only run event log: the event model, the
// type vocabulary, and the Log contract implemented by the persistence
// features.
//
// Events are the audit trail of a run. They are appended in write-completion
// order, never mutated and never deleted; consumers order by timestamp with
// storage insertion order breaking ties. There is no compaction at this layer.
package event

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is one append-only record in a run's log.
	Event struct {
		// ID is assigned by the store on append.
		ID string `json:"id,omitempty"`
		// RunID identifies the owning run.
		RunID string `json:"runId"`
		// WorkspaceID identifies the tenant.
		WorkspaceID string `json:"workspaceId"`
		// Type is one of the Type* constants.
		Type Type `json:"type"`
		// TS is the append timestamp (UTC). The log sets it when zero.
		TS time.Time `json:"ts"`
		// Data is the type-specific payload, if any.
		Data json.RawMessage `json:"data,omitempty"`
		// Actor records who caused the event.
		Actor Actor `json:"actor"`
	}

	// Actor identifies the originator of an event.
	Actor struct {
		// Type is "system", "agent" or "user".
		Type ActorType `json:"type"`
		// ID is the actor identifier; empty for the system actor.
		ID string `json:"id,omitempty"`
	}

	// Type names an event kind.
	Type string

	// ActorType classifies event originators.
	ActorType string

	// Page is one page of a cursor-paginated event listing.
	Page struct {
		Events     []*Event
		NextCursor string
	}

	// Log is the append-only event log contract.
	Log interface {
		// Append persists the event. The log sets TS to the current time when
		// it is zero. Appending a valid event does not fail for domain
		// reasons; errors are I/O only.
		Append(ctx context.Context, e *Event) error

		// Since returns the run's events with TS strictly after the given
		// time, ordered ascending by TS with insertion order breaking ties.
		Since(ctx context.Context, runID string, after time.Time) ([]*Event, error)

		// List returns one page of the run's events in insertion order,
		// starting after the opaque cursor ("" for the first page).
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}
)

const (
	// ActorSystem marks events produced by the engine itself.
	ActorSystem ActorType = "system"
	// ActorAgent marks events produced on behalf of a model or worker.
	ActorAgent ActorType = "agent"
	// ActorUser marks events produced by a user action.
	ActorUser ActorType = "user"
)

// Run lifecycle events.
const (
	TypeRunCreated        Type = "RUN_CREATED"
	TypeRunStarted        Type = "RUN_STARTED"
	TypeRunPaused         Type = "RUN_PAUSED"
	TypeRunResumed        Type = "RUN_RESUMED"
	TypeRunSucceeded      Type = "RUN_SUCCEEDED"
	TypeRunFailed         Type = "RUN_FAILED"
	TypeRunCanceled       Type = "RUN_CANCELED"
	TypeRunPlanningFailed Type = "RUN_PLANNING_FAILED"
)

// Step lifecycle events.
const (
	TypeStepStarted        Type = "STEP_STARTED"
	TypeStepSucceeded      Type = "STEP_SUCCEEDED"
	TypeStepFailed         Type = "STEP_FAILED"
	TypeStepBlocked        Type = "STEP_BLOCKED"
	TypeStepRetryScheduled Type = "STEP_RETRY_SCHEDULED"
	TypeExecutionError     Type = "EXECUTION_ERROR"
)

// Payment handshake events.
const (
	TypePaymentRequired  Type = "402_RECEIVED"
	TypePaymentSent      Type = "PAYMENT_SENT"
	TypePaymentConfirmed Type = "PAYMENT_CONFIRMED"
	TypePaymentFailed    Type = "PAYMENT_FAILED"
)

// New builds a system-actor event with a JSON-encoded payload. A nil payload
// produces an event without data. Encoding failures are impossible for the
// map/struct payloads the engine passes and are swallowed into an empty Data.
func New(runID, workspaceID string, typ Type, payload any) *Event {
	e := &Event{
		RunID:       runID,
		WorkspaceID: workspaceID,
		Type:        typ,
		Actor:       Actor{Type: ActorSystem},
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Data = data
		}
	}
	return e
}

// NewUser builds an event attributed to a user actor.
func NewUser(runID, workspaceID, userID string, typ Type, payload any) *Event {
	e := New(runID, workspaceID, typ, payload)
	e.Actor = Actor{Type: ActorUser, ID: userID}
	return e
}
