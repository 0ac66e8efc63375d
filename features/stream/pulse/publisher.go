// Package pulse fans run events out through goa.design/pulse streams on
// Redis. The publisher decorates the durable event log: every append lands in
// the log first and is then pushed to the run's stream, so subscribers get
// low-latency delivery while the log stays the source of truth. Deployments
// without Redis simply skip the decorator and fall back to log polling.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/meterflow/meterflow/features/stream/pulse/clients/pulse"

	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/telemetry"
)

type (
	// Publisher is an event.Log decorator that pushes every appended event to
	// the run's Pulse stream. Reads pass through to the wrapped log.
	Publisher struct {
		log    event.Log
		client clientspulse.Client
		logger telemetry.Logger
	}

	// PublisherOptions configures NewPublisher.
	PublisherOptions struct {
		// Log is the durable event log to decorate. Required.
		Log event.Log
		// Client is the Pulse client used to publish. Required.
		Client clientspulse.Client
		// Logger reports publish failures. Optional.
		Logger telemetry.Logger
	}

	// envelope is the wire form of one event on a Pulse stream.
	envelope struct {
		Type        string          `json:"type"`
		ID          string          `json:"id,omitempty"`
		RunID       string          `json:"run_id"`
		WorkspaceID string          `json:"workspace_id,omitempty"`
		Timestamp   time.Time       `json:"timestamp"`
		Data        json.RawMessage `json:"data,omitempty"`
		ActorType   string          `json:"actor_type,omitempty"`
		ActorID     string          `json:"actor_id,omitempty"`
	}
)

// Compile-time check that Publisher implements event.Log.
var _ event.Log = (*Publisher)(nil)

// NewPublisher constructs a publishing decorator around the given log.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Log == nil {
		return nil, errors.New("event log is required")
	}
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Publisher{log: opts.Log, client: opts.Client, logger: logger}, nil
}

// Append persists the event through the wrapped log, then publishes it. A
// publish failure is logged but never fails the append: durability wins over
// push latency, and poll-based subscribers still observe the event.
func (p *Publisher) Append(ctx context.Context, e *event.Event) error {
	if err := p.log.Append(ctx, e); err != nil {
		return err
	}
	if err := p.publish(ctx, e); err != nil {
		p.logger.Warn(ctx, "pulse publish failed", "run_id", e.RunID, "type", string(e.Type), "err", err)
	}
	return nil
}

// Since delegates to the wrapped log.
func (p *Publisher) Since(ctx context.Context, runID string, after time.Time) ([]*event.Event, error) {
	return p.log.Since(ctx, runID, after)
}

// List delegates to the wrapped log.
func (p *Publisher) List(ctx context.Context, runID string, cursor string, limit int) (event.Page, error) {
	return p.log.List(ctx, runID, cursor, limit)
}

func (p *Publisher) publish(ctx context.Context, e *event.Event) error {
	stream, err := p.client.Stream(streamName(e.RunID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:        string(e.Type),
		ID:          e.ID,
		RunID:       e.RunID,
		WorkspaceID: e.WorkspaceID,
		Timestamp:   e.TS.UTC(),
		Data:        e.Data,
		ActorType:   string(e.Actor.Type),
		ActorID:     e.Actor.ID,
	})
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, string(e.Type), payload)
	return err
}

// streamName derives the Pulse stream of a run.
func streamName(runID string) string {
	return fmt.Sprintf("run/%s", runID)
}

// decodeEnvelope deserializes the wire envelope back into an event.
func decodeEnvelope(payload []byte) (*event.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &event.Event{
		ID:          env.ID,
		RunID:       env.RunID,
		WorkspaceID: env.WorkspaceID,
		Type:        event.Type(env.Type),
		TS:          env.Timestamp,
		Data:        env.Data,
		Actor: event.Actor{
			Type: event.ActorType(env.ActorType),
			ID:   env.ActorID,
		},
	}, nil
}
