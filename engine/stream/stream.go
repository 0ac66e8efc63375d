// Package stream converts the append-only event log into per-subscriber push
// streams: a connected sentinel, the run's events in order, periodic
// keep-alive pings and exactly one run_complete frame when the run reaches a
// terminal status.
//
// The streamer holds no in-memory coupling to the writers; it polls the log.
// Transient poll errors back the poll off without terminating the stream, and
// closing is idempotent so a peer disconnect racing a terminal frame never
// double-closes the sink.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/telemetry"
)

type (
	// Frame is one push-stream record.
	Frame struct {
		// Type is the frame discriminator: "connected", an event type, or
		// "run_complete".
		Type string `json:"type"`
		// ID is the event ID for event frames.
		ID string `json:"id,omitempty"`
		// RunID is set on the connected frame.
		RunID string `json:"runId,omitempty"`
		// Timestamp is the connected frame's ISO 8601 timestamp.
		Timestamp string `json:"timestamp,omitempty"`
		// TS is the event timestamp for event frames.
		TS *time.Time `json:"ts,omitempty"`
		// Data is the event payload.
		Data json.RawMessage `json:"data,omitempty"`
		// Actor is the event actor.
		Actor *event.Actor `json:"actor,omitempty"`
		// Status is the terminal run status on run_complete frames.
		Status string `json:"status,omitempty"`
	}

	// Sink receives one subscriber's frames. Implementations are the SSE
	// response writer and test sinks. Close must be safe to call more than
	// once.
	Sink interface {
		Send(ctx context.Context, f Frame) error
		Ping(ctx context.Context) error
		Close(ctx context.Context) error
	}

	// Streamer fans the event log out to subscribers.
	Streamer struct {
		events event.Log
		runs   run.Store
		logger telemetry.Logger
		cfg    Config
	}

	// Config carries the polling cadence.
	Config struct {
		// PollInterval is the log poll cadence. Defaults to 2s.
		PollInterval time.Duration
		// PingInterval is the keep-alive cadence. Defaults to 30s.
		PingInterval time.Duration
		// ErrorBackoff is the poll delay after a transient error. Defaults
		// to twice the poll interval.
		ErrorBackoff time.Duration
	}
)

// Frame type discriminators.
const (
	FrameConnected   = "connected"
	FrameRunComplete = "run_complete"
)

// NewStreamer constructs a Streamer.
func NewStreamer(events event.Log, runs run.Store, logger telemetry.Logger, cfg Config) (*Streamer, error) {
	if events == nil || runs == nil {
		return nil, errors.New("event log and run store are required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 2 * cfg.PollInterval
	}
	return &Streamer{events: events, runs: runs, logger: logger, cfg: cfg}, nil
}

// Subscribe streams the run's events into sink until the run completes or
// ctx is canceled. It always closes the sink exactly once before returning.
// Events appended before Subscribe is called are replayed from the start of
// the log.
func (s *Streamer) Subscribe(ctx context.Context, runID string, sink Sink) error {
	defer func() {
		if err := sink.Close(ctx); err != nil {
			s.logger.Debug(ctx, "close stream sink", "run_id", runID, "err", err)
		}
	}()

	if err := sink.Send(ctx, Frame{
		Type:      FrameConnected,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	var (
		cursor   time.Time
		poll     = time.NewTimer(0)
		ping     = time.NewTicker(s.cfg.PingInterval)
		interval = s.cfg.PollInterval
	)
	defer poll.Stop()
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := sink.Ping(ctx); err != nil {
				// Peer gone; stop all timers and close.
				return nil
			}
		case <-poll.C:
			done, err := s.pump(ctx, runID, &cursor, sink)
			switch {
			case err != nil:
				s.logger.Warn(ctx, "event poll failed", "run_id", runID, "err", err)
				poll.Reset(s.cfg.ErrorBackoff)
			case done:
				return nil
			default:
				poll.Reset(interval)
			}
		}
	}
}

// pump pushes all new events and, once the run is terminal, the completion
// frame. It reports done=true after the completion frame is delivered.
func (s *Streamer) pump(ctx context.Context, runID string, cursor *time.Time, sink Sink) (bool, error) {
	evs, err := s.events.Since(ctx, runID, *cursor)
	if err != nil {
		return false, err
	}
	for _, e := range evs {
		ts := e.TS
		if err := sink.Send(ctx, Frame{
			Type:  string(e.Type),
			ID:    e.ID,
			TS:    &ts,
			Data:  e.Data,
			Actor: &e.Actor,
		}); err != nil {
			// Peer gone mid-batch; treat as done.
			return true, nil
		}
		if ts.After(*cursor) {
			*cursor = ts
		}
	}

	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	if !r.Status.Terminal() {
		return false, nil
	}
	if err := sink.Send(ctx, Frame{Type: FrameRunComplete, Status: string(r.Status)}); err != nil {
		return true, nil
	}
	return true, nil
}
