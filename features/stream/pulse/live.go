package pulse

import (
	"context"
	"errors"
	"time"

	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/stream"
	"github.com/meterflow/meterflow/engine/telemetry"
)

type (
	// LiveStreamer serves run watch subscriptions from Pulse pushes instead
	// of log polling. It replays the durable log first, then follows the
	// run's stream, so a subscriber attached mid-run sees history and live
	// events in order. It satisfies the same contract as the polling
	// streamer and is selected when Redis is configured.
	LiveStreamer struct {
		events     event.Log
		runs       run.Store
		subscriber *Subscriber
		logger     telemetry.Logger
		ping       time.Duration
	}

	// LiveStreamerOptions configures NewLiveStreamer.
	LiveStreamerOptions struct {
		Events     event.Log
		Runs       run.Store
		Subscriber *Subscriber
		Logger     telemetry.Logger
		// PingInterval is the keep-alive cadence. Defaults to 30s.
		PingInterval time.Duration
	}
)

// NewLiveStreamer constructs a push-based streamer.
func NewLiveStreamer(opts LiveStreamerOptions) (*LiveStreamer, error) {
	if opts.Events == nil || opts.Runs == nil || opts.Subscriber == nil {
		return nil, errors.New("events, runs and subscriber are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &LiveStreamer{
		events:     opts.Events,
		runs:       opts.Runs,
		subscriber: opts.Subscriber,
		logger:     logger,
		ping:       ping,
	}, nil
}

// Subscribe streams the run's events into sink until the run completes or ctx
// is canceled. It always closes the sink exactly once before returning.
func (l *LiveStreamer) Subscribe(ctx context.Context, runID string, sink stream.Sink) error {
	defer func() {
		if err := sink.Close(ctx); err != nil {
			l.logger.Debug(ctx, "close stream sink", "run_id", runID, "err", err)
		}
	}()

	if err := sink.Send(ctx, stream.Frame{
		Type:      stream.FrameConnected,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	// Open the push subscription before the replay so events appended during
	// the replay are buffered rather than missed; the cursor filters the
	// overlap.
	pushed, errs, cancel, err := l.subscriber.Subscribe(ctx, runID)
	if err != nil {
		return err
	}
	defer cancel()

	var cursor time.Time
	history, err := l.events.Since(ctx, runID, cursor)
	if err != nil {
		return err
	}
	for _, e := range history {
		if err := sendEvent(ctx, sink, e); err != nil {
			return nil
		}
		if e.TS.After(cursor) {
			cursor = e.TS
		}
	}
	if done, err := l.checkComplete(ctx, runID, sink); done || err != nil {
		return err
	}

	ping := time.NewTicker(l.ping)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := sink.Ping(ctx); err != nil {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			l.logger.Warn(ctx, "pulse subscription failed", "run_id", runID, "err", err)
			return err
		case e, ok := <-pushed:
			if !ok {
				return nil
			}
			if !e.TS.After(cursor) {
				continue
			}
			if err := sendEvent(ctx, sink, e); err != nil {
				return nil
			}
			cursor = e.TS
			if terminalEvent(e.Type) {
				if done, err := l.checkComplete(ctx, runID, sink); done || err != nil {
					return err
				}
			}
		}
	}
}

// checkComplete emits the completion frame when the run is terminal.
func (l *LiveStreamer) checkComplete(ctx context.Context, runID string, sink stream.Sink) (bool, error) {
	r, err := l.runs.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	if !r.Status.Terminal() {
		return false, nil
	}
	// A send failure here means the peer is gone; the stream is done either way.
	_ = sink.Send(ctx, stream.Frame{Type: stream.FrameRunComplete, Status: string(r.Status)})
	return true, nil
}

func sendEvent(ctx context.Context, sink stream.Sink, e *event.Event) error {
	ts := e.TS
	return sink.Send(ctx, stream.Frame{
		Type:  string(e.Type),
		ID:    e.ID,
		TS:    &ts,
		Data:  e.Data,
		Actor: &e.Actor,
	})
}

func terminalEvent(t event.Type) bool {
	switch t {
	case event.TypeRunSucceeded, event.TypeRunFailed, event.TypeRunCanceled:
		return true
	default:
		return false
	}
}
