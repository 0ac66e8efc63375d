// Package scheduler drives the claim/execute loop. One Tick recovers stalled
// leases, atomically claims up to MaxSteps eligible steps and executes them
// under a bounded fan-out. Both the periodic tick and the user-triggered
// execute endpoint funnel through the same loop; they differ only in scope
// and concurrency.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/executor"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/telemetry"
)

type (
	// Scheduler claims and executes eligible steps.
	Scheduler struct {
		steps    step.Store
		exec     *executor.Executor
		events   event.Log
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		stall    time.Duration
		maxSteps int
	}

	// Options configures New.
	Options struct {
		Steps    step.Store
		Executor *executor.Executor
		Events   event.Log
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// StallThreshold is the lease expiry; running steps locked longer ago
		// are reset to queued before claiming. Defaults to 5 minutes.
		StallThreshold time.Duration
		// MaxSteps is the default per-tick claim bound. Defaults to 10.
		MaxSteps int
	}

	// TickOptions parameterizes one tick.
	TickOptions struct {
		// MaxSteps bounds claims this tick. Zero uses the scheduler default.
		MaxSteps int
		// Concurrency bounds the execution fan-out. Zero means 5.
		Concurrency int
		// RunID scopes claiming to one run. Empty claims across all runs.
		RunID string
	}

	// TickReport aggregates one tick's outcomes.
	TickReport struct {
		Claimed   int `json:"claimed"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
		Retrying  int `json:"retrying"`
		Blocked   int `json:"blocked"`
	}
)

// New constructs a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Steps == nil || opts.Executor == nil || opts.Events == nil {
		return nil, errors.New("steps, executor and events are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	stall := opts.StallThreshold
	if stall <= 0 {
		stall = 5 * time.Minute
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &Scheduler{
		steps:    opts.Steps,
		exec:     opts.Executor,
		events:   opts.Events,
		logger:   logger,
		metrics:  metrics,
		stall:    stall,
		maxSteps: maxSteps,
	}, nil
}

// Tick runs one claim/execute cycle. A fresh worker ID is minted per tick;
// the claim operation itself guarantees each step is executed by at most one
// worker at a time.
func (s *Scheduler) Tick(ctx context.Context, opts TickOptions) (TickReport, error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = s.maxSteps
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	workerID := uuid.NewString()
	now := time.Now().UTC()
	s.metrics.IncCounter(telemetry.MetricTicks, 1)

	// Stall recovery before claiming, so a crashed worker's steps rejoin the
	// queue in the same tick.
	if reaped, err := s.steps.ReapStale(ctx, now.Add(-s.stall)); err != nil {
		s.logger.Error(ctx, "reap stale leases", "err", err)
	} else if reaped > 0 {
		s.logger.Info(ctx, "reclaimed stalled steps", "count", reaped)
	}

	var claimed []*step.Step
	for len(claimed) < maxSteps {
		st, err := s.steps.Claim(ctx, opts.RunID, workerID, time.Now().UTC())
		if err != nil {
			if store.IsNotFound(err) {
				break
			}
			return TickReport{Claimed: len(claimed)}, err
		}
		claimed = append(claimed, st)
	}
	s.metrics.IncCounter(telemetry.MetricStepsClaimed, float64(len(claimed)))

	var (
		mu     sync.Mutex
		report = TickReport{Claimed: len(claimed)}
		wg     sync.WaitGroup
		sem    = make(chan struct{}, concurrency)
	)
	for _, st := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(st *step.Step) {
			defer wg.Done()
			defer func() { <-sem }()
			result := s.executeSafely(ctx, st, workerID)
			mu.Lock()
			defer mu.Unlock()
			switch result.Status {
			case executor.StatusSucceeded:
				report.Succeeded++
			case executor.StatusFailed:
				report.Failed++
			case executor.StatusRetrying:
				report.Retrying++
			case executor.StatusBlocked:
				report.Blocked++
			}
		}(st)
	}
	wg.Wait()
	return report, nil
}

// executeSafely shields the tick from residual panics: the step is marked
// failed and an EXECUTION_ERROR event is appended instead of unwinding the
// whole tick.
func (s *Scheduler) executeSafely(ctx context.Context, st *step.Step, workerID string) (result executor.Result) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		s.logger.Error(ctx, "executor panic", "run_id", st.RunID, "step_id", st.StepID, "panic", rec)
		status := step.StatusFailed
		stepErr := &step.Error{Code: executor.CodeExecutionError, Message: "executor panic"}
		if _, err := s.steps.Update(ctx, st.RunID, st.StepID, step.Update{
			Status:    &status,
			ClearLock: true,
			Error:     stepErr,
		}); err != nil {
			s.logger.Error(ctx, "persist panic failure", "run_id", st.RunID, "step_id", st.StepID, "err", err)
		}
		if err := s.events.Append(ctx, event.New(st.RunID, st.WorkspaceID, event.TypeExecutionError, map[string]any{
			"stepId": st.StepID,
			"error":  stepErr.Message,
		})); err != nil {
			s.logger.Error(ctx, "append execution error event", "run_id", st.RunID, "err", err)
		}
		result = executor.Result{Status: executor.StatusFailed, Error: stepErr}
	}()
	return s.exec.Execute(ctx, st, workerID)
}
