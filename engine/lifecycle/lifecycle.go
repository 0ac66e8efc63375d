// Package lifecycle maintains run-level state derived from step transitions:
// materializing steps at creation, propagating readiness through the graph,
// detecting completion and keeping the heartbeat fresh.
//
// Everything here is idempotent under retry. Readiness transitions are
// guarded compare-and-swap writes (blocked → queued), and completion writes
// the terminal status conditionally so two workers finishing the last two
// steps concurrently produce a single terminal event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/telemetry"
	"github.com/meterflow/meterflow/engine/workflow"
)

// Manager derives run state from step transitions.
type Manager struct {
	runs   run.Store
	steps  step.Store
	events event.Log
	logger telemetry.Logger
}

// NewManager constructs a Manager. A nil logger defaults to the no-op logger.
func NewManager(runs run.Store, steps step.Store, events event.Log, logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{runs: runs, steps: steps, events: events, logger: logger}
}

// Materialize creates one step per graph node. The entry node and nodes with
// neither explicit dependencies nor incoming success edges start queued;
// everything else starts blocked. Attempt counters start at zero.
func (m *Manager) Materialize(ctx context.Context, r *run.Run) error {
	now := time.Now().UTC()
	steps := make([]*step.Step, 0, len(r.Graph.Nodes))
	for _, node := range r.Graph.Nodes {
		status := step.StatusBlocked
		if r.Graph.InitiallyReady(node.ID) {
			status = step.StatusQueued
		}
		steps = append(steps, &step.Step{
			RunID:       r.ID,
			WorkspaceID: r.WorkspaceID,
			StepID:      node.ID,
			NodeType:    node.Type,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := m.steps.CreateAll(ctx, steps); err != nil {
		return fmt.Errorf("materialize steps for run %s: %w", r.ID, err)
	}
	return nil
}

// UnblockDependents transitions every dependent of the succeeded step from
// blocked to queued once all of its dependencies (incoming success edges
// plus explicit dependsOn) have succeeded. Lost races on the guarded update
// are benign: someone else queued the step first.
func (m *Manager) UnblockDependents(ctx context.Context, runID, stepID string, graph *workflow.Graph) error {
	targets := graph.SuccessTargets(stepID)
	if len(targets) == 0 {
		return nil
	}
	all, err := m.steps.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	byID := make(map[string]*step.Step, len(all))
	for _, s := range all {
		byID[s.StepID] = s
	}
	for _, target := range targets {
		if s := byID[target]; s == nil || s.Status != step.StatusBlocked {
			continue
		}
		ready := true
		for _, dep := range graph.Dependencies(target) {
			d := byID[dep]
			if d == nil || d.Status != step.StatusSucceeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		_, err := m.steps.UpdateIf(ctx, runID, target, step.StatusBlocked, step.Update{
			Status: step.StatusPtr(step.StatusQueued),
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("queue step %s of run %s: %w", target, runID, err)
		}
	}
	return nil
}

// CheckCompletion marks the run terminal when no step remains queued, running
// or blocked: failed when any step failed, succeeded otherwise. The status
// write is conditional on the run still being in an executable state, so a
// second detector finds the transition already done and appends nothing.
func (m *Manager) CheckCompletion(ctx context.Context, runID string) error {
	steps, err := m.steps.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	anyFailed := false
	for _, s := range steps {
		switch s.Status {
		case step.StatusQueued, step.StatusRunning, step.StatusBlocked:
			return nil
		case step.StatusFailed:
			anyFailed = true
		}
	}

	final := run.StatusSucceeded
	eventType := event.TypeRunSucceeded
	if anyFailed {
		final = run.StatusFailed
		eventType = event.TypeRunFailed
	}
	from := []run.Status{run.StatusQueued, run.StatusRunning, run.StatusPausedForApproval}
	r, err := m.runs.UpdateStatus(ctx, runID, from, final)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Already terminal; nothing to append.
			return nil
		}
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if err := m.events.Append(ctx, event.New(runID, r.WorkspaceID, eventType, map[string]any{"status": string(final)})); err != nil {
		m.logger.Error(ctx, "append terminal run event", "run_id", runID, "err", err)
	}
	m.logger.Info(ctx, "run completed", "run_id", runID, "status", string(final))
	return nil
}

// PauseForApproval transitions the run to paused_for_approval when a step
// blocks on an approval gate. Conflicts mean the run left the running state
// already (canceled or failed concurrently) and are ignored.
func (m *Manager) PauseForApproval(ctx context.Context, runID string) error {
	from := []run.Status{run.StatusQueued, run.StatusRunning}
	r, err := m.runs.UpdateStatus(ctx, runID, from, run.StatusPausedForApproval)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("pause run %s: %w", runID, err)
	}
	if err := m.events.Append(ctx, event.New(runID, r.WorkspaceID, event.TypeRunPaused, nil)); err != nil {
		m.logger.Error(ctx, "append pause event", "run_id", runID, "err", err)
	}
	return nil
}

// Heartbeat refreshes lastHeartbeatAt, feeding stale-run detection.
func (m *Manager) Heartbeat(ctx context.Context, runID string) error {
	return m.runs.Heartbeat(ctx, runID)
}
