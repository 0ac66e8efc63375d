// Package executor runs claimed steps: it dispatches on the node type,
// normalizes every outcome into a result, persists the transition and drives
// the retry/blocked/terminal state machine.
//
// The executor never lets an error or panic escape. Failures are classified
// into retryable (network and model transients, 5xx tool replies) and
// non-retryable (policy rejections, protocol errors, fatal graph defects);
// retryable failures reschedule the step with exponential backoff and jitter,
// the rest fail the step and the run.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/meterflow/meterflow/engine/budget"
	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/lifecycle"
	"github.com/meterflow/meterflow/engine/llm"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/telemetry"
	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workflow"
	"github.com/meterflow/meterflow/engine/workspace"
	"github.com/meterflow/meterflow/x402"
)

type (
	// Executor executes one claimed step at a time.
	Executor struct {
		runs       run.Store
		steps      step.Store
		tools      tool.Store
		workspaces workspace.Store
		events     event.Log
		ledger     *budget.Ledger
		payments   *x402.Client
		model      llm.Client
		lifecycle  *lifecycle.Manager
		artifacts  step.ArtifactStore
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
		cfg        Config
	}

	// Options configures New. Artifacts, Logger, Metrics and Tracer are
	// optional; everything else is required.
	Options struct {
		Runs       run.Store
		Steps      step.Store
		Tools      tool.Store
		Workspaces workspace.Store
		Events     event.Log
		Ledger     *budget.Ledger
		Payments   *x402.Client
		Model      llm.Client
		Lifecycle  *lifecycle.Manager
		Artifacts  step.ArtifactStore
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
		Tracer     telemetry.Tracer
		Config     Config
	}

	// Config carries the engine execution defaults, normally loaded from the
	// environment.
	Config struct {
		// DefaultRetryCap bounds attempts when the node policy is silent.
		DefaultRetryCap int
		// Backoff computes retry delays.
		Backoff Backoff
		// DefaultPaymentMaxAtomic caps one payment when neither the node nor
		// the workspace snapshot does.
		DefaultPaymentMaxAtomic string
		// DefaultTimeout bounds one outbound HTTP or model call.
		DefaultTimeout time.Duration
		// WaitDelay is the fixed completion delay of wait nodes pending the
		// async polling contract.
		WaitDelay time.Duration
		// ArtifactThreshold spills outputs larger than this many encoded
		// bytes to artifact storage. Zero disables spilling.
		ArtifactThreshold int
	}

	// Result is the normalized outcome of one execution.
	Result struct {
		Status  Status
		Output  map[string]any
		Error   *step.Error
		Metrics *step.Metrics
	}

	// Status classifies execution outcomes for the scheduler's tally.
	Status string
)

const (
	// StatusSucceeded: the step reached its successful terminal state.
	StatusSucceeded Status = "succeeded"
	// StatusFailed: the step (and the run) reached the failed terminal state.
	StatusFailed Status = "failed"
	// StatusRetrying: the step was rescheduled with backoff.
	StatusRetrying Status = "retrying"
	// StatusBlocked: the step awaits approval.
	StatusBlocked Status = "blocked"
	// StatusSkipped: the run left its executable state before the step
	// started; the claim was released without side effects.
	StatusSkipped Status = "skipped"
)

// Step error codes surfaced to users verbatim.
const (
	CodeToolMissing      = "TOOL_MISSING"
	CodeToolHTTPError    = "TOOL_HTTP_ERROR"
	CodePolicyRejected   = "POLICY_REJECTED"
	CodeProtocolError    = "PROTOCOL_ERROR"
	CodeBudgetExceeded   = "BUDGET_EXCEEDED"
	CodeAwaitingApproval = "AWAITING_APPROVAL"
	CodeUnknownNodeType  = "UNKNOWN_NODE_TYPE"
	CodeCorruptGraph     = "CORRUPT_GRAPH"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeLLMError         = "LLM_ERROR"
)

// errAwaitingApproval marks the approval-gate outcome; it is state, not a
// failure.
var errAwaitingApproval = errors.New("awaiting approval")

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	switch {
	case opts.Runs == nil, opts.Steps == nil, opts.Tools == nil, opts.Workspaces == nil,
		opts.Events == nil, opts.Ledger == nil, opts.Payments == nil, opts.Lifecycle == nil:
		return nil, errors.New("missing required executor dependency")
	}
	cfg := opts.Config
	if cfg.DefaultRetryCap <= 0 {
		cfg.DefaultRetryCap = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = time.Minute
	}
	if cfg.DefaultPaymentMaxAtomic == "" {
		cfg.DefaultPaymentMaxAtomic = "1000000"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Executor{
		runs:       opts.Runs,
		steps:      opts.Steps,
		tools:      opts.Tools,
		workspaces: opts.Workspaces,
		events:     opts.Events,
		ledger:     opts.Ledger,
		payments:   opts.Payments,
		model:      opts.Model,
		lifecycle:  opts.Lifecycle,
		artifacts:  opts.Artifacts,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		cfg:        cfg,
	}, nil
}

// Execute runs one claimed step to its next durable state and returns the
// normalized outcome. The step must be leased to workerID.
func (e *Executor) Execute(ctx context.Context, s *step.Step, workerID string) Result {
	ctx, span := e.tracer.Start(ctx, "executor.execute")
	defer span.End()
	start := time.Now()

	r, err := e.runs.Get(ctx, s.RunID)
	if err != nil {
		return e.finishFailure(ctx, nil, s, start, fmt.Errorf("load run %s: %w", s.RunID, err))
	}
	if !r.Status.Executable() {
		// Canceled or already terminal: release the claim untouched.
		e.releaseClaim(ctx, s)
		return Result{Status: StatusSkipped}
	}
	if r.Status == run.StatusQueued {
		e.startRun(ctx, r)
	}

	e.appendEvent(ctx, r, event.TypeStepStarted, map[string]any{
		"stepId":   s.StepID,
		"nodeType": string(s.NodeType),
		"attempt":  s.Attempt,
		"workerId": workerID,
	})

	node, ok := r.Graph.Node(s.StepID)
	if !ok {
		return e.finishFailure(ctx, r, s, start, fatalf(CodeCorruptGraph, "graph has no node %q", s.StepID))
	}
	inputs, err := e.gatherInputs(ctx, r, s, node)
	if err != nil {
		return e.finishFailure(ctx, r, s, start, err)
	}

	output, metrics, err := e.dispatch(ctx, r, s, node, inputs)
	latency := time.Since(start)
	if metrics == nil {
		metrics = &step.Metrics{}
	}
	if metrics.LatencyMS == 0 {
		metrics.LatencyMS = latency.Milliseconds()
	}
	e.metrics.RecordTimer(telemetry.MetricStepDuration, latency, "node_type", string(s.NodeType))

	switch {
	case err == nil:
		return e.finishSuccess(ctx, r, s, inputs, output, metrics)
	case errors.Is(err, errAwaitingApproval):
		return e.finishBlocked(ctx, r, s)
	default:
		return e.finishFailure(ctx, r, s, start, err)
	}
}

// dispatch selects the node handler and shields the caller from panics.
func (e *Executor) dispatch(ctx context.Context, r *run.Run, s *step.Step, node workflow.Node, inputs map[string]any) (output map[string]any, metrics *step.Metrics, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fatalErr{
				code:  CodeExecutionError,
				msg:   fmt.Sprintf("handler panic: %v", rec),
				stack: string(debug.Stack()),
			}
		}
	}()

	switch node.Type {
	case workflow.NodeToolCall:
		return e.executeToolCall(ctx, r, s, node, inputs)
	case workflow.NodeLLMReason:
		return e.executeLLMReason(ctx, r, node, inputs)
	case workflow.NodeApproval:
		return nil, nil, errAwaitingApproval
	case workflow.NodeWait:
		return e.executeWait(ctx, node)
	case workflow.NodeMerge:
		return map[string]any{"mergedInputs": inputs}, nil, nil
	case workflow.NodeFinalize:
		return e.executeFinalize(node, inputs)
	case workflow.NodeBranch:
		return nil, nil, fatalf(CodeUnknownNodeType, "branch nodes have no execution semantics yet")
	default:
		return nil, nil, fatalf(CodeUnknownNodeType, "unknown node type %q", node.Type)
	}
}

// gatherInputs assembles the step inputs: the run input for the entry node,
// the merged outputs of every dependency, then any inputs already persisted
// on the step (approval notes, injected values) winning on key collisions.
func (e *Executor) gatherInputs(ctx context.Context, r *run.Run, s *step.Step, node workflow.Node) (map[string]any, error) {
	inputs := make(map[string]any)
	if node.ID == r.Graph.EntryNodeID {
		inputs["text"] = r.Input.Text
		if r.Input.VoiceTranscript != "" {
			inputs["voiceTranscript"] = r.Input.VoiceTranscript
		}
	}
	deps := r.Graph.Dependencies(node.ID)
	if len(deps) > 0 {
		all, err := e.steps.ListByRun(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("list steps for run %s: %w", r.ID, err)
		}
		byID := make(map[string]*step.Step, len(all))
		for _, st := range all {
			byID[st.StepID] = st
		}
		for _, dep := range deps {
			if d := byID[dep]; d != nil {
				for k, v := range d.Outputs {
					inputs[k] = v
				}
			}
		}
	}
	for k, v := range s.Inputs {
		inputs[k] = v
	}
	return inputs, nil
}

// finishSuccess persists the terminal success transition and propagates
// readiness.
func (e *Executor) finishSuccess(ctx context.Context, r *run.Run, s *step.Step, inputs, output map[string]any, metrics *step.Metrics) Result {
	output = e.spillOutputs(ctx, s, output)
	status := step.StatusSucceeded
	if _, err := e.steps.Update(ctx, s.RunID, s.StepID, step.Update{
		Status:              &status,
		ClearLock:           true,
		Inputs:              inputs,
		Outputs:             output,
		Metrics:             metrics,
		ClearError:          true,
		ClearNextEligibleAt: true,
	}); err != nil {
		e.logger.Error(ctx, "persist step success", "run_id", s.RunID, "step_id", s.StepID, "err", err)
	}
	e.appendEvent(ctx, r, event.TypeStepSucceeded, map[string]any{
		"stepId":    s.StepID,
		"attempt":   s.Attempt,
		"latencyMs": metrics.LatencyMS,
	})
	if err := e.lifecycle.UnblockDependents(ctx, s.RunID, s.StepID, &r.Graph); err != nil {
		e.logger.Error(ctx, "unblock dependents", "run_id", s.RunID, "step_id", s.StepID, "err", err)
	}
	if err := e.lifecycle.CheckCompletion(ctx, s.RunID); err != nil {
		e.logger.Error(ctx, "check completion", "run_id", s.RunID, "err", err)
	}
	if err := e.lifecycle.Heartbeat(ctx, s.RunID); err != nil {
		e.logger.Debug(ctx, "heartbeat", "run_id", s.RunID, "err", err)
	}
	return Result{Status: StatusSucceeded, Output: output, Metrics: metrics}
}

// finishBlocked persists the approval gate and pauses the run.
func (e *Executor) finishBlocked(ctx context.Context, r *run.Run, s *step.Step) Result {
	status := step.StatusBlocked
	stepErr := &step.Error{Code: CodeAwaitingApproval, Message: "awaiting human approval"}
	if _, err := e.steps.Update(ctx, s.RunID, s.StepID, step.Update{
		Status:    &status,
		ClearLock: true,
		Error:     stepErr,
	}); err != nil {
		e.logger.Error(ctx, "persist step blocked", "run_id", s.RunID, "step_id", s.StepID, "err", err)
	}
	e.appendEvent(ctx, r, event.TypeStepBlocked, map[string]any{
		"stepId": s.StepID,
		"reason": stepErr.Message,
	})
	if err := e.lifecycle.PauseForApproval(ctx, s.RunID); err != nil {
		e.logger.Error(ctx, "pause for approval", "run_id", s.RunID, "err", err)
	}
	return Result{Status: StatusBlocked, Error: stepErr}
}

// finishFailure arbitrates between retry and terminal failure.
func (e *Executor) finishFailure(ctx context.Context, r *run.Run, s *step.Step, start time.Time, err error) Result {
	cls := classify(err)
	stepErr := &step.Error{Code: cls.code, Message: err.Error(), Stack: cls.stack}
	metrics := &step.Metrics{LatencyMS: time.Since(start).Milliseconds()}

	maxRetries := e.cfg.DefaultRetryCap
	if r != nil {
		if node, ok := r.Graph.Node(s.StepID); ok && node.Policy != nil && node.Policy.MaxRetries > 0 {
			maxRetries = node.Policy.MaxRetries
		}
	}

	if cls.retryable && s.Attempt < maxRetries {
		delay := e.cfg.Backoff.Delay(s.Attempt)
		next := time.Now().UTC().Add(delay)
		status := step.StatusQueued
		if _, uerr := e.steps.Update(ctx, s.RunID, s.StepID, step.Update{
			Status:         &status,
			ClearLock:      true,
			Error:          stepErr,
			Metrics:        metrics,
			NextEligibleAt: &next,
		}); uerr != nil {
			e.logger.Error(ctx, "persist step retry", "run_id", s.RunID, "step_id", s.StepID, "err", uerr)
		}
		e.appendEvent(ctx, r, event.TypeStepRetryScheduled, map[string]any{
			"stepId":    s.StepID,
			"attempt":   s.Attempt,
			"backoffMs": delay.Milliseconds(),
			"error":     stepErr.Message,
		})
		return Result{Status: StatusRetrying, Error: stepErr, Metrics: metrics}
	}

	status := step.StatusFailed
	if _, uerr := e.steps.Update(ctx, s.RunID, s.StepID, step.Update{
		Status:    &status,
		ClearLock: true,
		Error:     stepErr,
		Metrics:   metrics,
	}); uerr != nil {
		e.logger.Error(ctx, "persist step failure", "run_id", s.RunID, "step_id", s.StepID, "err", uerr)
	}
	e.appendEvent(ctx, r, event.TypeStepFailed, map[string]any{
		"stepId":  s.StepID,
		"attempt": s.Attempt,
		"code":    stepErr.Code,
		"error":   stepErr.Message,
	})
	e.failRun(ctx, r, s.RunID, stepErr)
	return Result{Status: StatusFailed, Error: stepErr, Metrics: metrics}
}

// failRun marks the run failed. Conflicts mean the run already reached a
// terminal status.
func (e *Executor) failRun(ctx context.Context, r *run.Run, runID string, stepErr *step.Error) {
	from := []run.Status{run.StatusQueued, run.StatusRunning, run.StatusPausedForApproval}
	updated, err := e.runs.UpdateStatus(ctx, runID, from, run.StatusFailed)
	if err != nil {
		if !store.IsConflict(err) {
			e.logger.Error(ctx, "fail run", "run_id", runID, "err", err)
		}
		return
	}
	e.appendEvent(ctx, updated, event.TypeRunFailed, map[string]any{
		"code":  stepErr.Code,
		"error": stepErr.Message,
	})
}

// startRun transitions a queued run to running on first claim. Conflicts are
// benign: another worker won the transition.
func (e *Executor) startRun(ctx context.Context, r *run.Run) {
	updated, err := e.runs.UpdateStatus(ctx, r.ID, []run.Status{run.StatusQueued}, run.StatusRunning)
	if err != nil {
		if !store.IsConflict(err) {
			e.logger.Error(ctx, "start run", "run_id", r.ID, "err", err)
		}
		return
	}
	r.Status = updated.Status
	e.appendEvent(ctx, r, event.TypeRunStarted, nil)
}

// releaseClaim returns a claimed step to the queue without executing it.
func (e *Executor) releaseClaim(ctx context.Context, s *step.Step) {
	status := step.StatusQueued
	if _, err := e.steps.Update(ctx, s.RunID, s.StepID, step.Update{
		Status:    &status,
		ClearLock: true,
	}); err != nil {
		e.logger.Error(ctx, "release claim", "run_id", s.RunID, "step_id", s.StepID, "err", err)
	}
}

// spillOutputs moves oversized outputs to artifact storage, leaving an
// inline stub.
func (e *Executor) spillOutputs(ctx context.Context, s *step.Step, output map[string]any) map[string]any {
	if e.artifacts == nil || e.cfg.ArtifactThreshold <= 0 || output == nil {
		return output
	}
	encoded, err := json.Marshal(output)
	if err != nil || len(encoded) <= e.cfg.ArtifactThreshold {
		return output
	}
	artifact := &step.Artifact{
		ID:        uuid.NewString(),
		RunID:     s.RunID,
		StepID:    s.StepID,
		Kind:      "outputs",
		Blob:      encoded,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.artifacts.Put(ctx, artifact); err != nil {
		e.logger.Error(ctx, "spill outputs", "run_id", s.RunID, "step_id", s.StepID, "err", err)
		return output
	}
	return map[string]any{
		"artifactId": artifact.ID,
		"kind":       artifact.Kind,
		"sizeBytes":  len(encoded),
		"spilled":    true,
	}
}

func (e *Executor) appendEvent(ctx context.Context, r *run.Run, typ event.Type, payload map[string]any) {
	if r == nil {
		return
	}
	if err := e.events.Append(ctx, event.New(r.ID, r.WorkspaceID, typ, payload)); err != nil {
		e.logger.Error(ctx, "append step event", "run_id", r.ID, "type", string(typ), "err", err)
	}
}
