package api_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/planner"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workflow"
)

// approvalGraph gates a finalize node behind a human approval.
func approvalGraph() workflow.Graph {
	return workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "gate", Type: workflow.NodeApproval, Label: "Approve spend"},
			{ID: "done", Type: workflow.NodeFinalize, OutputTemplate: "done"},
		},
		Edges:       []workflow.Edge{{From: "gate", To: "done", Type: workflow.EdgeSuccess}},
		EntryNodeID: "gate",
	}
}

type createdRun struct {
	ID        string `json:"id"`
	Workspace string `json:"workspaceId"`
	CreatedBy string `json:"createdBy"`
	Status    string `json:"status"`
	Input     struct {
		Text string `json:"text"`
	} `json:"input"`
	Budget struct {
		Asset     string `json:"asset"`
		Network   string `json:"network"`
		MaxAtomic string `json:"maxAtomic"`
	} `json:"budget"`
	AutoPay struct {
		Enabled          bool   `json:"enabled"`
		MaxPerStepAtomic string `json:"maxPerStepAtomic"`
	} `json:"autoPay"`
}

func TestCreateRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	now := time.Now().UTC()
	require.NoError(t, e.tools.Create(context.Background(), &tool.Tool{
		ID:          "tool-1",
		WorkspaceID: "ws-1",
		Name:        "market summarizer",
		Description: "summarize market data",
		BaseURL:     "https://tool.example.com",
		Source:      tool.SourceManual,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	rec := e.do(t, http.MethodPost, "/v1/workspaces/ws-1/runs", "token-1", map[string]any{
		"intent": "summarize market data",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body createdRun
	decodeBody(t, rec, &body)
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, "ws-1", body.Workspace)
	assert.Equal(t, "user-1", body.CreatedBy)
	assert.Equal(t, string(run.StatusQueued), body.Status)
	assert.Equal(t, "summarize market data", body.Input.Text)
	assert.Equal(t, "USDC", body.Budget.Asset)
	assert.Equal(t, "eip155:84532", body.Budget.Network)
	assert.Equal(t, "100000", body.Budget.MaxAtomic)
	// Auto-pay policy is snapshotted from the workspace settings.
	assert.True(t, body.AutoPay.Enabled)
	assert.Equal(t, "500", body.AutoPay.MaxPerStepAtomic)

	// The planner saw the intent, the budget and the discovered catalog.
	assert.Equal(t, "summarize market data", e.plan.req.Intent)
	assert.Equal(t, "100000", e.plan.req.BudgetCeilingAtomic)
	assert.True(t, e.plan.req.AutoPayEnabled)
	require.Len(t, e.plan.req.Tools, 1)
	assert.Equal(t, "tool-1", e.plan.req.Tools[0].Tool.ID)

	// Steps are materialized and the creation is on the record.
	steps, err := e.steps.ListByRun(context.Background(), body.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, step.StatusQueued, steps[0].Status)
	assert.Equal(t, []string{string(event.TypeRunCreated)}, e.eventTypes(t, body.ID))
}

func TestCreateRunCustomBudget(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/v1/workspaces/ws-1/runs", "token-1", map[string]any{
		"intent":          "cheap task",
		"budgetMaxAtomic": "250",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body createdRun
	decodeBody(t, rec, &body)
	assert.Equal(t, "250", body.Budget.MaxAtomic)
}

func TestCreateRunPlanningFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.plan.result = planner.Result{Success: false, Err: "no viable plan"}

	rec := e.do(t, http.MethodPost, "/v1/workspaces/ws-1/runs", "token-1", map[string]any{
		"intent": "impossible task",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body createdRun
	decodeBody(t, rec, &body)
	assert.Equal(t, string(run.StatusFailed), body.Status)

	// The failed run carries the fallback graph and the failure event; no
	// steps are materialized.
	stored, err := e.runs.Get(context.Background(), body.ID)
	require.NoError(t, err)
	require.Len(t, stored.Graph.Nodes, 1)
	assert.Equal(t, workflow.NodeFinalize, stored.Graph.Nodes[0].Type)
	assert.Equal(t, "impossible task", stored.Graph.Nodes[0].OutputTemplate)
	steps, err := e.steps.ListByRun(context.Background(), body.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
	assert.Equal(t, []string{string(event.TypeRunPlanningFailed)}, e.eventTypes(t, body.ID))
}

func TestCreateRunInvalidPlannedGraph(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	// A structurally broken graph from the planner is a planning failure,
	// not a server error.
	e.plan.result.Graph = workflow.Graph{
		Nodes:       []workflow.Node{{ID: "a", Type: workflow.NodeFinalize}},
		EntryNodeID: "missing",
	}

	rec := e.do(t, http.MethodPost, "/v1/workspaces/ws-1/runs", "token-1", map[string]any{
		"intent": "task",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body createdRun
	decodeBody(t, rec, &body)
	assert.Equal(t, string(run.StatusFailed), body.Status)
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	type testCase struct {
		name string
		body map[string]any
		want string
	}
	cases := []testCase{
		{name: "missing_intent", body: map[string]any{}, want: "intent is required"},
		{name: "bad_budget", body: map[string]any{"intent": "x", "budgetMaxAtomic": "lots"}, want: "invalid budget"},
		{name: "unknown_field", body: map[string]any{"intent": "x", "surprise": true}, want: "invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := e.do(t, http.MethodPost, "/v1/workspaces/ws-1/runs", "token-1", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestCreateRunAccessControl(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	// user-2 authenticates but is not a member of ws-1.
	rec := e.do(t, http.MethodPost, "/v1/workspaces/ws-1/runs", "token-2", map[string]any{"intent": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodPost, "/v1/workspaces/ws-9/runs", "token-1", map[string]any{"intent": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	r := e.seedRun(t, "run-1", run.StatusRunning, finalizeGraph())
	now := time.Now().UTC()
	require.NoError(t, e.steps.CreateAll(context.Background(), []*step.Step{{
		RunID:       r.ID,
		WorkspaceID: r.WorkspaceID,
		StepID:      "done",
		NodeType:    workflow.NodeFinalize,
		Status:      step.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}))

	rec := e.do(t, http.MethodGet, "/v1/runs/run-1", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Steps  []struct {
			StepID   string `json:"stepId"`
			NodeType string `json:"nodeType"`
			Status   string `json:"status"`
		} `json:"steps"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "run-1", body.ID)
	assert.Equal(t, string(run.StatusRunning), body.Status)
	require.Len(t, body.Steps, 1)
	assert.Equal(t, "done", body.Steps[0].StepID)
	assert.Equal(t, string(workflow.NodeFinalize), body.Steps[0].NodeType)

	rec = e.do(t, http.MethodGet, "/v1/runs/ghost", "token-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", run.StatusSucceeded, finalizeGraph())
	time.Sleep(2 * time.Millisecond)
	e.seedRun(t, "run-2", run.StatusQueued, finalizeGraph())

	rec := e.do(t, http.MethodGet, "/v1/workspaces/ws-1/runs", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []createdRun `json:"runs"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "run-2", body.Runs[0].ID)
	assert.Equal(t, "run-1", body.Runs[1].ID)

	rec = e.do(t, http.MethodGet, "/v1/workspaces/ws-1/runs?limit=1", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Len(t, body.Runs, 1)

	rec = e.do(t, http.MethodGet, "/v1/workspaces/ws-1/runs?limit=zero", "token-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", run.StatusQueued, finalizeGraph())

	rec := e.do(t, http.MethodPost, "/v1/runs/run-1/execute", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The run was started and the tick scoped to it, single-flight.
	stored, err := e.runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, stored.Status)
	assert.Equal(t, []string{string(event.TypeRunStarted)}, e.eventTypes(t, "run-1"))
	opts := e.ticker.lastOpts(t)
	assert.Equal(t, "run-1", opts.RunID)
	assert.Equal(t, 1, opts.Concurrency)
}

func TestExecuteRunRejectsTerminal(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", run.StatusSucceeded, finalizeGraph())

	rec := e.do(t, http.MethodPost, "/v1/runs/run-1/execute", "token-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "cannot be executed")
	e.ticker.mu.Lock()
	defer e.ticker.mu.Unlock()
	assert.Empty(t, e.ticker.opts)
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", run.StatusRunning, finalizeGraph())

	rec := e.do(t, http.MethodPost, "/v1/runs/run-1/cancel", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body createdRun
	decodeBody(t, rec, &body)
	assert.Equal(t, string(run.StatusCanceled), body.Status)

	// Cancelling again is a no-op; the event is appended exactly once.
	rec = e.do(t, http.MethodPost, "/v1/runs/run-1/cancel", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{string(event.TypeRunCanceled)}, e.eventTypes(t, "run-1"))
}

func TestCancelRunConflictsWhenFinished(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", run.StatusSucceeded, finalizeGraph())

	rec := e.do(t, http.MethodPost, "/v1/runs/run-1/cancel", "token-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already succeeded")
}

// seedApproval seeds a paused run whose approval gate awaits resolution.
func seedApproval(t *testing.T, e *env, graph workflow.Graph) {
	t.Helper()
	r := e.seedRun(t, "run-1", run.StatusPausedForApproval, graph)
	now := time.Now().UTC()
	steps := []*step.Step{{
		RunID:       r.ID,
		WorkspaceID: r.WorkspaceID,
		StepID:      "gate",
		NodeType:    workflow.NodeApproval,
		Status:      step.StatusBlocked,
		Attempt:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	if _, ok := graph.Node("done"); ok {
		steps = append(steps, &step.Step{
			RunID:       r.ID,
			WorkspaceID: r.WorkspaceID,
			StepID:      "done",
			NodeType:    workflow.NodeFinalize,
			Status:      step.StatusBlocked,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	require.NoError(t, e.steps.CreateAll(context.Background(), steps))
}

func TestResolveApprovalApprove(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	seedApproval(t, e, approvalGraph())

	rec := e.do(t, http.MethodPost, "/v1/runs/run-1/approvals/gate", "token-1", map[string]any{
		"approve": true,
		"note":    "ship it",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	gate, err := e.steps.Get(ctx, "run-1", "gate")
	require.NoError(t, err)
	assert.Equal(t, step.StatusSucceeded, gate.Status)
	assert.Equal(t, true, gate.Outputs["approved"])
	assert.Equal(t, "ship it", gate.Outputs["note"])

	// The run resumes and the dependent becomes claimable.
	stored, err := e.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, stored.Status)
	done, err := e.steps.Get(ctx, "run-1", "done")
	require.NoError(t, err)
	assert.Equal(t, step.StatusQueued, done.Status)
	assert.Equal(t, []string{
		string(event.TypeStepSucceeded),
		string(event.TypeRunResumed),
	}, e.eventTypes(t, "run-1"))
}

func TestResolveApprovalReject(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	// Single-node graph: rejecting the gate fails the whole run.
	seedApproval(t, e, workflow.Graph{
		Nodes:       []workflow.Node{{ID: "gate", Type: workflow.NodeApproval}},
		EntryNodeID: "gate",
	})

	rec := e.do(t, http.MethodPost, "/v1/runs/run-1/approvals/gate", "token-1", map[string]any{
		"approve": false,
		"note":    "too expensive",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	gate, err := e.steps.Get(ctx, "run-1", "gate")
	require.NoError(t, err)
	assert.Equal(t, step.StatusFailed, gate.Status)
	require.NotNil(t, gate.Error)
	assert.Equal(t, "APPROVAL_REJECTED", gate.Error.Code)

	stored, err := e.runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, stored.Status)
	assert.Equal(t, []string{
		string(event.TypeStepFailed),
		string(event.TypeRunFailed),
	}, e.eventTypes(t, "run-1"))
}

func TestResolveApprovalGuards(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	r := e.seedRun(t, "run-1", run.StatusRunning, approvalGraph())
	now := time.Now().UTC()
	require.NoError(t, e.steps.CreateAll(context.Background(), []*step.Step{
		{
			RunID: r.ID, WorkspaceID: r.WorkspaceID, StepID: "gate",
			NodeType: workflow.NodeApproval, Status: step.StatusQueued,
			CreatedAt: now, UpdatedAt: now,
		},
		{
			RunID: r.ID, WorkspaceID: r.WorkspaceID, StepID: "done",
			NodeType: workflow.NodeFinalize, Status: step.StatusBlocked,
			CreatedAt: now, UpdatedAt: now,
		},
	}))

	// Not an approval node.
	rec := e.do(t, http.MethodPost, "/v1/runs/run-1/approvals/done", "token-1", map[string]any{"approve": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An approval node that is not blocked cannot be resolved.
	rec = e.do(t, http.MethodPost, "/v1/runs/run-1/approvals/gate", "token-1", map[string]any{"approve": true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown step.
	rec = e.do(t, http.MethodPost, "/v1/runs/run-1/approvals/ghost", "token-1", map[string]any{"approve": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
