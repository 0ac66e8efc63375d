package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/meterflow/meterflow/engine/budget"
	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/planner"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/scheduler"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/workflow"
)

const (
	// maxDiscoveredTools bounds the planner's tool catalog.
	maxDiscoveredTools = 10
	// defaultListLimit bounds workspace run listings without an explicit
	// limit.
	defaultListLimit = 50
)

type (
	createRunRequest struct {
		Intent          string `json:"intent"`
		VoiceTranscript string `json:"voiceTranscript,omitempty"`
		BudgetMaxAtomic string `json:"budgetMaxAtomic,omitempty"`
	}

	approvalRequest struct {
		Approve bool   `json:"approve"`
		Note    string `json:"note,omitempty"`
	}

	runView struct {
		ID        string            `json:"id"`
		Workspace string            `json:"workspaceId"`
		CreatedBy string            `json:"createdBy"`
		Status    string            `json:"status"`
		Input     run.Input         `json:"input"`
		Budget    run.Budget        `json:"budget"`
		AutoPay   run.AutoPayPolicy `json:"autoPay"`
		CreatedAt time.Time         `json:"createdAt"`
		UpdatedAt time.Time         `json:"updatedAt"`
		Steps     []stepView        `json:"steps,omitempty"`
	}

	stepView struct {
		StepID   string        `json:"stepId"`
		NodeType string        `json:"nodeType"`
		Status   string        `json:"status"`
		Attempt  int           `json:"attempt"`
		Error    *step.Error   `json:"error,omitempty"`
		Metrics  *step.Metrics `json:"metrics,omitempty"`
	}
)

// createRun authenticates, plans a graph for the intent and persists the run.
// A planner failure still produces a run: a failed one built around the
// fallback graph, so the attempt is auditable.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	workspaceID := mux.Vars(r)["workspaceID"]
	if !s.requireMember(w, r, userID, workspaceID) {
		return
	}
	ws, err := s.workspaces.Get(r.Context(), workspaceID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, r, http.StatusNotFound, "workspace not found")
			return
		}
		respondError(w, r, http.StatusInternalServerError, "load workspace")
		return
	}

	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Intent == "" {
		respondError(w, r, http.StatusBadRequest, "intent is required")
		return
	}
	budgetMax := req.BudgetMaxAtomic
	if budgetMax == "" {
		budgetMax = s.defaultBudget
	}
	if _, err := budget.ParseAtomic(budgetMax); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid budget: %v", err))
		return
	}

	tools, err := s.discovery.Discover(r.Context(), req.Intent, workspaceID, maxDiscoveredTools)
	if err != nil {
		s.logger.Warn(r.Context(), "tool discovery failed", "workspace_id", workspaceID, "err", err)
		tools = nil
	}

	now := time.Now().UTC()
	newRun := &run.Run{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		CreatedBy:   userID,
		Input: run.Input{
			Text:            req.Intent,
			VoiceTranscript: req.VoiceTranscript,
		},
		Budget: run.Budget{
			Asset:       "USDC",
			Network:     s.defaultNetwork,
			MaxAtomic:   budgetMax,
			SpentAtomic: "0",
		},
		AutoPay: run.AutoPayPolicy{
			Enabled:          ws.Settings.AutoPayEnabled,
			MaxPerStepAtomic: ws.Settings.AutoPayMaxPerStepAtomic,
			MaxPerRunAtomic:  ws.Settings.AutoPayMaxPerRunAtomic,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, planErr := s.planner.Plan(r.Context(), planner.Request{
		Intent:              req.Intent,
		Tools:               tools,
		BudgetCeilingAtomic: budgetMax,
		AutoPayEnabled:      ws.Settings.AutoPayEnabled,
	})
	planFailure := ""
	switch {
	case planErr != nil:
		planFailure = planErr.Error()
	case !result.Success:
		planFailure = result.Err
		if planFailure == "" {
			planFailure = "planner returned no graph"
		}
	default:
		// Planners are external; a structurally invalid graph is a planning
		// failure, not a server error.
		graph := result.Graph
		if err := workflow.Validate(&graph); err != nil {
			planFailure = err.Error()
		} else {
			newRun.Graph = graph
		}
	}

	if planFailure != "" {
		newRun.Status = run.StatusFailed
		newRun.Graph = planner.FallbackGraph(req.Intent)
		if err := s.runs.Create(r.Context(), newRun); err != nil {
			respondError(w, r, http.StatusInternalServerError, "persist run")
			return
		}
		s.append(r, event.NewUser(newRun.ID, workspaceID, userID, event.TypeRunPlanningFailed, map[string]any{
			"error": planFailure,
		}))
		respondJSON(w, r, http.StatusCreated, runToView(newRun, nil))
		return
	}

	newRun.Status = run.StatusQueued
	if err := s.runs.Create(r.Context(), newRun); err != nil {
		respondError(w, r, http.StatusInternalServerError, "persist run")
		return
	}
	if err := s.lifecycle.Materialize(r.Context(), newRun); err != nil {
		respondError(w, r, http.StatusInternalServerError, "materialize steps")
		return
	}
	s.append(r, event.NewUser(newRun.ID, workspaceID, userID, event.TypeRunCreated, map[string]any{
		"intent":    req.Intent,
		"nodeCount": len(newRun.Graph.Nodes),
		"reasoning": result.Reasoning,
	}))
	respondJSON(w, r, http.StatusCreated, runToView(newRun, nil))
}

// getRun returns the run with its step statuses.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	r2, ok := s.loadRunForMember(w, r, userID)
	if !ok {
		return
	}
	steps, err := s.steps.ListByRun(r.Context(), r2.ID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "list steps")
		return
	}
	respondJSON(w, r, http.StatusOK, runToView(r2, steps))
}

// listRuns returns the workspace's runs, newest first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	workspaceID := mux.Vars(r)["workspaceID"]
	if !s.requireMember(w, r, userID, workspaceID) {
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListByWorkspace(r.Context(), workspaceID, limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "list runs")
		return
	}
	views := make([]runView, 0, len(runs))
	for _, rr := range runs {
		views = append(views, runToView(rr, nil))
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"runs": views})
}

// executeRun drives one scoped tick for the run.
func (s *Server) executeRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	r2, ok := s.loadRunForMember(w, r, userID)
	if !ok {
		return
	}
	if !r2.Status.Executable() {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("run is %s and cannot be executed", r2.Status))
		return
	}
	if r2.Status == run.StatusQueued {
		if _, err := s.runs.UpdateStatus(r.Context(), r2.ID, []run.Status{run.StatusQueued}, run.StatusRunning); err == nil {
			s.append(r, event.NewUser(r2.ID, r2.WorkspaceID, userID, event.TypeRunStarted, nil))
		} else if !store.IsConflict(err) {
			respondError(w, r, http.StatusInternalServerError, "start run")
			return
		}
	}
	report, err := s.ticker.Tick(r.Context(), scheduler.TickOptions{
		RunID:       r2.ID,
		MaxSteps:    s.maxStepsPerTick,
		Concurrency: 1,
	})
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "tick failed")
		return
	}
	respondJSON(w, r, http.StatusOK, report)
}

// cancelRun cancels the run. Cancelling an already canceled run is a no-op;
// the RUN_CANCELED event is appended exactly once.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	r2, ok := s.loadRunForMember(w, r, userID)
	if !ok {
		return
	}
	from := []run.Status{
		run.StatusDraft,
		run.StatusQueued,
		run.StatusRunning,
		run.StatusPausedForApproval,
	}
	updated, err := s.runs.UpdateStatus(r.Context(), r2.ID, from, run.StatusCanceled)
	switch {
	case err == nil:
		s.append(r, event.NewUser(r2.ID, r2.WorkspaceID, userID, event.TypeRunCanceled, nil))
		respondJSON(w, r, http.StatusOK, runToView(updated, nil))
	case store.IsConflict(err):
		current, gerr := s.runs.Get(r.Context(), r2.ID)
		if gerr != nil {
			respondError(w, r, http.StatusInternalServerError, "load run")
			return
		}
		if current.Status == run.StatusCanceled {
			respondJSON(w, r, http.StatusOK, runToView(current, nil))
			return
		}
		respondError(w, r, http.StatusConflict, fmt.Sprintf("run already %s", current.Status))
	default:
		respondError(w, r, http.StatusInternalServerError, "cancel run")
	}
}

// eventsStream serves the run's live event stream over SSE.
func (s *Server) eventsStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	r2, ok := s.loadRunForMember(w, r, userID)
	if !ok {
		return
	}
	sink, err := newSSESink(w)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.streamer.Subscribe(r.Context(), r2.ID, sink); err != nil {
		// Headers are already sent; the subscription error is log-only.
		s.logger.Warn(r.Context(), "event stream ended with error", "run_id", r2.ID, "err", err)
	}
}

// resolveApproval resolves a blocked approval step. Approving marks the step
// succeeded and resumes the run; rejecting marks it failed, which fails the
// run through the usual completion arbitration.
func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	r2, ok := s.loadRunForMember(w, r, userID)
	if !ok {
		return
	}
	stepID := mux.Vars(r)["stepID"]
	var req approvalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	st, err := s.steps.Get(r.Context(), r2.ID, stepID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, r, http.StatusNotFound, "step not found")
			return
		}
		respondError(w, r, http.StatusInternalServerError, "load step")
		return
	}
	if st.NodeType != workflow.NodeApproval {
		respondError(w, r, http.StatusBadRequest, "step is not an approval gate")
		return
	}

	var update step.Update
	var eventType event.Type
	if req.Approve {
		update = step.Update{
			Status:     step.StatusPtr(step.StatusSucceeded),
			ClearLock:  true,
			Outputs:    map[string]any{"approved": true, "note": req.Note},
			ClearError: true,
		}
		eventType = event.TypeStepSucceeded
	} else {
		update = step.Update{
			Status:    step.StatusPtr(step.StatusFailed),
			ClearLock: true,
			Error: &step.Error{
				Code:    "APPROVAL_REJECTED",
				Message: "approval rejected",
				Context: map[string]any{"note": req.Note},
			},
		}
		eventType = event.TypeStepFailed
	}
	if _, err := s.steps.UpdateIf(r.Context(), r2.ID, stepID, step.StatusBlocked, update); err != nil {
		if store.IsConflict(err) {
			respondError(w, r, http.StatusConflict, "step is not awaiting approval")
			return
		}
		respondError(w, r, http.StatusInternalServerError, "resolve approval")
		return
	}
	s.append(r, event.NewUser(r2.ID, r2.WorkspaceID, userID, eventType, map[string]any{
		"stepId":   stepID,
		"approved": req.Approve,
		"note":     req.Note,
	}))

	if req.Approve {
		if _, err := s.runs.UpdateStatus(r.Context(), r2.ID,
			[]run.Status{run.StatusPausedForApproval}, run.StatusRunning); err == nil {
			s.append(r, event.NewUser(r2.ID, r2.WorkspaceID, userID, event.TypeRunResumed, nil))
		}
		if err := s.lifecycle.UnblockDependents(r.Context(), r2.ID, stepID, &r2.Graph); err != nil {
			s.logger.Error(r.Context(), "unblock dependents", "run_id", r2.ID, "step_id", stepID, "err", err)
		}
	}
	if err := s.lifecycle.CheckCompletion(r.Context(), r2.ID); err != nil {
		s.logger.Error(r.Context(), "check completion", "run_id", r2.ID, "err", err)
	}
	st, err = s.steps.Get(r.Context(), r2.ID, stepID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "load step")
		return
	}
	respondJSON(w, r, http.StatusOK, stepToView(st))
}

// loadRunForMember fetches the run and enforces membership of its workspace.
func (s *Server) loadRunForMember(w http.ResponseWriter, r *http.Request, userID string) (*run.Run, bool) {
	runID := mux.Vars(r)["runID"]
	r2, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, r, http.StatusNotFound, "run not found")
			return nil, false
		}
		respondError(w, r, http.StatusInternalServerError, "load run")
		return nil, false
	}
	if !s.requireMember(w, r, userID, r2.WorkspaceID) {
		return nil, false
	}
	return r2, true
}

// append writes an event, logging failures instead of failing the request.
func (s *Server) append(r *http.Request, e *event.Event) {
	if err := s.events.Append(r.Context(), e); err != nil {
		s.logger.Error(r.Context(), "append event", "run_id", e.RunID, "type", string(e.Type), "err", err)
	}
}

func runToView(r *run.Run, steps []*step.Step) runView {
	v := runView{
		ID:        r.ID,
		Workspace: r.WorkspaceID,
		CreatedBy: r.CreatedBy,
		Status:    string(r.Status),
		Input:     r.Input,
		Budget:    r.Budget,
		AutoPay:   r.AutoPay,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	for _, st := range steps {
		v.Steps = append(v.Steps, stepToView(st))
	}
	return v
}

func stepToView(st *step.Step) stepView {
	return stepView{
		StepID:   st.StepID,
		NodeType: string(st.NodeType),
		Status:   string(st.Status),
		Attempt:  st.Attempt,
		Error:    st.Error,
		Metrics:  st.Metrics,
	}
}
