// Package api implements the HTTP boundary of the engine: run creation and
// introspection, user-triggered execution, the scheduled tick entry point,
// run cancellation, approval resolution and the live event stream. Handlers
// authenticate, enforce workspace membership and translate between wire
// shapes and engine calls; all domain behavior lives in the engine packages.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/lifecycle"
	"github.com/meterflow/meterflow/engine/planner"
	"github.com/meterflow/meterflow/engine/receipt"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/scheduler"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/stream"
	"github.com/meterflow/meterflow/engine/telemetry"
	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workspace"
)

type (
	// Ticker runs one claim/execute cycle. Implemented by the scheduler.
	Ticker interface {
		Tick(ctx context.Context, opts scheduler.TickOptions) (scheduler.TickReport, error)
	}

	// RunStreamer pushes a run's events into a sink until the run completes.
	// Implemented by the polling streamer and the Pulse live streamer.
	RunStreamer interface {
		Subscribe(ctx context.Context, runID string, sink stream.Sink) error
	}

	// Server is the HTTP boundary.
	Server struct {
		runs       run.Store
		steps      step.Store
		events     event.Log
		receipts   receipt.Store
		workspaces workspace.Store
		membership workspace.Membership
		discovery  tool.Discovery
		planner    planner.Planner
		lifecycle  *lifecycle.Manager
		ticker     Ticker
		streamer   RunStreamer
		auth       Authenticator
		logger     telemetry.Logger
		health     http.Handler

		cronSecret      string
		defaultNetwork  string
		defaultBudget   string
		maxStepsPerTick int
		maxConcurrency  int
	}

	// Options configures New. All collaborators are required unless noted.
	Options struct {
		Runs       run.Store
		Steps      step.Store
		Events     event.Log
		Receipts   receipt.Store
		Workspaces workspace.Store
		Membership workspace.Membership
		Discovery  tool.Discovery
		Planner    planner.Planner
		Lifecycle  *lifecycle.Manager
		Ticker     Ticker
		Streamer   RunStreamer
		Auth       Authenticator
		Logger     telemetry.Logger
		// Health serves GET /healthz. Optional.
		Health http.Handler

		// CronSecret authenticates POST /v1/ticks. Required.
		CronSecret string
		// DefaultNetwork is the budget network of new runs.
		DefaultNetwork string
		// DefaultBudgetMaxAtomic is the run ceiling when the request omits
		// one.
		DefaultBudgetMaxAtomic string
		// MaxStepsPerTick bounds claims per tick. Defaults to 10.
		MaxStepsPerTick int
		// MaxConcurrency bounds the unscoped tick fan-out. Defaults to 5.
		MaxConcurrency int
	}
)

// New constructs the HTTP boundary.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Runs == nil, opts.Steps == nil, opts.Events == nil,
		opts.Workspaces == nil, opts.Membership == nil, opts.Discovery == nil,
		opts.Planner == nil, opts.Lifecycle == nil, opts.Ticker == nil,
		opts.Streamer == nil, opts.Auth == nil:
		return nil, errors.New("all engine collaborators are required")
	case opts.CronSecret == "":
		return nil, errors.New("cron secret is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxSteps := opts.MaxStepsPerTick
	if maxSteps <= 0 {
		maxSteps = 10
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Server{
		runs:            opts.Runs,
		steps:           opts.Steps,
		events:          opts.Events,
		receipts:        opts.Receipts,
		workspaces:      opts.Workspaces,
		membership:      opts.Membership,
		discovery:       opts.Discovery,
		planner:         opts.Planner,
		lifecycle:       opts.Lifecycle,
		ticker:          opts.Ticker,
		streamer:        opts.Streamer,
		auth:            opts.Auth,
		logger:          logger,
		health:          opts.Health,
		cronSecret:      opts.CronSecret,
		defaultNetwork:  opts.DefaultNetwork,
		defaultBudget:   opts.DefaultBudgetMaxAtomic,
		maxStepsPerTick: maxSteps,
		maxConcurrency:  maxConcurrency,
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/workspaces/{workspaceID}/runs", s.createRun).Methods(http.MethodPost)
	v1.HandleFunc("/workspaces/{workspaceID}/runs", s.listRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{runID}", s.getRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{runID}/execute", s.executeRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{runID}/cancel", s.cancelRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{runID}/events", s.eventsStream).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{runID}/approvals/{stepID}", s.resolveApproval).Methods(http.MethodPost)
	v1.HandleFunc("/ticks", s.tickAll).Methods(http.MethodPost)
	if s.health != nil {
		r.Handle("/healthz", s.health).Methods(http.MethodGet)
	}
	r.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// authenticate resolves the caller, writing 401 on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		respondError(w, r, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return userID, true
}

// requireMember enforces workspace membership, writing 403 on denial.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, userID, workspaceID string) bool {
	ok, err := s.membership.IsMember(r.Context(), userID, workspaceID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "membership check failed")
		return false
	}
	if !ok {
		respondError(w, r, http.StatusForbidden, "not a member of this workspace")
		return false
	}
	return true
}
