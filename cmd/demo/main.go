// Command demo walks one run through the engine end to end without any
// external service: in-memory stores, a canned planner and a canned model.
// It mirrors the wiring of meterflowd and prints the event trail and the
// final output, which makes it a quick smoke check of the claim/execute
// loop.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/meterflow/meterflow/engine/budget"
	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/executor"
	"github.com/meterflow/meterflow/engine/lifecycle"
	"github.com/meterflow/meterflow/engine/llm"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/scheduler"
	"github.com/meterflow/meterflow/engine/workflow"
	"github.com/meterflow/meterflow/engine/workspace"
	storememory "github.com/meterflow/meterflow/features/store/memory"
	walletlocal "github.com/meterflow/meterflow/features/wallet/local"
	"github.com/meterflow/meterflow/x402"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	var (
		runs       = storememory.NewRunStore()
		steps      = storememory.NewStepStore()
		events     = storememory.NewEventLog()
		receipts   = storememory.NewReceiptStore()
		workspaces = storememory.NewWorkspaceStore()
		tools      = storememory.NewToolStore()
	)

	now := time.Now().UTC()
	if err := workspaces.Create(ctx, &workspace.Workspace{
		ID:        "ws-demo",
		Name:      "Demo",
		Settings:  workspace.Settings{AutoPayEnabled: false},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		log.Fatalf(ctx, err, "seed workspace")
	}

	// A canned model stands in for a provider adapter.
	model := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{
			Text:  fmt.Sprintf("Key finding for %q: micropayment-gated tools settle per call.", req.UserPrompt),
			Usage: llm.Usage{InputTokens: 20, OutputTokens: 15, TotalTokens: 35},
		}, nil
	})

	wallet, err := walletlocal.New(walletlocal.Options{
		Address: "0x000000000000000000000000000000000000dEaD",
		Secret:  []byte("demo-wallet"),
	})
	if err != nil {
		log.Fatalf(ctx, err, "wallet")
	}
	ledger := budget.NewLedger(runs, receipts, nil)
	payments, err := x402.New(x402.ClientOptions{
		Wallet: wallet,
		Events: events,
		Ledger: ledger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "payment client")
	}

	manager := lifecycle.NewManager(runs, steps, events, nil)
	exec, err := executor.New(executor.Options{
		Runs:       runs,
		Steps:      steps,
		Tools:      tools,
		Workspaces: workspaces,
		Events:     events,
		Ledger:     ledger,
		Payments:   payments,
		Model:      model,
		Lifecycle:  manager,
	})
	if err != nil {
		log.Fatalf(ctx, err, "executor")
	}
	sched, err := scheduler.New(scheduler.Options{Steps: steps, Executor: exec, Events: events})
	if err != nil {
		log.Fatalf(ctx, err, "scheduler")
	}

	// The graph a planner would produce for this intent: reason about the
	// goal, then render the report.
	intent := "summarize how pay-per-call tools work"
	graph := workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "research", Type: workflow.NodeLLMReason, Label: "Research the question"},
			{ID: "report", Type: workflow.NodeFinalize, Label: "Render the report", OutputTemplate: "Report: {{text}}"},
		},
		Edges:       []workflow.Edge{{From: "research", To: "report", Type: workflow.EdgeSuccess}},
		EntryNodeID: "research",
	}
	if err := workflow.Validate(&graph); err != nil {
		log.Fatalf(ctx, err, "validate graph")
	}

	r := &run.Run{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-demo",
		CreatedBy:   "demo-user",
		Status:      run.StatusQueued,
		Input:       run.Input{Text: intent},
		Graph:       graph,
		Budget:      run.Budget{Asset: "USDC", Network: "eip155:84532", MaxAtomic: "1000000", SpentAtomic: "0"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := runs.Create(ctx, r); err != nil {
		log.Fatalf(ctx, err, "create run")
	}
	if err := manager.Materialize(ctx, r); err != nil {
		log.Fatalf(ctx, err, "materialize steps")
	}
	if err := events.Append(ctx, event.New(r.ID, r.WorkspaceID, event.TypeRunCreated, map[string]any{"intent": intent})); err != nil {
		log.Fatalf(ctx, err, "append created event")
	}

	// Tick until the run is terminal. Each tick claims and executes whatever
	// became eligible; the second node only becomes claimable after the first
	// succeeds.
	for i := 0; i < 10; i++ {
		report, err := sched.Tick(ctx, scheduler.TickOptions{RunID: r.ID})
		if err != nil {
			log.Fatalf(ctx, err, "tick")
		}
		current, err := runs.Get(ctx, r.ID)
		if err != nil {
			log.Fatalf(ctx, err, "reload run")
		}
		fmt.Printf("tick %d: claimed=%d succeeded=%d run=%s\n", i+1, report.Claimed, report.Succeeded, current.Status)
		if current.Status.Terminal() {
			break
		}
	}

	trail, err := events.Since(ctx, r.ID, time.Time{})
	if err != nil {
		log.Fatalf(ctx, err, "read event trail")
	}
	fmt.Println("\nEvent trail:")
	for _, e := range trail {
		fmt.Printf("  %s  %s\n", e.TS.Format(time.RFC3339), e.Type)
	}

	final, err := steps.Get(ctx, r.ID, "report")
	if err != nil {
		log.Fatalf(ctx, err, "load finalize step")
	}
	fmt.Println("\nFinal output:")
	fmt.Printf("  %v\n", final.Outputs["output"])
}
