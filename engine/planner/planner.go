// Package planner defines the intent-to-graph collaborator contract. Planning
// is external to the engine: the boundary hands the planner an intent, the
// discovered tools and the budget ceiling, and receives a graph or a failure.
// On failure the engine records a failed run built around FallbackGraph so
// the attempt stays auditable.
package planner

import (
	"context"

	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workflow"
)

type (
	// Planner produces an executable graph from a natural-language intent.
	Planner interface {
		Plan(ctx context.Context, req Request) (Result, error)
	}

	// Request carries the planning inputs.
	Request struct {
		// Intent is the user's natural-language goal.
		Intent string
		// Tools are the discovered candidate tools, best first.
		Tools []tool.Scored
		// BudgetCeilingAtomic is the run spend ceiling (decimal atomic units).
		BudgetCeilingAtomic string
		// AutoPayEnabled tells the planner whether paid tools are usable
		// without human interaction.
		AutoPayEnabled bool
	}

	// Result is the planner outcome. Success=false with a populated Err is a
	// domain-level planning failure, distinct from the transport error
	// returned by Plan itself; the engine treats both the same way.
	Result struct {
		Success             bool
		Graph               workflow.Graph
		Reasoning           string
		EstimatedCostAtomic string
		Err                 string
	}

	// PlannerFunc adapts a function to the Planner contract, used by tests.
	PlannerFunc func(ctx context.Context, req Request) (Result, error)
)

// Plan invokes f.
func (f PlannerFunc) Plan(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// FallbackGraph builds the single-finalize-node graph recorded when planning
// fails: the run is created failed, and the graph echoes the intent so the
// failure is self-describing.
func FallbackGraph(intent string) workflow.Graph {
	return workflow.Graph{
		Nodes: []workflow.Node{{
			ID:             "finalize",
			Type:           workflow.NodeFinalize,
			Label:          "Echo intent (planning failed)",
			OutputTemplate: intent,
		}},
		EntryNodeID: "finalize",
	}
}
