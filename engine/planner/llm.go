package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/meterflow/meterflow/engine/llm"
	"github.com/meterflow/meterflow/engine/workflow"
)

const planSystemPrompt = `You translate a user goal into a workflow graph for an automated execution engine.
Reply with a single JSON object, no prose, of the form:
{"graph": <graph>, "reasoning": <string>, "estimatedCostAtomic": <decimal string>}
The graph object has "nodes", "edges" and "entryNodeId". Node types: tool_call,
llm_reason, approval, branch, wait, merge, finalize. Every graph ends in exactly
one finalize node. tool_call nodes must reference a toolId from the catalog and
may only be used when payment is allowed or the tool is free. Edges carry
"from", "to" and "type" (success, failure or conditional). Keep graphs minimal:
no node that does not serve the goal.`

type (
	// LLM is a Planner backed by a text model. The model's reply is parsed
	// and fully validated before it is accepted; a malformed or invalid graph
	// is a domain-level planning failure, never a crash.
	LLM struct {
		client llm.Client
		model  string
	}

	// LLMOptions configures NewLLM.
	LLMOptions struct {
		// Client is the model client. Required.
		Client llm.Client
		// Model overrides the adapter default model.
		Model string
	}

	// planEnvelope is the shape the model is asked to reply with.
	planEnvelope struct {
		Graph               json.RawMessage `json:"graph"`
		Reasoning           string          `json:"reasoning"`
		EstimatedCostAtomic string          `json:"estimatedCostAtomic"`
	}
)

// Compile-time check that LLM implements Planner.
var _ Planner = (*LLM)(nil)

// NewLLM constructs a model-backed planner.
func NewLLM(opts LLMOptions) (*LLM, error) {
	if opts.Client == nil {
		return nil, errors.New("llm client is required")
	}
	return &LLM{client: opts.Client, model: opts.Model}, nil
}

// Plan asks the model for a graph. A transport failure is returned as an
// error; an unusable reply comes back as an unsuccessful Result so the caller
// can record the failed attempt.
func (p *LLM) Plan(ctx context.Context, req Request) (Result, error) {
	if req.Intent == "" {
		return Result{}, errors.New("intent is required")
	}
	resp, err := p.client.Call(ctx, llm.Request{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   planUserPrompt(req),
		Model:        p.model,
		Temperature:  -1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("planner model call: %w", err)
	}
	raw := extractJSONObject(resp.Text)
	if raw == "" {
		return Result{Err: "planner reply contained no JSON object"}, nil
	}
	var env planEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Result{Err: fmt.Sprintf("decode planner reply: %v", err)}, nil
	}
	if len(env.Graph) == 0 {
		return Result{Err: "planner reply missing graph"}, nil
	}
	graph, err := workflow.Parse(env.Graph)
	if err != nil {
		return Result{Err: fmt.Sprintf("invalid planned graph: %v", err)}, nil
	}
	return Result{
		Success:             true,
		Graph:               graph,
		Reasoning:           env.Reasoning,
		EstimatedCostAtomic: env.EstimatedCostAtomic,
	}, nil
}

// planUserPrompt renders the intent, the tool catalog and the constraints.
func planUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Intent)
	if req.BudgetCeilingAtomic != "" {
		fmt.Fprintf(&b, "Budget ceiling (atomic units): %s\n", req.BudgetCeilingAtomic)
	}
	fmt.Fprintf(&b, "Automatic payment allowed: %t\n", req.AutoPayEnabled)
	if len(req.Tools) == 0 {
		b.WriteString("Tool catalog: none available.\n")
		return b.String()
	}
	b.WriteString("Tool catalog:\n")
	for _, s := range req.Tools {
		fmt.Fprintf(&b, "- id=%s name=%q", s.Tool.ID, s.Tool.Name)
		if s.Tool.Description != "" {
			fmt.Fprintf(&b, " description=%q", s.Tool.Description)
		}
		for _, ep := range s.Tool.Endpoints {
			fmt.Fprintf(&b, " endpoint=%s %s", ep.Method, ep.Path)
		}
		if len(s.Tool.PricingHints) > 0 {
			fmt.Fprintf(&b, " pricing=%v", s.Tool.PricingHints)
		}
		fmt.Fprintf(&b, " successRate=%.2f\n", s.Tool.Reputation.SuccessRate)
	}
	return b.String()
}

// extractJSONObject pulls the outermost JSON object out of a model reply,
// tolerating surrounding prose and markdown fences.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
