// Package workflow defines the graph model executed by the engine: typed
// nodes, directed edges, and the readiness topology derived from them.
//
// A graph is a pure value. Nodes and edges reference each other by ID only,
// never by pointer, so a graph snapshot can be embedded in a run document,
// serialized, and re-read without losing structure. The planner produces
// graphs; Validate rejects malformed ones before a run is ever created.
package workflow

import "encoding/json"

type (
	// Graph is a directed acyclic graph of typed nodes. It is immutable once
	// attached to a run: policy changes after run creation never mutate an
	// in-flight graph.
	Graph struct {
		// Nodes are the executable units of the graph. Node IDs are unique
		// within the graph.
		Nodes []Node `json:"nodes"`
		// Edges connect nodes. Success edges gate readiness; failure and
		// conditional edges are carried for completeness.
		Edges []Edge `json:"edges"`
		// EntryNodeID identifies the node that becomes ready as soon as the
		// run is materialized. It must not have incoming success edges.
		EntryNodeID string `json:"entryNodeId"`
	}

	// Node is one unit of work in a graph. Type selects the executor handler;
	// the remaining fields are a discriminated union enforced by Validate and
	// the ingest schema, not by the Go type system.
	Node struct {
		// ID is unique within the graph and doubles as the step ID once the
		// run is materialized.
		ID string `json:"id"`
		// Type selects the handler: tool_call, llm_reason, approval, branch,
		// wait, merge or finalize.
		Type NodeType `json:"type"`
		// Label is a human-readable description of the node.
		Label string `json:"label,omitempty"`
		// DependsOn lists node IDs that must succeed before this node becomes
		// ready, in addition to any incoming success edges.
		DependsOn []string `json:"dependsOn,omitempty"`
		// Policy carries per-node execution policy overrides.
		Policy *NodePolicy `json:"policy,omitempty"`

		// ToolID references the workspace tool invoked by a tool_call node.
		ToolID string `json:"toolId,omitempty"`
		// Endpoint selects the path and method on the tool. Format "METHOD path"
		// or a bare path (method defaults to POST).
		Endpoint string `json:"endpoint,omitempty"`
		// RequestTemplate is the request body template for tool_call nodes.
		// Occurrences of {{key}} are replaced by the step input of that name.
		RequestTemplate string `json:"requestTemplate,omitempty"`
		// Payment overrides the workspace auto-pay policy for this node.
		Payment *NodePayment `json:"payment,omitempty"`

		// SystemPrompt overrides the default system prompt of llm_reason nodes.
		SystemPrompt string `json:"systemPrompt,omitempty"`
		// UserPromptTemplate is the user prompt template of llm_reason nodes,
		// substituted like RequestTemplate.
		UserPromptTemplate string `json:"userPromptTemplate,omitempty"`
		// OutputFormat requests post-processing of llm_reason output. The only
		// recognized value is "json", which enables lenient JSON extraction.
		OutputFormat string `json:"outputFormat,omitempty"`

		// OutputTemplate renders the final output of finalize nodes,
		// substituted like RequestTemplate.
		OutputTemplate string `json:"outputTemplate,omitempty"`

		// StatusURL, CompletionField and CompletionValue describe the polling
		// contract of wait nodes. The current executor completes wait nodes
		// after a fixed delay; these fields are carried for the async tool
		// integration and validated for shape only.
		StatusURL       string `json:"statusUrl,omitempty"`
		CompletionField string `json:"completionField,omitempty"`
		CompletionValue string `json:"completionValue,omitempty"`
	}

	// NodePolicy carries per-node execution policy.
	NodePolicy struct {
		// RequiresApproval marks the node as gated on human approval.
		RequiresApproval bool `json:"requiresApproval,omitempty"`
		// MaxRetries bounds retry attempts. Zero means the engine default.
		MaxRetries int `json:"maxRetries,omitempty"`
		// TimeoutMS bounds a single outbound HTTP or model call in
		// milliseconds. Zero means the engine default.
		TimeoutMS int `json:"timeoutMs,omitempty"`
	}

	// NodePayment overrides workspace auto-pay policy for one tool_call node.
	NodePayment struct {
		// Allowed grants or denies 402 settlement for this node regardless of
		// the workspace setting.
		Allowed bool `json:"allowed"`
		// MaxAtomic caps a single payment in atomic units (decimal string).
		// Empty means the workspace per-step cap, then the engine default.
		MaxAtomic string `json:"maxAtomic,omitempty"`
	}

	// Edge is a directed connection between two nodes.
	Edge struct {
		// From and To are node IDs. Both must exist in the graph.
		From string `json:"from"`
		To   string `json:"to"`
		// Type classifies the edge: success edges gate readiness, failure and
		// conditional edges are advisory to the planner.
		Type EdgeType `json:"type"`
		// Condition is the expression attached to conditional edges. Its
		// language is not interpreted by the engine.
		Condition string `json:"condition,omitempty"`
	}

	// NodeType discriminates node handlers.
	NodeType string

	// EdgeType classifies graph edges.
	EdgeType string
)

const (
	// NodeToolCall invokes an HTTP tool, optionally through the 402 handshake.
	NodeToolCall NodeType = "tool_call"
	// NodeLLMReason invokes the model inference contract.
	NodeLLMReason NodeType = "llm_reason"
	// NodeApproval blocks the run until a human resolves it.
	NodeApproval NodeType = "approval"
	// NodeBranch selects among conditional edges. Accepted by the schema;
	// execution semantics are not yet defined and the executor fails it.
	NodeBranch NodeType = "branch"
	// NodeWait completes after a delay, pending the async polling contract.
	NodeWait NodeType = "wait"
	// NodeMerge joins multiple predecessor outputs into one input set.
	NodeMerge NodeType = "merge"
	// NodeFinalize renders the terminal output of the run.
	NodeFinalize NodeType = "finalize"
)

const (
	// EdgeSuccess gates readiness: the target becomes eligible only after the
	// source step succeeded.
	EdgeSuccess EdgeType = "success"
	// EdgeFailure marks an alternate path taken on source failure.
	EdgeFailure EdgeType = "failure"
	// EdgeConditional marks a branch-selected path.
	EdgeConditional EdgeType = "conditional"
)

// NodeTypes lists every node type accepted by the ingest schema.
func NodeTypes() []NodeType {
	return []NodeType{NodeToolCall, NodeLLMReason, NodeApproval, NodeBranch, NodeWait, NodeMerge, NodeFinalize}
}

// Node returns the node with the given ID and whether it exists.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Dependencies returns the IDs of every node that must succeed before the
// given node becomes ready: sources of incoming success edges plus the node's
// explicit DependsOn entries, deduplicated, order stable.
func (g *Graph) Dependencies(nodeID string) []string {
	var deps []string
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.Type == EdgeSuccess && e.To == nodeID && !seen[e.From] {
			seen[e.From] = true
			deps = append(deps, e.From)
		}
	}
	node, ok := g.Node(nodeID)
	if !ok {
		return deps
	}
	for _, d := range node.DependsOn {
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	return deps
}

// SuccessTargets returns the IDs of nodes reached by success edges from the
// given node, plus nodes whose DependsOn includes it. These are the candidates
// to unblock after the node succeeds.
func (g *Graph) SuccessTargets(nodeID string) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.Type == EdgeSuccess && e.From == nodeID && !seen[e.To] {
			seen[e.To] = true
			targets = append(targets, e.To)
		}
	}
	for _, n := range g.Nodes {
		if seen[n.ID] {
			continue
		}
		for _, d := range n.DependsOn {
			if d == nodeID {
				seen[n.ID] = true
				targets = append(targets, n.ID)
				break
			}
		}
	}
	return targets
}

// InitiallyReady reports whether the node is eligible as soon as the run is
// materialized: it is the entry node, or it has no explicit dependencies and
// no incoming success edge.
func (g *Graph) InitiallyReady(nodeID string) bool {
	if nodeID == g.EntryNodeID {
		return true
	}
	node, ok := g.Node(nodeID)
	if !ok {
		return false
	}
	if len(node.DependsOn) > 0 {
		return false
	}
	for _, e := range g.Edges {
		if e.Type == EdgeSuccess && e.To == nodeID {
			return false
		}
	}
	return true
}

// MarshalSnapshot encodes the graph as canonical JSON for embedding in a run
// document. The encoding round-trips through UnmarshalSnapshot without
// structural loss.
func (g *Graph) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(g)
}

// UnmarshalSnapshot decodes a graph snapshot produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return Graph{}, err
	}
	return g, nil
}
