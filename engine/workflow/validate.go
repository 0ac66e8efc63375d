package workflow

import (
	"errors"
	"fmt"
)

// ErrCycle is returned by Validate when the graph contains a dependency
// cycle. Callers surface it verbatim; a cyclic graph never becomes a run.
var ErrCycle = errors.New("graph contains a cycle")

// Validate checks the structural invariants of a graph:
//
//   - at least one node, and node IDs are unique
//   - the entry node exists and has no incoming success edges
//   - every edge endpoint and every DependsOn entry references an existing node
//   - no self-loops, through edges or DependsOn
//   - every tool_call node carries a tool ID
//   - the dependency relation (all edges plus DependsOn) is acyclic
//
// It returns nil when the graph is well formed, ErrCycle (possibly wrapped)
// on a cycle, and a descriptive error on any other violation.
func Validate(g *Graph) error {
	if g == nil {
		return errors.New("graph is required")
	}
	if len(g.Nodes) == 0 {
		return errors.New("graph has no nodes")
	}
	byID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return errors.New("node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		if !validNodeType(n.Type) {
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
		byID[n.ID] = n
	}
	if g.EntryNodeID == "" {
		return errors.New("entry node id is required")
	}
	if _, ok := byID[g.EntryNodeID]; !ok {
		return fmt.Errorf("entry node %q does not exist", g.EntryNodeID)
	}

	for _, e := range g.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("node %q has a self-loop", e.From)
		}
		if e.Type != EdgeSuccess && e.Type != EdgeFailure && e.Type != EdgeConditional {
			return fmt.Errorf("edge %s->%s has unknown type %q", e.From, e.To, e.Type)
		}
		if e.Type == EdgeSuccess && e.To == g.EntryNodeID {
			return fmt.Errorf("entry node %q has an incoming success edge", g.EntryNodeID)
		}
	}

	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			if _, ok := byID[d]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, d)
			}
			if d == n.ID {
				return fmt.Errorf("node %q depends on itself", n.ID)
			}
		}
		if n.Type == NodeToolCall && n.ToolID == "" {
			return fmt.Errorf("tool_call node %q has no tool id", n.ID)
		}
	}

	if cyclic(g, byID) {
		return ErrCycle
	}
	return nil
}

func validNodeType(t NodeType) bool {
	for _, known := range NodeTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// cyclic runs Kahn's algorithm over the union of edges and DependsOn links.
// Any node left with a nonzero in-degree after the topological sweep sits on
// a cycle.
func cyclic(g *Graph, byID map[string]Node) bool {
	indegree := make(map[string]int, len(g.Nodes))
	adjacency := make(map[string][]string, len(g.Nodes))
	for id := range byID {
		indegree[id] = 0
	}
	addLink := func(from, to string) {
		adjacency[from] = append(adjacency[from], to)
		indegree[to]++
	}
	for _, e := range g.Edges {
		addLink(e.From, e.To)
	}
	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			addLink(d, n.ID)
		}
	}

	queue := make([]string, 0, len(g.Nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(g.Nodes)
}
