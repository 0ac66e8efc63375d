// Package tool defines workspace-scoped HTTP tools, their reputation model
// and the store and discovery contracts.
//
// Tools are referenced by run steps, never owned by them: deleting a tool
// does not rewrite historical runs. Reputation is updated by an exponential
// moving average after every invocation.
package tool

import (
	"context"
	"sort"
	"strings"
	"time"
)

// emaAlpha is the smoothing factor of the reputation moving average.
const emaAlpha = 0.1

type (
	// Tool is a pay-per-call HTTP service registered in a workspace.
	Tool struct {
		ID          string
		WorkspaceID string
		Name        string
		Description string
		BaseURL     string
		Endpoints   []Endpoint
		// Source records how the tool entered the registry.
		Source Source
		// Reputation aggregates observed invocation outcomes.
		Reputation Reputation
		// PricingHints caches prices observed through 402 exchanges, keyed by
		// endpoint path. Values are decimal atomic-unit strings.
		PricingHints map[string]string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Endpoint is one callable path on a tool.
	Endpoint struct {
		Path   string `json:"path"`
		Method string `json:"method"`
	}

	// Reputation aggregates invocation outcomes with an EMA (α = 0.1).
	Reputation struct {
		// SuccessRate is in [0, 1].
		SuccessRate float64 `json:"successRate"`
		// AvgLatencyMS is the smoothed request latency.
		AvgLatencyMS float64 `json:"avgLatencyMs"`
		// DisputeRate is in [0, 1].
		DisputeRate float64 `json:"disputeRate"`
	}

	// Source records how a tool was registered.
	Source string

	// Scored pairs a tool with a discovery relevance score in [0, 1].
	Scored struct {
		Tool  *Tool
		Score float64
	}

	// Store is the tool persistence contract.
	Store interface {
		// Create persists a new tool.
		Create(ctx context.Context, t *Tool) error

		// Get returns the tool by ID or store.ErrNotFound.
		Get(ctx context.Context, id string) (*Tool, error)

		// ListByWorkspace returns the workspace's tools ordered by creation
		// time descending.
		ListByWorkspace(ctx context.Context, workspaceID string) ([]*Tool, error)

		// UpdateReputation replaces the tool's reputation and merges pricing
		// hints. A nil hints map leaves pricing untouched.
		UpdateReputation(ctx context.Context, id string, rep Reputation, hints map[string]string) error
	}

	// Discovery is the tool discovery collaborator contract.
	Discovery interface {
		Discover(ctx context.Context, intent, workspaceID string, maxResults int) ([]Scored, error)
	}
)

const (
	// SourceImported marks tools pulled from an external registry.
	SourceImported Source = "imported"
	// SourceManual marks tools registered by hand.
	SourceManual Source = "manual"
)

// Observe folds one invocation outcome into the reputation using the EMA.
// Failed invocations contribute their latency too: a slow failure is still a
// latency observation.
func (r Reputation) Observe(success bool, latency time.Duration) Reputation {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	r.SuccessRate = emaAlpha*outcome + (1-emaAlpha)*r.SuccessRate
	r.AvgLatencyMS = emaAlpha*float64(latency.Milliseconds()) + (1-emaAlpha)*r.AvgLatencyMS
	return r
}

// ObserveDispute folds one dispute observation into the reputation.
func (r Reputation) ObserveDispute(disputed bool) Reputation {
	outcome := 0.0
	if disputed {
		outcome = 1.0
	}
	r.DisputeRate = emaAlpha*outcome + (1-emaAlpha)*r.DisputeRate
	return r
}

// StaticDiscovery ranks a workspace's registered tools by a
// reputation-weighted substring match against the intent. It honors the
// Discovery contract for development and tests; production deployments plug a
// vector search behind the same interface.
type StaticDiscovery struct {
	Tools Store
}

// Discover implements Discovery.
func (d *StaticDiscovery) Discover(ctx context.Context, intent, workspaceID string, maxResults int) ([]Scored, error) {
	all, err := d.Tools.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(intent))
	scored := make([]Scored, 0, len(all))
	for _, t := range all {
		haystack := strings.ToLower(t.Name + " " + t.Description)
		matched := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				matched++
			}
		}
		var match float64
		if len(terms) > 0 {
			match = float64(matched) / float64(len(terms))
		}
		// Weight textual relevance by observed reliability so two tools with
		// the same description rank by track record.
		score := match * (0.5 + 0.5*t.Reputation.SuccessRate)
		if score > 0 {
			scored = append(scored, Scored{Tool: t, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if maxResults > 0 && len(scored) > maxResults {
		scored = scored[:maxResults]
	}
	return scored, nil
}
