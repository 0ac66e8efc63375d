package tool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/features/store/memory"
)

func TestReputationObserve(t *testing.T) {
	t.Parallel()

	var rep tool.Reputation
	rep = rep.Observe(true, 100*time.Millisecond)
	assert.InDelta(t, 0.1, rep.SuccessRate, 1e-9)
	assert.InDelta(t, 10.0, rep.AvgLatencyMS, 1e-9)

	// A slow failure drags the success rate down but still counts its latency.
	rep = rep.Observe(false, time.Second)
	assert.InDelta(t, 0.09, rep.SuccessRate, 1e-9)
	assert.InDelta(t, 109.0, rep.AvgLatencyMS, 1e-9)

	// Sustained success converges towards 1.
	for i := 0; i < 200; i++ {
		rep = rep.Observe(true, 50*time.Millisecond)
	}
	assert.Greater(t, rep.SuccessRate, 0.99)
}

func TestReputationObserveDispute(t *testing.T) {
	t.Parallel()

	var rep tool.Reputation
	rep = rep.ObserveDispute(true)
	assert.InDelta(t, 0.1, rep.DisputeRate, 1e-9)
	rep = rep.ObserveDispute(false)
	assert.InDelta(t, 0.09, rep.DisputeRate, 1e-9)
}

func TestStaticDiscoveryRanksByRelevanceAndReputation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tools := memory.NewToolStore()
	seed := func(id, name, desc string, successRate float64) {
		t.Helper()
		require.NoError(t, tools.Create(ctx, &tool.Tool{
			ID:          id,
			WorkspaceID: "ws-1",
			Name:        name,
			Description: desc,
			Reputation:  tool.Reputation{SuccessRate: successRate},
			CreatedAt:   time.Now().UTC(),
		}))
	}
	seed("flaky-search", "Web Search", "search the public web", 0.2)
	seed("solid-search", "Deep Search", "search engine with citations", 0.9)
	seed("translate", "Translator", "translate text between languages", 1.0)

	scored, err := (&tool.StaticDiscovery{Tools: tools}).Discover(ctx, "search the web", "ws-1", 0)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	// Equal textual relevance ranks by track record.
	assert.Equal(t, "solid-search", scored[0].Tool.ID)
	assert.Equal(t, "flaky-search", scored[1].Tool.ID)
	assert.Greater(t, scored[0].Score, scored[1].Score)
	for _, s := range scored {
		assert.LessOrEqual(t, s.Score, 1.0)
	}
}

func TestStaticDiscoveryBoundsResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tools := memory.NewToolStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tools.Create(ctx, &tool.Tool{
			ID:          id,
			WorkspaceID: "ws-1",
			Name:        "search " + id,
			CreatedAt:   time.Now().UTC(),
		}))
	}

	scored, err := (&tool.StaticDiscovery{Tools: tools}).Discover(ctx, "search", "ws-1", 2)
	require.NoError(t, err)
	assert.Len(t, scored, 2)
}

func TestStaticDiscoveryNoMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tools := memory.NewToolStore()
	require.NoError(t, tools.Create(ctx, &tool.Tool{
		ID:          "tool-1",
		WorkspaceID: "ws-1",
		Name:        "Translator",
		Description: "translate text",
		CreatedAt:   time.Now().UTC(),
	}))

	scored, err := (&tool.StaticDiscovery{Tools: tools}).Discover(ctx, "weather forecast", "ws-1", 0)
	require.NoError(t, err)
	assert.Empty(t, scored)
}
