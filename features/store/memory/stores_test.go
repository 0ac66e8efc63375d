package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/receipt"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workspace"
)

func TestReceiptStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewReceiptStore()
	first := &receipt.Receipt{ID: "rcpt-1", RunID: "run-1", StepID: "a", AmountAtomic: "10", Status: receipt.StatusSettled}
	second := &receipt.Receipt{ID: "rcpt-2", RunID: "run-1", StepID: "b", AmountAtomic: "20", Status: receipt.StatusRejected}
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Create(ctx, second))
	require.NoError(t, s.Create(ctx, &receipt.Receipt{ID: "rcpt-3", RunID: "run-2", Status: receipt.StatusSettled}))

	// Receipt IDs are unique.
	assert.ErrorIs(t, s.Create(ctx, &receipt.Receipt{ID: "rcpt-1", RunID: "run-1"}), store.ErrConflict)

	listed, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "rcpt-1", listed[0].ID)
	assert.Equal(t, "rcpt-2", listed[1].ID)
}

func TestWorkspaceStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewWorkspaceStore()
	require.NoError(t, s.Create(ctx, &workspace.Workspace{
		ID:       "ws-1",
		Name:     "Demo",
		Settings: workspace.Settings{AutoPayEnabled: false},
	}))
	assert.ErrorIs(t, s.Create(ctx, &workspace.Workspace{ID: "ws-1", Name: "Again"}), store.ErrConflict)

	updated := workspace.Settings{
		AutoPayEnabled:          true,
		AutoPayMaxPerStepAtomic: "50000",
		ToolAllowlist:           []string{"api.example.com"},
	}
	require.NoError(t, s.UpdateSettings(ctx, "ws-1", updated))
	assert.ErrorIs(t, s.UpdateSettings(ctx, "ghost", updated), store.ErrNotFound)

	got, err := s.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, updated, got.Settings)
}

func TestToolStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewToolStore()
	base := time.Now().UTC()
	require.NoError(t, s.Create(ctx, &tool.Tool{ID: "tool-1", WorkspaceID: "ws-1", Name: "Search", CreatedAt: base}))
	require.NoError(t, s.Create(ctx, &tool.Tool{ID: "tool-2", WorkspaceID: "ws-1", Name: "Scrape", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Create(ctx, &tool.Tool{ID: "tool-3", WorkspaceID: "ws-2", Name: "Other", CreatedAt: base}))

	listed, err := s.ListByWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	// Newest first.
	assert.Equal(t, "tool-2", listed[0].ID)
}

func TestToolStoreUpdateReputationMergesHints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewToolStore()
	require.NoError(t, s.Create(ctx, &tool.Tool{
		ID:           "tool-1",
		WorkspaceID:  "ws-1",
		Name:         "Search",
		PricingHints: map[string]string{"/v1/search": "100"},
	}))

	rep := tool.Reputation{SuccessRate: 0.9, AvgLatencyMS: 120}
	require.NoError(t, s.UpdateReputation(ctx, "tool-1", rep, map[string]string{
		"/v1/search": "150",
		"/v1/deep":   "900",
	}))

	got, err := s.Get(ctx, "tool-1")
	require.NoError(t, err)
	assert.Equal(t, rep, got.Reputation)
	// Hints merge per path, later observations winning.
	assert.Equal(t, "150", got.PricingHints["/v1/search"])
	assert.Equal(t, "900", got.PricingHints["/v1/deep"])

	// A nil hints map leaves pricing untouched.
	require.NoError(t, s.UpdateReputation(ctx, "tool-1", rep, nil))
	got, err = s.Get(ctx, "tool-1")
	require.NoError(t, err)
	assert.Len(t, got.PricingHints, 2)

	assert.ErrorIs(t, s.UpdateReputation(ctx, "ghost", rep, nil), store.ErrNotFound)
}

func TestArtifactStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewArtifactStore()
	blob := []byte(`{"huge": true}`)
	require.NoError(t, s.Put(ctx, &step.Artifact{
		ID:     "art-1",
		RunID:  "run-1",
		StepID: "step-1",
		Kind:   "outputs",
		Blob:   blob,
	}))

	// The store copies blobs both ways.
	blob[0] = 'X'
	got, err := s.Get(ctx, "run-1", "step-1", "outputs")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"huge": true}`), got.Blob)
	assert.False(t, got.CreatedAt.IsZero())
	got.Blob[0] = 'Y'

	again, err := s.Get(ctx, "run-1", "step-1", "outputs")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"huge": true}`), again.Blob)

	// Put replaces the same run/step/kind slot.
	require.NoError(t, s.Put(ctx, &step.Artifact{
		ID:     "art-2",
		RunID:  "run-1",
		StepID: "step-1",
		Kind:   "outputs",
		Blob:   []byte(`{}`),
	}))
	replaced, err := s.Get(ctx, "run-1", "step-1", "outputs")
	require.NoError(t, err)
	assert.Equal(t, "art-2", replaced.ID)

	_, err = s.Get(ctx, "run-1", "step-1", "other")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
