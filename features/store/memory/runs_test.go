package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/store"
)

func newRun(id, workspaceID string, createdAt time.Time) *run.Run {
	return &run.Run{
		ID:          id,
		WorkspaceID: workspaceID,
		Status:      run.StatusQueued,
		Budget: run.Budget{
			Asset:       "USDC",
			Network:     "eip155:84532",
			MaxAtomic:   "1000000",
			SpentAtomic: "0",
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestRunStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	r := newRun("run-1", "ws-1", time.Now().UTC())
	require.NoError(t, s.Create(ctx, r))

	// Duplicate IDs conflict.
	assert.ErrorIs(t, s.Create(ctx, newRun("run-1", "ws-1", time.Now().UTC())), store.ErrConflict)

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", got.WorkspaceID)

	_, err = s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreListByWorkspace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Create(ctx, newRun(fmt.Sprintf("run-%d", i), "ws-1", base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Create(ctx, newRun("other", "ws-2", base)))

	runs, err := s.ListByWorkspace(ctx, "ws-1", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// Newest first.
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-1", runs[2].ID)
}

func TestRunStoreUpdateStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	require.NoError(t, s.Create(ctx, newRun("run-1", "ws-1", time.Now().UTC())))

	updated, err := s.UpdateStatus(ctx, "run-1", []run.Status{run.StatusQueued}, run.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, updated.Status)

	// Same transition again conflicts: the run left the queued state.
	_, err = s.UpdateStatus(ctx, "run-1", []run.Status{run.StatusQueued}, run.StatusRunning)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.UpdateStatus(ctx, "ghost", []run.Status{run.StatusQueued}, run.StatusRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreCompareAndSetSpent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	require.NoError(t, s.Create(ctx, newRun("run-1", "ws-1", time.Now().UTC())))

	require.NoError(t, s.CompareAndSetSpent(ctx, "run-1", "0", "100"))
	// Stale prior value: the counter moved.
	assert.ErrorIs(t, s.CompareAndSetSpent(ctx, "run-1", "0", "200"), store.ErrConflict)
	require.NoError(t, s.CompareAndSetSpent(ctx, "run-1", "100", "250"))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "250", got.Budget.SpentAtomic)
}

func TestRunStoreHeartbeat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	require.NoError(t, s.Create(ctx, newRun("run-1", "ws-1", time.Now().UTC())))

	require.NoError(t, s.Heartbeat(ctx, "run-1"))
	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)

	assert.ErrorIs(t, s.Heartbeat(ctx, "ghost"), store.ErrNotFound)
}
