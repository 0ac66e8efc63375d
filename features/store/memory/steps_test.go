package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/workflow"
)

func seedSteps(t *testing.T, s *StepStore, steps ...*step.Step) {
	t.Helper()
	require.NoError(t, s.CreateAll(context.Background(), steps))
}

func queuedStep(runID, stepID string, updatedAt time.Time) *step.Step {
	return &step.Step{
		RunID:       runID,
		WorkspaceID: "ws-1",
		StepID:      stepID,
		NodeType:    workflow.NodeWait,
		Status:      step.StatusQueued,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
}

func TestStepStoreClaimOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewStepStore()
	base := time.Now().UTC().Add(-time.Minute)
	seedSteps(t, s,
		queuedStep("run-1", "newer", base.Add(30*time.Second)),
		queuedStep("run-1", "older", base),
	)

	now := time.Now().UTC()
	claimed, err := s.Claim(context.Background(), "", "worker-1", now)
	require.NoError(t, err)
	assert.Equal(t, "older", claimed.StepID)
	assert.Equal(t, step.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempt)
	require.NotNil(t, claimed.Lock)
	assert.Equal(t, "worker-1", claimed.Lock.WorkerID)
}

func TestStepStoreClaimScopesAndEligibility(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStepStore()
	now := time.Now().UTC()
	future := now.Add(time.Minute)

	delayed := queuedStep("run-1", "delayed", now.Add(-time.Hour))
	delayed.NextEligibleAt = &future
	other := queuedStep("run-2", "other", now.Add(-time.Minute))
	seedSteps(t, s, delayed, other)

	// run-1 has only a step that is not yet eligible.
	_, err := s.Claim(ctx, "run-1", "worker-1", now)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Unscoped claim finds run-2's step.
	claimed, err := s.Claim(ctx, "", "worker-1", now)
	require.NoError(t, err)
	assert.Equal(t, "other", claimed.StepID)

	// Once past the delay the step becomes claimable.
	claimed, err = s.Claim(ctx, "run-1", "worker-1", future.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "delayed", claimed.StepID)
}

func TestStepStoreClaimStress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStepStore()
	const total = 50
	steps := make([]*step.Step, 0, total)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < total; i++ {
		steps = append(steps, queuedStep("run-1", fmt.Sprintf("step-%02d", i), base.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, s.CreateAll(ctx, steps))

	// Concurrent workers must never lease the same step twice.
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		by = make(map[string]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.Claim(ctx, "run-1", "worker", time.Now().UTC())
				if err != nil {
					return
				}
				mu.Lock()
				by[claimed.StepID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, by, total)
	for id, n := range by {
		assert.Equalf(t, 1, n, "step %s leased %d times", id, n)
	}
}

func TestStepStoreUpdateIf(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStepStore()
	st := queuedStep("run-1", "step-1", time.Now().UTC())
	st.Status = step.StatusBlocked
	seedSteps(t, s, st)

	// Guard matches: blocked -> queued.
	updated, err := s.UpdateIf(ctx, "run-1", "step-1", step.StatusBlocked, step.Update{
		Status: step.StatusPtr(step.StatusQueued),
	})
	require.NoError(t, err)
	assert.Equal(t, step.StatusQueued, updated.Status)

	// Guard no longer matches.
	_, err = s.UpdateIf(ctx, "run-1", "step-1", step.StatusBlocked, step.Update{
		Status: step.StatusPtr(step.StatusQueued),
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.UpdateIf(ctx, "run-1", "ghost", step.StatusBlocked, step.Update{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStepStoreUpdateAppliesPartialWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStepStore()
	now := time.Now().UTC()
	st := queuedStep("run-1", "step-1", now)
	st.Status = step.StatusRunning
	st.Lock = &step.Lease{WorkerID: "worker-1", LockedAt: now}
	next := now.Add(time.Minute)
	st.NextEligibleAt = &next
	seedSteps(t, s, st)

	updated, err := s.Update(ctx, "run-1", "step-1", step.Update{
		Status:              step.StatusPtr(step.StatusSucceeded),
		ClearLock:           true,
		Outputs:             map[string]any{"result": "ok"},
		ClearNextEligibleAt: true,
		Metrics:             &step.Metrics{LatencyMS: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, step.StatusSucceeded, updated.Status)
	assert.Nil(t, updated.Lock)
	assert.Nil(t, updated.NextEligibleAt)
	assert.Equal(t, "ok", updated.Outputs["result"])
	require.NotNil(t, updated.Metrics)
	assert.Equal(t, int64(12), updated.Metrics.LatencyMS)
}

func TestStepStoreReapStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStepStore()
	now := time.Now().UTC()

	stale := queuedStep("run-1", "stale", now.Add(-time.Hour))
	stale.Status = step.StatusRunning
	stale.Attempt = 2
	stale.Lock = &step.Lease{WorkerID: "gone", LockedAt: now.Add(-10 * time.Minute)}
	fresh := queuedStep("run-1", "fresh", now)
	fresh.Status = step.StatusRunning
	fresh.Lock = &step.Lease{WorkerID: "alive", LockedAt: now}
	seedSteps(t, s, stale, fresh)

	reaped, err := s.ReapStale(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := s.Get(ctx, "run-1", "stale")
	require.NoError(t, err)
	assert.Equal(t, step.StatusQueued, got.Status)
	assert.Nil(t, got.Lock)
	// Attempt counting belongs to the claim, not the reaper.
	assert.Equal(t, 2, got.Attempt)

	got, err = s.Get(ctx, "run-1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, step.StatusRunning, got.Status)
}

func TestStepStoreListByRunOrdersByCreation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStepStore()
	base := time.Now().UTC()
	seedSteps(t, s,
		queuedStep("run-1", "b", base),
		queuedStep("run-1", "a", base),
		queuedStep("run-1", "later", base.Add(time.Second)),
		queuedStep("run-2", "unrelated", base),
	)

	steps, err := s.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "a", steps[0].StepID)
	assert.Equal(t, "b", steps[1].StepID)
	assert.Equal(t, "later", steps[2].StepID)
}

func TestStepStoreCopiesOnReadAndWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStepStore()
	st := queuedStep("run-1", "step-1", time.Now().UTC())
	st.Inputs = map[string]any{"k": "v"}
	seedSteps(t, s, st)

	// Mutating the caller's copy must not leak into the store.
	st.Inputs["k"] = "mutated"
	got, err := s.Get(ctx, "run-1", "step-1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Inputs["k"])

	got.Inputs["k"] = "mutated again"
	again, err := s.Get(ctx, "run-1", "step-1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Inputs["k"])
}
