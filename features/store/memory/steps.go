package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
)

// StepStore is an in-memory implementation of step.Store. The claim
// operation holds the store lock for its whole find-and-modify, which gives
// it the same atomicity as the MongoDB findOneAndUpdate it mirrors.
type StepStore struct {
	mu    sync.Mutex
	steps map[string]*step.Step // key: runID + "/" + stepID
}

// Compile-time check that StepStore implements step.Store.
var _ step.Store = (*StepStore)(nil)

// NewStepStore creates an empty step store.
func NewStepStore() *StepStore {
	return &StepStore{steps: make(map[string]*step.Step)}
}

func stepKey(runID, stepID string) string { return runID + "/" + stepID }

// CreateAll inserts the materialized steps of a run.
func (s *StepStore) CreateAll(ctx context.Context, steps []*step.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		if st == nil || st.RunID == "" || st.StepID == "" {
			return errors.New("step with run id and step id is required")
		}
		key := stepKey(st.RunID, st.StepID)
		if _, dup := s.steps[key]; dup {
			return store.ErrConflict
		}
	}
	for _, st := range steps {
		s.steps[stepKey(st.RunID, st.StepID)] = clone(st)
	}
	return nil
}

// Get returns one step.
func (s *StepStore) Get(ctx context.Context, runID, stepID string) (*step.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepKey(runID, stepID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(st), nil
}

// ListByRun returns every step of the run in creation order.
func (s *StepStore) ListByRun(ctx context.Context, runID string) ([]*step.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*step.Step
	for _, st := range s.steps {
		if st.RunID == runID {
			out = append(out, clone(st))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StepID < out[j].StepID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Claim atomically leases the oldest eligible queued step.
func (s *StepStore) Claim(ctx context.Context, runID, workerID string, now time.Time) (*step.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidate *step.Step
	for _, st := range s.steps {
		if st.Status != step.StatusQueued {
			continue
		}
		if runID != "" && st.RunID != runID {
			continue
		}
		if st.NextEligibleAt != nil && st.NextEligibleAt.After(now) {
			continue
		}
		if candidate == nil || st.UpdatedAt.Before(candidate.UpdatedAt) {
			candidate = st
		}
	}
	if candidate == nil {
		return nil, store.ErrNotFound
	}
	candidate.Status = step.StatusRunning
	candidate.Lock = &step.Lease{WorkerID: workerID, LockedAt: now}
	candidate.Attempt++
	candidate.UpdatedAt = now
	return clone(candidate), nil
}

// Update applies a partial write to one step.
func (s *StepStore) Update(ctx context.Context, runID, stepID string, u step.Update) (*step.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepKey(runID, stepID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	applyUpdate(st, u)
	return clone(st), nil
}

// UpdateIf applies a partial write iff the step's status is expect.
func (s *StepStore) UpdateIf(ctx context.Context, runID, stepID string, expect step.Status, u step.Update) (*step.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepKey(runID, stepID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if st.Status != expect {
		return nil, store.ErrConflict
	}
	applyUpdate(st, u)
	return clone(st), nil
}

// ReapStale resets running steps whose lease predates cutoff back to queued.
func (s *StepStore) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	now := time.Now().UTC()
	for _, st := range s.steps {
		if st.Status != step.StatusRunning || st.Lock == nil {
			continue
		}
		if st.Lock.LockedAt.Before(cutoff) {
			st.Status = step.StatusQueued
			st.Lock = nil
			st.UpdatedAt = now
			reaped++
		}
	}
	return reaped, nil
}

func applyUpdate(st *step.Step, u step.Update) {
	if u.Status != nil {
		st.Status = *u.Status
	}
	if u.ClearLock {
		st.Lock = nil
	} else if u.Lock != nil {
		lease := *u.Lock
		st.Lock = &lease
	}
	if u.Inputs != nil {
		st.Inputs = cloneMap(u.Inputs)
	}
	if u.Outputs != nil {
		st.Outputs = cloneMap(u.Outputs)
	}
	if u.ClearError {
		st.Error = nil
	} else if u.Error != nil {
		e := *u.Error
		st.Error = &e
	}
	if u.Metrics != nil {
		m := *u.Metrics
		st.Metrics = &m
	}
	if u.ClearNextEligibleAt {
		st.NextEligibleAt = nil
	} else if u.NextEligibleAt != nil {
		t := *u.NextEligibleAt
		st.NextEligibleAt = &t
	}
	st.UpdatedAt = time.Now().UTC()
}
