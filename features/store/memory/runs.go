package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/store"
)

// RunStore is an in-memory implementation of run.Store.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*run.Run
}

// Compile-time check that RunStore implements run.Store.
var _ run.Store = (*RunStore)(nil)

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*run.Run)}
}

// Create stores a new run.
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.ID == "" {
		return errors.New("run with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.runs[r.ID]; dup {
		return store.ErrConflict
	}
	s.runs[r.ID] = clone(r)
	return nil
}

// Get returns the run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(r), nil
}

// ListByWorkspace returns up to limit runs ordered by creation time
// descending.
func (s *RunStore) ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, r := range s.runs {
		if r.WorkspaceID == workspaceID {
			out = append(out, clone(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus transitions the run status iff its current status is in from.
func (s *RunStore) UpdateStatus(ctx context.Context, id string, from []run.Status, to run.Status) (*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	matched := len(from) == 0
	for _, f := range from {
		if r.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, store.ErrConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return clone(r), nil
}

// CompareAndSetSpent sets budget.spentAtomic iff the stored value equals
// prev.
func (s *RunStore) CompareAndSetSpent(ctx context.Context, id string, prev, next string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Budget.SpentAtomic != prev {
		return store.ErrConflict
	}
	r.Budget.SpentAtomic = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Heartbeat refreshes lastHeartbeatAt.
func (s *RunStore) Heartbeat(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	r.LastHeartbeatAt = &now
	return nil
}
