package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/tool"
)

// ToolStore is an in-memory implementation of tool.Store.
type ToolStore struct {
	mu    sync.RWMutex
	tools map[string]*tool.Tool
}

// Compile-time check that ToolStore implements tool.Store.
var _ tool.Store = (*ToolStore)(nil)

// NewToolStore creates an empty tool store.
func NewToolStore() *ToolStore {
	return &ToolStore{tools: make(map[string]*tool.Tool)}
}

// Create persists a new tool.
func (s *ToolStore) Create(ctx context.Context, t *tool.Tool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.ID == "" {
		return errors.New("tool with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tools[t.ID]; dup {
		return store.ErrConflict
	}
	s.tools[t.ID] = clone(t)
	return nil
}

// Get returns the tool by ID.
func (s *ToolStore) Get(ctx context.Context, id string) (*tool.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

// ListByWorkspace returns the workspace's tools ordered by creation time
// descending.
func (s *ToolStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*tool.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tool.Tool
	for _, t := range s.tools {
		if t.WorkspaceID == workspaceID {
			out = append(out, clone(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateReputation replaces the tool's reputation and merges pricing hints.
func (s *ToolStore) UpdateReputation(ctx context.Context, id string, rep tool.Reputation, hints map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Reputation = rep
	if hints != nil {
		if t.PricingHints == nil {
			t.PricingHints = make(map[string]string, len(hints))
		}
		for path, price := range hints {
			t.PricingHints[path] = price
		}
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}
