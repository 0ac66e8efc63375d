package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/workspace"
)

// WorkspaceStore is an in-memory implementation of workspace.Store.
type WorkspaceStore struct {
	mu         sync.RWMutex
	workspaces map[string]*workspace.Workspace
}

// Compile-time check that WorkspaceStore implements workspace.Store.
var _ workspace.Store = (*WorkspaceStore)(nil)

// NewWorkspaceStore creates an empty workspace store.
func NewWorkspaceStore() *WorkspaceStore {
	return &WorkspaceStore{workspaces: make(map[string]*workspace.Workspace)}
}

// Create persists a new workspace.
func (s *WorkspaceStore) Create(ctx context.Context, w *workspace.Workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w == nil || w.ID == "" {
		return errors.New("workspace with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.workspaces[w.ID]; dup {
		return store.ErrConflict
	}
	s.workspaces[w.ID] = clone(w)
	return nil
}

// Get returns the workspace by ID.
func (s *WorkspaceStore) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(w), nil
}

// UpdateSettings replaces the workspace settings.
func (s *WorkspaceStore) UpdateSettings(ctx context.Context, id string, settings workspace.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return store.ErrNotFound
	}
	w.Settings = clone(settings)
	w.UpdatedAt = time.Now().UTC()
	return nil
}
