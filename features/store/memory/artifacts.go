package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
)

// ArtifactStore is an in-memory implementation of step.ArtifactStore. Blobs
// are kept opaque; no JSON round-trip is applied to them.
type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]*step.Artifact // key: runID + "/" + stepID + "/" + kind
}

// Compile-time check that ArtifactStore implements step.ArtifactStore.
var _ step.ArtifactStore = (*ArtifactStore)(nil)

// NewArtifactStore creates an empty artifact store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{artifacts: make(map[string]*step.Artifact)}
}

func artifactKey(runID, stepID, kind string) string {
	return runID + "/" + stepID + "/" + kind
}

// Put stores the artifact, replacing an existing one with the same run, step
// and kind.
func (s *ArtifactStore) Put(ctx context.Context, a *step.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a == nil || a.RunID == "" || a.StepID == "" {
		return errors.New("artifact with run id and step id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *a
	stored.Blob = append([]byte(nil), a.Blob...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.artifacts[artifactKey(a.RunID, a.StepID, a.Kind)] = &stored
	return nil
}

// Get returns the artifact or store.ErrNotFound.
func (s *ArtifactStore) Get(ctx context.Context, runID, stepID, kind string) (*step.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[artifactKey(runID, stepID, kind)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *a
	out.Blob = append([]byte(nil), a.Blob...)
	return &out, nil
}
