package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/workspace"
)

type (
	// WorkspaceStore implements workspace.Store on MongoDB.
	WorkspaceStore struct {
		base
	}

	workspaceDocument struct {
		ID        string           `bson:"_id"`
		Name      string           `bson:"name"`
		Settings  settingsDocument `bson:"settings"`
		CreatedAt time.Time        `bson:"created_at"`
		UpdatedAt time.Time        `bson:"updated_at"`
	}

	settingsDocument struct {
		AutoPayEnabled          bool     `bson:"auto_pay_enabled"`
		AutoPayMaxPerStepAtomic string   `bson:"auto_pay_max_per_step_atomic,omitempty"`
		AutoPayMaxPerRunAtomic  string   `bson:"auto_pay_max_per_run_atomic,omitempty"`
		ToolAllowlist           []string `bson:"tool_allowlist,omitempty"`
	}
)

const workspacesCollection = "workspaces"

// Compile-time check that WorkspaceStore implements workspace.Store.
var _ workspace.Store = (*WorkspaceStore)(nil)

// NewWorkspaceStore returns a workspace store backed by the provided MongoDB
// client.
func NewWorkspaceStore(opts Options) (*WorkspaceStore, error) {
	b, err := newBase(opts, workspacesCollection, "workspaces-mongo")
	if err != nil {
		return nil, err
	}
	return &WorkspaceStore{base: b}, nil
}

// Create persists a new workspace.
func (s *WorkspaceStore) Create(ctx context.Context, w *workspace.Workspace) error {
	if w == nil || w.ID == "" {
		return errors.New("workspace with id is required")
	}
	doc := workspaceDocument{
		ID:        w.ID,
		Name:      w.Name,
		Settings:  settingsToDocument(w.Settings),
		CreatedAt: w.CreatedAt.UTC(),
		UpdatedAt: w.UpdatedAt.UTC(),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return translateErr(err)
	}
	return nil
}

// Get returns the workspace by ID.
func (s *WorkspaceStore) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	if id == "" {
		return nil, errors.New("workspace id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workspaceDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	return &workspace.Workspace{
		ID:   doc.ID,
		Name: doc.Name,
		Settings: workspace.Settings{
			AutoPayEnabled:          doc.Settings.AutoPayEnabled,
			AutoPayMaxPerStepAtomic: doc.Settings.AutoPayMaxPerStepAtomic,
			AutoPayMaxPerRunAtomic:  doc.Settings.AutoPayMaxPerRunAtomic,
			ToolAllowlist:           doc.Settings.ToolAllowlist,
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// UpdateSettings replaces the workspace settings.
func (s *WorkspaceStore) UpdateSettings(ctx context.Context, id string, settings workspace.Settings) error {
	if id == "" {
		return errors.New("workspace id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"settings":   settingsToDocument(settings),
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return translateErr(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func settingsToDocument(s workspace.Settings) settingsDocument {
	return settingsDocument{
		AutoPayEnabled:          s.AutoPayEnabled,
		AutoPayMaxPerStepAtomic: s.AutoPayMaxPerStepAtomic,
		AutoPayMaxPerRunAtomic:  s.AutoPayMaxPerRunAtomic,
		ToolAllowlist:           s.ToolAllowlist,
	}
}
