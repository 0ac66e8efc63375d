package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meterflow/meterflow/engine/step"
)

type (
	// ArtifactStore implements step.ArtifactStore on MongoDB. Spilled outputs
	// stay well under the 16 MB document cap, so blobs live inline.
	ArtifactStore struct {
		base
	}

	artifactDocument struct {
		ID        string    `bson:"_id"`
		RunID     string    `bson:"run_id"`
		StepID    string    `bson:"step_id"`
		Kind      string    `bson:"kind"`
		Blob      []byte    `bson:"blob"`
		CreatedAt time.Time `bson:"created_at"`
	}
)

const artifactsCollection = "run_artifacts"

// Compile-time check that ArtifactStore implements step.ArtifactStore.
var _ step.ArtifactStore = (*ArtifactStore)(nil)

// NewArtifactStore returns an artifact store backed by the provided MongoDB
// client.
func NewArtifactStore(opts Options) (*ArtifactStore, error) {
	b, err := newBase(opts, artifactsCollection, "artifacts-mongo")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := ensureArtifactIndexes(ctx, b.coll); err != nil {
		return nil, err
	}
	return &ArtifactStore{base: b}, nil
}

func ensureArtifactIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "run_id", Value: 1},
				{Key: "step_id", Value: 1},
				{Key: "kind", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	})
	return err
}

// Put stores the artifact, replacing an existing one with the same run, step
// and kind.
func (s *ArtifactStore) Put(ctx context.Context, a *step.Artifact) error {
	if a == nil || a.RunID == "" || a.StepID == "" {
		return errors.New("artifact with run id and step id is required")
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	doc := artifactDocument{
		ID:        a.ID,
		RunID:     a.RunID,
		StepID:    a.StepID,
		Kind:      a.Kind,
		Blob:      append([]byte(nil), a.Blob...),
		CreatedAt: createdAt.UTC(),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"run_id": a.RunID, "step_id": a.StepID, "kind": a.Kind},
		doc,
		options.Replace().SetUpsert(true),
	)
	return translateErr(err)
}

// Get returns the artifact or store.ErrNotFound.
func (s *ArtifactStore) Get(ctx context.Context, runID, stepID, kind string) (*step.Artifact, error) {
	if runID == "" || stepID == "" {
		return nil, errors.New("run id and step id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc artifactDocument
	filter := bson.M{"run_id": runID, "step_id": stepID, "kind": kind}
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	return &step.Artifact{
		ID:        doc.ID,
		RunID:     doc.RunID,
		StepID:    doc.StepID,
		Kind:      doc.Kind,
		Blob:      append([]byte(nil), doc.Blob...),
		CreatedAt: doc.CreatedAt,
	}, nil
}
