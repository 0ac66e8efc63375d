package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/workflow"
)

type (
	// RunStore implements run.Store on MongoDB.
	RunStore struct {
		base
	}

	runDocument struct {
		ID              string          `bson:"_id"`
		WorkspaceID     string          `bson:"workspace_id"`
		CreatedBy       string          `bson:"created_by"`
		Status          string          `bson:"status"`
		Input           inputDocument   `bson:"input"`
		Graph           []byte          `bson:"graph"`
		Budget          budgetDocument  `bson:"budget"`
		AutoPay         autoPayDocument `bson:"auto_pay"`
		CreatedAt       time.Time       `bson:"created_at"`
		UpdatedAt       time.Time       `bson:"updated_at"`
		LastHeartbeatAt *time.Time      `bson:"last_heartbeat_at,omitempty"`
	}

	inputDocument struct {
		Text            string `bson:"text"`
		VoiceTranscript string `bson:"voice_transcript,omitempty"`
	}

	budgetDocument struct {
		Asset       string `bson:"asset"`
		Network     string `bson:"network"`
		MaxAtomic   string `bson:"max_atomic"`
		SpentAtomic string `bson:"spent_atomic"`
	}

	autoPayDocument struct {
		Enabled          bool   `bson:"enabled"`
		MaxPerStepAtomic string `bson:"max_per_step_atomic,omitempty"`
		MaxPerRunAtomic  string `bson:"max_per_run_atomic,omitempty"`
	}
)

const runsCollection = "runs"

// Compile-time check that RunStore implements run.Store.
var _ run.Store = (*RunStore)(nil)

// NewRunStore returns a run store backed by the provided MongoDB client.
func NewRunStore(opts Options) (*RunStore, error) {
	b, err := newBase(opts, runsCollection, "runs-mongo")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := ensureRunIndexes(ctx, b.coll); err != nil {
		return nil, err
	}
	return &RunStore{base: b}, nil
}

func ensureRunIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{
			{Key: "workspace_id", Value: 1},
			{Key: "created_at", Value: -1},
		}},
	})
	return err
}

// Create persists a new run.
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return errors.New("run with id is required")
	}
	doc, err := runToDocument(r)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return translateErr(err)
	}
	return nil
}

// Get returns the run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	if id == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	return runFromDocument(&doc)
}

// ListByWorkspace returns up to limit runs ordered by creation time
// descending.
func (s *RunStore) ListByWorkspace(ctx context.Context, workspaceID string, limit int) (runs []*run.Run, err error) {
	if workspaceID == "" {
		return nil, errors.New("workspace id is required")
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"workspace_id": workspaceID}, findOpts)
	if err != nil {
		return nil, translateErr(err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		r, err := runFromDocument(&doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := cur.Err(); err != nil {
		return nil, translateErr(err)
	}
	return runs, nil
}

// UpdateStatus transitions the run status iff its current status is in from.
// The transition and the guard are one findOneAndUpdate, so two workers
// racing the same transition cannot both win.
func (s *RunStore) UpdateStatus(ctx context.Context, id string, from []run.Status, to run.Status) (*run.Run, error) {
	if id == "" {
		return nil, errors.New("run id is required")
	}
	filter := bson.M{"_id": id}
	if len(from) > 0 {
		statuses := make([]string, len(from))
		for i, f := range from {
			statuses[i] = string(f)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	update := bson.M{"$set": bson.M{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return runFromDocument(&doc)
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, translateErr(err)
	}
	// The guarded update matched nothing: distinguish a missing run from a
	// status conflict.
	n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if cerr != nil {
		return nil, translateErr(cerr)
	}
	if n == 0 {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrConflict
}

// CompareAndSetSpent sets budget.spent_atomic iff the stored value equals
// prev.
func (s *RunStore) CompareAndSetSpent(ctx context.Context, id string, prev, next string) error {
	if id == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "budget.spent_atomic": prev},
		bson.M{"$set": bson.M{
			"budget.spent_atomic": next,
			"updated_at":          time.Now().UTC(),
		}},
	)
	if err != nil {
		return translateErr(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if cerr != nil {
		return translateErr(cerr)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// Heartbeat updates last_heartbeat_at to now.
func (s *RunStore) Heartbeat(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_heartbeat_at": time.Now().UTC()}},
	)
	if err != nil {
		return translateErr(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func runToDocument(r *run.Run) (*runDocument, error) {
	graph, err := r.Graph.MarshalSnapshot()
	if err != nil {
		return nil, err
	}
	return &runDocument{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		CreatedBy:   r.CreatedBy,
		Status:      string(r.Status),
		Input: inputDocument{
			Text:            r.Input.Text,
			VoiceTranscript: r.Input.VoiceTranscript,
		},
		Graph: graph,
		Budget: budgetDocument{
			Asset:       r.Budget.Asset,
			Network:     r.Budget.Network,
			MaxAtomic:   r.Budget.MaxAtomic,
			SpentAtomic: r.Budget.SpentAtomic,
		},
		AutoPay: autoPayDocument{
			Enabled:          r.AutoPay.Enabled,
			MaxPerStepAtomic: r.AutoPay.MaxPerStepAtomic,
			MaxPerRunAtomic:  r.AutoPay.MaxPerRunAtomic,
		},
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		LastHeartbeatAt: r.LastHeartbeatAt,
	}, nil
}

func runFromDocument(doc *runDocument) (*run.Run, error) {
	graph, err := workflow.UnmarshalSnapshot(doc.Graph)
	if err != nil {
		return nil, err
	}
	return &run.Run{
		ID:          doc.ID,
		WorkspaceID: doc.WorkspaceID,
		CreatedBy:   doc.CreatedBy,
		Status:      run.Status(doc.Status),
		Input: run.Input{
			Text:            doc.Input.Text,
			VoiceTranscript: doc.Input.VoiceTranscript,
		},
		Graph: graph,
		Budget: run.Budget{
			Asset:       doc.Budget.Asset,
			Network:     doc.Budget.Network,
			MaxAtomic:   doc.Budget.MaxAtomic,
			SpentAtomic: doc.Budget.SpentAtomic,
		},
		AutoPay: run.AutoPayPolicy{
			Enabled:          doc.AutoPay.Enabled,
			MaxPerStepAtomic: doc.AutoPay.MaxPerStepAtomic,
			MaxPerRunAtomic:  doc.AutoPay.MaxPerRunAtomic,
		},
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		LastHeartbeatAt: doc.LastHeartbeatAt,
	}, nil
}
