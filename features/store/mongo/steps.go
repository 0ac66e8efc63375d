package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/workflow"
)

type (
	// StepStore implements step.Store on MongoDB. The claim operation is a
	// single findOneAndUpdate so a step is leased by at most one worker even
	// across processes.
	StepStore struct {
		base
	}

	stepDocument struct {
		ID             string          `bson:"_id"`
		RunID          string          `bson:"run_id"`
		WorkspaceID    string          `bson:"workspace_id"`
		StepID         string          `bson:"step_id"`
		NodeType       string          `bson:"node_type"`
		Status         string          `bson:"status"`
		Attempt        int             `bson:"attempt"`
		Lock           *leaseDocument  `bson:"lock,omitempty"`
		Inputs         bson.M          `bson:"inputs,omitempty"`
		Outputs        bson.M          `bson:"outputs,omitempty"`
		Error          *errorDocument  `bson:"error,omitempty"`
		Metrics        *metricDocument `bson:"metrics,omitempty"`
		NextEligibleAt *time.Time      `bson:"next_eligible_at,omitempty"`
		CreatedAt      time.Time       `bson:"created_at"`
		UpdatedAt      time.Time       `bson:"updated_at"`
	}

	leaseDocument struct {
		WorkerID string    `bson:"worker_id"`
		LockedAt time.Time `bson:"locked_at"`
	}

	errorDocument struct {
		Code    string `bson:"code"`
		Message string `bson:"message"`
		Stack   string `bson:"stack,omitempty"`
		Context bson.M `bson:"context,omitempty"`
	}

	metricDocument struct {
		LatencyMS  int64  `bson:"latency_ms"`
		Tokens     int64  `bson:"tokens,omitempty"`
		CostAtomic string `bson:"cost_atomic,omitempty"`
	}
)

const stepsCollection = "run_steps"

// Compile-time check that StepStore implements step.Store.
var _ step.Store = (*StepStore)(nil)

// NewStepStore returns a step store backed by the provided MongoDB client.
func NewStepStore(opts Options) (*StepStore, error) {
	b, err := newBase(opts, stepsCollection, "steps-mongo")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := ensureStepIndexes(ctx, b.coll); err != nil {
		return nil, err
	}
	return &StepStore{base: b}, nil
}

func ensureStepIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		// Claim scan: eligible queued steps in updated_at order.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "next_eligible_at", Value: 1},
			{Key: "updated_at", Value: 1},
		}},
		{Keys: bson.D{{Key: "run_id", Value: 1}}},
		// Stall recovery scan.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "lock.locked_at", Value: 1},
		}},
	})
	return err
}

func stepDocID(runID, stepID string) string { return runID + "/" + stepID }

// CreateAll inserts the materialized steps of a run.
func (s *StepStore) CreateAll(ctx context.Context, steps []*step.Step) error {
	if len(steps) == 0 {
		return nil
	}
	docs := make([]any, 0, len(steps))
	for _, st := range steps {
		if st == nil || st.RunID == "" || st.StepID == "" {
			return errors.New("step with run id and step id is required")
		}
		docs = append(docs, stepToDocument(st))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return translateErr(err)
	}
	return nil
}

// Get returns one step.
func (s *StepStore) Get(ctx context.Context, runID, stepID string) (*step.Step, error) {
	if runID == "" || stepID == "" {
		return nil, errors.New("run id and step id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stepDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": stepDocID(runID, stepID)}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	return stepFromDocument(&doc), nil
}

// ListByRun returns every step of the run in creation order.
func (s *StepStore) ListByRun(ctx context.Context, runID string) (steps []*step.Step, err error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "step_id", Value: 1}}),
	)
	if err != nil {
		return nil, translateErr(err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc stepDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		steps = append(steps, stepFromDocument(&doc))
	}
	if err := cur.Err(); err != nil {
		return nil, translateErr(err)
	}
	return steps, nil
}

// Claim atomically leases the oldest eligible queued step. Eligibility,
// lease installation and the attempt increment happen in one
// findOneAndUpdate command.
func (s *StepStore) Claim(ctx context.Context, runID, workerID string, now time.Time) (*step.Step, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	filter := bson.M{
		"status": string(step.StatusQueued),
		"$or": bson.A{
			bson.M{"next_eligible_at": bson.M{"$exists": false}},
			bson.M{"next_eligible_at": bson.M{"$lte": now.UTC()}},
		},
	}
	if runID != "" {
		filter["run_id"] = runID
	}
	update := bson.M{
		"$set": bson.M{
			"status": string(step.StatusRunning),
			"lock": leaseDocument{
				WorkerID: workerID,
				LockedAt: now.UTC(),
			},
			"updated_at": now.UTC(),
		},
		"$inc": bson.M{"attempt": 1},
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stepDocument
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "updated_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, translateErr(err)
	}
	return stepFromDocument(&doc), nil
}

// Update applies a partial write to one step.
func (s *StepStore) Update(ctx context.Context, runID, stepID string, u step.Update) (*step.Step, error) {
	return s.update(ctx, bson.M{"_id": stepDocID(runID, stepID)}, runID, stepID, u, false)
}

// UpdateIf applies a partial write iff the step's status is expect.
func (s *StepStore) UpdateIf(ctx context.Context, runID, stepID string, expect step.Status, u step.Update) (*step.Step, error) {
	filter := bson.M{
		"_id":    stepDocID(runID, stepID),
		"status": string(expect),
	}
	return s.update(ctx, filter, runID, stepID, u, true)
}

func (s *StepStore) update(ctx context.Context, filter bson.M, runID, stepID string, u step.Update, guarded bool) (*step.Step, error) {
	if runID == "" || stepID == "" {
		return nil, errors.New("run id and step id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stepDocument
	err := s.coll.FindOneAndUpdate(ctx, filter, updateToCommand(u),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return stepFromDocument(&doc), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, translateErr(err)
	}
	if !guarded {
		return nil, store.ErrNotFound
	}
	n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": stepDocID(runID, stepID)})
	if cerr != nil {
		return nil, translateErr(cerr)
	}
	if n == 0 {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrConflict
}

// ReapStale resets running steps whose lease predates cutoff back to queued.
func (s *StepStore) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"status":         string(step.StatusRunning),
			"lock.locked_at": bson.M{"$lt": cutoff.UTC()},
		},
		bson.M{
			"$set":   bson.M{"status": string(step.StatusQueued), "updated_at": time.Now().UTC()},
			"$unset": bson.M{"lock": ""},
		},
	)
	if err != nil {
		return 0, translateErr(err)
	}
	return int(res.ModifiedCount), nil
}

// updateToCommand translates the partial write into $set/$unset operators.
// The updated_at bump rides the same command.
func updateToCommand(u step.Update) bson.M {
	set := bson.M{"updated_at": time.Now().UTC()}
	unset := bson.M{}
	if u.Status != nil {
		set["status"] = string(*u.Status)
	}
	if u.ClearLock {
		unset["lock"] = ""
	} else if u.Lock != nil {
		set["lock"] = leaseDocument{WorkerID: u.Lock.WorkerID, LockedAt: u.Lock.LockedAt.UTC()}
	}
	if u.Inputs != nil {
		set["inputs"] = bson.M(u.Inputs)
	}
	if u.Outputs != nil {
		set["outputs"] = bson.M(u.Outputs)
	}
	if u.ClearError {
		unset["error"] = ""
	} else if u.Error != nil {
		set["error"] = errorDocument{
			Code:    u.Error.Code,
			Message: u.Error.Message,
			Stack:   u.Error.Stack,
			Context: bson.M(u.Error.Context),
		}
	}
	if u.Metrics != nil {
		set["metrics"] = metricDocument{
			LatencyMS:  u.Metrics.LatencyMS,
			Tokens:     u.Metrics.Tokens,
			CostAtomic: u.Metrics.CostAtomic,
		}
	}
	if u.ClearNextEligibleAt {
		unset["next_eligible_at"] = ""
	} else if u.NextEligibleAt != nil {
		set["next_eligible_at"] = u.NextEligibleAt.UTC()
	}
	cmd := bson.M{"$set": set}
	if len(unset) > 0 {
		cmd["$unset"] = unset
	}
	return cmd
}

func stepToDocument(st *step.Step) *stepDocument {
	doc := &stepDocument{
		ID:          stepDocID(st.RunID, st.StepID),
		RunID:       st.RunID,
		WorkspaceID: st.WorkspaceID,
		StepID:      st.StepID,
		NodeType:    string(st.NodeType),
		Status:      string(st.Status),
		Attempt:     st.Attempt,
		Inputs:      bson.M(st.Inputs),
		Outputs:     bson.M(st.Outputs),
		CreatedAt:   st.CreatedAt.UTC(),
		UpdatedAt:   st.UpdatedAt.UTC(),
	}
	if st.Lock != nil {
		doc.Lock = &leaseDocument{WorkerID: st.Lock.WorkerID, LockedAt: st.Lock.LockedAt.UTC()}
	}
	if st.Error != nil {
		doc.Error = &errorDocument{
			Code:    st.Error.Code,
			Message: st.Error.Message,
			Stack:   st.Error.Stack,
			Context: bson.M(st.Error.Context),
		}
	}
	if st.Metrics != nil {
		doc.Metrics = &metricDocument{
			LatencyMS:  st.Metrics.LatencyMS,
			Tokens:     st.Metrics.Tokens,
			CostAtomic: st.Metrics.CostAtomic,
		}
	}
	if st.NextEligibleAt != nil {
		t := st.NextEligibleAt.UTC()
		doc.NextEligibleAt = &t
	}
	return doc
}

func stepFromDocument(doc *stepDocument) *step.Step {
	st := &step.Step{
		RunID:          doc.RunID,
		WorkspaceID:    doc.WorkspaceID,
		StepID:         doc.StepID,
		NodeType:       workflow.NodeType(doc.NodeType),
		Status:         step.Status(doc.Status),
		Attempt:        doc.Attempt,
		Inputs:         map[string]any(doc.Inputs),
		Outputs:        map[string]any(doc.Outputs),
		NextEligibleAt: doc.NextEligibleAt,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
	if doc.Lock != nil {
		st.Lock = &step.Lease{WorkerID: doc.Lock.WorkerID, LockedAt: doc.Lock.LockedAt}
	}
	if doc.Error != nil {
		st.Error = &step.Error{
			Code:    doc.Error.Code,
			Message: doc.Error.Message,
			Stack:   doc.Error.Stack,
			Context: map[string]any(doc.Error.Context),
		}
	}
	if doc.Metrics != nil {
		st.Metrics = &step.Metrics{
			LatencyMS:  doc.Metrics.LatencyMS,
			Tokens:     doc.Metrics.Tokens,
			CostAtomic: doc.Metrics.CostAtomic,
		}
	}
	return st
}
