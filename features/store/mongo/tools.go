package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/tool"
)

type (
	// ToolStore implements tool.Store on MongoDB.
	ToolStore struct {
		base
	}

	toolDocument struct {
		ID           string             `bson:"_id"`
		WorkspaceID  string             `bson:"workspace_id"`
		Name         string             `bson:"name"`
		Description  string             `bson:"description,omitempty"`
		BaseURL      string             `bson:"base_url"`
		Endpoints    []endpointDocument `bson:"endpoints,omitempty"`
		Source       string             `bson:"source"`
		Reputation   reputationDocument `bson:"reputation"`
		PricingHints map[string]string  `bson:"pricing_hints,omitempty"`
		CreatedAt    time.Time          `bson:"created_at"`
		UpdatedAt    time.Time          `bson:"updated_at"`
	}

	endpointDocument struct {
		Path   string `bson:"path"`
		Method string `bson:"method"`
	}

	reputationDocument struct {
		SuccessRate  float64 `bson:"success_rate"`
		AvgLatencyMS float64 `bson:"avg_latency_ms"`
		DisputeRate  float64 `bson:"dispute_rate"`
	}
)

const toolsCollection = "tools"

// Compile-time check that ToolStore implements tool.Store.
var _ tool.Store = (*ToolStore)(nil)

// NewToolStore returns a tool store backed by the provided MongoDB client.
func NewToolStore(opts Options) (*ToolStore, error) {
	b, err := newBase(opts, toolsCollection, "tools-mongo")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := ensureToolIndexes(ctx, b.coll); err != nil {
		return nil, err
	}
	return &ToolStore{base: b}, nil
}

func ensureToolIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{
			{Key: "workspace_id", Value: 1},
			{Key: "created_at", Value: -1},
		}},
	})
	return err
}

// Create persists a new tool.
func (s *ToolStore) Create(ctx context.Context, t *tool.Tool) error {
	if t == nil || t.ID == "" {
		return errors.New("tool with id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, toolToDocument(t)); err != nil {
		return translateErr(err)
	}
	return nil
}

// Get returns the tool by ID.
func (s *ToolStore) Get(ctx context.Context, id string) (*tool.Tool, error) {
	if id == "" {
		return nil, errors.New("tool id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc toolDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	return toolFromDocument(&doc), nil
}

// ListByWorkspace returns the workspace's tools ordered by creation time
// descending.
func (s *ToolStore) ListByWorkspace(ctx context.Context, workspaceID string) (tools []*tool.Tool, err error) {
	if workspaceID == "" {
		return nil, errors.New("workspace id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"workspace_id": workspaceID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
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
		var doc toolDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tools = append(tools, toolFromDocument(&doc))
	}
	if err := cur.Err(); err != nil {
		return nil, translateErr(err)
	}
	return tools, nil
}

// UpdateReputation replaces the tool's reputation and merges pricing hints.
func (s *ToolStore) UpdateReputation(ctx context.Context, id string, rep tool.Reputation, hints map[string]string) error {
	if id == "" {
		return errors.New("tool id is required")
	}
	set := bson.M{
		"reputation": reputationDocument{
			SuccessRate:  rep.SuccessRate,
			AvgLatencyMS: rep.AvgLatencyMS,
			DisputeRate:  rep.DisputeRate,
		},
		"updated_at": time.Now().UTC(),
	}
	for path, price := range hints {
		set["pricing_hints."+path] = price
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return translateErr(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func toolToDocument(t *tool.Tool) *toolDocument {
	doc := &toolDocument{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		Name:        t.Name,
		Description: t.Description,
		BaseURL:     t.BaseURL,
		Source:      string(t.Source),
		Reputation: reputationDocument{
			SuccessRate:  t.Reputation.SuccessRate,
			AvgLatencyMS: t.Reputation.AvgLatencyMS,
			DisputeRate:  t.Reputation.DisputeRate,
		},
		PricingHints: t.PricingHints,
		CreatedAt:    t.CreatedAt.UTC(),
		UpdatedAt:    t.UpdatedAt.UTC(),
	}
	for _, ep := range t.Endpoints {
		doc.Endpoints = append(doc.Endpoints, endpointDocument{Path: ep.Path, Method: ep.Method})
	}
	return doc
}

func toolFromDocument(doc *toolDocument) *tool.Tool {
	t := &tool.Tool{
		ID:          doc.ID,
		WorkspaceID: doc.WorkspaceID,
		Name:        doc.Name,
		Description: doc.Description,
		BaseURL:     doc.BaseURL,
		Source:      tool.Source(doc.Source),
		Reputation: tool.Reputation{
			SuccessRate:  doc.Reputation.SuccessRate,
			AvgLatencyMS: doc.Reputation.AvgLatencyMS,
			DisputeRate:  doc.Reputation.DisputeRate,
		},
		PricingHints: doc.PricingHints,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	for _, ep := range doc.Endpoints {
		t.Endpoints = append(t.Endpoints, tool.Endpoint{Path: ep.Path, Method: ep.Method})
	}
	return t
}
