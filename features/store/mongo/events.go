package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meterflow/meterflow/engine/event"
)

type (
	// EventLog implements event.Log on MongoDB. ObjectIDs double as insertion
	// order, which breaks timestamp ties in Since and serves as the List
	// cursor.
	EventLog struct {
		base
	}

	eventDocument struct {
		ID          primitive.ObjectID `bson:"_id,omitempty"`
		RunID       string             `bson:"run_id"`
		WorkspaceID string             `bson:"workspace_id"`
		Type        string             `bson:"type"`
		TS          time.Time          `bson:"ts"`
		Data        []byte             `bson:"data,omitempty"`
		ActorType   string             `bson:"actor_type"`
		ActorID     string             `bson:"actor_id,omitempty"`
	}
)

const eventsCollection = "run_events"

// Compile-time check that EventLog implements event.Log.
var _ event.Log = (*EventLog)(nil)

// NewEventLog returns an event log backed by the provided MongoDB client.
func NewEventLog(opts Options) (*EventLog, error) {
	b, err := newBase(opts, eventsCollection, "events-mongo")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := ensureEventIndexes(ctx, b.coll); err != nil {
		return nil, err
	}
	return &EventLog{base: b}, nil
}

func ensureEventIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "ts", Value: 1},
			{Key: "_id", Value: 1},
		}},
	})
	return err
}

// Append persists the event, assigning an ID and a timestamp when missing.
func (l *EventLog) Append(ctx context.Context, e *event.Event) error {
	if e == nil || e.RunID == "" || e.Type == "" {
		return errors.New("event with run id and type is required")
	}
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	doc := eventDocument{
		RunID:       e.RunID,
		WorkspaceID: e.WorkspaceID,
		Type:        string(e.Type),
		TS:          ts.UTC(),
		Data:        append([]byte(nil), e.Data...),
		ActorType:   string(e.Actor.Type),
		ActorID:     e.Actor.ID,
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := l.coll.InsertOne(ctx, doc)
	if err != nil {
		return translateErr(err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	e.TS = ts
	return nil
}

// Since returns the run's events with TS strictly after the given time,
// ordered ascending by TS with insertion order breaking ties.
func (l *EventLog) Since(ctx context.Context, runID string, after time.Time) (events []*event.Event, err error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	cur, err := l.coll.Find(ctx,
		bson.M{"run_id": runID, "ts": bson.M{"$gt": after.UTC()}},
		options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}}),
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
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, eventFromDocument(&doc))
	}
	if err := cur.Err(); err != nil {
		return nil, translateErr(err)
	}
	return events, nil
}

// List returns one page of the run's events in insertion order, starting
// after the opaque cursor.
func (l *EventLog) List(ctx context.Context, runID string, cursor string, limit int) (page event.Page, err error) {
	if runID == "" {
		return event.Page{}, errors.New("run id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	filter := bson.M{"run_id": runID}
	if cursor != "" {
		oid, err := primitive.ObjectIDFromHex(cursor)
		if err != nil {
			return event.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	cur, err := l.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return event.Page{}, translateErr(err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	var events []*event.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return event.Page{}, err
		}
		events = append(events, eventFromDocument(&doc))
	}
	if err := cur.Err(); err != nil {
		return event.Page{}, translateErr(err)
	}
	var next string
	if len(events) > limit {
		next = events[limit-1].ID
		events = events[:limit]
	}
	return event.Page{Events: events, NextCursor: next}, nil
}

func eventFromDocument(doc *eventDocument) *event.Event {
	return &event.Event{
		ID:          doc.ID.Hex(),
		RunID:       doc.RunID,
		WorkspaceID: doc.WorkspaceID,
		Type:        event.Type(doc.Type),
		TS:          doc.TS,
		Data:        append([]byte(nil), doc.Data...),
		Actor: event.Actor{
			Type: event.ActorType(doc.ActorType),
			ID:   doc.ActorID,
		},
	}
}
