package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meterflow/meterflow/engine/receipt"
)

type (
	// ReceiptStore implements receipt.Store on MongoDB.
	ReceiptStore struct {
		base
	}

	receiptDocument struct {
		ID                      string    `bson:"_id"`
		RunID                   string    `bson:"run_id"`
		StepID                  string    `bson:"step_id"`
		ToolID                  string    `bson:"tool_id"`
		Network                 string    `bson:"network"`
		Asset                   string    `bson:"asset"`
		AmountAtomic            string    `bson:"amount_atomic"`
		PaymentRequiredEncoded  string    `bson:"payment_required,omitempty"`
		PaymentSignatureEncoded string    `bson:"payment_signature,omitempty"`
		PaymentResponseEncoded  string    `bson:"payment_response,omitempty"`
		TxHash                  string    `bson:"tx_hash,omitempty"`
		LookupKey               string    `bson:"lookup_key"`
		Status                  string    `bson:"status"`
		CreatedAt               time.Time `bson:"created_at"`
	}
)

const receiptsCollection = "payment_receipts"

// Compile-time check that ReceiptStore implements receipt.Store.
var _ receipt.Store = (*ReceiptStore)(nil)

// NewReceiptStore returns a receipt store backed by the provided MongoDB
// client.
func NewReceiptStore(opts Options) (*ReceiptStore, error) {
	b, err := newBase(opts, receiptsCollection, "receipts-mongo")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := ensureReceiptIndexes(ctx, b.coll); err != nil {
		return nil, err
	}
	return &ReceiptStore{base: b}, nil
}

func ensureReceiptIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "created_at", Value: 1},
		}},
		// Duplicate-payment audits query by lookup key.
		{Keys: bson.D{{Key: "lookup_key", Value: 1}}},
	})
	return err
}

// Create inserts the receipt.
func (s *ReceiptStore) Create(ctx context.Context, r *receipt.Receipt) error {
	if r == nil || r.ID == "" {
		return errors.New("receipt with id is required")
	}
	doc := receiptDocument{
		ID:                      r.ID,
		RunID:                   r.RunID,
		StepID:                  r.StepID,
		ToolID:                  r.ToolID,
		Network:                 r.Network,
		Asset:                   r.Asset,
		AmountAtomic:            r.AmountAtomic,
		PaymentRequiredEncoded:  r.PaymentRequiredEncoded,
		PaymentSignatureEncoded: r.PaymentSignatureEncoded,
		PaymentResponseEncoded:  r.PaymentResponseEncoded,
		TxHash:                  r.TxHash,
		LookupKey:               r.LookupKey,
		Status:                  string(r.Status),
		CreatedAt:               r.CreatedAt.UTC(),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return translateErr(err)
	}
	return nil
}

// ListByRun returns the run's receipts in creation order.
func (s *ReceiptStore) ListByRun(ctx context.Context, runID string) (receipts []*receipt.Receipt, err error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
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
		var doc receiptDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		receipts = append(receipts, &receipt.Receipt{
			ID:                      doc.ID,
			RunID:                   doc.RunID,
			StepID:                  doc.StepID,
			ToolID:                  doc.ToolID,
			Network:                 doc.Network,
			Asset:                   doc.Asset,
			AmountAtomic:            doc.AmountAtomic,
			PaymentRequiredEncoded:  doc.PaymentRequiredEncoded,
			PaymentSignatureEncoded: doc.PaymentSignatureEncoded,
			PaymentResponseEncoded:  doc.PaymentResponseEncoded,
			TxHash:                  doc.TxHash,
			LookupKey:               doc.LookupKey,
			Status:                  receipt.Status(doc.Status),
			CreatedAt:               doc.CreatedAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, translateErr(err)
	}
	return receipts, nil
}
