package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/meterflow/meterflow/engine/receipt"
	"github.com/meterflow/meterflow/engine/store"
)

// ReceiptStore is an in-memory implementation of receipt.Store.
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts []*receipt.Receipt
	byID     map[string]struct{}
}

// Compile-time check that ReceiptStore implements receipt.Store.
var _ receipt.Store = (*ReceiptStore)(nil)

// NewReceiptStore creates an empty receipt store.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{byID: make(map[string]struct{})}
}

// Create inserts the receipt.
func (s *ReceiptStore) Create(ctx context.Context, r *receipt.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.ID == "" {
		return errors.New("receipt with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[r.ID]; dup {
		return store.ErrConflict
	}
	s.byID[r.ID] = struct{}{}
	s.receipts = append(s.receipts, clone(r))
	return nil
}

// ListByRun returns the run's receipts in creation order.
func (s *ReceiptStore) ListByRun(ctx context.Context, runID string) ([]*receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*receipt.Receipt
	for _, r := range s.receipts {
		if r.RunID == runID {
			out = append(out, clone(r))
		}
	}
	return out, nil
}
