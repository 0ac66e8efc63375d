// Package receipt defines the durable record of one 402 payment attempt and
// its store contract. Every payment, settled or rejected, gets its own
// receipt row; duplicate payments after a stalled-worker reclaim therefore
// manifest as two receipts and are detectable post hoc through LookupKey.
package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type (
	// Receipt records one 402 payment attempt.
	Receipt struct {
		ID      string
		RunID   string
		StepID  string
		ToolID  string
		Network string
		Asset   string
		// AmountAtomic is the settled amount in atomic units (decimal string).
		AmountAtomic string
		// PaymentRequiredEncoded is the base64 payment requirement exactly as
		// received on the wire.
		PaymentRequiredEncoded string
		// PaymentSignatureEncoded is the signed payment payload sent back.
		PaymentSignatureEncoded string
		// PaymentResponseEncoded is the settlement response header, if any.
		PaymentResponseEncoded string
		TxHash                 string
		// LookupKey deduplicates payment attempts for the same claim:
		// sha256(runId|stepId|attempt). Two receipts sharing a LookupKey
		// indicate a duplicate payment past a lease expiry.
		LookupKey string
		Status    Status
		CreatedAt time.Time
	}

	// Status is the settlement outcome of a receipt.
	Status string

	// Store is the receipt persistence contract.
	Store interface {
		// Create inserts the receipt with the supplied status.
		Create(ctx context.Context, r *Receipt) error

		// ListByRun returns the run's receipts in creation order.
		ListByRun(ctx context.Context, runID string) ([]*Receipt, error)
	}
)

const (
	// StatusSettled marks a payment confirmed by the counterparty.
	StatusSettled Status = "settled"
	// StatusRejected marks a payment refused or failed after sending.
	StatusRejected Status = "rejected"
	// StatusUnknown marks a payment whose settlement could not be determined.
	StatusUnknown Status = "unknown"
)

// LookupKey derives the payment dedup key for one claim of a step.
func LookupKey(runID, stepID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", runID, stepID, attempt)))
	return hex.EncodeToString(sum[:])
}
