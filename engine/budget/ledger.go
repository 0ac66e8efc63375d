// Package budget implements the per-run spend ledger: optimistic deduction
// against the budget counter, the auto-pay policy gate, and receipt
// recording.
//
// The spent counter is the single cross-field write in the engine that needs
// atomicity. It is protected by compare-and-set on budget.spentAtomic; on
// conflict the whole check re-reads and retries. Retries are unbounded but in
// practice bounded by the number of concurrent payments per run.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/meterflow/meterflow/engine/receipt"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/telemetry"
)

type (
	// Ledger is the budget accounting service.
	Ledger struct {
		runs     run.Store
		receipts receipt.Store
		logger   telemetry.Logger
	}

	// Decision is the outcome of a budget or policy check.
	Decision struct {
		Allowed bool
		// Reason explains a denial: "budget", "disabled", "per-step" or
		// "per-run". Empty when allowed.
		Reason string
	}
)

// Denial reasons.
const (
	ReasonBudget   = "budget"
	ReasonDisabled = "disabled"
	ReasonPerStep  = "per-step"
	ReasonPerRun   = "per-run"
)

// NewLedger constructs a Ledger. A nil logger defaults to the no-op logger.
func NewLedger(runs run.Store, receipts receipt.Store, logger telemetry.Logger) *Ledger {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Ledger{runs: runs, receipts: receipts, logger: logger}
}

// CheckAndDeduct reserves amountAtomic against the run budget. It re-reads
// the run and retries on every compare-and-set conflict, so a denial always
// reflects a current view of the counter. The spent counter only ever grows.
func (l *Ledger) CheckAndDeduct(ctx context.Context, runID, amountAtomic string) (Decision, error) {
	amount, err := ParseAtomic(amountAtomic)
	if err != nil {
		return Decision{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		r, err := l.runs.Get(ctx, runID)
		if err != nil {
			return Decision{}, fmt.Errorf("load run %s: %w", runID, err)
		}
		spent, err := ParseAtomic(r.Budget.SpentAtomic)
		if err != nil {
			return Decision{}, fmt.Errorf("run %s spent counter: %w", runID, err)
		}
		maxAtomic, err := ParseAtomic(r.Budget.MaxAtomic)
		if err != nil {
			return Decision{}, fmt.Errorf("run %s budget max: %w", runID, err)
		}
		next := new(big.Int).Add(spent, amount)
		if next.Cmp(maxAtomic) > 0 {
			return Decision{Allowed: false, Reason: ReasonBudget}, nil
		}
		err = l.runs.CompareAndSetSpent(ctx, runID, r.Budget.SpentAtomic, FormatAtomic(next))
		if err == nil {
			return Decision{Allowed: true}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return Decision{}, fmt.Errorf("deduct budget for run %s: %w", runID, err)
		}
		l.logger.Debug(ctx, "budget counter conflict, retrying", "run_id", runID)
	}
}

// CheckAutoPayPolicy applies the auto-pay policy snapshot carried on the run,
// in order: disabled, per-step cap, per-run cap, budget max. It never
// consults live workspace settings and never mutates state.
func (l *Ledger) CheckAutoPayPolicy(ctx context.Context, runID, amountAtomic string) (Decision, error) {
	amount, err := ParseAtomic(amountAtomic)
	if err != nil {
		return Decision{}, err
	}
	r, err := l.runs.Get(ctx, runID)
	if err != nil {
		return Decision{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !r.AutoPay.Enabled {
		return Decision{Allowed: false, Reason: ReasonDisabled}, nil
	}
	if r.AutoPay.MaxPerStepAtomic != "" {
		perStep, err := ParseAtomic(r.AutoPay.MaxPerStepAtomic)
		if err != nil {
			return Decision{}, fmt.Errorf("run %s per-step cap: %w", runID, err)
		}
		if amount.Cmp(perStep) > 0 {
			return Decision{Allowed: false, Reason: ReasonPerStep}, nil
		}
	}
	spent, err := ParseAtomic(r.Budget.SpentAtomic)
	if err != nil {
		return Decision{}, fmt.Errorf("run %s spent counter: %w", runID, err)
	}
	next := new(big.Int).Add(spent, amount)
	if r.AutoPay.MaxPerRunAtomic != "" {
		perRun, err := ParseAtomic(r.AutoPay.MaxPerRunAtomic)
		if err != nil {
			return Decision{}, fmt.Errorf("run %s per-run cap: %w", runID, err)
		}
		if next.Cmp(perRun) > 0 {
			return Decision{Allowed: false, Reason: ReasonPerRun}, nil
		}
	}
	maxAtomic, err := ParseAtomic(r.Budget.MaxAtomic)
	if err != nil {
		return Decision{}, fmt.Errorf("run %s budget max: %w", runID, err)
	}
	if next.Cmp(maxAtomic) > 0 {
		return Decision{Allowed: false, Reason: ReasonBudget}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordReceipt inserts the receipt with the supplied status, assigning an ID
// and creation time when missing.
func (l *Ledger) RecordReceipt(ctx context.Context, r *receipt.Receipt) error {
	if r == nil {
		return errors.New("receipt is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := l.receipts.Create(ctx, r); err != nil {
		return fmt.Errorf("record receipt for run %s step %s: %w", r.RunID, r.StepID, err)
	}
	return nil
}
