// Package safety enforces the cost ceiling, scores change risk, gates on
// operator approval, and snapshots files so a failed run can be undone.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCostLimitExceeded is returned when a cost-incurring call would push
// spend past a ceiling.
var ErrCostLimitExceeded = errors.New("cost limit exceeded")

// Reservation holds budget for one in-flight cost-incurring call.
type Reservation struct {
	ID       string
	Estimate float64
}

// Ledger is the shared cost counter. Reserve is the atomic
// acquire-check step; Commit releases the reservation and records the
// actual spend.
type Ledger interface {
	Reserve(ctx context.Context, estimate float64) (Reservation, error)
	Commit(ctx context.Context, r Reservation, actual float64) error
	Spent(ctx context.Context) (float64, error)
}

// MemoryLedger is a mutex-guarded in-process Ledger.
type MemoryLedger struct {
	ceiling float64

	mu       sync.Mutex
	spent    float64
	reserved map[string]float64
}

// NewMemoryLedger creates a ledger with the given ceiling in USD.
func NewMemoryLedger(ceiling float64) *MemoryLedger {
	return &MemoryLedger{ceiling: ceiling, reserved: make(map[string]float64)}
}

// Reserve fails with ErrCostLimitExceeded when spent + outstanding
// reservations + estimate exceeds the ceiling.
func (l *MemoryLedger) Reserve(_ context.Context, estimate float64) (Reservation, error) {
	if estimate < 0 {
		return Reservation{}, fmt.Errorf("negative estimate %v", estimate)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	outstanding := 0.0
	for _, v := range l.reserved {
		outstanding += v
	}
	if l.spent+outstanding+estimate > l.ceiling {
		return Reservation{}, fmt.Errorf("%w: spent $%.4f + reserved $%.4f + estimated $%.4f > ceiling $%.4f",
			ErrCostLimitExceeded, l.spent, outstanding, estimate, l.ceiling)
	}
	r := Reservation{ID: uuid.NewString(), Estimate: estimate}
	l.reserved[r.ID] = estimate
	return r, nil
}

// Commit records actual spend against a reservation. Actual spend is
// recorded even when it exceeds the estimate; the next Reserve sees it.
func (l *MemoryLedger) Commit(_ context.Context, r Reservation, actual float64) error {
	if actual < 0 {
		return fmt.Errorf("negative cost %v", actual)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reserved[r.ID]; !ok {
		return fmt.Errorf("unknown reservation %s", r.ID)
	}
	delete(l.reserved, r.ID)
	l.spent += actual
	return nil
}

// Spent returns committed spend.
func (l *MemoryLedger) Spent(_ context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent, nil
}

// Charge is the settled cost of one attempt.
type Charge struct {
	Stage        string
	Attempt      int
	USD          float64
	InputTokens  int
	OutputTokens int
}

// RunBudget is the per-recommendation view of the ledger. It applies the
// optional per-run ceiling before touching the shared ledger and notifies
// onCharge after every settled attempt so the record can be updated.
type RunBudget struct {
	ledger   Ledger
	ceiling  float64 // per run; 0 means only the shared ceiling applies
	onCharge func(Charge) error

	mu    sync.Mutex
	spent float64
}

// NewRunBudget creates a budget for one run that has already spent
// alreadySpent (non-zero when resuming).
func NewRunBudget(ledger Ledger, runCeiling, alreadySpent float64, onCharge func(Charge) error) *RunBudget {
	return &RunBudget{ledger: ledger, ceiling: runCeiling, spent: alreadySpent, onCharge: onCharge}
}

// Reserve checks cumulative + estimate against the run ceiling and then
// reserves the estimate on the shared ledger.
func (b *RunBudget) Reserve(ctx context.Context, estimate float64) (Reservation, error) {
	b.mu.Lock()
	spent := b.spent
	b.mu.Unlock()

	if b.ceiling > 0 && spent+estimate > b.ceiling {
		return Reservation{}, fmt.Errorf("%w: run spent $%.4f + estimated $%.4f > run ceiling $%.4f",
			ErrCostLimitExceeded, spent, estimate, b.ceiling)
	}
	return b.ledger.Reserve(ctx, estimate)
}

// Settle commits the actual charge for a reservation.
func (b *RunBudget) Settle(ctx context.Context, r Reservation, c Charge) error {
	if err := b.ledger.Commit(ctx, r, c.USD); err != nil {
		return err
	}
	b.mu.Lock()
	b.spent += c.USD
	b.mu.Unlock()
	if b.onCharge != nil {
		return b.onCharge(c)
	}
	return nil
}

// Spent returns what this run has spent, including prior attempts.
func (b *RunBudget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}
