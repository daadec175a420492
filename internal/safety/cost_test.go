package safety

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_ReserveWithinCeiling(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1.0)

	r, err := l.Reserve(ctx, 0.4)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, r, 0.3))

	spent, err := l.Spent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, spent, 1e-9)
}

func TestMemoryLedger_RejectsOverCeiling(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1.0)

	r1, err := l.Reserve(ctx, 0.6)
	require.NoError(t, err)

	// Outstanding reservations count against the ceiling.
	_, err = l.Reserve(ctx, 0.5)
	assert.True(t, errors.Is(err, ErrCostLimitExceeded), "got %v", err)

	require.NoError(t, l.Commit(ctx, r1, 0.2))
	_, err = l.Reserve(ctx, 0.5)
	assert.NoError(t, err)
}

func TestMemoryLedger_CommitUnknownReservation(t *testing.T) {
	l := NewMemoryLedger(1.0)
	err := l.Commit(context.Background(), Reservation{ID: "nope"}, 0.1)
	assert.Error(t, err)
}

func TestMemoryLedger_NegativeValues(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1.0)
	_, err := l.Reserve(ctx, -1)
	assert.Error(t, err)

	r, err := l.Reserve(ctx, 0.1)
	require.NoError(t, err)
	assert.Error(t, l.Commit(ctx, r, -0.1))
}

func TestMemoryLedger_ConcurrentReserveNeverExceedsCeiling(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(5.0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(ctx, 0.5)
			if err != nil {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
			_ = l.Commit(ctx, r, 0.5)
		}()
	}
	wg.Wait()

	spent, err := l.Spent(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, spent, 5.0+1e-9)
	assert.Equal(t, 10, granted)
}

func TestRunBudget_RunCeiling(t *testing.T) {
	ctx := context.Background()
	var charges []Charge
	b := NewRunBudget(NewMemoryLedger(100), 1.0, 0.8, func(c Charge) error {
		charges = append(charges, c)
		return nil
	})

	_, err := b.Reserve(ctx, 0.3)
	assert.True(t, errors.Is(err, ErrCostLimitExceeded))

	r, err := b.Reserve(ctx, 0.1)
	require.NoError(t, err)
	require.NoError(t, b.Settle(ctx, r, Charge{Stage: "implemented", Attempt: 1, USD: 0.15}))
	assert.InDelta(t, 0.95, b.Spent(), 1e-9)
	require.Len(t, charges, 1)
	assert.Equal(t, 1, charges[0].Attempt)
}

func TestRunBudget_SharedCeiling(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(0.5)
	a := NewRunBudget(ledger, 0, 0, nil)
	b := NewRunBudget(ledger, 0, 0, nil)

	r, err := a.Reserve(ctx, 0.4)
	require.NoError(t, err)
	_, err = b.Reserve(ctx, 0.2)
	assert.True(t, errors.Is(err, ErrCostLimitExceeded))
	require.NoError(t, a.Settle(ctx, r, Charge{USD: 0.1}))
	_, err = b.Reserve(ctx, 0.2)
	assert.NoError(t, err)
}

func TestLedger_SpendIsMonotonicAndBounded(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("spent never decreases and never passes the ceiling", prop.ForAll(
		func(estimates []float64) bool {
			ctx := context.Background()
			const ceiling = 2.0
			l := NewMemoryLedger(ceiling)
			last := 0.0
			for _, est := range estimates {
				r, err := l.Reserve(ctx, est)
				if err != nil {
					if !errors.Is(err, ErrCostLimitExceeded) {
						return false
					}
					continue
				}
				if err := l.Commit(ctx, r, est); err != nil {
					return false
				}
				spent, _ := l.Spent(ctx)
				if spent < last || spent > ceiling+1e-9 {
					return false
				}
				last = spent
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 0.75)),
	))

	properties.TestingRun(t)
}
