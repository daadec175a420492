package safety

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateBudget is the global call budget for the code-generation backend,
// shared by every worker.
type RateBudget struct {
	limiter *rate.Limiter
}

// NewRateBudget allows perMinute calls with the given burst.
func NewRateBudget(perMinute float64, burst int) *RateBudget {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60.0)
	}
	return &RateBudget{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a call may proceed or ctx is done.
func (r *RateBudget) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate budget: %w", err)
	}
	return nil
}
