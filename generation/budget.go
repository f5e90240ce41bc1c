package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Budget limits the number of calls made through a generator. Each step
// invocation receives its own budget so concurrent steps cannot starve one
// another.
type Budget struct {
	generator Generator
	limit     int
	mutex     sync.Mutex
	used      int
}

// NewBudget wraps g so that at most limit calls are made. A limit of zero or
// less means unlimited.
func NewBudget(g Generator, limit int) *Budget {
	return &Budget{generator: g, limit: limit}
}

func (b *Budget) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	b.mutex.Lock()
	if b.limit > 0 && b.used >= b.limit {
		b.mutex.Unlock()
		return nil, fmt.Errorf("%w: %d calls used", ErrBudgetExhausted, b.used)
	}
	b.used++
	b.mutex.Unlock()
	return b.generator.Generate(ctx, req)
}

// Used returns the number of calls made so far.
func (b *Budget) Used() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.used
}

// RateLimited shares a provider rate limit across every caller.
type RateLimited struct {
	generator Generator
	limiter   *rate.Limiter
}

// NewRateLimited wraps g so calls wait on limiter before proceeding.
func NewRateLimited(g Generator, limiter *rate.Limiter) *RateLimited {
	return &RateLimited{generator: g, limiter: limiter}
}

func (r *RateLimited) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.generator.Generate(ctx, req)
}
