package statetable

import (
	"context"
	"sync"
)

// Throttler decides whether a state-table operation should be let through.
// SQLite itself never throttles, but the abstract contract this store
// implements models backends (DynamoDB, and similar throughput-provisioned
// stores) that do, so callers above the store still have to handle
// model.ErrThrottled. NewNoopThrottler always allows; tests and the
// reclaimer's throttle-skip behavior supply their own.
type Throttler interface {
	// Allow is consulted before a write; it returns false to force an
	// ErrThrottled outcome for op ("claim", "finalize", "retry", "fail",
	// "cancel", "put").
	Allow(ctx context.Context, op string) bool
}

type noopThrottler struct{}

func (noopThrottler) Allow(context.Context, string) bool { return true }

// NewNoopThrottler returns a Throttler that never throttles.
func NewNoopThrottler() Throttler { return noopThrottler{} }

// RateThrottler throttles by rejecting every Nth call per operation name,
// useful for exercising reclaimer backoff-skip behavior in tests without
// timing games.
type RateThrottler struct {
	every  int
	mu     sync.Mutex
	counts map[string]int
}

// NewRateThrottler rejects one call out of every `every` for each op name.
// every <= 1 disables throttling.
func NewRateThrottler(every int) *RateThrottler {
	return &RateThrottler{every: every, counts: make(map[string]int)}
}

func (t *RateThrottler) Allow(_ context.Context, op string) bool {
	if t.every <= 1 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[op]++
	return t.counts[op]%t.every != 0
}
