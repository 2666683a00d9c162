package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	limiterWindow  = 60 * time.Second
	limiterBackoff = 250 * time.Millisecond
)

// Limits caps the gateway's provider traffic. Zero values disable the
// corresponding cap.
type Limits struct {
	MaxRequestsPerMinute     int
	MaxInputTokensPerMinute  int
	MaxOutputTokensPerMinute int
	MaxConcurrentRequests    int
	ModelMaxTokens           int
}

type usageEntry struct {
	at     time.Time
	amount int
}

// RateLimiter enforces per-minute request and token budgets over a sliding
// window, plus a concurrency cap. Token amounts reserved at admission are
// estimates; Release corrects them in place once actual usage is known, so
// the window reflects real consumption.
type RateLimiter struct {
	limits Limits
	sem    *semaphore.Weighted

	mu           sync.Mutex
	requests     []usageEntry
	inputTokens  []usageEntry
	outputTokens []usageEntry

	now func() time.Time
}

// NewRateLimiter creates a limiter with the given caps.
func NewRateLimiter(limits Limits) *RateLimiter {
	concurrent := limits.MaxConcurrentRequests
	if concurrent <= 0 {
		concurrent = 100
	}
	return &RateLimiter{
		limits: limits,
		sem:    semaphore.NewWeighted(int64(concurrent)),
		now:    time.Now,
	}
}

// Acquire blocks until a request slot and the estimated token budgets are
// available, or the context is cancelled. When estOutputTokens is zero, half
// the model's max completion size is reserved.
func (r *RateLimiter) Acquire(ctx context.Context, estInputTokens, estOutputTokens int) error {
	if estOutputTokens <= 0 {
		estOutputTokens = r.limits.ModelMaxTokens / 2
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	for {
		r.mu.Lock()
		now := r.now()
		r.purge(now)

		if r.within(r.requests, r.limits.MaxRequestsPerMinute, 1) &&
			r.within(r.inputTokens, r.limits.MaxInputTokensPerMinute, estInputTokens) &&
			r.within(r.outputTokens, r.limits.MaxOutputTokensPerMinute, estOutputTokens) {
			r.requests = append(r.requests, usageEntry{at: now, amount: 1})
			r.inputTokens = append(r.inputTokens, usageEntry{at: now, amount: estInputTokens})
			r.outputTokens = append(r.outputTokens, usageEntry{at: now, amount: estOutputTokens})
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			r.sem.Release(1)
			return ctx.Err()
		case <-time.After(limiterBackoff):
		}
	}
}

// Release frees the concurrency slot and corrects the most recent token
// reservations to actual usage. Corrections are best-effort: if the entries
// already aged out of the window there is nothing to fix.
func (r *RateLimiter) Release(actInputTokens, actOutputTokens int) {
	r.sem.Release(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if actInputTokens >= 0 && len(r.inputTokens) > 0 {
		r.inputTokens[len(r.inputTokens)-1].amount = actInputTokens
	}
	if actOutputTokens >= 0 && len(r.outputTokens) > 0 {
		r.outputTokens[len(r.outputTokens)-1].amount = actOutputTokens
	}
}

func (r *RateLimiter) within(entries []usageEntry, limit, add int) bool {
	if limit <= 0 {
		return true
	}
	sum := add
	for _, e := range entries {
		sum += e.amount
	}
	return sum <= limit
}

func (r *RateLimiter) purge(now time.Time) {
	cutoff := now.Add(-limiterWindow)
	r.requests = pruneBefore(r.requests, cutoff)
	r.inputTokens = pruneBefore(r.inputTokens, cutoff)
	r.outputTokens = pruneBefore(r.outputTokens, cutoff)
}

func pruneBefore(entries []usageEntry, cutoff time.Time) []usageEntry {
	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append(entries[:0], entries[i:]...)
}
