package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Limiter gates calls against a fixed external quota. Acquire blocks until a
// token is available or the context is cancelled.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// TokenBucket implements Limiter with a fixed-capacity bucket refilled on a
// fixed interval. All catalog-facing workers share one instance so the external
// quota is respected regardless of how many stages or sync buckets are in flight.
type TokenBucket struct {
	capacity int
	interval time.Duration
	clock    func() time.Time

	mu     sync.Mutex
	tokens int
	reset  time.Time
}

// NewTokenBucket constructs a TokenBucket with the given capacity and refill interval.
func NewTokenBucket(capacity int, interval time.Duration, clock func() time.Time) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, errors.New("ratelimit: capacity must be positive")
	}
	if interval <= 0 {
		return nil, errors.New("ratelimit: refill interval must be positive")
	}
	if clock == nil {
		clock = time.Now
	}
	return &TokenBucket{
		capacity: capacity,
		interval: interval,
		clock:    clock,
		tokens:   capacity,
	}, nil
}

// Acquire consumes one token, waiting across refill boundaries when the bucket is empty.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		b.mu.Lock()
		now := b.clock()
		if b.reset.IsZero() {
			b.reset = now.Add(b.interval)
		}
		if !now.Before(b.reset) {
			b.tokens = b.capacity
			b.reset = now.Add(b.interval)
		}
		if b.tokens > 0 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.reset.Sub(now)
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire consumes a token without blocking and reports whether one was available.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	if b.reset.IsZero() {
		b.reset = now.Add(b.interval)
	}
	if !now.Before(b.reset) {
		b.tokens = b.capacity
		b.reset = now.Add(b.interval)
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
