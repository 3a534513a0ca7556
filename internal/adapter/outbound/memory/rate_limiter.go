// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
)

// stripeCount is the number of independently locked shards. Must be a
// power of two.
const stripeCount = 64

type stripe struct {
	mu    sync.Mutex
	cells map[string]time.Time // Theoretical Arrival Time per key
}

// MemoryRateLimiter implements ratelimit.RateLimiter using GCRA in memory.
// State is split over stripes selected by an xxhash of the key, so calls for
// the same key are serialized while unrelated keys never contend.
// Includes background cleanup to prevent unbounded memory growth.
type MemoryRateLimiter struct {
	stripes         [stripeCount]stripe
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// RateLimiterOption configures a MemoryRateLimiter.
type RateLimiterOption func(*MemoryRateLimiter)

// WithRateLimiterClock overrides the time source. Intended for tests.
func WithRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(r *MemoryRateLimiter) { r.now = now }
}

// WithRateLimiterLogger sets the logger used by cleanup.
func WithRateLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(r *MemoryRateLimiter) { r.logger = logger }
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup settings.
// Default cleanup interval: 5 minutes, default maxTTL: 2 hours.
func NewRateLimiter(opts ...RateLimiterOption) *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 2*time.Hour, opts...)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom cleanup settings.
// maxTTL should be at least the longest policy period so that an idle key is
// only dropped once its state is equivalent to a fresh one.
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration, opts ...RateLimiterOption) *MemoryRateLimiter {
	r := &MemoryRateLimiter{
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for i := range r.stripes {
		r.stripes[i].cells = make(map[string]time.Time)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRateLimiter) stripeFor(key string) *stripe {
	return &r.stripes[xxhash.Sum64String(key)&(stripeCount-1)]
}

// Allow checks if a request is allowed under the given rate limit config.
func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.RateLimitResult{}, err
	}

	s := r.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()

	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	emission := config.Period / time.Duration(config.Rate)

	// Delay tolerance: a key may run (Burst-1) emissions ahead of now.
	tolerance := time.Duration(config.Burst-1) * emission

	tat, exists := s.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-tolerance)
	if now.Before(allowAt) {
		return ratelimit.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	newTAT := tat.Add(emission)
	s.cells[key] = newTAT

	remaining := int((tolerance + emission - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > config.Burst {
		remaining = config.Burst
	}

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		RetryAfter: 0,
		ResetAfter: newTAT.Sub(now),
	}, nil
}

// StartCleanup starts the background cleanup goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup drops keys whose TAT lies more than maxTTL in the past.
// Stripes are locked one at a time.
func (r *MemoryRateLimiter) cleanup() {
	cutoff := r.now().Add(-r.maxTTL)
	cleaned := 0

	for i := range r.stripes {
		s := &r.stripes[i]
		s.mu.Lock()
		for key, tat := range s.cells {
			if tat.Before(cutoff) {
				delete(s.cells, key)
				cleaned++
			}
		}
		s.mu.Unlock()
	}

	if cleaned > 0 {
		r.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", r.Size())
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *MemoryRateLimiter) Size() int {
	n := 0
	for i := range r.stripes {
		s := &r.stripes[i]
		s.mu.Lock()
		n += len(s.cells)
		s.mu.Unlock()
	}
	return n
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
