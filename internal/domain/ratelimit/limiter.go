package ratelimit

import (
	"context"
	"fmt"
)

// RateLimiter is the interface for rate limiting operations.
//
// Implementations should use the GCRA (Generic Cell Rate Algorithm),
// which behaves like an approximate sliding window: Burst requests are
// admitted at once and further ones at a steady Period/Rate spacing, with
// no reset spike at window boundaries.
//
// Every call for a key must be serialized with every other call for the
// same key so parallel requests can never be under-counted.
type RateLimiter interface {
	// Allow checks if a request identified by key is allowed under the given config.
	//
	// The key should be a structured identifier created by FormatKey.
	// Allow atomically consumes one cell and returns the result. If the
	// request is not allowed, RetryAfter indicates when the next request
	// will be admitted.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}

// Guard applies per-action policies on top of a RateLimiter.
type Guard struct {
	limiter  RateLimiter
	policies Policies
}

// NewGuard creates a Guard. Actions missing from policies fall back to
// DefaultPolicies.
func NewGuard(limiter RateLimiter, policies Policies) *Guard {
	merged := DefaultPolicies()
	for action, cfg := range policies {
		merged[action] = cfg
	}
	return &Guard{limiter: limiter, policies: merged}
}

// Allow checks the limit for subject performing action.
func (g *Guard) Allow(ctx context.Context, action Action, subject string) (RateLimitResult, error) {
	cfg, ok := g.policies[action]
	if !ok {
		return RateLimitResult{}, fmt.Errorf("no rate limit policy for action %q", action)
	}
	return g.limiter.Allow(ctx, FormatKey(action, subject), cfg)
}

// Policy returns the configured limit for action.
func (g *Guard) Policy(action Action) RateLimitConfig {
	return g.policies[action]
}
