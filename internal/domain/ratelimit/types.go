// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the number of events admitted back to back before the
	// limiter starts spacing them out. Zero means Burst = Rate.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Remaining is the number of requests still admissible right now.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the rate limit fully resets.
	ResetAfter time.Duration
}

// Action identifies the operation a limit applies to.
type Action string

const (
	// ActionAuthorize limits authorization-code issuance per user.
	ActionAuthorize Action = "authorize"

	// ActionToken limits code exchange and refresh per client IP.
	ActionToken Action = "token"

	// ActionToolCall limits tool invocations per access token.
	ActionToolCall Action = "tool_call"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{action}:{subject}"
// Examples:
//   - FormatKey(ActionToken, "192.168.1.1") -> "ratelimit:token:192.168.1.1"
//   - FormatKey(ActionAuthorize, "user-123") -> "ratelimit:authorize:user-123"
func FormatKey(action Action, subject string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, action, subject)
}

// PerHour returns a config admitting n events per hour, all of which may
// arrive at once.
func PerHour(n int) RateLimitConfig {
	return RateLimitConfig{Rate: n, Burst: n, Period: time.Hour}
}

// Policies maps each action to its limit.
type Policies map[Action]RateLimitConfig

// DefaultPolicies returns the stock limits: 10 authorizations per user,
// 20 token requests per IP and 1000 tool calls per token, each per hour.
func DefaultPolicies() Policies {
	return Policies{
		ActionAuthorize: PerHour(10),
		ActionToken:     PerHour(20),
		ActionToolCall:  PerHour(1000),
	}
}
