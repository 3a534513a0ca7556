package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
)

// ErrUnauthenticated is returned by Validate for any token that must not be
// trusted: unknown, expired, or belonging to an inactive grant.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrorCode is an OAuth 2.0 error code.
type ErrorCode string

// OAuth error codes surfaced by the authorization and token endpoints.
const (
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeInvalidGrant         ErrorCode = "invalid_grant"
	CodeAccessDenied         ErrorCode = "access_denied"
	CodeUnsupportedGrantType ErrorCode = "unsupported_grant_type"
	CodeServerError          ErrorCode = "server_error"
)

// AuthError is a protocol-level failure of an authority operation.
// Description is safe to return to clients; Err is logged only.
type AuthError struct {
	Code        ErrorCode
	Description string
	Err         error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func invalidRequest(desc string) error {
	return &AuthError{Code: CodeInvalidRequest, Description: desc}
}

func invalidGrant(desc string, cause error) error {
	return &AuthError{Code: CodeInvalidGrant, Description: desc, Err: cause}
}

func serverError(cause error) error {
	return &AuthError{Code: CodeServerError, Description: "internal error", Err: cause}
}

// RateLimitError reports that an action exceeded its limit.
type RateLimitError struct {
	Action     ratelimit.Action
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// AsAuthError extracts an *AuthError from err.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// AsRateLimitError extracts a *RateLimitError from err.
func AsRateLimitError(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
