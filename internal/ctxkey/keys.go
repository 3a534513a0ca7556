// Package ctxkey defines shared context key types used across multiple packages.
// This package must not import other internal packages.
package ctxkey

// LoggerKey is the context key for the request-enriched logger
// (request_id, user_id fields).
type LoggerKey struct{}

// RequestIDKey is the context key for the request ID string.
type RequestIDKey struct{}

// PrincipalKey is the context key for the authenticated end user
// (*auth.Principal).
type PrincipalKey struct{}
