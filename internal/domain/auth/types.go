// Package auth contains the domain types for the two kinds of callers that are
// not OAuth clients: end users signed in through the identity provider, and
// operators holding an admin API key.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/orgbridge/orgbridge/internal/ctxkey"
)

// ErrNoPrincipal is returned when a request carries no authenticated user.
var ErrNoPrincipal = errors.New("no authenticated principal")

// Principal is an end user authenticated by the identity provider.
type Principal struct {
	UserID string
	Name   string
	Email  string
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxkey.PrincipalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx.
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(ctxkey.PrincipalKey{}).(*Principal)
	if !ok || p == nil || p.UserID == "" {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// AdminKey is a stored admin API key. Only the hash is kept.
type AdminKey struct {
	// Name is a label shown in logs and audit events.
	Name string
	// Hash is an Argon2id PHC string or "sha256:<hex>".
	Hash string
	// ExpiresAt is nil for keys that never expire.
	ExpiresAt *time.Time
	// Revoked keys never verify.
	Revoked bool
}

// IsExpiredAt reports whether the key is past its expiry at now.
func (k *AdminKey) IsExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// AdminKeyStore lists admin keys for verification.
// Implementations: in-memory (seeded from configuration).
type AdminKeyStore interface {
	ListAdminKeys(ctx context.Context) ([]*AdminKey, error)
}
