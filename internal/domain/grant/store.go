package grant

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for grant store operations.
var (
	// ErrGrantNotFound is returned when a grant does not exist.
	ErrGrantNotFound = errors.New("grant not found")
	// ErrGrantInactive is returned when a credential belongs to a revoked grant.
	ErrGrantInactive = errors.New("grant inactive")
	// ErrTokenNotFound is returned when no token matches the hash.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenRevoked is returned when a refresh token was already revoked
	// or consumed by rotation.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenExpired is returned when a token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrDuplicateToken is returned when a token hash collides with an
	// existing row.
	ErrDuplicateToken = errors.New("duplicate token hash")
	// ErrCodeNotFound is returned when an authorization code is absent,
	// expired out of the store, or already consumed.
	ErrCodeNotFound = errors.New("authorization code not found")
	// ErrCodeExpired is returned by CodeStore.Save for a code whose expiry
	// has already passed.
	ErrCodeExpired = errors.New("authorization code already expired")
)

// Store persists grants and their tokens.
// Interface owned by domain per hexagonal architecture.
// Implementations: in-memory (dev/test), SQLite (prod).
type Store interface {
	// IssueTokens atomically resolves the active grant for the candidate's
	// (UserID, OrganizationID, ClientName), inserting the candidate when none
	// exists, and persists both tokens bound to the resolved grant.
	// Returns the effective grant and whether it was newly created.
	IssueTokens(ctx context.Context, candidate *Grant, access *AccessToken, refresh *RefreshToken) (*Grant, bool, error)

	// LookupAccessToken returns the access token with the given hash joined
	// with its grant. Returns ErrTokenNotFound if absent.
	LookupAccessToken(ctx context.Context, tokenHash string) (*AccessToken, *Grant, error)

	// RotateRefreshToken atomically consumes the refresh token identified by
	// oldHash and persists the replacement credentials. When next is nil the
	// old refresh token stays valid (no rotation). Exactly one of several
	// concurrent callers presenting the same token succeeds when rotating.
	// Returns ErrTokenNotFound, ErrTokenRevoked, ErrTokenExpired or
	// ErrGrantInactive; on ErrTokenRevoked the returned grant (if any)
	// identifies the owner so callers can react to replay.
	RotateRefreshToken(ctx context.Context, oldHash string, now time.Time, next *RefreshToken, access *AccessToken) (*Grant, error)

	// GetGrant returns a grant by ID. Returns ErrGrantNotFound if absent.
	GetGrant(ctx context.Context, id string) (*Grant, error)

	// ListGrantsByUser returns every grant (active or not) of a user,
	// newest first.
	ListGrantsByUser(ctx context.Context, userID string) ([]*Grant, error)

	// ListActiveGrants returns all active grants.
	ListActiveGrants(ctx context.Context) ([]*Grant, error)

	// ListActiveGrantsFor returns active grants of one user in one organization.
	ListActiveGrantsFor(ctx context.Context, userID, organizationID string) ([]*Grant, error)

	// TouchGrant records a use of the grant. Best effort.
	TouchGrant(ctx context.Context, id string, at time.Time) error

	// DeactivateGrant marks the grant inactive and revokes all of its refresh
	// tokens. Returns changed=false when the grant was already inactive.
	DeactivateGrant(ctx context.Context, id string, at time.Time) (changed bool, err error)

	// DeleteExpiredAccessTokens removes access tokens that expired before
	// the given instant and returns how many were removed.
	DeleteExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}

// CodeStore holds authorization codes for their short lifetime.
type CodeStore interface {
	// Save stores a code until its ExpiresAt.
	Save(ctx context.Context, code *AuthorizationCode) error

	// Consume atomically retrieves and invalidates a code. Exactly one of
	// several concurrent callers receives it; the others get ErrCodeNotFound.
	Consume(ctx context.Context, codeHash string) (*AuthorizationCode, error)
}
