// Package grant contains the domain types for authorization grants and the
// credentials owned by them.
package grant

import (
	"time"
)

// Default credential lifetimes.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultCodeTTL         = 10 * time.Minute
)

// Grant is one client's authorization to act for one user within one
// organization. It is the root aggregate: access and refresh tokens are
// owned by it and become unusable when it is deactivated.
type Grant struct {
	// ID is the internal identifier.
	ID string
	// UserID is the subject the client acts for.
	UserID string
	// OrganizationID is fixed at creation and never changes.
	OrganizationID string
	// ClientName is the display name supplied during authorization.
	ClientName string
	// ClientID is the stable identifier exposed to the settings UI.
	// Unique across all grants, active or not.
	ClientID string
	// Active is false once the grant has been revoked. Revoked grants are
	// kept for the audit trail and never reactivated.
	Active bool
	// LastUsedAt is updated on token validation and refresh.
	LastUsedAt *time.Time
	// CreatedAt is when the grant was first created (UTC).
	CreatedAt time.Time
	// UpdatedAt is the last modification time (UTC).
	UpdatedAt time.Time
}

// Matches reports whether the grant authorizes the same user, organization
// and client name.
func (g *Grant) Matches(userID, organizationID, clientName string) bool {
	return g.UserID == userID && g.OrganizationID == organizationID && g.ClientName == clientName
}

// AccessToken is a short-lived bearer credential. Only its hash is stored.
type AccessToken struct {
	ID        string
	GrantID   string
	TokenHash string
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// IsExpiredAt reports whether the token is unusable at the given instant.
// A token is valid up to and including ExpiresAt.
func (t *AccessToken) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RefreshToken is a long-lived credential used to mint access tokens.
// Once revoked it can never be used again.
type RefreshToken struct {
	ID        string
	GrantID   string
	TokenHash string
	Revoked   bool
	RevokedAt *time.Time
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpiredAt reports whether the token is unusable at the given instant.
func (t *RefreshToken) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AuthorizationCode is the single-use credential exchanged for tokens.
// It lives in a short-TTL store, not in the grant tables.
type AuthorizationCode struct {
	CodeHash       string
	UserID         string
	OrganizationID string
	ClientName     string
	RedirectURI    string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// IsExpiredAt reports whether the code is unusable at the given instant.
func (c *AuthorizationCode) IsExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Claims is what a successful access-token validation yields.
type Claims struct {
	UserID         string
	OrganizationID string
	GrantID        string
	ClientID       string
	ClientName     string
	ExpiresAt      time.Time
}

// Summary is the settings-UI view of a grant.
type Summary struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	ClientName     string     `json:"client_name"`
	OrganizationID string     `json:"organization_id"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// Summarize returns the settings-UI view of g.
func (g *Grant) Summarize() Summary {
	return Summary{
		ID:             g.ID,
		ClientID:       g.ClientID,
		ClientName:     g.ClientName,
		OrganizationID: g.OrganizationID,
		Active:         g.Active,
		CreatedAt:      g.CreatedAt,
		LastUsedAt:     g.LastUsedAt,
	}
}
