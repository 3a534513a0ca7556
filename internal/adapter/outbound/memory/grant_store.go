package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
)

// ErrDuplicateClientID is returned when a new grant reuses a client ID.
var ErrDuplicateClientID = errors.New("duplicate client id")

// GrantStore implements grant.Store with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type GrantStore struct {
	grants    map[string]*grant.Grant        // ID -> Grant
	clientIDs map[string]string              // ClientID -> grant ID
	access    map[string]*grant.AccessToken  // tokenHash -> AccessToken
	refresh   map[string]*grant.RefreshToken // tokenHash -> RefreshToken
	mu        sync.RWMutex
}

// NewGrantStore creates a new in-memory grant store.
func NewGrantStore() *GrantStore {
	return &GrantStore{
		grants:    make(map[string]*grant.Grant),
		clientIDs: make(map[string]string),
		access:    make(map[string]*grant.AccessToken),
		refresh:   make(map[string]*grant.RefreshToken),
	}
}

func copyGrant(g *grant.Grant) *grant.Grant {
	c := *g
	if g.LastUsedAt != nil {
		t := *g.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// IssueTokens resolves the active grant and stores both tokens under one lock.
func (s *GrantStore) IssueTokens(ctx context.Context, candidate *grant.Grant, access *grant.AccessToken, refresh *grant.RefreshToken) (*grant.Grant, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.access[access.TokenHash]; ok {
		return nil, false, grant.ErrDuplicateToken
	}
	if _, ok := s.refresh[refresh.TokenHash]; ok {
		return nil, false, grant.ErrDuplicateToken
	}

	effective := s.findActiveLocked(candidate.UserID, candidate.OrganizationID, candidate.ClientName)
	created := false
	if effective == nil {
		if _, ok := s.clientIDs[candidate.ClientID]; ok {
			return nil, false, ErrDuplicateClientID
		}
		effective = copyGrant(candidate)
		effective.Active = true
		s.grants[effective.ID] = effective
		s.clientIDs[effective.ClientID] = effective.ID
		created = true
	}

	a := *access
	a.GrantID = effective.ID
	s.access[a.TokenHash] = &a

	r := *refresh
	r.GrantID = effective.ID
	s.refresh[r.TokenHash] = &r

	return copyGrant(effective), created, nil
}

func (s *GrantStore) findActiveLocked(userID, orgID, clientName string) *grant.Grant {
	for _, g := range s.grants {
		if g.Active && g.Matches(userID, orgID, clientName) {
			return g
		}
	}
	return nil
}

// LookupAccessToken returns the access token and its grant.
func (s *GrantStore) LookupAccessToken(ctx context.Context, tokenHash string) (*grant.AccessToken, *grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.access[tokenHash]
	if !ok {
		return nil, nil, grant.ErrTokenNotFound
	}
	g, ok := s.grants[at.GrantID]
	if !ok {
		return nil, nil, grant.ErrGrantNotFound
	}
	atCopy := *at
	return &atCopy, copyGrant(g), nil
}

// RotateRefreshToken consumes a refresh token and stores its replacements.
func (s *GrantStore) RotateRefreshToken(ctx context.Context, oldHash string, now time.Time, next *grant.RefreshToken, access *grant.AccessToken) (*grant.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refresh[oldHash]
	if !ok {
		return nil, grant.ErrTokenNotFound
	}
	g, ok := s.grants[rt.GrantID]
	if !ok {
		return nil, grant.ErrGrantNotFound
	}
	if !g.Active {
		return copyGrant(g), grant.ErrGrantInactive
	}
	if rt.Revoked {
		return copyGrant(g), grant.ErrTokenRevoked
	}
	if rt.IsExpiredAt(now) {
		return copyGrant(g), grant.ErrTokenExpired
	}
	if _, dup := s.access[access.TokenHash]; dup {
		return nil, grant.ErrDuplicateToken
	}
	if next != nil {
		if _, dup := s.refresh[next.TokenHash]; dup {
			return nil, grant.ErrDuplicateToken
		}
	}

	if next != nil {
		revokedAt := now
		rt.Revoked = true
		rt.RevokedAt = &revokedAt
		rt.UpdatedAt = now

		n := *next
		n.GrantID = g.ID
		s.refresh[n.TokenHash] = &n
	}

	a := *access
	a.GrantID = g.ID
	s.access[a.TokenHash] = &a

	used := now
	g.LastUsedAt = &used
	g.UpdatedAt = now

	return copyGrant(g), nil
}

// GetGrant returns a grant by ID.
func (s *GrantStore) GetGrant(ctx context.Context, id string) (*grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, grant.ErrGrantNotFound
	}
	return copyGrant(g), nil
}

// ListGrantsByUser returns all grants of a user, newest first.
func (s *GrantStore) ListGrantsByUser(ctx context.Context, userID string) ([]*grant.Grant, error) {
	return s.list(func(g *grant.Grant) bool { return g.UserID == userID }), nil
}

// ListActiveGrants returns all active grants, newest first.
func (s *GrantStore) ListActiveGrants(ctx context.Context) ([]*grant.Grant, error) {
	return s.list(func(g *grant.Grant) bool { return g.Active }), nil
}

// ListActiveGrantsFor returns the active grants of a user in an organization.
func (s *GrantStore) ListActiveGrantsFor(ctx context.Context, userID, organizationID string) ([]*grant.Grant, error) {
	return s.list(func(g *grant.Grant) bool {
		return g.Active && g.UserID == userID && g.OrganizationID == organizationID
	}), nil
}

func (s *GrantStore) list(keep func(*grant.Grant) bool) []*grant.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*grant.Grant, 0)
	for _, g := range s.grants {
		if keep(g) {
			result = append(result, copyGrant(g))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// TouchGrant sets LastUsedAt if at is newer than the stored value.
func (s *GrantStore) TouchGrant(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return grant.ErrGrantNotFound
	}
	if g.LastUsedAt == nil || at.After(*g.LastUsedAt) {
		t := at
		g.LastUsedAt = &t
	}
	return nil
}

// DeactivateGrant marks the grant inactive and revokes its refresh tokens.
func (s *GrantStore) DeactivateGrant(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return false, grant.ErrGrantNotFound
	}
	if !g.Active {
		return false, nil
	}
	g.Active = false
	g.UpdatedAt = at

	for _, rt := range s.refresh {
		if rt.GrantID == id && !rt.Revoked {
			revokedAt := at
			rt.Revoked = true
			rt.RevokedAt = &revokedAt
			rt.UpdatedAt = at
		}
	}
	return true, nil
}

// DeleteExpiredAccessTokens removes access tokens that expired before the
// given instant.
func (s *GrantStore) DeleteExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for hash, at := range s.access {
		if at.ExpiresAt.Before(before) {
			delete(s.access, hash)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (s *GrantStore) Close() error {
	return nil
}

// Compile-time interface verification.
var _ grant.Store = (*GrantStore)(nil)
