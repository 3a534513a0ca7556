// Package granttest provides a behavioural test suite shared by every
// grant.Store and grant.CodeStore engine.
package granttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/domain/token"
)

// Epoch is the reference instant used by fixtures.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewGrant returns a grant candidate with fresh identifiers.
func NewGrant(userID, orgID, clientName string) *grant.Grant {
	return &grant.Grant{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: orgID,
		ClientName:     clientName,
		ClientID:       uuid.NewString(),
		Active:         true,
		CreatedAt:      Epoch,
		UpdatedAt:      Epoch,
	}
}

// NewAccess returns an access token row for a fresh plaintext.
func NewAccess(t testing.TB, expiresAt time.Time) (string, *grant.AccessToken) {
	t.Helper()
	plain, err := token.Generate()
	if err != nil {
		t.Fatalf("token.Generate() error = %v", err)
	}
	return plain, &grant.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: token.Hash(plain),
		ExpiresAt: expiresAt,
		CreatedAt: Epoch,
	}
}

// NewRefresh returns a refresh token row for a fresh plaintext.
func NewRefresh(t testing.TB, expiresAt time.Time) (string, *grant.RefreshToken) {
	t.Helper()
	plain, err := token.Generate()
	if err != nil {
		t.Fatalf("token.Generate() error = %v", err)
	}
	return plain, &grant.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: token.Hash(plain),
		ExpiresAt: expiresAt,
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
}

// issue stores a fresh token pair for the given triple and returns the
// effective grant plus the refresh plaintext.
func issue(t *testing.T, s grant.Store, userID, orgID, clientName string) (*grant.Grant, *grant.AccessToken, string) {
	t.Helper()
	_, at := NewAccess(t, Epoch.Add(time.Hour))
	rtPlain, rt := NewRefresh(t, Epoch.Add(30*24*time.Hour))
	g, _, err := s.IssueTokens(context.Background(), NewGrant(userID, orgID, clientName), at, rt)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}
	return g, at, rtPlain
}

// RunStoreTests exercises a grant.Store engine. newStore must return an
// empty store; it is called once per subtest.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) grant.Store) {
	t.Run("IssueTokensCreatesThenReuses", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, at1 := NewAccess(t, Epoch.Add(time.Hour))
		_, rt1 := NewRefresh(t, Epoch.Add(time.Hour))
		first := NewGrant("u1", "org1", "Desktop")
		g1, created, err := s.IssueTokens(ctx, first, at1, rt1)
		if err != nil {
			t.Fatalf("IssueTokens() error = %v", err)
		}
		if !created || g1.ID != first.ID || !g1.Active {
			t.Fatalf("first issue: created=%v grant=%+v", created, g1)
		}

		_, at2 := NewAccess(t, Epoch.Add(time.Hour))
		_, rt2 := NewRefresh(t, Epoch.Add(time.Hour))
		g2, created, err := s.IssueTokens(ctx, NewGrant("u1", "org1", "Desktop"), at2, rt2)
		if err != nil {
			t.Fatalf("IssueTokens() error = %v", err)
		}
		if created {
			t.Error("second issue for same triple created a new grant")
		}
		if g2.ID != g1.ID || g2.ClientID != g1.ClientID {
			t.Errorf("second issue resolved to %s/%s, want %s/%s", g2.ID, g2.ClientID, g1.ID, g1.ClientID)
		}

		_, g, err := s.LookupAccessToken(ctx, at2.TokenHash)
		if err != nil {
			t.Fatalf("LookupAccessToken() error = %v", err)
		}
		if g.ID != g1.ID {
			t.Errorf("access token bound to %s, want %s", g.ID, g1.ID)
		}

		_, at3 := NewAccess(t, Epoch.Add(time.Hour))
		_, rt3 := NewRefresh(t, Epoch.Add(time.Hour))
		other, created, err := s.IssueTokens(ctx, NewGrant("u1", "org2", "Desktop"), at3, rt3)
		if err != nil {
			t.Fatalf("IssueTokens() error = %v", err)
		}
		if !created || other.ID == g1.ID {
			t.Error("different organization must yield a different grant")
		}
	})

	t.Run("ConcurrentIssueYieldsOneActiveGrant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 16
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			_, at := NewAccess(t, Epoch.Add(time.Hour))
			_, rt := NewRefresh(t, Epoch.Add(time.Hour))
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				g, _, err := s.IssueTokens(ctx, NewGrant("u1", "org1", "Desktop"), at, rt)
				if err != nil {
					t.Errorf("IssueTokens() error = %v", err)
					return
				}
				ids[i] = g.ID
			}(i)
		}
		wg.Wait()

		for i := 1; i < n; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("concurrent issues resolved to different grants: %v", ids)
			}
		}
		active, err := s.ListActiveGrantsFor(ctx, "u1", "org1")
		if err != nil {
			t.Fatalf("ListActiveGrantsFor() error = %v", err)
		}
		if len(active) != 1 {
			t.Errorf("active grants = %d, want 1", len(active))
		}
	})

	t.Run("DuplicateTokenHashRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, at := NewAccess(t, Epoch.Add(time.Hour))
		_, rt := NewRefresh(t, Epoch.Add(time.Hour))
		if _, _, err := s.IssueTokens(ctx, NewGrant("u1", "org1", "A"), at, rt); err != nil {
			t.Fatalf("IssueTokens() error = %v", err)
		}
		_, rt2 := NewRefresh(t, Epoch.Add(time.Hour))
		atDup := *at
		atDup.ID = uuid.NewString()
		_, _, err := s.IssueTokens(ctx, NewGrant("u2", "org1", "A"), &atDup, rt2)
		if !errors.Is(err, grant.ErrDuplicateToken) {
			t.Errorf("IssueTokens() with duplicate hash error = %v, want ErrDuplicateToken", err)
		}
	})

	t.Run("LookupUnknownToken", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.LookupAccessToken(context.Background(), token.Hash("nope"))
		if !errors.Is(err, grant.ErrTokenNotFound) {
			t.Errorf("LookupAccessToken() error = %v, want ErrTokenNotFound", err)
		}
	})

	t.Run("RotateRefreshToken", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g, _, rtPlain := issue(t, s, "u1", "org1", "Desktop")
		now := Epoch.Add(time.Minute)

		nextPlain, next := NewRefresh(t, now.Add(time.Hour))
		_, at := NewAccess(t, now.Add(time.Hour))
		rg, err := s.RotateRefreshToken(ctx, token.Hash(rtPlain), now, next, at)
		if err != nil {
			t.Fatalf("RotateRefreshToken() error = %v", err)
		}
		if rg.ID != g.ID {
			t.Errorf("rotated grant = %s, want %s", rg.ID, g.ID)
		}
		if rg.LastUsedAt == nil || !rg.LastUsedAt.Equal(now) {
			t.Errorf("LastUsedAt = %v, want %v", rg.LastUsedAt, now)
		}

		_, at2 := NewAccess(t, now.Add(time.Hour))
		_, next2 := NewRefresh(t, now.Add(time.Hour))
		if _, err := s.RotateRefreshToken(ctx, token.Hash(rtPlain), now, next2, at2); !errors.Is(err, grant.ErrTokenRevoked) {
			t.Errorf("reusing rotated token error = %v, want ErrTokenRevoked", err)
		}

		_, at3 := NewAccess(t, now.Add(time.Hour))
		_, next3 := NewRefresh(t, now.Add(time.Hour))
		if _, err := s.RotateRefreshToken(ctx, token.Hash(nextPlain), now, next3, at3); err != nil {
			t.Errorf("rotating replacement token error = %v", err)
		}
	})

	t.Run("RotateWithoutReplacementKeepsToken", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, _, rtPlain := issue(t, s, "u1", "org1", "Desktop")

		for i := 0; i < 2; i++ {
			_, at := NewAccess(t, Epoch.Add(time.Hour))
			if _, err := s.RotateRefreshToken(ctx, token.Hash(rtPlain), Epoch, nil, at); err != nil {
				t.Fatalf("refresh %d without rotation error = %v", i, err)
			}
		}
	})

	t.Run("RotateConcurrentSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, _, rtPlain := issue(t, s, "u1", "org1", "Desktop")

		const n = 12
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			_, next := NewRefresh(t, Epoch.Add(time.Hour))
			_, at := NewAccess(t, Epoch.Add(time.Hour))
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.RotateRefreshToken(ctx, token.Hash(rtPlain), Epoch, next, at)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, grant.ErrTokenRevoked):
				default:
					t.Errorf("RotateRefreshToken() unexpected error = %v", err)
				}
			}()
		}
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Errorf("winners = %d, want 1", got)
		}
	})

	t.Run("RotateErrors", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g, _, rtPlain := issue(t, s, "u1", "org1", "Desktop")

		_, next := NewRefresh(t, Epoch.Add(time.Hour))
		_, at := NewAccess(t, Epoch.Add(time.Hour))
		if _, err := s.RotateRefreshToken(ctx, token.Hash("unknown"), Epoch, next, at); !errors.Is(err, grant.ErrTokenNotFound) {
			t.Errorf("unknown token error = %v, want ErrTokenNotFound", err)
		}

		late := Epoch.Add(31 * 24 * time.Hour)
		if _, err := s.RotateRefreshToken(ctx, token.Hash(rtPlain), late, next, at); !errors.Is(err, grant.ErrTokenExpired) {
			t.Errorf("expired token error = %v, want ErrTokenExpired", err)
		}

		if _, err := s.DeactivateGrant(ctx, g.ID, Epoch); err != nil {
			t.Fatalf("DeactivateGrant() error = %v", err)
		}
		if _, err := s.RotateRefreshToken(ctx, token.Hash(rtPlain), Epoch, next, at); !errors.Is(err, grant.ErrGrantInactive) {
			t.Errorf("inactive grant error = %v, want ErrGrantInactive", err)
		}
	})

	t.Run("DeactivateGrantIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g, at, _ := issue(t, s, "u1", "org1", "Desktop")

		changed, err := s.DeactivateGrant(ctx, g.ID, Epoch.Add(time.Minute))
		if err != nil || !changed {
			t.Fatalf("DeactivateGrant() = %v, %v; want true, nil", changed, err)
		}
		changed, err = s.DeactivateGrant(ctx, g.ID, Epoch.Add(2*time.Minute))
		if err != nil || changed {
			t.Fatalf("second DeactivateGrant() = %v, %v; want false, nil", changed, err)
		}

		_, lg, err := s.LookupAccessToken(ctx, at.TokenHash)
		if err != nil {
			t.Fatalf("LookupAccessToken() error = %v", err)
		}
		if lg.Active {
			t.Error("grant still active after deactivation")
		}

		if _, err := s.DeactivateGrant(ctx, "missing", Epoch); !errors.Is(err, grant.ErrGrantNotFound) {
			t.Errorf("DeactivateGrant(missing) error = %v, want ErrGrantNotFound", err)
		}
	})

	t.Run("ReauthorizeAfterRevokeCreatesNewGrant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g1, _, _ := issue(t, s, "u1", "org1", "Desktop")
		if _, err := s.DeactivateGrant(ctx, g1.ID, Epoch); err != nil {
			t.Fatalf("DeactivateGrant() error = %v", err)
		}
		g2, _, _ := issue(t, s, "u1", "org1", "Desktop")
		if g2.ID == g1.ID || g2.ClientID == g1.ClientID {
			t.Error("re-authorization reused a revoked grant")
		}

		all, err := s.ListGrantsByUser(ctx, "u1")
		if err != nil {
			t.Fatalf("ListGrantsByUser() error = %v", err)
		}
		if len(all) != 2 {
			t.Errorf("ListGrantsByUser() = %d grants, want 2", len(all))
		}
		active, err := s.ListActiveGrants(ctx)
		if err != nil {
			t.Fatalf("ListActiveGrants() error = %v", err)
		}
		if len(active) != 1 || active[0].ID != g2.ID {
			t.Errorf("ListActiveGrants() = %v, want only %s", active, g2.ID)
		}
	})

	t.Run("TouchGrant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g, _, _ := issue(t, s, "u1", "org1", "Desktop")

		at := Epoch.Add(5 * time.Minute)
		if err := s.TouchGrant(ctx, g.ID, at); err != nil {
			t.Fatalf("TouchGrant() error = %v", err)
		}
		if err := s.TouchGrant(ctx, g.ID, Epoch); err != nil {
			t.Fatalf("TouchGrant() error = %v", err)
		}
		got, err := s.GetGrant(ctx, g.ID)
		if err != nil {
			t.Fatalf("GetGrant() error = %v", err)
		}
		if got.LastUsedAt == nil || !got.LastUsedAt.Equal(at) {
			t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, at)
		}

		if err := s.TouchGrant(ctx, "missing", at); !errors.Is(err, grant.ErrGrantNotFound) {
			t.Errorf("TouchGrant(missing) error = %v, want ErrGrantNotFound", err)
		}
	})

	t.Run("DeleteExpiredAccessTokens", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g, _, _ := issue(t, s, "u1", "org1", "Desktop")

		_, old := NewAccess(t, Epoch.Add(-time.Minute))
		_, rt := NewRefresh(t, Epoch.Add(time.Hour))
		if _, _, err := s.IssueTokens(ctx, NewGrant("u1", "org1", "Desktop"), old, rt); err != nil {
			t.Fatalf("IssueTokens() error = %v", err)
		}

		removed, err := s.DeleteExpiredAccessTokens(ctx, Epoch)
		if err != nil {
			t.Fatalf("DeleteExpiredAccessTokens() error = %v", err)
		}
		if removed != 1 {
			t.Errorf("removed = %d, want 1", removed)
		}
		if _, _, err := s.LookupAccessToken(ctx, old.TokenHash); !errors.Is(err, grant.ErrTokenNotFound) {
			t.Errorf("expired token still present: %v", err)
		}
		if _, err := s.GetGrant(ctx, g.ID); err != nil {
			t.Errorf("grant removed with its token: %v", err)
		}
	})
}

// RunCodeStoreTests exercises a grant.CodeStore engine.
func RunCodeStoreTests(t *testing.T, newStore func(t *testing.T) grant.CodeStore) {
	newCode := func(ttl time.Duration) *grant.AuthorizationCode {
		now := time.Now().UTC()
		return &grant.AuthorizationCode{
			CodeHash:       token.Hash(uuid.NewString()),
			UserID:         "u1",
			OrganizationID: "org1",
			ClientName:     "Desktop",
			RedirectURI:    "http://127.0.0.1:33418/callback",
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
		}
	}

	t.Run("SaveThenConsume", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := newCode(time.Minute)

		if err := s.Save(ctx, code); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, err := s.Consume(ctx, code.CodeHash)
		if err != nil {
			t.Fatalf("Consume() error = %v", err)
		}
		if got.UserID != code.UserID || got.OrganizationID != code.OrganizationID ||
			got.ClientName != code.ClientName || got.RedirectURI != code.RedirectURI {
			t.Errorf("Consume() = %+v, want %+v", got, code)
		}
		if d := got.ExpiresAt.Sub(code.ExpiresAt); d > time.Millisecond || d < -time.Millisecond {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, code.ExpiresAt)
		}

		if _, err := s.Consume(ctx, code.CodeHash); !errors.Is(err, grant.ErrCodeNotFound) {
			t.Errorf("second Consume() error = %v, want ErrCodeNotFound", err)
		}
	})

	t.Run("ExpiredCodeRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := newCode(-time.Second)

		if err := s.Save(ctx, code); !errors.Is(err, grant.ErrCodeExpired) {
			t.Fatalf("Save() error = %v, want ErrCodeExpired", err)
		}
		if _, err := s.Consume(ctx, code.CodeHash); !errors.Is(err, grant.ErrCodeNotFound) {
			t.Errorf("Consume() error = %v, want ErrCodeNotFound", err)
		}
	})

	t.Run("UnknownCode", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Consume(context.Background(), token.Hash("missing")); !errors.Is(err, grant.ErrCodeNotFound) {
			t.Errorf("Consume() error = %v, want ErrCodeNotFound", err)
		}
	})

	t.Run("ConcurrentConsumeSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := newCode(time.Minute)
		if err := s.Save(ctx, code); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		const n = 20
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Consume(ctx, code.CodeHash)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, grant.ErrCodeNotFound):
				default:
					t.Errorf("Consume() unexpected error = %v", err)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Errorf("winners = %d, want 1", got)
		}
	})

	t.Run("ManyCodesIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		codes := make([]*grant.AuthorizationCode, 5)
		for i := range codes {
			codes[i] = newCode(time.Minute)
			codes[i].ClientName = fmt.Sprintf("client-%d", i)
			if err := s.Save(ctx, codes[i]); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}
		for i := len(codes) - 1; i >= 0; i-- {
			got, err := s.Consume(ctx, codes[i].CodeHash)
			if err != nil {
				t.Fatalf("Consume(%d) error = %v", i, err)
			}
			if got.ClientName != codes[i].ClientName {
				t.Errorf("Consume(%d) = %s, want %s", i, got.ClientName, codes[i].ClientName)
			}
		}
	})
}
