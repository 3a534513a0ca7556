package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/orgbridge/orgbridge/internal/ctxkey"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/domain/token"
	"github.com/orgbridge/orgbridge/internal/port/outbound"
)

// MaxValidationCacheTTL bounds how long a cached validation may be served.
// Revocation also purges cached entries, so this is a second line only.
const MaxValidationCacheTTL = 5 * time.Second

// AuthorityConfig holds credential lifetimes and validation tuning.
type AuthorityConfig struct {
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	CodeTTL             time.Duration
	RotateRefreshTokens bool
	// ValidationCacheTTL of zero disables the cache.
	ValidationCacheTTL time.Duration
	// TouchInterval is the minimum spacing between lastUsedAt writes per grant.
	TouchInterval time.Duration
	// TouchQueueSize bounds pending lastUsedAt updates; extra ones are dropped.
	TouchQueueSize int
}

// DefaultAuthorityConfig returns the stock settings.
func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		AccessTokenTTL:      grant.DefaultAccessTokenTTL,
		RefreshTokenTTL:     grant.DefaultRefreshTokenTTL,
		CodeTTL:             grant.DefaultCodeTTL,
		RotateRefreshTokens: true,
		ValidationCacheTTL:  2 * time.Second,
		TouchInterval:       30 * time.Second,
		TouchQueueSize:      1024,
	}
}

// AuthorizeRequest is the input to IssueCode.
type AuthorizeRequest struct {
	UserID         string
	OrganizationID string
	ClientName     string
	RedirectURI    string
}

// ClientMeta is request metadata stored alongside issued tokens.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

// TokenPair is the result of a code exchange or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string // empty when a refresh did not rotate
	ExpiresIn    int    // seconds
	GrantID      string
	ClientID     string
}

// AuthorityOption configures AuthorityService.
type AuthorityOption func(*AuthorityService)

// WithAuthorityClock overrides the time source.
func WithAuthorityClock(now func() time.Time) AuthorityOption {
	return func(s *AuthorityService) {
		s.now = now
	}
}

// WithDirectory enables membership checks at authorization and exchange time.
func WithDirectory(dir outbound.OrganizationDirectory) AuthorityOption {
	return func(s *AuthorityService) {
		s.directory = dir
	}
}

// AuthorityService issues, validates and revokes grants and their tokens.
// It is the only writer of the grant store.
type AuthorityService struct {
	grants    grant.Store
	codes     grant.CodeStore
	limits    *ratelimit.Guard
	recorder  audit.Recorder
	directory outbound.OrganizationDirectory
	cfg       AuthorityConfig
	logger    *slog.Logger
	now       func() time.Time

	// cacheMu orders cache fills against revocations. Validate holds it
	// shared, Revoke exclusively while purging and bumping epoch.
	cacheMu sync.RWMutex
	cache   *ttlcache.Cache[string, grant.Claims]
	epoch   uint64

	touchCh  chan string
	started  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAuthorityService creates an AuthorityService.
func NewAuthorityService(
	grants grant.Store,
	codes grant.CodeStore,
	limits *ratelimit.Guard,
	recorder audit.Recorder,
	cfg AuthorityConfig,
	logger *slog.Logger,
	opts ...AuthorityOption,
) *AuthorityService {
	if cfg.ValidationCacheTTL > MaxValidationCacheTTL {
		cfg.ValidationCacheTTL = MaxValidationCacheTTL
	}
	if cfg.TouchQueueSize <= 0 {
		cfg.TouchQueueSize = 1024
	}
	s := &AuthorityService{
		grants:   grants,
		codes:    codes,
		limits:   limits,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		touchCh:  make(chan string, cfg.TouchQueueSize),
		stopChan: make(chan struct{}),
	}
	if cfg.ValidationCacheTTL > 0 {
		s.cache = ttlcache.New[string, grant.Claims](
			ttlcache.WithTTL[string, grant.Claims](cfg.ValidationCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, grant.Claims](),
		)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the cache janitor and the lastUsedAt writer.
func (s *AuthorityService) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if s.cache != nil {
		go s.cache.Start()
	}
	s.wg.Add(1)
	go s.touchWorker(ctx)
}

// Stop halts background work. Safe to call more than once.
func (s *AuthorityService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.cache != nil && s.started.Load() {
			s.cache.Stop()
		}
	})
	s.wg.Wait()
}

func (s *AuthorityService) clock() time.Time {
	return s.now().UTC()
}

func (s *AuthorityService) loggerFor(ctx context.Context) *slog.Logger {
	if logger := loggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}

func (s *AuthorityService) record(ctx context.Context, e audit.Event) {
	if s.recorder == nil {
		return
	}
	if e.RequestID == "" {
		if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
			e.RequestID = id
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock()
	}
	s.recorder.Record(e)
}

func (s *AuthorityService) checkLimit(ctx context.Context, action ratelimit.Action, subject string) error {
	if s.limits == nil {
		return nil
	}
	res, err := s.limits.Allow(ctx, action, subject)
	if err != nil {
		return serverError(fmt.Errorf("rate limit %s: %w", action, err))
	}
	if !res.Allowed {
		return &RateLimitError{Action: action, RetryAfter: res.RetryAfter}
	}
	return nil
}

// IssueCode mints a single-use authorization code for the user in exactly
// one organization. The caller has authenticated the user.
func (s *AuthorityService) IssueCode(ctx context.Context, req AuthorizeRequest) (string, error) {
	logger := s.loggerFor(ctx)
	if req.UserID == "" {
		return "", invalidRequest("user is required")
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		return "", invalidRequest("organization_id is required")
	}
	if strings.TrimSpace(req.ClientName) == "" {
		return "", invalidRequest("client_name is required")
	}

	if err := s.checkLimit(ctx, ratelimit.ActionAuthorize, req.UserID); err != nil {
		if _, limited := AsRateLimitError(err); limited {
			s.recordDenied(ctx, req, audit.ReasonRateLimited)
		}
		return "", err
	}

	if s.directory != nil {
		member, err := s.directory.IsMember(ctx, req.UserID, req.OrganizationID)
		if err != nil {
			return "", serverError(fmt.Errorf("check membership: %w", err))
		}
		if !member {
			s.recordDenied(ctx, req, audit.ReasonNotMember)
			return "", &AuthError{Code: CodeAccessDenied, Description: "user is not a member of the organization"}
		}
	}

	code, err := token.Generate()
	if err != nil {
		return "", serverError(err)
	}
	now := s.clock()
	if err := s.codes.Save(ctx, &grant.AuthorizationCode{
		CodeHash:       token.Hash(code),
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		ClientName:     req.ClientName,
		RedirectURI:    req.RedirectURI,
		ExpiresAt:      now.Add(s.cfg.CodeTTL),
		CreatedAt:      now,
	}); err != nil {
		return "", serverError(fmt.Errorf("save authorization code: %w", err))
	}

	logger.Info("authorization code issued",
		"user_id", req.UserID,
		"organization_id", req.OrganizationID,
		"client_name", req.ClientName,
	)
	s.record(ctx, audit.Event{
		Subject:        req.UserID,
		OrganizationID: req.OrganizationID,
		Payload:        audit.AuthorizationIssued{ClientName: req.ClientName, RedirectURI: req.RedirectURI},
	})
	return code, nil
}

// Deny records that the user declined an authorization request.
func (s *AuthorityService) Deny(ctx context.Context, req AuthorizeRequest) {
	s.recordDenied(ctx, req, audit.ReasonAccessDenied)
}

func (s *AuthorityService) recordDenied(ctx context.Context, req AuthorizeRequest, reason string) {
	s.record(ctx, audit.Event{
		Subject:        req.UserID,
		OrganizationID: req.OrganizationID,
		Payload:        audit.AuthorizationDenied{ClientName: req.ClientName, Reason: reason},
	})
}

// newCredentials mints an access token and optionally a refresh token.
func (s *AuthorityService) newCredentials(now time.Time, meta ClientMeta, withRefresh bool) (string, *grant.AccessToken, string, *grant.RefreshToken, error) {
	accessPlain, err := token.Generate()
	if err != nil {
		return "", nil, "", nil, err
	}
	access := &grant.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: token.Hash(accessPlain),
		ExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
	}
	if !withRefresh {
		return accessPlain, access, "", nil, nil
	}
	refreshPlain, err := token.Generate()
	if err != nil {
		return "", nil, "", nil, err
	}
	refresh := &grant.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: token.Hash(refreshPlain),
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return accessPlain, access, refreshPlain, refresh, nil
}

// ExchangeCode consumes an authorization code and returns a token pair.
// Of several concurrent exchanges of one code exactly one succeeds.
func (s *AuthorityService) ExchangeCode(ctx context.Context, code, redirectURI string, meta ClientMeta) (*TokenPair, error) {
	logger := s.loggerFor(ctx)
	if code == "" {
		return nil, invalidRequest("code is required")
	}
	if err := s.checkLimit(ctx, ratelimit.ActionToken, meta.IPAddress); err != nil {
		return nil, err
	}
	if !token.LooksValid(code) {
		return nil, invalidGrant("authorization code is invalid", nil)
	}

	ac, err := s.codes.Consume(ctx, token.Hash(code))
	if errors.Is(err, grant.ErrCodeNotFound) {
		return nil, invalidGrant("authorization code is invalid, expired or already used", err)
	}
	if err != nil {
		return nil, serverError(fmt.Errorf("consume authorization code: %w", err))
	}

	now := s.clock()
	if ac.IsExpiredAt(now) {
		return nil, invalidGrant("authorization code is invalid, expired or already used", nil)
	}
	if redirectURI != "" && ac.RedirectURI != "" && redirectURI != ac.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request", nil)
	}
	if s.directory != nil {
		member, err := s.directory.IsMember(ctx, ac.UserID, ac.OrganizationID)
		if err != nil {
			return nil, serverError(fmt.Errorf("check membership: %w", err))
		}
		if !member {
			return nil, invalidGrant("user is no longer a member of the organization", nil)
		}
	}

	accessPlain, access, refreshPlain, refresh, err := s.newCredentials(now, meta, true)
	if err != nil {
		return nil, serverError(err)
	}
	candidate := &grant.Grant{
		ID:             uuid.NewString(),
		UserID:         ac.UserID,
		OrganizationID: ac.OrganizationID,
		ClientName:     ac.ClientName,
		ClientID:       uuid.NewString(),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	g, created, err := s.grants.IssueTokens(ctx, candidate, access, refresh)
	if err != nil {
		return nil, serverError(fmt.Errorf("issue tokens: %w", err))
	}

	logger.Info("tokens issued",
		"user_id", g.UserID,
		"organization_id", g.OrganizationID,
		"grant_id", g.ID,
		"grant_created", created,
	)
	s.record(ctx, audit.Event{
		Subject:        g.UserID,
		OrganizationID: g.OrganizationID,
		GrantID:        g.ID,
		ClientID:       g.ClientID,
		Payload:        audit.TokenIssued{ClientName: g.ClientName, GrantCreated: created, IPAddress: meta.IPAddress},
	})

	return &TokenPair{
		AccessToken:  accessPlain,
		RefreshToken: refreshPlain,
		ExpiresIn:    int(s.cfg.AccessTokenTTL / time.Second),
		GrantID:      g.ID,
		ClientID:     g.ClientID,
	}, nil
}

// Refresh mints a new access token from a refresh token. With rotation
// enabled the refresh token is replaced; presenting a replaced token again
// revokes the whole grant.
func (s *AuthorityService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*TokenPair, error) {
	logger := s.loggerFor(ctx)
	if refreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}
	if err := s.checkLimit(ctx, ratelimit.ActionToken, meta.IPAddress); err != nil {
		return nil, err
	}
	if !token.LooksValid(refreshToken) {
		return nil, invalidGrant("refresh token is invalid", nil)
	}

	now := s.clock()
	accessPlain, access, refreshPlain, next, err := s.newCredentials(now, meta, s.cfg.RotateRefreshTokens)
	if err != nil {
		return nil, serverError(err)
	}

	g, err := s.grants.RotateRefreshToken(ctx, token.Hash(refreshToken), now, next, access)
	switch {
	case err == nil:
	case errors.Is(err, grant.ErrTokenRevoked):
		if g != nil && g.Active && s.cfg.RotateRefreshTokens {
			logger.Warn("refresh token reuse detected, revoking grant",
				"grant_id", g.ID,
				"user_id", g.UserID,
			)
			if rerr := s.Revoke(ctx, g.ID, audit.ReasonRefreshTokenReuse, "system"); rerr != nil {
				logger.Error("failed to revoke grant after refresh token reuse", "grant_id", g.ID, "error", rerr)
			}
		}
		return nil, invalidGrant("refresh token is invalid, expired or revoked", err)
	case errors.Is(err, grant.ErrTokenNotFound),
		errors.Is(err, grant.ErrTokenExpired),
		errors.Is(err, grant.ErrGrantInactive),
		errors.Is(err, grant.ErrGrantNotFound):
		return nil, invalidGrant("refresh token is invalid, expired or revoked", err)
	default:
		return nil, serverError(fmt.Errorf("rotate refresh token: %w", err))
	}

	logger.Debug("access token refreshed", "grant_id", g.ID, "rotated", next != nil)
	s.record(ctx, audit.Event{
		Subject:        g.UserID,
		OrganizationID: g.OrganizationID,
		GrantID:        g.ID,
		ClientID:       g.ClientID,
		Payload:        audit.TokenRefreshed{Rotated: next != nil, IPAddress: meta.IPAddress},
	})

	return &TokenPair{
		AccessToken:  accessPlain,
		RefreshToken: refreshPlain,
		ExpiresIn:    int(s.cfg.AccessTokenTTL / time.Second),
		GrantID:      g.ID,
		ClientID:     g.ClientID,
	}, nil
}

// Validate resolves an access token to its claims. It fails closed:
// anything other than a known, unexpired token of an active grant yields
// ErrUnauthenticated (or a wrapped store error, which callers must treat
// the same way).
func (s *AuthorityService) Validate(ctx context.Context, accessToken string) (*grant.Claims, error) {
	if !token.LooksValid(accessToken) {
		return nil, ErrUnauthenticated
	}
	hash := token.Hash(accessToken)
	now := s.clock()

	var startEpoch uint64
	if s.cache != nil {
		s.cacheMu.RLock()
		item := s.cache.Get(hash)
		startEpoch = s.epoch
		s.cacheMu.RUnlock()
		if item != nil {
			claims := item.Value()
			if now.After(claims.ExpiresAt) {
				s.cache.Delete(hash)
				return nil, ErrUnauthenticated
			}
			s.touch(claims.GrantID)
			return &claims, nil
		}
	}

	at, g, err := s.grants.LookupAccessToken(ctx, hash)
	if errors.Is(err, grant.ErrTokenNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		s.loggerFor(ctx).Error("access token lookup failed", "error", err)
		return nil, fmt.Errorf("validate access token: %w", err)
	}
	if !g.Active || at.IsExpiredAt(now) {
		return nil, ErrUnauthenticated
	}

	claims := grant.Claims{
		UserID:         g.UserID,
		OrganizationID: g.OrganizationID,
		GrantID:        g.ID,
		ClientID:       g.ClientID,
		ClientName:     g.ClientName,
		ExpiresAt:      at.ExpiresAt,
	}

	if s.cache != nil {
		ttl := min(s.cfg.ValidationCacheTTL, at.ExpiresAt.Sub(now))
		s.cacheMu.Lock()
		if s.epoch == startEpoch && ttl > 0 {
			s.cache.Set(hash, claims, ttl)
		}
		s.cacheMu.Unlock()
	}

	s.touch(g.ID)
	return &claims, nil
}

// touch queues a lastUsedAt update without blocking.
func (s *AuthorityService) touch(grantID string) {
	select {
	case s.touchCh <- grantID:
	default:
	}
}

func (s *AuthorityService) touchWorker(ctx context.Context) {
	defer s.wg.Done()

	last := make(map[string]time.Time)
	for {
		select {
		case id := <-s.touchCh:
			now := s.clock()
			if prev, ok := last[id]; ok && now.Sub(prev) < s.cfg.TouchInterval {
				continue
			}
			last[id] = now
			if err := s.grants.TouchGrant(ctx, id, now); err != nil && !errors.Is(err, grant.ErrGrantNotFound) {
				s.logger.Debug("failed to record grant use", "grant_id", id, "error", err)
			}
			if len(last) > 4*cap(s.touchCh) {
				for k, t := range last {
					if now.Sub(t) >= s.cfg.TouchInterval {
						delete(last, k)
					}
				}
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Revoke deactivates a grant and all of its refresh tokens. Idempotent.
// Once Revoke returns, no Validate that starts afterwards accepts tokens of
// the grant.
func (s *AuthorityService) Revoke(ctx context.Context, grantID, reason, actor string) error {
	changed, err := s.grants.DeactivateGrant(ctx, grantID, s.clock())
	if err != nil {
		if errors.Is(err, grant.ErrGrantNotFound) {
			return err
		}
		return fmt.Errorf("deactivate grant: %w", err)
	}

	s.purgeCache(grantID)

	if !changed {
		return nil
	}

	g, err := s.grants.GetGrant(ctx, grantID)
	if err != nil {
		s.loggerFor(ctx).Warn("revoked grant could not be reloaded", "grant_id", grantID, "error", err)
		g = &grant.Grant{ID: grantID}
	}
	s.loggerFor(ctx).Info("grant revoked",
		"grant_id", grantID,
		"user_id", g.UserID,
		"organization_id", g.OrganizationID,
		"reason", reason,
	)
	s.record(ctx, audit.Event{
		Subject:        g.UserID,
		OrganizationID: g.OrganizationID,
		GrantID:        g.ID,
		ClientID:       g.ClientID,
		Payload:        audit.GrantRevoked{Reason: reason, Actor: actor},
	})
	return nil
}

func (s *AuthorityService) purgeCache(grantID string) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	var stale []string
	s.cache.Range(func(item *ttlcache.Item[string, grant.Claims]) bool {
		if item.Value().GrantID == grantID {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, k := range stale {
		s.cache.Delete(k)
	}
	s.epoch++
}

// RevokeForUser revokes a grant on behalf of its owner. Grants of other
// users are reported as not found.
func (s *AuthorityService) RevokeForUser(ctx context.Context, userID, grantID string) error {
	g, err := s.grants.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if g.UserID != userID {
		return grant.ErrGrantNotFound
	}
	return s.Revoke(ctx, grantID, audit.ReasonUserRequest, userID)
}

// RevokeMembership revokes every active grant of the user in the
// organization and returns how many were revoked.
func (s *AuthorityService) RevokeMembership(ctx context.Context, userID, organizationID, reason, actor string) (int, error) {
	grants, err := s.grants.ListActiveGrantsFor(ctx, userID, organizationID)
	if err != nil {
		return 0, fmt.Errorf("list active grants: %w", err)
	}
	revoked := 0
	var errs []error
	for _, g := range grants {
		if err := s.Revoke(ctx, g.ID, reason, actor); err != nil {
			errs = append(errs, fmt.Errorf("grant %s: %w", g.ID, err))
			continue
		}
		revoked++
	}
	return revoked, errors.Join(errs...)
}

// ListGrants returns the settings view of all grants of a user, newest first.
func (s *AuthorityService) ListGrants(ctx context.Context, userID string) ([]grant.Summary, error) {
	grants, err := s.grants.ListGrantsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	out := make([]grant.Summary, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Summarize())
	}
	return out, nil
}

// CachedValidations returns the number of cached validation results.
func (s *AuthorityService) CachedValidations() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}
