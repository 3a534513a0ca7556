package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/port/outbound"
)

// CodeSweeper is implemented by code stores that do not expire entries on
// their own.
type CodeSweeper interface {
	DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error)
}

// Reloader is implemented by directories that can refresh their snapshot.
type Reloader interface {
	Reload() error
}

// JanitorReport summarizes one pass.
type JanitorReport struct {
	AccessTokensDeleted int64
	CodesDeleted        int64
	GrantsRevoked       int
}

// Janitor garbage-collects expired credentials and revokes grants whose
// user has left the organization.
type Janitor struct {
	grants    grant.Store
	codes     CodeSweeper
	authority *AuthorityService
	directory outbound.OrganizationDirectory
	logger    *slog.Logger
	now       func() time.Time

	gcInterval    time.Duration
	sweepInterval time.Duration

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithCodeSweeper enables deletion of expired authorization codes.
func WithCodeSweeper(c CodeSweeper) JanitorOption {
	return func(j *Janitor) { j.codes = c }
}

// WithMembershipSweep enables periodic cascade revocation against dir.
func WithMembershipSweep(dir outbound.OrganizationDirectory, interval time.Duration) JanitorOption {
	return func(j *Janitor) {
		j.directory = dir
		j.sweepInterval = interval
	}
}

// WithJanitorClock overrides the time source.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a Janitor that collects garbage every gcInterval.
func NewJanitor(grants grant.Store, authority *AuthorityService, gcInterval time.Duration, logger *slog.Logger, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		grants:     grants,
		authority:  authority,
		logger:     logger,
		now:        time.Now,
		gcInterval: gcInterval,
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs the janitor until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		gc := time.NewTicker(j.gcInterval)
		defer gc.Stop()

		var sweep <-chan time.Time
		if j.directory != nil && j.sweepInterval > 0 {
			t := time.NewTicker(j.sweepInterval)
			defer t.Stop()
			sweep = t.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stopChan:
				return
			case <-gc.C:
				if _, _, err := j.CollectGarbage(ctx); err != nil {
					j.logger.Warn("credential garbage collection failed", "error", err)
				}
			case <-sweep:
				if _, err := j.SweepMemberships(ctx); err != nil {
					j.logger.Warn("membership sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the janitor and waits for the current pass. Safe to call
// multiple times.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		close(j.stopChan)
	})
	j.wg.Wait()
}

// RunOnce performs a full pass.
func (j *Janitor) RunOnce(ctx context.Context) (JanitorReport, error) {
	var report JanitorReport
	var errs []error

	tokens, codes, err := j.CollectGarbage(ctx)
	report.AccessTokensDeleted, report.CodesDeleted = tokens, codes
	if err != nil {
		errs = append(errs, err)
	}
	if j.directory != nil {
		revoked, err := j.SweepMemberships(ctx)
		report.GrantsRevoked = revoked
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// CollectGarbage deletes expired access tokens and, when configured,
// expired authorization codes.
func (j *Janitor) CollectGarbage(ctx context.Context) (tokens, codes int64, err error) {
	now := j.now().UTC()
	tokens, err = j.grants.DeleteExpiredAccessTokens(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("delete expired access tokens: %w", err)
	}
	if j.codes != nil {
		codes, err = j.codes.DeleteExpiredCodes(ctx, now)
		if err != nil {
			return tokens, 0, fmt.Errorf("delete expired codes: %w", err)
		}
	}
	if tokens > 0 || codes > 0 {
		j.logger.Debug("expired credentials deleted", "access_tokens", tokens, "codes", codes)
	}
	return tokens, codes, nil
}

type membership struct {
	userID string
	orgID  string
}

// SweepMemberships revokes every active grant whose user is no longer a
// member of the grant's organization.
func (j *Janitor) SweepMemberships(ctx context.Context) (int, error) {
	if j.directory == nil {
		return 0, nil
	}
	if r, ok := j.directory.(Reloader); ok {
		if err := r.Reload(); err != nil {
			// A broken directory must not look like everyone left.
			return 0, fmt.Errorf("reload directory: %w", err)
		}
	}

	active, err := j.grants.ListActiveGrants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active grants: %w", err)
	}

	checked := make(map[membership]bool)
	revoked := 0
	var errs []error
	for _, g := range active {
		key := membership{userID: g.UserID, orgID: g.OrganizationID}
		if _, done := checked[key]; done {
			continue
		}
		member, err := j.directory.IsMember(ctx, g.UserID, g.OrganizationID)
		if err != nil {
			errs = append(errs, fmt.Errorf("check membership of %s: %w", g.UserID, err))
			continue
		}
		checked[key] = member
		if member {
			continue
		}
		n, err := j.authority.RevokeMembership(ctx, g.UserID, g.OrganizationID, audit.ReasonMembershipRemoved, "directory")
		revoked += n
		if err != nil {
			errs = append(errs, err)
		}
		if n > 0 {
			j.logger.Info("grants revoked after membership removal",
				"user_id", g.UserID,
				"organization_id", g.OrganizationID,
				"count", n,
			)
		}
	}
	return revoked, errors.Join(errs...)
}
