package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
)

const grantColumns = `id, user_id, organization_id, client_name, client_id, active, last_used_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*grant.Grant, error) {
	var (
		g                    grant.Grant
		active               int
		lastUsed             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&g.ID, &g.UserID, &g.OrganizationID, &g.ClientName, &g.ClientID,
		&active, &lastUsed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	g.Active = active == 1

	var err error
	if g.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func insertAccessToken(ctx context.Context, tx *sql.Tx, at *grant.AccessToken) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO access_tokens (id, grant_id, token_hash, expires_at, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.ID, at.GrantID, at.TokenHash, formatTime(at.ExpiresAt), at.IPAddress, at.UserAgent, formatTime(at.CreatedAt),
	)
	if isUniqueViolation(err) {
		return grant.ErrDuplicateToken
	}
	return err
}

func insertRefreshToken(ctx context.Context, tx *sql.Tx, rt *grant.RefreshToken) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, grant_id, token_hash, revoked, revoked_at, expires_at, ip_address, user_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.GrantID, rt.TokenHash, boolToInt(rt.Revoked), formatNullTime(rt.RevokedAt),
		formatTime(rt.ExpiresAt), rt.IPAddress, rt.UserAgent, formatTime(rt.CreatedAt), formatTime(rt.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return grant.ErrDuplicateToken
	}
	return err
}

// IssueTokens resolves or creates the active grant and inserts both tokens
// in one transaction.
func (s *Store) IssueTokens(ctx context.Context, candidate *grant.Grant, access *grant.AccessToken, refresh *grant.RefreshToken) (*grant.Grant, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin issue: %w", err)
	}
	defer rollback(tx)

	created := false
	g, err := scanGrant(tx.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM grants
		 WHERE user_id = ? AND organization_id = ? AND client_name = ? AND active = 1`,
		candidate.UserID, candidate.OrganizationID, candidate.ClientName,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO grants (`+grantColumns+`)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			candidate.ID, candidate.UserID, candidate.OrganizationID, candidate.ClientName, candidate.ClientID,
			formatNullTime(candidate.LastUsedAt), formatTime(candidate.CreatedAt), formatTime(candidate.UpdatedAt),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert grant: %w", err)
		}
		c := *candidate
		c.Active = true
		g = &c
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("select active grant: %w", err)
	}

	a := *access
	a.GrantID = g.ID
	if err := insertAccessToken(ctx, tx, &a); err != nil {
		return nil, false, fmt.Errorf("insert access token: %w", err)
	}
	r := *refresh
	r.GrantID = g.ID
	if err := insertRefreshToken(ctx, tx, &r); err != nil {
		return nil, false, fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit issue: %w", err)
	}
	return g, created, nil
}

// LookupAccessToken returns the access token joined with its grant.
func (s *Store) LookupAccessToken(ctx context.Context, tokenHash string) (*grant.AccessToken, *grant.Grant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.grant_id, a.token_hash, a.expires_at, a.ip_address, a.user_agent, a.created_at,
		       g.id, g.user_id, g.organization_id, g.client_name, g.client_id, g.active, g.last_used_at, g.created_at, g.updated_at
		FROM access_tokens a JOIN grants g ON g.id = a.grant_id
		WHERE a.token_hash = ?`, tokenHash)

	var (
		at                     grant.AccessToken
		g                      grant.Grant
		expiresAt, atCreated   string
		active                 int
		lastUsed               sql.NullString
		gCreatedAt, gUpdatedAt string
	)
	err := row.Scan(&at.ID, &at.GrantID, &at.TokenHash, &expiresAt, &at.IPAddress, &at.UserAgent, &atCreated,
		&g.ID, &g.UserID, &g.OrganizationID, &g.ClientName, &g.ClientID, &active, &lastUsed, &gCreatedAt, &gUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, grant.ErrTokenNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup access token: %w", err)
	}

	g.Active = active == 1
	if at.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, nil, err
	}
	if at.CreatedAt, err = parseTime(atCreated); err != nil {
		return nil, nil, err
	}
	if g.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, nil, err
	}
	if g.CreatedAt, err = parseTime(gCreatedAt); err != nil {
		return nil, nil, err
	}
	if g.UpdatedAt, err = parseTime(gUpdatedAt); err != nil {
		return nil, nil, err
	}
	return &at, &g, nil
}

// RotateRefreshToken consumes a refresh token and stores its replacements.
// The conditional revoke (revoked = 0) admits exactly one concurrent winner.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, now time.Time, next *grant.RefreshToken, access *grant.AccessToken) (*grant.Grant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotate: %w", err)
	}
	defer rollback(tx)

	var (
		rtID, grantID, expiresAt string
		revoked                  int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, grant_id, revoked, expires_at FROM refresh_tokens WHERE token_hash = ?`, oldHash,
	).Scan(&rtID, &grantID, &revoked, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select refresh token: %w", err)
	}

	g, err := scanGrant(tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, grantID))
	if err != nil {
		return nil, fmt.Errorf("select grant: %w", err)
	}
	if !g.Active {
		return g, grant.ErrGrantInactive
	}
	if revoked == 1 {
		return g, grant.ErrTokenRevoked
	}
	exp, err := parseTime(expiresAt)
	if err != nil {
		return nil, err
	}
	if now.After(exp) {
		return g, grant.ErrTokenExpired
	}

	if next != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET revoked = 1, revoked_at = ?, updated_at = ? WHERE id = ? AND revoked = 0`,
			formatTime(now), formatTime(now), rtID,
		)
		if err != nil {
			return nil, fmt.Errorf("revoke refresh token: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("revoke refresh token: %w", err)
		} else if n != 1 {
			return g, grant.ErrTokenRevoked
		}

		n := *next
		n.GrantID = g.ID
		if err := insertRefreshToken(ctx, tx, &n); err != nil {
			return nil, fmt.Errorf("insert refresh token: %w", err)
		}
	}

	a := *access
	a.GrantID = g.ID
	if err := insertAccessToken(ctx, tx, &a); err != nil {
		return nil, fmt.Errorf("insert access token: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE grants SET last_used_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(now), formatTime(now), g.ID,
	); err != nil {
		return nil, fmt.Errorf("touch grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}

	used := now
	g.LastUsedAt = &used
	g.UpdatedAt = now
	return g, nil
}

// GetGrant returns a grant by ID.
func (s *Store) GetGrant(ctx context.Context, id string) (*grant.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

// ListGrantsByUser returns all grants of a user, newest first.
func (s *Store) ListGrantsByUser(ctx context.Context, userID string) ([]*grant.Grant, error) {
	return s.queryGrants(ctx, `WHERE user_id = ?`, userID)
}

// ListActiveGrants returns all active grants, newest first.
func (s *Store) ListActiveGrants(ctx context.Context) ([]*grant.Grant, error) {
	return s.queryGrants(ctx, `WHERE active = 1`)
}

// ListActiveGrantsFor returns the active grants of a user in an organization.
func (s *Store) ListActiveGrantsFor(ctx context.Context, userID, organizationID string) ([]*grant.Grant, error) {
	return s.queryGrants(ctx, `WHERE active = 1 AND user_id = ? AND organization_id = ?`, userID, organizationID)
}

func (s *Store) queryGrants(ctx context.Context, where string, args ...any) ([]*grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM grants `+where+` ORDER BY created_at DESC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	result := make([]*grant.Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

// TouchGrant sets last_used_at if at is newer than the stored value.
func (s *Store) TouchGrant(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET last_used_at = ? WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)`,
		ts, id, ts,
	)
	if err != nil {
		return fmt.Errorf("touch grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch grant: %w", err)
	}
	if n == 0 {
		if _, err := s.GetGrant(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateGrant marks the grant inactive and revokes its refresh tokens.
func (s *Store) DeactivateGrant(ctx context.Context, id string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin deactivate: %w", err)
	}
	defer rollback(tx)

	ts := formatTime(at)
	res, err := tx.ExecContext(ctx,
		`UPDATE grants SET active = 0, updated_at = ? WHERE id = ? AND active = 1`, ts, id)
	if err != nil {
		return false, fmt.Errorf("deactivate grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate grant: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM grants WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, grant.ErrGrantNotFound
		}
		if err != nil {
			return false, fmt.Errorf("select grant: %w", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ?, updated_at = ? WHERE grant_id = ? AND revoked = 0`,
		ts, ts, id,
	); err != nil {
		return false, fmt.Errorf("revoke refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit deactivate: %w", err)
	}
	return true, nil
}

// DeleteExpiredAccessTokens removes access tokens that expired before the
// given instant.
func (s *Store) DeleteExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE expires_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired access tokens: %w", err)
	}
	return res.RowsAffected()
}
