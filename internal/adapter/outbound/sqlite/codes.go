package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
)

// Save stores an authorization code.
func (s *Store) Save(ctx context.Context, code *grant.AuthorizationCode) error {
	if !code.ExpiresAt.After(time.Now()) {
		return grant.ErrCodeExpired
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (code_hash, user_id, organization_id, client_name, redirect_uri, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code.CodeHash, code.UserID, code.OrganizationID, code.ClientName, code.RedirectURI,
		formatTime(code.ExpiresAt), formatTime(code.CreatedAt),
	)
	if isUniqueViolation(err) {
		return grant.ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}
	return nil
}

// Consume deletes the code and returns the deleted row in one statement.
func (s *Store) Consume(ctx context.Context, codeHash string) (*grant.AuthorizationCode, error) {
	var (
		c                    grant.AuthorizationCode
		expiresAt, createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM authorization_codes WHERE code_hash = ?
		RETURNING code_hash, user_id, organization_id, client_name, redirect_uri, expires_at, created_at`,
		codeHash,
	).Scan(&c.CodeHash, &c.UserID, &c.OrganizationID, &c.ClientName, &c.RedirectURI, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteExpiredCodes removes codes that expired before the given instant.
func (s *Store) DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE expires_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return res.RowsAffected()
}
