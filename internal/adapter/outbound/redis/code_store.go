// Package redis provides a Redis-backed authorization code store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
)

// DefaultKeyPrefix namespaces code keys.
const DefaultKeyPrefix = "orgbridge"

// codeRecord is the JSON document stored per code.
type codeRecord struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	ClientName     string    `json:"client_name"`
	RedirectURI    string    `json:"redirect_uri"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// CodeStore implements grant.CodeStore on Redis. Codes are stored with a
// TTL matching their lifetime and consumed with GETDEL, which is atomic on
// the server.
type CodeStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewCodeStore creates a Redis code store.
func NewCodeStore(client redis.UniversalClient, prefix string) *CodeStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &CodeStore{client: client, prefix: prefix, now: time.Now}
}

func (s *CodeStore) key(codeHash string) string {
	return fmt.Sprintf("%s:code:%s", s.prefix, codeHash)
}

// Save stores the code until its expiry. A code that has already expired
// is rejected with grant.ErrCodeExpired.
func (s *CodeStore) Save(ctx context.Context, code *grant.AuthorizationCode) error {
	ttl := code.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return grant.ErrCodeExpired
	}
	payload, err := json.Marshal(codeRecord{
		UserID:         code.UserID,
		OrganizationID: code.OrganizationID,
		ClientName:     code.ClientName,
		RedirectURI:    code.RedirectURI,
		ExpiresAt:      code.ExpiresAt,
		CreatedAt:      code.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal code: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(code.CodeHash), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("persist code: %w", err)
	}
	if !ok {
		return grant.ErrDuplicateToken
	}
	return nil
}

// Consume atomically fetches and deletes the code.
func (s *CodeStore) Consume(ctx context.Context, codeHash string) (*grant.AuthorizationCode, error) {
	payload, err := s.client.GetDel(ctx, s.key(codeHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, grant.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}

	var rec codeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	return &grant.AuthorizationCode{
		CodeHash:       codeHash,
		UserID:         rec.UserID,
		OrganizationID: rec.OrganizationID,
		ClientName:     rec.ClientName,
		RedirectURI:    rec.RedirectURI,
		ExpiresAt:      rec.ExpiresAt,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

// Ping checks connectivity.
func (s *CodeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Compile-time interface verification.
var _ grant.CodeStore = (*CodeStore)(nil)
