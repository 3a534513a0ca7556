package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
)

// CodeStore implements grant.CodeStore on a TTL cache.
// Expired codes are evicted by the cache's cleanup loop; consume is an
// atomic get-and-delete.
type CodeStore struct {
	cache *ttlcache.Cache[string, grant.AuthorizationCode]
	now   func() time.Time
	once  sync.Once
}

// NewCodeStore creates a code store and starts its eviction loop.
// Call Close to stop it.
func NewCodeStore() *CodeStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, grant.AuthorizationCode](),
	)
	go cache.Start()

	return &CodeStore{cache: cache, now: time.Now}
}

// Save stores the code until its expiry. A code that has already expired
// is rejected with grant.ErrCodeExpired.
func (s *CodeStore) Save(ctx context.Context, code *grant.AuthorizationCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ttl := code.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return grant.ErrCodeExpired
	}
	s.cache.Set(code.CodeHash, *code, ttl)
	return nil
}

// Consume atomically removes the code and returns it.
func (s *CodeStore) Consume(ctx context.Context, codeHash string) (*grant.AuthorizationCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, ok := s.cache.GetAndDelete(codeHash)
	if !ok || item == nil {
		return nil, grant.ErrCodeNotFound
	}
	code := item.Value()
	return &code, nil
}

// Len returns the number of codes currently held.
func (s *CodeStore) Len() int {
	return s.cache.Len()
}

// Close stops the eviction loop. Safe to call multiple times.
func (s *CodeStore) Close() error {
	s.once.Do(s.cache.Stop)
	return nil
}

// Compile-time interface verification.
var _ grant.CodeStore = (*CodeStore)(nil)
