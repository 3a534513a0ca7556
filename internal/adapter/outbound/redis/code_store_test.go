package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/domain/grant/granttest"
)

func newTestStore(t *testing.T) (*CodeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCodeStore(client, "test"), mr
}

func TestCodeStore(t *testing.T) {
	granttest.RunCodeStoreTests(t, func(t *testing.T) grant.CodeStore {
		s, _ := newTestStore(t)
		return s
	})
}

func TestCodeStore_KeyAndTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	code := &grant.AuthorizationCode{
		CodeHash:  "sha256:abc",
		UserID:    "u1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
		CreatedAt: time.Now(),
	}
	if err := s.Save(ctx, code); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if !mr.Exists("test:code:sha256:abc") {
		t.Fatal("code key not written under prefix")
	}
	if ttl := mr.TTL("test:code:sha256:abc"); ttl <= 9*time.Minute || ttl > 10*time.Minute {
		t.Errorf("TTL = %v, want about 10m", ttl)
	}

	mr.FastForward(11 * time.Minute)
	if _, err := s.Consume(ctx, code.CodeHash); !errors.Is(err, grant.ErrCodeNotFound) {
		t.Errorf("Consume() after TTL error = %v, want ErrCodeNotFound", err)
	}
}

func TestCodeStore_DuplicateSave(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	code := &grant.AuthorizationCode{CodeHash: "sha256:dup", ExpiresAt: time.Now().Add(time.Minute)}

	if err := s.Save(ctx, code); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, code); !errors.Is(err, grant.ErrDuplicateToken) {
		t.Errorf("second Save() error = %v, want ErrDuplicateToken", err)
	}
}

func TestCodeStore_ServerDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Consume(context.Background(), "sha256:x")
	if err == nil || errors.Is(err, grant.ErrCodeNotFound) {
		t.Errorf("Consume() with server down error = %v, want transport error", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() with server down should fail")
	}
}
