package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
)

var (
	// ErrInvalidKey is returned when no usable admin key matches.
	ErrInvalidKey = errors.New("invalid admin key")
	// ErrUnknownHashType is returned for stored hashes in an unrecognized format.
	ErrUnknownHashType = errors.New("unknown hash type")
)

// HashScheme identifies how an admin key hash was produced.
type HashScheme string

const (
	SchemeArgon2id HashScheme = "argon2id"
	SchemeSHA256   HashScheme = "sha256"
	SchemeUnknown  HashScheme = "unknown"
)

const sha256Prefix = "sha256:"

// OWASP minimum for Argon2id: 46 MiB, one pass, one lane.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashArgon2id returns a salted Argon2id PHC hash of raw.
func HashArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// HashSHA256 returns "sha256:<hex>" of raw. Suitable only for high-entropy
// generated keys.
func HashSHA256(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return sha256Prefix + hex.EncodeToString(sum[:])
}

// SchemeOf returns the scheme of a stored hash.
func SchemeOf(stored string) HashScheme {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return SchemeArgon2id
	case strings.HasPrefix(stored, sha256Prefix) && len(stored) == len(sha256Prefix)+64:
		return SchemeSHA256
	default:
		return SchemeUnknown
	}
}

// VerifyHash reports whether raw matches stored.
func VerifyHash(raw, stored string) (bool, error) {
	switch SchemeOf(stored) {
	case SchemeArgon2id:
		return compareArgon2id(raw, stored)
	case SchemeSHA256:
		computed := HashSHA256(raw)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// compareArgon2id converts panics from malformed PHC parameters (t=0, p=0)
// into errors.
func compareArgon2id(raw, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, stored)
}

// AdminKeyService verifies admin API keys presented as bearer tokens.
type AdminKeyService struct {
	store AdminKeyStore
	now   func() time.Time
}

// NewAdminKeyService creates an AdminKeyService backed by store.
func NewAdminKeyService(store AdminKeyStore) *AdminKeyService {
	return &AdminKeyService{store: store, now: time.Now}
}

// Verify returns the admin key matching raw. Every stored key is checked
// so the response time does not reveal which entry matched.
func (s *AdminKeyService) Verify(ctx context.Context, raw string) (*AdminKey, error) {
	if raw == "" {
		return nil, ErrInvalidKey
	}
	keys, err := s.store.ListAdminKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list admin keys: %w", err)
	}

	var found *AdminKey
	for _, k := range keys {
		ok, err := VerifyHash(raw, k.Hash)
		if err != nil || !ok || found != nil {
			continue
		}
		found = k
	}
	if found == nil || found.Revoked || found.IsExpiredAt(s.now().UTC()) {
		return nil, ErrInvalidKey
	}
	return found, nil
}
