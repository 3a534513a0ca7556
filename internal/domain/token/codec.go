// Package token provides the cryptographic primitives for opaque bearer
// credentials: generation, one-way hashing for storage, and constant-time
// comparison.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// entropyBytes is the number of random bytes in a generated token (256 bits).
const entropyBytes = 32

// HashPrefix marks the algorithm used for stored digests.
const HashPrefix = "sha256:"

// Generate returns a new URL-safe opaque token with 256 bits of entropy.
func Generate() (string, error) {
	b := make([]byte, entropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash returns the storage digest of a token: "sha256:" followed by the hex
// SHA-256 of the plaintext. The plaintext is never persisted.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Equal compares two strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Matches reports whether plaintext hashes to the stored digest.
func Matches(plaintext, digest string) bool {
	return Equal(Hash(plaintext), digest)
}

// ConnectionID derives a short label for a bearer token, safe to log and to
// use as a map key. Only a prefix of the digest is used.
func ConnectionID(plaintext string) string {
	return "conn-" + strings.TrimPrefix(Hash(plaintext), HashPrefix)[:16]
}

// LooksValid performs a cheap shape check before any store lookup.
// It rejects empty values and anything that is not base64url of the
// expected length.
func LooksValid(plaintext string) bool {
	if len(plaintext) != base64.RawURLEncoding.EncodedLen(entropyBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(plaintext)
	return err == nil
}
