// Package auth holds helpers for the controller bearer token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// TokenMatches compares the hashes of a presented token and the configured
// secret in constant time, so neither length nor content leaks through timing.
func TokenMatches(presented, secret string) bool {
	if secret == "" {
		return false
	}
	a, b := HashKey(presented), HashKey(secret)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
