// Package auth provides the credential cache key derivation shared by the
// session middleware and the token-check endpoint.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const DefaultExpire = time.Hour

// KeyWithApiToken derives the credential cache key for (email, token). The
// email is normalised to lower case so lookups are case-insensitive.
func KeyWithApiToken(email, apiToken string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email)) + ":" + apiToken))
	return "token:" + hex.EncodeToString(sum[:])
}

// Expire returns the credential cache TTL, falling back to DefaultExpire.
func Expire(configured time.Duration) time.Duration {
	if configured <= 0 {
		return DefaultExpire
	}
	return configured
}
