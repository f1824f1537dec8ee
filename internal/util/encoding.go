package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeUsername folds a username into the form used for cache and
// storage keys.
func NormalizeUsername(s string) string {
	return norm.NFKC.String(strings.TrimSpace(s))
}

// Fingerprint returns a hex SHA-256 digest, safe to use as a key or in logs
// in place of a bearer token.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
