// Package cache implements the two-tier response cache: an exact tier keyed
// by query fingerprint and a semantic tier backed by vector similarity with
// an adaptive acceptance threshold.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes query text so trivially different phrasings share a
// fingerprint: Unicode NFKC fold, lowercase, whitespace runs collapsed to
// single spaces, leading and trailing whitespace dropped.
func Normalize(query string) string {
	folded := norm.NFKC.String(query)
	folded = strings.ToLower(folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Fingerprint returns the SHA-256 hex digest of the normalized query. It is
// the exact-tier key and the vector-store point id.
func Fingerprint(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}
