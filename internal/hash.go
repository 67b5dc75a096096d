package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// SHA256sum returns the lowercase hex SHA-256 of text. Proof-of-work
// verification depends on this exact encoding.
func SHA256sum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// FastHash is a non-cryptographic hash for cache keys and policy rule ids.
// Never use it where an attacker could benefit from a collision.
func FastHash(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}
