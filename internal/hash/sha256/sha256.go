// Package sha256 derives content-addressed keys for stored pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (*Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// URLKey returns the digest of a normalized URL, used as a fixed-length key
// by stores whose key space must not contain raw URLs.
func URLKey(normalizedURL string) string {
	return Sum([]byte(normalizedURL))
}
