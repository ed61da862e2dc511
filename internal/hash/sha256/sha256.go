// Package sha256 derives content digests used as HTTP entity tags.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the hex digest of data.
func (Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ETag returns a strong entity tag for data: the first 128 bits of its
// digest, quoted.
func (h Hasher) ETag(data []byte) string {
	return `"` + h.Hash(data)[:32] + `"`
}
