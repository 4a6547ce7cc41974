// Package sha256 fingerprints discovery snapshots so remote changes can be
// detected without storing every id list twice.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashIDs digests an id sequence in the order given. Callers sort first when
// the digest must be order independent.
func (h *Hasher) HashIDs(ids []int) string {
	buf := make([]byte, 0, len(ids)*5)
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, int64(id), 10)
	}
	return h.Hash(buf)
}
