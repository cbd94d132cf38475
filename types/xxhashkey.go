package types

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// XXHashKey is a Hasher backed by xxhash's 64-bit digest, truncated (or, for
// size 8, used whole) to the requested key size. It is the convenience
// hasher behind Database.Store when the caller has no cryptographic hash of
// their own to supply.
type XXHashKey struct {
	size int
}

// NewXXHashKey returns a Hasher producing keys of size bytes, 1 <= size <= 8.
func NewXXHashKey(size int) XXHashKey {
	if size < 1 || size > 8 {
		panic("subdb: xxhash key size must be between 1 and 8 bytes")
	}
	return XXHashKey{size: size}
}

func (h XXHashKey) KeySize() int { return h.size }

func (h XXHashKey) Hash(data []byte) Key {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], xxhash.Sum64(data))
	out := make(Key, h.size)
	copy(out, buf[:h.size])
	return out
}
