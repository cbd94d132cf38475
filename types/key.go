package types

import "encoding/binary"

// MaxKeyBytes is the widest key_bytes the engine ever configures (and so
// the widest prefix of a caller's key that addressing and content storage
// ever need). It bounds both config.keyBytes and the key width content
// tables store on disk, independent of a database's current key_bytes.
const MaxKeyBytes = 8

// Key is a caller-supplied fixed-width byte string identifying a stored
// blob. The engine never interprets a Key beyond equality comparison and
// taking a prefix/suffix of it; ownership of the hash function is entirely
// the caller's, except for the optional Hasher capability below.
type Key []byte

// Prefix returns the first n bytes of the key as a little-endian unsigned
// integer, used to derive an index's preferred slot. n must be <= 8.
func (k Key) Prefix(n int) uint64 {
	var buf [8]byte
	copy(buf[:n], k[:n])
	return binary.LittleEndian.Uint64(buf[:])
}

// Suffix returns the bytes of the key from offset to the end, used as the
// key_suffix stored alongside an index entry.
func (k Key) Suffix(offset int) []byte {
	return k[offset:]
}

// Equal reports whether two keys hold the same bytes.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// Hasher derives a Key from a blob's contents, enabling the Store(data)
// convenience on Database. Not every key type can do this; callers who only
// have externally-supplied keys never need to implement it.
type Hasher interface {
	// Hash returns a Key of exactly KeySize() bytes derived from data.
	Hash(data []byte) Key
	// KeySize is the number of bytes Hash produces.
	KeySize() int
}
