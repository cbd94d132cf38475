// Package types holds the small, shared value types used across subdb's
// component packages: the error taxonomy and the key/hasher abstractions.
package types

// errorType is a sentinel error identified by its message, in the style used
// throughout the storage layer: cheap to compare, cheap to construct, no
// wrapped cause required.
type errorType string

func (e errorType) Error() string { return string(e) }

const (
	// ErrBadMetadata is returned when metadata.subdb has the wrong magic or
	// cannot be decoded.
	ErrBadMetadata = errorType("subdb: bad metadata")
	// ErrUnsupportedVersion is returned when metadata.subdb carries a
	// version this build does not understand.
	ErrUnsupportedVersion = errorType("subdb: unsupported metadata version")
	// ErrIndexFull is returned internally by Index.EditIn when no slot could
	// be found within the correction bound. Database handles this by
	// reindexing to the next size and retrying; it must never reach a
	// caller of Insert.
	ErrIndexFull = errorType("subdb: index full")
	// ErrNotFound is returned by Remove and internal lookup walks when the
	// key is not present in the index.
	ErrNotFound = errorType("subdb: not found")
	// ErrKeyMismatch is returned internally by Table/Content operations
	// when a caller-supplied key does not match the key stored at the
	// addressed slot. It drives the Index walk to keep probing past a
	// suffix collision and must never be surfaced.
	ErrKeyMismatch = errorType("subdb: key mismatch")
	// ErrFree is returned by Table operations addressed at a slot whose
	// header is currently Free. Seeing this above the table layer
	// indicates index/content desynchronization.
	ErrFree = errorType("subdb: slot is free")
	// ErrKeyTooShort is returned when a supplied key is shorter than the
	// database's configured key_bytes.
	ErrKeyTooShort = errorType("subdb: key too short")
	// ErrNarrowingUnsupported is returned by Index.FromExisting when asked
	// to shrink key_bytes; only widening is supported.
	ErrNarrowingUnsupported = errorType("subdb: narrowing key_bytes is unsupported")
)
