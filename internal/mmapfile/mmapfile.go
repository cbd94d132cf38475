// Package mmapfile wraps the writable, growable memory mappings shared by
// the table and index packages: a file-backed mapping that can be remapped
// after the underlying file is extended, and an anonymous mapping used for
// the resize-time index swap trick.
package mmapfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// Map memory-maps the first length bytes of f for shared read-write access.
// f must already be at least length bytes long.
func Map(f *os.File, length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Anonymous returns a zero-filled, writable mapping not backed by any file,
// used to briefly stand in for a file-backed mapping while its file handle
// is released (e.g. ahead of an index rename-over during resize).
func Anonymous(length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
}

// Unmap releases a mapping obtained from Map or Anonymous.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// Flush forces a mapping's dirty pages to be written back to their backing
// file (a no-op, harmlessly, for anonymous mappings).
func Flush(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Msync(b, unix.MS_SYNC)
}
