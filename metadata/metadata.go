// Package metadata reads and writes the metadata.subdb envelope: a magic
// number, a version, and the database's key_bytes/index_bits geometry.
package metadata

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/rpcpool/subdb/types"
)

var magic = [4]byte{'S', 'B', 'D', 'B'}

// CurrentVersion is the only metadata version this build understands.
const CurrentVersion uint32 = 1

// fileSize is magic(4) + version(4) + key_bytes(4) + index_bits(4).
const fileSize = 16

// FileName is the fixed name of the metadata file within a database
// directory.
const FileName = "metadata.subdb"

// Metadata is the persisted configuration of a database.
type Metadata struct {
	KeyBytes  uint32
	IndexBits uint32
}

// Path returns the metadata file path under dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Read loads and validates the metadata file under dir. ok is false if no
// metadata file exists yet.
func Read(dir string) (m Metadata, ok bool, err error) {
	buf, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, err
	}
	if len(buf) != fileSize {
		return Metadata{}, false, types.ErrBadMetadata
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] || buf[3] != magic[3] {
		return Metadata{}, false, types.ErrBadMetadata
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != CurrentVersion {
		return Metadata{}, false, types.ErrUnsupportedVersion
	}
	m.KeyBytes = binary.LittleEndian.Uint32(buf[8:12])
	m.IndexBits = binary.LittleEndian.Uint32(buf[12:16])
	return m, true, nil
}

// Write persists m to the metadata file under dir, creating or truncating
// it.
func Write(dir string, m Metadata) error {
	buf := make([]byte, fileSize)
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(buf[8:12], m.KeyBytes)
	binary.LittleEndian.PutUint32(buf[12:16], m.IndexBits)
	return os.WriteFile(Path(dir), buf, 0o644)
}
