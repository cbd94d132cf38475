// Package subdb is an embedded, content-addressed, reference-counted
// key-value store for immutable byte blobs, keyed by a caller-supplied
// fixed-width hash. It persists to a directory of memory-mapped files and
// is optimized for insert/lookup/refcount/delete with zero-copy reads.
package subdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/subdb/content"
	"github.com/rpcpool/subdb/contentaddress"
	"github.com/rpcpool/subdb/index"
	"github.com/rpcpool/subdb/indexitem"
	"github.com/rpcpool/subdb/metadata"
	"github.com/rpcpool/subdb/table"
	"github.com/rpcpool/subdb/types"
)

var log = logging.Logger("subdb")

const indexFileName = "index.subdb"

// Database composes an Index and a Content store behind a single-writer
// facade: Insert/Store/Remove/Get and the reindex protocol that keeps the
// index's collision pressure bounded.
type Database struct {
	dir string
	cfg config

	idx *index.Index
	ct  *content.Content
}

// Open opens the database directory named by WithPath (created if
// missing). If a metadata.subdb file already exists, its key_bytes and
// index_bits override whatever Options supplied; otherwise the Options'
// values are persisted as the database's geometry.
func Open(opts ...Option) (*Database, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.converge()
	if cfg.path == "" {
		return nil, fmt.Errorf("subdb: WithPath is required")
	}

	if err := os.MkdirAll(cfg.path, 0o755); err != nil {
		return nil, fmt.Errorf("subdb: create directory %s: %w", cfg.path, err)
	}

	m, ok, err := metadata.Read(cfg.path)
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.keyBytes = int(m.KeyBytes)
		cfg.indexBits = int(m.IndexBits)
	} else {
		m = metadata.Metadata{KeyBytes: uint32(cfg.keyBytes), IndexBits: uint32(cfg.indexBits)}
		if err := metadata.Write(cfg.path, m); err != nil {
			return nil, err
		}
	}

	idx, err := index.Open(filepath.Join(cfg.path, indexFileName), cfg.keyBytes, cfg.indexBits)
	if err != nil {
		return nil, err
	}
	ct, err := content.Open(cfg.path, cfg.minItemsBacked)
	if err != nil {
		idx.Close()
		return nil, err
	}

	log.Infow("database opened", "path", cfg.path, "keyBytes", cfg.keyBytes, "indexBits", cfg.indexBits)
	return &Database{dir: cfg.path, cfg: cfg, idx: idx, ct: ct}, nil
}

// KeyBytes returns the database's configured key width, in bytes.
func (db *Database) KeyBytes() int { return db.cfg.keyBytes }

// IndexBits returns the index's current size, in bits.
func (db *Database) IndexBits() int { return db.idx.IndexBits() }

func (db *Database) normalizeKey(hash []byte) ([]byte, error) {
	if len(hash) < db.cfg.keyBytes {
		return nil, types.ErrKeyTooShort
	}
	return hash[:db.cfg.keyBytes], nil
}

// storageKey returns the full, MaxKeyBytes-wide key content stores for hash,
// independent of the database's current (possibly later-widened) key_bytes.
// hash is zero-padded on the right if shorter than MaxKeyBytes, so a later
// Reindex to a wider key_bytes never desyncs what's already on disk.
func (db *Database) storageKey(hash []byte) []byte {
	buf := make([]byte, types.MaxKeyBytes)
	copy(buf, hash)
	return buf
}

// keyMatches reports whether stored (a full, MaxKeyBytes-wide content key)
// agrees with key (a possibly-narrower key_bytes-wide index key) on their
// shared prefix.
func keyMatches(stored, key []byte) bool {
	if len(stored) < len(key) {
		return false
	}
	for i := range key {
		if stored[i] != key[i] {
			return false
		}
	}
	return true
}

// ContainsKey reports whether hash is currently stored.
func (db *Database) ContainsKey(hash []byte) bool {
	_, ok := db.Get(hash)
	return ok
}

// Get returns a copy of the stored payload for hash, if present.
func (db *Database) Get(hash []byte) ([]byte, bool) {
	ref, ok := db.GetRef(hash)
	if !ok {
		return nil, false
	}
	defer ref.Release()
	out := make([]byte, len(ref.Bytes()))
	copy(out, ref.Bytes())
	return out, true
}

// GetRef returns a scoped, zero-copy read reference to the stored payload
// for hash, if present. The reference must not be retained past the next
// write to the database.
func (db *Database) GetRef(hash []byte) (table.Ref, bool) {
	key, err := db.normalizeKey(hash)
	if err != nil {
		return table.Ref{}, false
	}
	return index.WithItemTry(db.idx, key, func(e indexitem.Entry) (table.Ref, error) {
		addr := contentaddress.Decode(e.Address)
		storedKey, err := db.ct.ItemHash(addr)
		if err != nil {
			return table.Ref{}, err
		}
		if !keyMatches(storedKey, key) {
			return table.Ref{}, types.ErrKeyMismatch
		}
		return db.ct.ItemRef(addr, key)
	})
}

// GetRefCount returns the current refcount for hash, or 0 if absent.
func (db *Database) GetRefCount(hash []byte) uint16 {
	key, err := db.normalizeKey(hash)
	if err != nil {
		return 0
	}
	rc, _ := index.WithItemTry(db.idx, key, func(e indexitem.Entry) (uint16, error) {
		addr := contentaddress.Decode(e.Address)
		return db.ct.ItemRefCount(addr, key)
	})
	return rc
}

// Insert stores data under hash, or bumps its refcount if hash is already
// present, returning the resulting refcount. It transparently reindexes to
// a larger geometry and retries if the index signals it is full or its
// collision watermarks cross the configured triggers.
func (db *Database) Insert(data []byte, hash []byte) (uint16, error) {
	key, err := db.normalizeKey(hash)
	if err != nil {
		return 0, err
	}
	for {
		var fatalErr error
		rc, err := index.EditIn(db.idx, key, func(existing *uint32) (*uint32, uint16, error) {
			if fatalErr != nil {
				return nil, 0, fatalErr
			}
			if existing != nil {
				addr := contentaddress.Decode(*existing)
				storedKey, hashErr := db.ct.ItemHash(addr)
				if hashErr != nil {
					fatalErr = hashErr
					return nil, 0, hashErr
				}
				if !keyMatches(storedKey, key) {
					return nil, 0, types.ErrKeyMismatch
				}
				newRC, bumpErr := db.ct.Bump(addr, key)
				if bumpErr != nil {
					fatalErr = bumpErr
					return nil, 0, bumpErr
				}
				return nil, newRC, nil
			}
			addr, emplaceErr := db.ct.Emplace(db.storageKey(hash), data)
			if emplaceErr != nil {
				return nil, 0, emplaceErr
			}
			code := addr.Encode()
			return &code, 1, nil
		})
		if fatalErr != nil {
			return 0, fatalErr
		}
		if err == types.ErrIndexFull {
			if rerr := db.reindexToNext(); rerr != nil {
				return 0, rerr
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if werr := db.afterWrite(); werr != nil {
			return 0, werr
		}
		return rc, nil
	}
}

// Store derives a key from data via hasher and inserts it, returning the
// resulting refcount and the derived key.
func (db *Database) Store(data []byte, hasher types.Hasher) (uint16, types.Key, error) {
	key := hasher.Hash(data)
	rc, err := db.Insert(data, key)
	return rc, key, err
}

// Remove decrements the refcount for hash, freeing its content slot once it
// reaches zero. Returns ErrNotFound if hash is not present.
func (db *Database) Remove(hash []byte) (uint16, error) {
	key, err := db.normalizeKey(hash)
	if err != nil {
		return 0, err
	}
	var fatalErr error
	rc, err := index.EditOut(db.idx, key, func(code uint32) (index.EditOutAction, uint32, uint16, error) {
		if fatalErr != nil {
			return index.EditOutKeep, 0, 0, fatalErr
		}
		addr := contentaddress.Decode(code)
		storedKey, hashErr := db.ct.ItemHash(addr)
		if hashErr != nil {
			fatalErr = hashErr
			return index.EditOutKeep, 0, 0, hashErr
		}
		if !keyMatches(storedKey, key) {
			return index.EditOutKeep, 0, 0, types.ErrKeyMismatch
		}
		newRC, freeErr := db.ct.Free(addr, key)
		if freeErr != nil {
			fatalErr = freeErr
			return index.EditOutKeep, 0, 0, freeErr
		}
		if newRC == 0 {
			return index.EditOutErase, 0, 0, nil
		}
		return index.EditOutKeep, 0, newRC, nil
	})
	if fatalErr != nil {
		return 0, fatalErr
	}
	return rc, err
}

func (db *Database) afterWrite() error {
	skipped, correction := db.idx.TakeWatermarks()
	if skipped > db.cfg.skippedCountTrigger || correction >= db.cfg.keyCorrectionTrigger {
		keyBytes, indexBits := db.idx.NextSize()
		if err := db.Reindex(keyBytes, indexBits); err != nil {
			return err
		}
	}
	if db.ct.BytesMapped() > db.cfg.oversizeTriggerMapped {
		if err := db.ct.ShrinkTo(db.cfg.oversizeTriggerMapped, db.cfg.oversizeShrinkMapped); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) reindexToNext() error {
	keyBytes, indexBits := db.idx.NextSize()
	return db.Reindex(keyBytes, indexBits)
}

// Reindex rebuilds the index at a new (key_bytes, index_bits) geometry,
// preserving every entry. The old index is briefly replaced by a minimal
// anonymous index so its file handle can be released before the rename.
func (db *Database) Reindex(keyBytes, indexBits int) error {
	log.Infow("reindexing", "path", db.dir, "keyBytes", keyBytes, "indexBits", indexBits)
	scratch := filepath.Join(db.dir, "new-index.subdb."+uuid.NewString())
	newIdx, err := index.FromExisting(scratch, db.idx, keyBytes, indexBits)
	if err != nil {
		os.Remove(scratch)
		return fmt.Errorf("subdb: reindex: %w", err)
	}
	if err := newIdx.Commit(); err != nil {
		newIdx.Close()
		os.Remove(scratch)
		return err
	}
	if err := newIdx.Close(); err != nil {
		os.Remove(scratch)
		return err
	}

	oldPath := filepath.Join(db.dir, indexFileName)
	dummy, err := index.Anonymous(1, 0)
	if err != nil {
		os.Remove(scratch)
		return err
	}
	if err := db.idx.Close(); err != nil {
		dummy.Close()
		os.Remove(scratch)
		return err
	}
	db.idx = dummy

	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		os.Remove(scratch)
		return fmt.Errorf("subdb: reindex: remove old index: %w", err)
	}
	if err := os.Rename(scratch, oldPath); err != nil {
		return fmt.Errorf("subdb: reindex: rename new index: %w", err)
	}
	if err := metadata.Write(db.dir, metadata.Metadata{KeyBytes: uint32(keyBytes), IndexBits: uint32(indexBits)}); err != nil {
		return err
	}

	reopened, err := index.Open(oldPath, keyBytes, indexBits)
	if err != nil {
		return fmt.Errorf("subdb: reindex: reopen: %w", err)
	}
	db.idx.Close()
	db.idx = reopened
	db.cfg.keyBytes = keyBytes
	db.cfg.indexBits = indexBits
	log.Infow("reindex complete", "path", db.dir)
	return nil
}

// Commit flushes the index and every content table to disk.
func (db *Database) Commit() error {
	if err := db.idx.Commit(); err != nil {
		return err
	}
	return db.ct.Commit()
}

// Close commits and releases all file handles and mappings.
func (db *Database) Close() error {
	commitErr := db.Commit()
	if err := db.idx.Close(); err != nil {
		return err
	}
	if err := db.ct.Close(); err != nil {
		return err
	}
	return commitErr
}
