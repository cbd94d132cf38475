// Package index implements the open-addressed, persistent index mapping a
// key's hash to a packed content address. Collisions are resolved with a
// skipped-counter scheme: entries are never relocated once placed, and a
// per-slot skipped_count lets a failed lookup terminate early instead of
// scanning the whole table.
package index

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/subdb/indexitem"
	"github.com/rpcpool/subdb/internal/mmapfile"
	"github.com/rpcpool/subdb/types"
)

var log = logging.Logger("subdb/index")

// maxCorrection bounds how many slots EditIn will walk looking for a free
// slot or a matching entry before giving up and asking the caller to grow
// the index.
const maxCorrection = 32768

// Index is an open-addressed table of fixed-width records, memory-mapped
// either from a file or (briefly, during resize) anonymously.
type Index struct {
	data []byte
	file *os.File // nil for an anonymous index

	keyBytes       int
	suffixLen      int
	indexBits      int
	indexFullBytes int
	indexMask      uint64
	itemCount      int
	itemSize       int

	skippedWatermark    uint8
	correctionWatermark int
}

func geometry(keyBytes, indexBits int) (suffixLen, indexFullBytes int, indexMask uint64, itemCount, itemSize int) {
	indexFullBytes = indexBits / 8
	suffixLen = keyBytes - indexFullBytes
	if indexBits == 0 {
		indexMask = 0
	} else {
		indexMask = (uint64(1) << uint(indexBits)) - 1
	}
	itemCount = 1 << uint(indexBits)
	itemSize = indexitem.Size(suffixLen)
	return
}

// Open opens or creates the index file at path with the given geometry. An
// existing file is trusted to already have this exact geometry; Database is
// responsible for reindexing rather than reopening with a different one.
func Open(path string, keyBytes, indexBits int) (*Index, error) {
	suffixLen, indexFullBytes, indexMask, itemCount, itemSize := geometry(keyBytes, indexBits)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("subdb/index: open %s: %w", path, err)
	}
	size := int64(itemCount) * int64(itemSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("subdb/index: truncate %s: %w", path, err)
	}
	data, err := mmapfile.Map(f, int(size))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("subdb/index: mmap %s: %w", path, err)
	}

	log.Infow("index opened", "path", path, "keyBytes", keyBytes, "indexBits", indexBits, "itemCount", itemCount)
	return &Index{
		data:           data,
		file:           f,
		keyBytes:       keyBytes,
		suffixLen:      suffixLen,
		indexBits:      indexBits,
		indexFullBytes: indexFullBytes,
		indexMask:      indexMask,
		itemCount:      itemCount,
		itemSize:       itemSize,
	}, nil
}

// Anonymous returns an in-memory-only index of the given geometry, not
// backed by any file. Used as a throwaway stand-in while the real index
// file is being replaced during a resize.
func Anonymous(keyBytes, indexBits int) (*Index, error) {
	suffixLen, indexFullBytes, indexMask, itemCount, itemSize := geometry(keyBytes, indexBits)
	data, err := mmapfile.Anonymous(itemCount * itemSize)
	if err != nil {
		return nil, fmt.Errorf("subdb/index: anonymous mmap: %w", err)
	}
	return &Index{
		data:           data,
		keyBytes:       keyBytes,
		suffixLen:      suffixLen,
		indexBits:      indexBits,
		indexFullBytes: indexFullBytes,
		indexMask:      indexMask,
		itemCount:      itemCount,
		itemSize:       itemSize,
	}, nil
}

// KeyBytes, IndexBits report the index's current geometry.
func (idx *Index) KeyBytes() int  { return idx.keyBytes }
func (idx *Index) IndexBits() int { return idx.indexBits }

func (idx *Index) itemBuf(i int) []byte {
	return idx.data[i*idx.itemSize : (i+1)*idx.itemSize]
}

func (idx *Index) readItem(i int) indexitem.Item {
	return indexitem.Decode(idx.itemBuf(i), idx.suffixLen)
}

func (idx *Index) writeItem(i int, it indexitem.Item) {
	indexitem.Encode(idx.itemBuf(i), it, idx.suffixLen)
}

// indexSuffixOf derives the preferred slot and key suffix for hash.
func (idx *Index) indexSuffixOf(hash []byte) (preferred int, suffix []byte) {
	if idx.indexBits == 0 {
		return 0, hash[idx.indexFullBytes:idx.keyBytes]
	}
	n := idx.keyBytes
	if n > 8 {
		n = 8
	}
	var buf [8]byte
	copy(buf[:n], hash[:n])
	raw := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	return int(raw & idx.indexMask), hash[idx.indexFullBytes:idx.keyBytes]
}

// keyPrefix reconstructs the index-derived prefix bytes of a key from a
// slot position, the inverse of indexSuffixOf's slot derivation. Used only
// during resize, to recompute a key's new preferred slot from its old one.
func (idx *Index) keyPrefix(slot int, suffix []byte) []byte {
	prefix := make([]byte, 8)
	v := uint64(slot)
	for i := 0; i < idx.indexFullBytes && i < 8; i++ {
		prefix[i] = byte(v >> (8 * uint(i)))
	}
	out := append(prefix[:idx.indexFullBytes:idx.indexFullBytes], suffix...)
	if len(out) < 8 {
		out = append(out, make([]byte, 8-len(out))...)
	}
	return out
}

func (idx *Index) suffixEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WithItemTry walks the probe sequence for hash, invoking f on every
// occupied slot whose key_correction and key_suffix are consistent with
// hash. f should verify the candidate (e.g. against the stored full key in
// the content layer) and return an error to keep probing past a suffix
// collision. Returns found=false once the walk hits a slot with
// skipped_count == 0 without a successful f.
func WithItemTry[R any](idx *Index, hash []byte, f func(indexitem.Entry) (R, error)) (result R, found bool) {
	preferred, suffix := idx.indexSuffixOf(hash)
	slot := preferred
	for correction := 0; ; correction++ {
		item := idx.readItem(slot)
		if item.Entry != nil && item.Entry.KeyCorrection == correction && idx.suffixEqual(item.Entry.KeySuffix, suffix) {
			if r, err := f(*item.Entry); err == nil {
				return r, true
			}
		}
		if item.SkippedCount == 0 {
			var zero R
			return zero, false
		}
		slot = (slot + 1) % idx.itemCount
	}
}

// EditIn walks the probe sequence for hash. On reaching an occupied slot
// that matches, f is invoked with its current address; on reaching an
// empty slot, f is invoked with nil. f must return the address to store
// (nil to leave an occupied entry unchanged, or to abandon an insert into
// an empty slot) and a result value, or an error. For an occupied slot, an
// error means "not actually a match" and the walk keeps probing past the
// suffix collision; for an empty slot there is nothing left to disambiguate,
// so an error there is fatal and is returned to EditIn's caller immediately.
// Returns ErrIndexFull if no placement is found within bound.
func EditIn[R any](idx *Index, hash []byte, f func(address *uint32) (*uint32, R, error)) (R, error) {
	preferred, suffix := idx.indexSuffixOf(hash)
	return editInPosition(idx, preferred, suffix, f)
}

func editInPosition[R any](idx *Index, preferred int, suffix []byte, f func(address *uint32) (*uint32, R, error)) (R, error) {
	var zero R
	slot := preferred
	bound := maxCorrection
	if idx.itemCount < bound {
		bound = idx.itemCount
	}
	for correction := 0; correction < bound; correction++ {
		item := idx.readItem(slot)
		if item.Entry != nil && idx.suffixEqual(item.Entry.KeySuffix, suffix) && item.Entry.KeyCorrection == correction {
			addr := item.Entry.Address
			newAddr, result, err := f(&addr)
			if err == nil {
				if newAddr != nil {
					item.Entry.Address = *newAddr
					idx.writeItem(slot, item)
				}
				return result, nil
			}
		} else if item.Entry == nil {
			newAddr, result, err := f(nil)
			if err != nil {
				// Unlike an occupied slot's callback, an empty-slot error
				// can't mean "suffix collision, keep probing" — there's no
				// entry to disambiguate. Treat it as fatal and propagate.
				return result, err
			}
			if newAddr != nil {
				item.Entry = &indexitem.Entry{
					KeyCorrection: correction,
					KeySuffix:     append([]byte(nil), suffix...),
					Address:       *newAddr,
				}
				idx.writeItem(slot, item)
				log.Debugw("index insert", "slot", slot, "correction", correction)
			} else {
				idx.decrementSkipCounts(preferred, correction)
			}
			return result, nil
		}

		if item.SkippedCount == 255 {
			break
		}
		item.SkippedCount++
		if item.SkippedCount > idx.skippedWatermark {
			idx.skippedWatermark = item.SkippedCount
		}
		idx.writeItem(slot, item)
		slot = (slot + 1) % idx.itemCount
		if correction+1 > idx.correctionWatermark {
			idx.correctionWatermark = correction + 1
		}
	}
	return zero, types.ErrIndexFull
}

func (idx *Index) decrementSkipCounts(begin, count int) {
	for i := 0; i < count; i++ {
		slot := (begin + i) % idx.itemCount
		item := idx.readItem(slot)
		if item.SkippedCount == 0 {
			panic("subdb/index: skipped_count underflow; database corrupted")
		}
		item.SkippedCount--
		idx.writeItem(slot, item)
	}
}

// EditOutAction tells EditOut what to do with a matched entry.
type EditOutAction int

const (
	// EditOutKeep leaves the matched entry untouched.
	EditOutKeep EditOutAction = iota
	// EditOutReplace rewrites the matched entry's address.
	EditOutReplace
	// EditOutErase removes the matched entry entirely.
	EditOutErase
)

// EditOut walks the probe sequence for hash. On a matching occupied slot,
// f is invoked with its address and must return an action (keep the entry,
// replace its address, or erase it), a replacement address (only consulted
// for EditOutReplace), a result value, and an error (non-nil to keep
// probing past a suffix collision). Returns ErrNotFound if the walk
// exhausts without a match.
func EditOut[R any](idx *Index, hash []byte, f func(address uint32) (EditOutAction, uint32, R, error)) (R, error) {
	var zero R
	preferred, suffix := idx.indexSuffixOf(hash)
	slot := preferred
	for correction := 0; ; correction++ {
		item := idx.readItem(slot)
		if item.Entry != nil && item.Entry.KeyCorrection == correction && idx.suffixEqual(item.Entry.KeySuffix, suffix) {
			action, newAddr, result, err := f(item.Entry.Address)
			if err == nil {
				switch action {
				case EditOutKeep:
					return result, nil
				case EditOutReplace:
					item.Entry.Address = newAddr
					idx.writeItem(slot, item)
					return result, nil
				case EditOutErase:
					idx.writeItem(slot, indexitem.Item{SkippedCount: item.SkippedCount})
					idx.decrementSkipCounts(preferred, correction)
					return result, nil
				}
			}
		}
		if item.SkippedCount == 0 {
			return zero, types.ErrNotFound
		}
		slot = (slot + 1) % idx.itemCount
	}
}

// FromExisting builds a new index at path with the given (wider) geometry,
// populated from every occupied entry of source. Only widening is
// supported; narrowing key_bytes returns ErrNarrowingUnsupported.
func FromExisting(path string, source *Index, keyBytes, indexBits int) (*Index, error) {
	if keyBytes < source.keyBytes {
		return nil, types.ErrNarrowingUnsupported
	}
	result, err := Open(path, keyBytes, indexBits)
	if err != nil {
		return nil, err
	}
	for i := 0; i < source.itemCount; i++ {
		item := source.readItem(i)
		if item.Entry == nil {
			continue
		}
		oldPreferred := (i - item.Entry.KeyCorrection + source.itemCount) % source.itemCount
		partialKey := source.keyPrefix(oldPreferred, item.Entry.KeySuffix)
		newPreferred, newSuffix := result.indexSuffixOf(partialKey)
		address := item.Entry.Address
		_, err := editInPosition(result, newPreferred, newSuffix, func(existing *uint32) (*uint32, struct{}, error) {
			if existing != nil {
				return nil, struct{}{}, fmt.Errorf("subdb/index: duplicate entry during reindex")
			}
			a := address
			return &a, struct{}{}, nil
		})
		if err != nil {
			result.Close()
			return nil, err
		}
	}
	return result, nil
}

// NextSize returns the (key_bytes, index_bits) pair this index should grow
// to: one more index bit, widening key_bytes only if the wider index_bits
// would no longer fit in the current key_bytes.
func (idx *Index) NextSize() (keyBytes, indexBits int) {
	indexBits = idx.indexBits + 1
	keyBytes = idx.keyBytes
	needed := (indexBits + 7) / 8
	if needed > keyBytes {
		keyBytes = needed
	}
	return
}

// TakeWatermarks returns the peak skipped_count and key_correction observed
// since the last call, then resets both to zero.
func (idx *Index) TakeWatermarks() (skipped uint8, correction int) {
	skipped, correction = idx.skippedWatermark, idx.correctionWatermark
	idx.skippedWatermark, idx.correctionWatermark = 0, 0
	return
}

// Commit flushes the index's mapping to disk (a no-op for an anonymous
// index).
func (idx *Index) Commit() error {
	return mmapfile.Flush(idx.data)
}

// Close unmaps the index and, if file-backed, closes its file.
func (idx *Index) Close() error {
	if err := mmapfile.Unmap(idx.data); err != nil {
		return err
	}
	if idx.file != nil {
		return idx.file.Close()
	}
	return nil
}
