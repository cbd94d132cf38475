// Package content owns the per-size-class collections of content tables:
// it routes allocation to an existing table of the right class where
// capacity remains, or opens a new table file, and forwards per-item
// operations to the table addressed by a ContentAddress.
package content

import (
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/subdb/contentaddress"
	"github.com/rpcpool/subdb/datumsize"
	"github.com/rpcpool/subdb/internal/mmapfile"
	"github.com/rpcpool/subdb/table"
)

var log = logging.Logger("subdb/content")

// Content is the directory-wide collection of content tables, one slice per
// size class (0..63, 63 being Oversize). It stores the full key width a
// table ever needs independent of the database's current key_bytes (see
// table.Open), so a later key-width-widening Reindex can never desync it.
type Content struct {
	dir            string
	minItemsBacked int
	tables         [64][]*table.Table
	oversizeLRU    *table.OversizeLRU
}

// Open scans dir for existing content table files and opens them. Table
// files for a class are named "<class>-<index>.content" and are opened
// sequentially starting at index 0 until one is missing.
func Open(dir string, minItemsBacked int) (*Content, error) {
	c := &Content{dir: dir, minItemsBacked: minItemsBacked, oversizeLRU: table.NewOversizeLRU()}
	for class := 0; class < 64; class++ {
		for index := 0; ; index++ {
			path := c.tablePath(datumsize.DatumSize(class), index)
			if _, err := os.Stat(path); err != nil {
				break
			}
			tbl, err := table.Open(path, datumsize.DatumSize(class), minItemsBacked, c.oversizeLRU)
			if err != nil {
				c.Close()
				return nil, err
			}
			c.tables[class] = append(c.tables[class], tbl)
		}
	}
	log.Infow("content opened", "dir", dir)
	return c, nil
}

func (c *Content) tablePath(class datumsize.DatumSize, index int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%d-%d.content", class.Byte(), index))
}

func (c *Content) newTable(class datumsize.DatumSize) (*table.Table, error) {
	index := len(c.tables[class])
	path := c.tablePath(class, index)
	tbl, err := table.Open(path, class, c.minItemsBacked, c.oversizeLRU)
	if err != nil {
		return nil, err
	}
	c.tables[class] = append(c.tables[class], tbl)
	log.Infow("new content table", "path", path, "class", class.Byte())
	return tbl, nil
}

// Allocate reserves a slot for a payload of actualSize bytes keyed by key,
// creating a new table file if no existing table of the right class has
// room.
func (c *Content) Allocate(key []byte, actualSize int) (contentaddress.ContentAddress, error) {
	class := datumsize.Nearest(uint64(actualSize))
	for i, tbl := range c.tables[class] {
		if slot, ok, err := tbl.Allocate(key, actualSize); err != nil {
			return contentaddress.ContentAddress{}, err
		} else if ok {
			return contentaddress.ContentAddress{DatumSize: class, ContentTable: i, EntryIndex: slot}, nil
		}
	}
	tbl, err := c.newTable(class)
	if err != nil {
		return contentaddress.ContentAddress{}, err
	}
	slot, ok, err := tbl.Allocate(key, actualSize)
	if err != nil {
		return contentaddress.ContentAddress{}, err
	}
	if !ok {
		return contentaddress.ContentAddress{}, fmt.Errorf("subdb/content: freshly created table has no room for a %d-byte item", actualSize)
	}
	return contentaddress.ContentAddress{DatumSize: class, ContentTable: len(c.tables[class]) - 1, EntryIndex: slot}, nil
}

// Emplace allocates a slot for data and writes it, returning the resulting
// address.
func (c *Content) Emplace(key []byte, data []byte) (contentaddress.ContentAddress, error) {
	addr, err := c.Allocate(key, len(data))
	if err != nil {
		return contentaddress.ContentAddress{}, err
	}
	if err := c.tableAt(addr).SetItem(addr.EntryIndex, data); err != nil {
		return contentaddress.ContentAddress{}, err
	}
	return addr, nil
}

func (c *Content) tableAt(addr contentaddress.ContentAddress) *table.Table {
	return c.tables[addr.DatumSize][addr.ContentTable]
}

// ItemRef returns a scoped read reference to the payload at addr.
func (c *Content) ItemRef(addr contentaddress.ContentAddress, key []byte) (table.Ref, error) {
	return c.tableAt(addr).ItemRef(addr.EntryIndex, key)
}

// ItemRefCount returns the refcount at addr.
func (c *Content) ItemRefCount(addr contentaddress.ContentAddress, key []byte) (uint16, error) {
	return c.tableAt(addr).ItemRefCount(addr.EntryIndex, key)
}

// ItemHash returns the key stored at addr.
func (c *Content) ItemHash(addr contentaddress.ContentAddress) ([]byte, error) {
	return c.tableAt(addr).ItemHash(addr.EntryIndex)
}

// Bump increments the refcount at addr.
func (c *Content) Bump(addr contentaddress.ContentAddress, key []byte) (uint16, error) {
	return c.tableAt(addr).Bump(addr.EntryIndex, key)
}

// Free releases the slot at addr.
func (c *Content) Free(addr contentaddress.ContentAddress, key []byte) (uint16, error) {
	return c.tableAt(addr).Free(addr.EntryIndex, key)
}

// BytesMapped sums BytesMapped across every table.
func (c *Content) BytesMapped() uint64 {
	var total uint64
	for _, tables := range c.tables {
		for _, tbl := range tables {
			total += tbl.BytesMapped()
		}
	}
	return total
}

// ShrinkTo evicts the coldest mapped Oversize payloads across every table,
// in true global LRU order, once the shared cache's mapped total exceeds
// maximum, until it is at most target. A table whose own bytes are already
// below target is still a shrink candidate if a colder table has more.
func (c *Content) ShrinkTo(maximum, target uint64) error {
	if c.oversizeLRU.BytesMapped() <= maximum {
		return nil
	}
	return c.oversizeLRU.ShrinkTo(target, mmapfile.Unmap)
}

// Commit flushes every table.
func (c *Content) Commit() error {
	for _, tables := range c.tables {
		for _, tbl := range tables {
			if err := tbl.Commit(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every table.
func (c *Content) Close() error {
	var first error
	for _, tables := range c.tables {
		for _, tbl := range tables {
			if err := tbl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
