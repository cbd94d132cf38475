package table

import (
	"container/list"
	"sync"
)

// oversizeEntry is one cached mapping of an Oversize table's external
// payload file, the same shape as the (file, refs) entries cached by the
// donor's file-handle LRU, but holding a byte mapping with a pin count
// instead of an *os.File with a reference count.
type oversizeEntry struct {
	owner *Table
	slot  int
	data  []byte
	pins  int
	elem  *list.Element
}

type oversizeKey struct {
	owner *Table
	slot  int
}

// OversizeLRU tracks which Oversize slots currently have their external
// file memory-mapped, in a single least-recently-used order shared across
// every Oversize table in one Content, so ShrinkTo can evict the coldest
// mappings database-wide first without disturbing ones a live Ref still
// pins. A table-scoped cache has no way to do this: it only orders its own
// slots, so a cold table and a hot table each shrink independently instead
// of by true global recency.
type OversizeLRU struct {
	mu      sync.Mutex
	entries map[oversizeKey]*oversizeEntry
	order   *list.List // front = most recently used
	mapped  uint64
}

// NewOversizeLRU returns an empty shared cache. One instance is created per
// Content and handed to every Oversize table it opens.
func NewOversizeLRU() *OversizeLRU {
	return &OversizeLRU{
		entries: make(map[oversizeKey]*oversizeEntry),
		order:   list.New(),
	}
}

// acquire returns the cached mapping for (owner, slot), pinning it,
// creating it via open if it is not already mapped. Every table sharing
// this cache is single-writer, so there is no concurrent-open race to
// arbitrate.
func (c *OversizeLRU) acquire(owner *Table, slot int, open func() ([]byte, error)) (*oversizeEntry, error) {
	key := oversizeKey{owner, slot}
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.pins++
		c.order.MoveToFront(e.elem)
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	data, err := open()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := &oversizeEntry{owner: owner, slot: slot, data: data, pins: 1}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	c.mapped += uint64(len(data))
	return e, nil
}

// release unpins a mapping previously returned by acquire.
func (c *OversizeLRU) release(e *oversizeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.pins > 0 {
		e.pins--
	}
}

// evict drops the mapping for (owner, slot) unconditionally (used by Free,
// which owns the slot and knows no Ref can be outstanding for a slot it is
// about to delete). Returns the size that was mapped, or 0 if it wasn't —
// callers must not rely on that 0 to mean "nothing to account for on disk".
func (c *OversizeLRU) evict(owner *Table, slot int, unmap func([]byte) error) (int, error) {
	key := oversizeKey{owner, slot}
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return 0, nil
	}
	delete(c.entries, key)
	c.order.Remove(e.elem)
	size := len(e.data)
	c.mapped -= uint64(size)
	c.mu.Unlock()
	return size, unmap(e.data)
}

// ShrinkTo unmaps least-recently-used, unpinned entries across every table
// sharing this cache until mapped bytes is at most target or every
// evictable entry has been dropped.
func (c *OversizeLRU) ShrinkTo(target uint64, unmap func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem := c.order.Back()
	for c.mapped > target && elem != nil {
		e := elem.Value.(*oversizeEntry)
		prev := elem.Prev()
		if e.pins > 0 {
			// A pinned entry is still held by a live Ref; leave it mapped
			// and move on to the next-coldest entry.
			elem = prev
			continue
		}
		elem = prev
		c.order.Remove(e.elem)
		delete(c.entries, oversizeKey{e.owner, e.slot})
		c.mapped -= uint64(len(e.data))
		if err := unmap(e.data); err != nil {
			return err
		}
	}
	return nil
}

// BytesMapped returns the total bytes currently mapped across every table
// sharing this cache.
func (c *OversizeLRU) BytesMapped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapped
}

// bytesMappedFor returns the bytes currently mapped that belong to owner
// alone, for a single table's own BytesMapped().
func (c *OversizeLRU) bytesMappedFor(owner *Table) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for k, e := range c.entries {
		if k.owner == owner {
			total += uint64(len(e.data))
		}
	}
	return total
}

// forgetOwner unmaps and drops every entry belonging to owner, without
// disturbing entries belonging to any other table sharing this cache. Used
// when owner is closed.
func (c *OversizeLRU) forgetOwner(owner *Table, unmap func([]byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.owner != owner {
			continue
		}
		c.order.Remove(e.elem)
		c.mapped -= uint64(len(e.data))
		delete(c.entries, k)
		unmap(e.data)
	}
}

// flushOwner flushes every entry belonging to owner to its backing file.
func (c *OversizeLRU) flushOwner(owner *Table, flush func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.owner != owner {
			continue
		}
		if err := flush(e.data); err != nil {
			return err
		}
	}
	return nil
}
