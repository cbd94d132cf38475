package table

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rpcpool/subdb/datumsize"
)

func newSizedTable(t *testing.T) *Table {
	t.Helper()
	dir := t.TempDir()
	tbl, err := Open(filepath.Join(dir, "0-0.content"), datumsize.DatumSize(0), 8, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

// newOversizeTable opens a lone Oversize table with its own private LRU
// cache, for tests that only care about one table's behavior.
func newOversizeTable(t *testing.T) *Table {
	t.Helper()
	dir := t.TempDir()
	tbl, err := Open(filepath.Join(dir, "63-0.content"), datumsize.Oversize, 4, NewOversizeLRU())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

// newOversizeTables opens n separate Oversize tables sharing one LRU cache,
// mirroring how Content actually uses Oversize: datumsize.Oversize.Capacity()
// is 1, so each oversize item lives in its own table file.
func newOversizeTables(t *testing.T, n int) []*Table {
	t.Helper()
	dir := t.TempDir()
	lru := NewOversizeLRU()
	tables := make([]*Table, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("63-%d.content", i))
		tbl, err := Open(path, datumsize.Oversize, 1, lru)
		if err != nil {
			t.Fatalf("Open(%d): %v", i, err)
		}
		tables[i] = tbl
	}
	t.Cleanup(func() {
		for _, tbl := range tables {
			tbl.Close()
		}
	})
	return tables
}

func TestAllocateSetGetSized(t *testing.T) {
	tbl := newSizedTable(t)
	key := []byte{1, 2, 3, 4}
	data := []byte("hello world!")
	slot, ok, err := tbl.Allocate(key, len(data))
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	if err := tbl.SetItem(slot, data); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	ref, err := tbl.ItemRef(slot, key)
	if err != nil {
		t.Fatalf("ItemRef: %v", err)
	}
	if !bytes.Equal(ref.Bytes(), data) {
		t.Errorf("ItemRef() = %q, want %q", ref.Bytes(), data)
	}
	rc, err := tbl.ItemRefCount(slot, key)
	if err != nil || rc != 1 {
		t.Errorf("ItemRefCount() = %d, %v, want 1, nil", rc, err)
	}
}

func TestBumpAndFree(t *testing.T) {
	tbl := newSizedTable(t)
	key := []byte{9, 9, 9, 9}
	slot, ok, err := tbl.Allocate(key, 5)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	if err := tbl.SetItem(slot, []byte("abcde")); err != nil {
		t.Fatal(err)
	}
	if rc, err := tbl.Bump(slot, key); err != nil || rc != 2 {
		t.Fatalf("Bump() = %d, %v, want 2, nil", rc, err)
	}
	if rc, err := tbl.Free(slot, key); err != nil || rc != 1 {
		t.Fatalf("Free() = %d, %v, want 1, nil", rc, err)
	}
	if rc, err := tbl.Free(slot, key); err != nil || rc != 0 {
		t.Fatalf("Free() = %d, %v, want 0, nil", rc, err)
	}
	if _, err := tbl.ItemRef(slot, key); err == nil {
		t.Errorf("ItemRef() after full free: expected error")
	}
}

func TestKeyMismatch(t *testing.T) {
	tbl := newSizedTable(t)
	key := []byte{1, 1, 1, 1}
	other := []byte{2, 2, 2, 2}
	slot, ok, err := tbl.Allocate(key, 3)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	if err := tbl.SetItem(slot, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.ItemRef(slot, other); err == nil {
		t.Errorf("ItemRef() with wrong key: expected error")
	}
}

func TestFreeListReuse(t *testing.T) {
	tbl := newSizedTable(t)
	k1 := []byte{1, 0, 0, 0}
	k2 := []byte{2, 0, 0, 0}
	slot1, ok, err := tbl.Allocate(k1, 2)
	if err != nil || !ok {
		t.Fatal(err, ok)
	}
	if err := tbl.SetItem(slot1, []byte("aa")); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Free(slot1, k1); err != nil {
		t.Fatal(err)
	}
	slot2, ok, err := tbl.Allocate(k2, 2)
	if err != nil || !ok {
		t.Fatal(err, ok)
	}
	if slot2 != slot1 {
		t.Errorf("expected freed slot %d to be reused, got %d", slot1, slot2)
	}
}

func TestGrowthPreservesExistingSlots(t *testing.T) {
	tbl := newSizedTable(t)
	// minItemsBacked is 8; push past that to force at least one extend.
	var keys [][]byte
	var data [][]byte
	var slots []int
	for i := 0; i < 40; i++ {
		key := []byte{byte(i), byte(i >> 8), 0, 0}
		val := []byte{byte(i), byte(i), byte(i)}
		slot, ok, err := tbl.Allocate(key, len(val))
		if err != nil || !ok {
			t.Fatalf("Allocate(%d): ok=%v err=%v", i, ok, err)
		}
		if err := tbl.SetItem(slot, val); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
		data = append(data, val)
		slots = append(slots, slot)
	}
	for i, slot := range slots {
		ref, err := tbl.ItemRef(slot, keys[i])
		if err != nil {
			t.Fatalf("ItemRef(%d) after growth: %v", i, err)
		}
		if !bytes.Equal(ref.Bytes(), data[i]) {
			t.Errorf("slot %d after growth = %v, want %v", slot, ref.Bytes(), data[i])
		}
	}
}

func TestOversizeRoundTrip(t *testing.T) {
	tbl := newOversizeTable(t)
	key := []byte{5, 5, 5, 5}
	payload := bytes.Repeat([]byte{0x42}, 1<<16)
	slot, ok, err := tbl.Allocate(key, len(payload))
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	if err := tbl.SetItem(slot, payload); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	ref, err := tbl.ItemRef(slot, key)
	if err != nil {
		t.Fatalf("ItemRef: %v", err)
	}
	if !bytes.Equal(ref.Bytes(), payload) {
		t.Errorf("oversize payload mismatch, got %d bytes", len(ref.Bytes()))
	}
	ref.Release()
	if bm := tbl.BytesMapped(); bm < uint64(len(payload)) {
		t.Errorf("BytesMapped() = %d, want >= %d", bm, len(payload))
	}
	if _, err := tbl.Free(slot, key); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := tbl.ItemRef(slot, key); err == nil {
		t.Errorf("ItemRef() after free: expected error")
	}
}

func TestOversizeShrinkTo(t *testing.T) {
	// datumsize.Oversize.Capacity() is 1, so each oversize item lives in its
	// own table file; a true global shrink has to work across tables, not
	// within one.
	const n = 4
	const size = 1 << 20 // 1 MiB
	tables := newOversizeTables(t, n)
	var keys [][]byte
	for i, tbl := range tables {
		key := []byte{byte(i), 0, 0, 0}
		slot, ok, err := tbl.Allocate(key, size)
		if err != nil || !ok {
			t.Fatalf("Allocate(%d): ok=%v err=%v", i, ok, err)
		}
		if err := tbl.SetItem(slot, bytes.Repeat([]byte{byte(i)}, size)); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
		ref, err := tbl.ItemRef(slot, key)
		if err != nil {
			t.Fatal(err)
		}
		ref.Release()
	}
	sumMapped := func() uint64 {
		var total uint64
		for _, tbl := range tables {
			total += tbl.BytesMapped()
		}
		return total
	}
	if got := sumMapped(); got < n*size {
		t.Fatalf("BytesMapped() total = %d, want >= %d", got, n*size)
	}
	if err := tables[0].ShrinkTo(1, 2*size); err != nil {
		t.Fatalf("ShrinkTo: %v", err)
	}
	if got := sumMapped(); got > 2*size {
		t.Errorf("BytesMapped() total after shrink = %d, want <= %d", got, 2*size)
	}
	// Data must still be retrievable after eviction; re-mapping on demand.
	ref, err := tables[0].ItemRef(0, keys[0])
	if err != nil {
		t.Fatalf("ItemRef after shrink: %v", err)
	}
	if !bytes.Equal(ref.Bytes(), bytes.Repeat([]byte{0}, size)) {
		t.Errorf("payload corrupted after shrink/re-map")
	}
}

func TestAllocateFailsAtCapacity(t *testing.T) {
	dir := t.TempDir()
	// Use the largest class so capacity stays small and exhaustion is cheap
	// to reach in a test.
	tbl, err := Open(filepath.Join(dir, "62-0.content"), datumsize.DatumSize(62), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()
	cap := tbl.Total()
	if cap > 4096 {
		t.Skipf("capacity %d too large for a quick exhaustion test", cap)
	}
	for i := 0; i < cap; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		if _, ok, err := tbl.Allocate(key, 1); err != nil || !ok {
			t.Fatalf("Allocate(%d): ok=%v err=%v", i, ok, err)
		}
	}
	if _, ok, err := tbl.Allocate([]byte{0xFF, 0xFF}, 1); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Errorf("Allocate() at capacity: expected ok=false")
	}
}
