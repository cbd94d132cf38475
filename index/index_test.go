package index

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rpcpool/subdb/indexitem"
	"github.com/rpcpool/subdb/types"
)

func key(b ...byte) []byte {
	out := make([]byte, 4)
	copy(out, b)
	return out
}

func insert(t *testing.T, idx *Index, k []byte, addr uint32) {
	t.Helper()
	_, err := EditIn(idx, k, func(existing *uint32) (*uint32, struct{}, error) {
		if existing != nil {
			return nil, struct{}{}, fmt.Errorf("already present")
		}
		a := addr
		return &a, struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("EditIn(%v): %v", k, err)
	}
}

func lookup(idx *Index, k []byte) (uint32, bool) {
	return WithItemTry(idx, k, func(e indexitem.Entry) (uint32, error) {
		return e.Address, nil
	})
}

func TestInsertAndLookup(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.subdb"), 4, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	insert(t, idx, key(1, 0, 0, 0), 100)
	insert(t, idx, key(2, 0, 0, 0), 200)

	if addr, ok := lookup(idx, key(1, 0, 0, 0)); !ok || addr != 100 {
		t.Errorf("lookup(1) = %d, %v, want 100, true", addr, ok)
	}
	if addr, ok := lookup(idx, key(2, 0, 0, 0)); !ok || addr != 200 {
		t.Errorf("lookup(2) = %d, %v, want 200, true", addr, ok)
	}
	if _, ok := lookup(idx, key(9, 9, 9, 9)); ok {
		t.Errorf("lookup(absent) should not be found")
	}
}

func TestEditOutErase(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.subdb"), 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	k := key(3, 0, 0, 0)
	insert(t, idx, k, 42)

	result, err := EditOut(idx, k, func(addr uint32) (EditOutAction, uint32, string, error) {
		if addr != 42 {
			return EditOutKeep, 0, "", fmt.Errorf("mismatch")
		}
		return EditOutErase, 0, "removed", nil
	})
	if err != nil || result != "removed" {
		t.Fatalf("EditOut = %q, %v, want removed, nil", result, err)
	}
	if _, ok := lookup(idx, k); ok {
		t.Errorf("lookup after erase: expected not found")
	}

	_, err = EditOut(idx, k, func(addr uint32) (EditOutAction, uint32, string, error) {
		return EditOutKeep, 0, "", nil
	})
	if err != types.ErrNotFound {
		t.Errorf("EditOut on erased key: err = %v, want ErrNotFound", err)
	}
}

func TestEditOutReplace(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.subdb"), 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	k := key(5, 0, 0, 0)
	insert(t, idx, k, 1)

	_, err = EditOut(idx, k, func(addr uint32) (EditOutAction, uint32, struct{}, error) {
		return EditOutReplace, addr + 1000, struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if addr, ok := lookup(idx, k); !ok || addr != 1001 {
		t.Errorf("lookup after replace = %d, %v, want 1001, true", addr, ok)
	}
}

func TestCollisionChain(t *testing.T) {
	dir := t.TempDir()
	// Small index (16 slots) to force collisions quickly: the low four bits
	// of every key are zero, so all keys prefer slot 0.
	idx, err := Open(filepath.Join(dir, "index.subdb"), 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	var keys [][]byte
	for i := 0; i < 12; i++ {
		k := key(byte(i<<4), byte(i>>4))
		keys = append(keys, k)
		insert(t, idx, k, uint32(i+1))
	}
	for i, k := range keys {
		addr, ok := lookup(idx, k)
		if !ok || addr != uint32(i+1) {
			t.Errorf("lookup(%d) = %d, %v, want %d, true", i, addr, ok, i+1)
		}
	}
}

func TestRemoveMiddleOfChainKeepsOthers(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.subdb"), 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	var keys [][]byte
	// Every key prefers slot 0, so the ten entries form one chain.
	for i := 0; i < 10; i++ {
		k := key(byte(i<<4), byte(i>>4))
		keys = append(keys, k)
		insert(t, idx, k, uint32(i+1))
	}

	victim := keys[5]
	if _, err := EditOut(idx, victim, func(addr uint32) (EditOutAction, uint32, struct{}, error) {
		return EditOutErase, 0, struct{}{}, nil
	}); err != nil {
		t.Fatalf("EditOut: %v", err)
	}

	for i, k := range keys {
		if i == 5 {
			continue
		}
		addr, ok := lookup(idx, k)
		if !ok || addr != uint32(i+1) {
			t.Errorf("lookup(%d) after removal = %d, %v, want %d, true", i, addr, ok, i+1)
		}
	}
	if _, ok := lookup(idx, victim); ok {
		t.Errorf("victim still found after removal")
	}
}

func TestFromExistingWidening(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.subdb"), 4, 16)
	if err != nil {
		t.Fatal(err)
	}
	var keys [][]byte
	for i := 0; i < 20; i++ {
		k := key(byte(i), byte(i>>8), byte(i*13), 0)
		keys = append(keys, k)
		insert(t, idx, k, uint32(i+1))
	}

	newKeyBytes, newIndexBits := idx.NextSize()
	if newIndexBits != 17 {
		t.Fatalf("NextSize() indexBits = %d, want 17", newIndexBits)
	}
	resized, err := FromExisting(filepath.Join(dir, "new-index.subdb"), idx, newKeyBytes, newIndexBits)
	if err != nil {
		t.Fatalf("FromExisting: %v", err)
	}
	defer resized.Close()

	for i, k := range keys {
		addr, ok := lookup(resized, k)
		if !ok || addr != uint32(i+1) {
			t.Errorf("resized lookup(%d) = %d, %v, want %d, true", i, addr, ok, i+1)
		}
	}
	idx.Close()
}

func TestFromExistingRejectsNarrowing(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.subdb"), 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	_, err = FromExisting(filepath.Join(dir, "new-index.subdb"), idx, 2, 4)
	if err != types.ErrNarrowingUnsupported {
		t.Errorf("FromExisting narrowing: err = %v, want ErrNarrowingUnsupported", err)
	}
}

func TestTakeWatermarks(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.subdb"), 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	// The low three bits of every key are zero, so all six collide on slot 0.
	for i := 0; i < 6; i++ {
		insert(t, idx, key(byte(i<<3), byte(i>>5)), uint32(i))
	}
	skipped, correction := idx.TakeWatermarks()
	if skipped == 0 && correction == 0 {
		t.Errorf("expected non-zero watermarks after collisions, got skipped=%d correction=%d", skipped, correction)
	}
	skipped2, correction2 := idx.TakeWatermarks()
	if skipped2 != 0 || correction2 != 0 {
		t.Errorf("TakeWatermarks should reset: got skipped=%d correction=%d", skipped2, correction2)
	}
}

func TestAnonymousIndex(t *testing.T) {
	idx, err := Anonymous(4, 2)
	if err != nil {
		t.Fatalf("Anonymous: %v", err)
	}
	defer idx.Close()
	insert(t, idx, key(1, 0, 0, 0), 7)
	if addr, ok := lookup(idx, key(1, 0, 0, 0)); !ok || addr != 7 {
		t.Errorf("lookup in anonymous index = %d, %v, want 7, true", addr, ok)
	}
}
