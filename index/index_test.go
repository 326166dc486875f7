package index

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rthomasv3/galdrdb/storage"
)

const testPageSize = 4096

func newTestPageManager(t *testing.T) (*storage.PageManager, *storage.PageCache) {
	t.Helper()
	file := storage.NewMemFile()
	io := storage.NewPageIO(file, testPageSize)
	cache := storage.NewPageCache(io, 64)
	pages := storage.NewPageManager(cache, testPageSize)
	if err := pages.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return pages, cache
}

func loc(pageID uint32, slot uint16) storage.DocumentLocation {
	return storage.DocumentLocation{PageID: pageID, SlotIndex: slot}
}

func intKey(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func TestIndexAddLookupNonUnique(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, err := NewIndex("jobs", "type", false, pages, cache, testPageSize)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Add([]byte("oracle"), 1, loc(10, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.Add([]byte("oracle"), 4, loc(10, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.Add([]byte("mysql"), 2, loc(11, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}

	locs, err := idx.LookupAll([]byte("oracle"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 locations for oracle, got %d", len(locs))
	}

	locs, err = idx.LookupAll([]byte("mysql"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 1 {
		t.Errorf("expected 1 location for mysql, got %d", len(locs))
	}

	locs, err = idx.LookupAll([]byte("postgres"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 0 {
		t.Errorf("expected 0 locations for postgres, got %d", len(locs))
	}
}

func TestIndexUniqueRejectsDuplicate(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, err := NewIndex("users", "email", true, pages, cache, testPageSize)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Add([]byte("a@example.com"), 1, loc(10, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	err = idx.Add([]byte("a@example.com"), 2, loc(10, 1))
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}

	got, ok, err := idx.Lookup([]byte("a@example.com"))
	if err != nil || !ok {
		t.Fatalf("lookup: %v ok=%v", err, ok)
	}
	if got.PageID != 10 || got.SlotIndex != 0 {
		t.Errorf("unexpected location %+v", got)
	}
}

func TestIndexRemove(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, _ := NewIndex("jobs", "type", false, pages, cache, testPageSize)
	idx.Add([]byte("oracle"), 1, loc(10, 0))
	idx.Add([]byte("oracle"), 4, loc(10, 1))

	removed, err := idx.Remove([]byte("oracle"), 1)
	if err != nil || !removed {
		t.Fatalf("remove: %v removed=%v", err, removed)
	}
	locs, _ := idx.LookupAll([]byte("oracle"))
	if len(locs) != 1 {
		t.Errorf("expected 1 remaining, got %d", len(locs))
	}

	removed, err = idx.Remove([]byte("oracle"), 4)
	if err != nil || !removed {
		t.Fatalf("remove: %v removed=%v", err, removed)
	}
	locs, _ = idx.LookupAll([]byte("oracle"))
	if len(locs) != 0 {
		t.Errorf("expected empty after removing all, got %v", locs)
	}
}

func TestIndexRemoveNonExistent(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, _ := NewIndex("jobs", "type", false, pages, cache, testPageSize)
	idx.Add([]byte("oracle"), 1, loc(10, 0))

	removed, err := idx.Remove([]byte("oracle"), 999)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed {
		t.Error("expected removed=false for a docID that was never added")
	}
	removed, err = idx.Remove([]byte("nonexistent"), 1)
	if err != nil || removed {
		t.Errorf("remove of unknown key: removed=%v err=%v", removed, err)
	}
}

func TestIndexRangeScanUnique(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, _ := NewIndex("jobs", "priority", true, pages, cache, testPageSize)
	idx.Add(intKey(1), 10, loc(1, 0))
	idx.Add(intKey(3), 30, loc(2, 0))
	idx.Add(intKey(5), 50, loc(3, 0))
	idx.Add(intKey(7), 70, loc(4, 0))

	entries, err := idx.RangeScan(intKey(2), intKey(6))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries in range [2,6], got %d", len(entries))
	}

	entries, err = idx.RangeScan(nil, intKey(4))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries with max=4, got %d", len(entries))
	}

	entries, err = idx.RangeScan(intKey(4), nil)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries with min=4, got %d", len(entries))
	}
}

func TestIndexAllEntries(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, _ := NewIndex("jobs", "type", false, pages, cache, testPageSize)
	idx.Add([]byte("oracle"), 1, loc(10, 0))
	idx.Add([]byte("mysql"), 2, loc(11, 0))

	entries, err := idx.AllEntries()
	if err != nil {
		t.Fatalf("all entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestManagerCreateDropIndex(t *testing.T) {
	pages, cache := newTestPageManager(t)
	mgr := NewManager(pages, cache, testPageSize)

	idx, err := mgr.CreateIndex("jobs", "type", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if idx == nil {
		t.Fatal("expected non-nil index")
	}

	if _, err := mgr.CreateIndex("jobs", "type", false); err == nil {
		t.Fatal("expected error on duplicate index")
	}

	if got := mgr.GetIndex("jobs", "type"); got != idx {
		t.Error("GetIndex should return the same index")
	}

	if err := mgr.DropIndex("jobs", "type"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := mgr.DropIndex("jobs", "type"); err == nil {
		t.Fatal("expected error on dropping non-existent index")
	}
	if mgr.GetIndex("jobs", "type") != nil {
		t.Error("GetIndex should return nil after drop")
	}
}

func TestManagerGetIndexesForCollection(t *testing.T) {
	pages, cache := newTestPageManager(t)
	mgr := NewManager(pages, cache, testPageSize)
	mgr.CreateIndex("jobs", "type", false)
	mgr.CreateIndex("jobs", "retry", false)
	mgr.CreateIndex("logs", "level", false)

	if got := mgr.GetIndexesForCollection("jobs"); len(got) != 2 {
		t.Errorf("expected 2 indexes for jobs, got %d", len(got))
	}
	if got := mgr.GetIndexesForCollection("logs"); len(got) != 1 {
		t.Errorf("expected 1 index for logs, got %d", len(got))
	}
	if got := mgr.GetIndexesForCollection("nonexistent"); len(got) != 0 {
		t.Errorf("expected 0 indexes for nonexistent, got %d", len(got))
	}
}

func TestBTreePersistence(t *testing.T) {
	file := storage.NewMemFile()
	io := storage.NewPageIO(file, testPageSize)
	cache := storage.NewPageCache(io, 64)
	pages := storage.NewPageManager(cache, testPageSize)
	if err := pages.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	idx, err := NewIndex("jobs", "type", false, pages, cache, testPageSize)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	idx.Add([]byte("oracle"), 1, loc(10, 0))
	idx.Add([]byte("mysql"), 2, loc(11, 0))
	idx.Add([]byte("oracle"), 3, loc(10, 1))
	rootID := idx.RootPageID()

	idx2 := OpenIndex("jobs", "type", false, pages, cache, testPageSize, rootID)
	locs, err := idx2.LookupAll([]byte("oracle"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 oracle locations after reopen, got %d", len(locs))
	}
	locs, err = idx2.LookupAll([]byte("mysql"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(locs) != 1 {
		t.Errorf("expected 1 mysql location after reopen, got %d", len(locs))
	}
}

func TestBTreeSplitManyEntries(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, _ := NewIndex("bench", "id", true, pages, cache, testPageSize)

	for i := int64(0); i < 200; i++ {
		if err := idx.Add(intKey(i), uint64(i), loc(uint32(i)+100, 0)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	for i := int64(0); i < 200; i++ {
		got, ok, err := idx.Lookup(intKey(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !ok || got.PageID != uint32(i)+100 {
			t.Errorf("lookup(%d): expected page %d, got %+v ok=%v", i, i+100, got, ok)
		}
	}
}

func TestBTreeDeleteTriggersRebalance(t *testing.T) {
	pages, cache := newTestPageManager(t)
	idx, _ := NewIndex("bench", "id", true, pages, cache, testPageSize)

	const n = 300
	for i := int64(0); i < n; i++ {
		if err := idx.Add(intKey(i), uint64(i), loc(uint32(i)+100, 0)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	// Delete most of the tree, leaving a sparse tail, to force borrow,
	// merge, and root-collapse paths.
	for i := int64(0); i < n-5; i++ {
		removed, err := idx.Remove(intKey(i), uint64(i))
		if err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
		if !removed {
			t.Fatalf("remove %d: expected present", i)
		}
	}
	for i := int64(0); i < n-5; i++ {
		if _, ok, _ := idx.Lookup(intKey(i)); ok {
			t.Errorf("key %d should have been removed", i)
		}
	}
	for i := int64(n - 5); i < n; i++ {
		got, ok, err := idx.Lookup(intKey(i))
		if err != nil || !ok {
			t.Fatalf("lookup %d: %v ok=%v", i, err, ok)
		}
		if got.PageID != uint32(i)+100 {
			t.Errorf("lookup(%d): unexpected location %+v", i, got)
		}
	}
}

func TestBuildKeySplitKeyRoundTrip(t *testing.T) {
	value := []byte("hello")
	key := BuildKey(value, 42, false)
	v, docID := SplitKey(key)
	if !bytes.Equal(v, value) {
		t.Errorf("value = %q, want %q", v, value)
	}
	if docID != 42 {
		t.Errorf("docID = %d, want 42", docID)
	}

	uniqueKey := BuildKey(value, 42, true)
	if !bytes.Equal(uniqueKey, value) {
		t.Errorf("unique key should be the bare value, got %q", uniqueKey)
	}
}
