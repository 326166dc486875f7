package storage

import (
	"bytes"
	"math/rand"
	"testing"
)

func newTestDocStore(t *testing.T) *DocumentStore {
	t.Helper()
	pages, cache := newTestPageManager(t)
	return NewDocumentStore(pages, cache, testPageSize)
}

func TestDocumentStoreWriteReadSmall(t *testing.T) {
	ds := newTestDocStore(t)
	data := []byte("hello, galdrdb")
	loc, err := ds.WriteDocument(data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ds.ReadDocument(loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}
}

func TestDocumentStoreWriteReadOverflow(t *testing.T) {
	ds := newTestDocStore(t)
	// Random bytes do not compress, so the stored payload spans several pages.
	data := make([]byte, testPageSize*3)
	rand.New(rand.NewSource(1)).Read(data)
	loc, err := ds.WriteDocument(data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ds.ReadDocument(loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("overflow round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestDocumentStoreDelete(t *testing.T) {
	ds := newTestDocStore(t)
	loc, err := ds.WriteDocument([]byte("to be deleted"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ds.DeleteDocument(loc); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ds.ReadDocument(loc); err == nil {
		t.Error("expected an error reading a tombstoned slot")
	}
}

func TestDocumentStoreDeleteFreesOverflowChain(t *testing.T) {
	ds := newTestDocStore(t)
	data := make([]byte, testPageSize*2)
	rand.New(rand.NewSource(2)).Read(data)
	loc, err := ds.WriteDocument(data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ds.DeleteDocument(loc); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The continuation pages should now be reusable for a new document.
	next, err := ds.WriteDocument([]byte("reused"))
	if err != nil {
		t.Fatalf("write after delete: %v", err)
	}
	got, err := ds.ReadDocument(next)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "reused" {
		t.Errorf("got %q, want %q", got, "reused")
	}
}

func TestDocumentStoreManySmallDocumentsShareAPage(t *testing.T) {
	ds := newTestDocStore(t)
	var locs []DocumentLocation
	for i := 0; i < 20; i++ {
		loc, err := ds.WriteDocument([]byte("small"))
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		locs = append(locs, loc)
	}
	pagesUsed := make(map[uint32]bool)
	for _, loc := range locs {
		pagesUsed[loc.PageID] = true
	}
	if len(pagesUsed) >= len(locs) {
		t.Errorf("expected small documents to pack onto shared pages, used %d pages for %d docs", len(pagesUsed), len(locs))
	}
	for i, loc := range locs {
		got, err := ds.ReadDocument(loc)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(got) != "small" {
			t.Errorf("doc %d: got %q", i, got)
		}
	}
}
