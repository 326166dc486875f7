package txengine

import (
	"bytes"
	"testing"
)

func TestCompactIntoCopiesLiveDocumentsAndIndexes(t *testing.T) {
	src := newTestEngine(t)
	if _, err := src.EnsureCollection("widgets"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := src.CreateIndex("widgets", "sku", true); err != nil {
		t.Fatalf("create index: %v", err)
	}

	tx, _ := src.BeginTransaction()
	keepID, err := tx.Insert("widgets", 0, []byte("keep"), map[string][]byte{"sku": []byte("KEEP")})
	if err != nil {
		t.Fatalf("insert keep: %v", err)
	}
	dropID, err := tx.Insert("widgets", 0, []byte("drop"), map[string][]byte{"sku": []byte("DROP")})
	if err != nil {
		t.Fatalf("insert drop: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := src.BeginTransaction()
	if err := tx2.Delete("widgets", dropID, map[string][]byte{"sku": []byte("DROP")}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	dst := newTestEngine(t)
	result, err := src.CompactInto(dst)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if result.CollectionsCompacted != 1 {
		t.Errorf("expected 1 collection compacted, got %d", result.CollectionsCompacted)
	}
	if result.DocumentsCopied != 1 {
		t.Errorf("expected 1 document copied (tombstones excluded), got %d", result.DocumentsCopied)
	}

	read, _ := dst.BeginReadOnlyTransaction()
	data, ok, err := read.Get("widgets", keepID)
	if err != nil || !ok || !bytes.Equal(data, []byte("keep")) {
		t.Fatalf("expected kept document to survive compaction, got %q ok=%v err=%v", data, ok, err)
	}
	if _, ok, _ := read.Get("widgets", dropID); ok {
		t.Error("expected the deleted document to not be copied")
	}

	names := dst.GetIndexNames("widgets")
	if len(names) != 1 || names[0] != "sku" {
		t.Fatalf("expected the sku index recreated on the target, got %v", names)
	}
}

func TestCompactIntoFailsWithActiveTransaction(t *testing.T) {
	src := newTestEngine(t)
	if _, err := src.EnsureCollection("widgets"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := src.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}

	dst := newTestEngine(t)
	if _, err := src.CompactInto(dst); err == nil {
		t.Error("expected compaction to fail while a transaction is active")
	}
}
