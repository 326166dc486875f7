package storage

import (
	"bytes"
	"testing"
)

func pagePayload(pageSize int, fill byte) []byte {
	b := make([]byte, pageSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestWALOpenNewWritesHeader(t *testing.T) {
	file := NewMemFile()
	w, isNew, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !isNew {
		t.Error("expected isNew=true for an empty file")
	}
	if w.CheckpointTxID() != 0 {
		t.Errorf("fresh checkpoint txid should be 0, got %d", w.CheckpointTxID())
	}
}

func TestWALReopenPreservesSaltsAndCheckpoint(t *testing.T) {
	file := NewMemFile()
	w, _, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	salt1, salt2 := w.salt1, w.salt2

	reopened, isNew, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if isNew {
		t.Error("expected isNew=false on reopen")
	}
	if reopened.salt1 != salt1 || reopened.salt2 != salt2 {
		t.Error("expected salts to survive reopen")
	}
}

func TestWALWriteFrameAndRecover(t *testing.T) {
	file := NewMemFile()
	w, _, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data := pagePayload(testPageSize, 0xAB)
	writes := []PendingWrite{{PageID: 5, PageType: PageTypeData, Data: data}}
	if err := w.WriteTransactionBatch(1, writes); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	io := NewPageIO(NewMemFile(), testPageSize)
	cache := NewPageCache(io, 8)
	if err := w.Recover(cache); err != nil {
		t.Fatalf("recover: %v", err)
	}
	out := make([]byte, testPageSize)
	if err := cache.ReadPage(5, out); err != nil {
		t.Fatalf("read recovered page: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("recovered page contents do not match what was written")
	}
}

func TestWALRecoverSkipsUncommittedTransaction(t *testing.T) {
	file := NewMemFile()
	w, _, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Write a single frame with no Commit flag, simulating a crash
	// mid-transaction.
	if err := w.WriteFrame(7, 9, PageTypeData, pagePayload(testPageSize, 0x11), FlagNone); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	io := NewPageIO(NewMemFile(), testPageSize)
	cache := NewPageCache(io, 8)
	if err := w.Recover(cache); err != nil {
		t.Fatalf("recover: %v", err)
	}
	out := make([]byte, testPageSize)
	if err := cache.ReadPage(9, out); err != nil {
		t.Fatalf("read page: %v", err)
	}
	for _, b := range out {
		if b != 0 {
			t.Fatal("expected page 9 to remain untouched since its transaction never committed")
		}
	}
}

func TestWALRecoverAppliesAutoCommitFrames(t *testing.T) {
	file := NewMemFile()
	w, _, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data := pagePayload(testPageSize, 0x22)
	if err := w.WriteFrame(0, 3, PageTypeData, data, FlagNone); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	io := NewPageIO(NewMemFile(), testPageSize)
	cache := NewPageCache(io, 8)
	if err := w.Recover(cache); err != nil {
		t.Fatalf("recover: %v", err)
	}
	out := make([]byte, testPageSize)
	cache.ReadPage(3, out)
	if !bytes.Equal(out, data) {
		t.Error("tx_id 0 frames should always be treated as committed")
	}
}

func TestWALRecoverStopsAtTornTail(t *testing.T) {
	file := NewMemFile()
	w, _, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writes := []PendingWrite{
		{PageID: 1, PageType: PageTypeData, Data: pagePayload(testPageSize, 0x01)},
		{PageID: 2, PageType: PageTypeData, Data: pagePayload(testPageSize, 0x02)},
	}
	if err := w.WriteTransactionBatch(1, writes); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	// Append a few garbage bytes to simulate a torn write at the tail.
	garbage := make([]byte, 10)
	file.WriteAt(garbage, w.writeOffset)

	frames, err := w.scanFrames()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("expected exactly the 2 well-formed frames, got %d", len(frames))
	}
}

func TestWALCheckpointAdvancesAndPreservesWAL(t *testing.T) {
	file := NewMemFile()
	w, _, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writes := []PendingWrite{{PageID: 4, PageType: PageTypeData, Data: pagePayload(testPageSize, 0x33)}}
	if err := w.WriteTransactionBatch(5, writes); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	io := NewPageIO(NewMemFile(), testPageSize)
	cache := NewPageCache(io, 8)
	if err := w.Checkpoint(cache); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if w.CheckpointTxID() != 5 {
		t.Errorf("checkpoint txid = %d, want 5", w.CheckpointTxID())
	}
	out := make([]byte, testPageSize)
	cache.ReadPage(4, out)
	if out[0] != 0x33 {
		t.Error("checkpoint should have applied the committed frame")
	}
	frames, err := w.scanFrames()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("expected checkpoint to leave the 1 frame in the WAL, got %d", len(frames))
	}
}

func TestWALTruncateInvalidatesOldFrames(t *testing.T) {
	file := NewMemFile()
	w, _, err := OpenWAL(file, testPageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writes := []PendingWrite{{PageID: 1, PageType: PageTypeData, Data: pagePayload(testPageSize, 0x44)}}
	if err := w.WriteTransactionBatch(1, writes); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	frames, err := w.scanFrames()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected no frames after truncate, got %d", len(frames))
	}
}
