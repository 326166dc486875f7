package txn

import "testing"

func TestTransactionBufferLastWriterWins(t *testing.T) {
	tx := New(1, 0, false)
	if err := tx.Buffer(Operation{Kind: OpInsert, Collection: "docs", DocID: 5, Bytes: []byte("a")}); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if err := tx.Buffer(Operation{Kind: OpReplace, Collection: "docs", DocID: 5, Bytes: []byte("b")}); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if len(tx.WriteSet()) != 1 {
		t.Fatalf("expected a single coalesced write-set entry, got %d", len(tx.WriteSet()))
	}
	op, ok := tx.LocalWrite("docs", 5)
	if !ok {
		t.Fatal("expected a local write for docID 5")
	}
	if string(op.Bytes) != "b" {
		t.Errorf("expected last-writer-wins to keep the latest bytes, got %q", op.Bytes)
	}
}

func TestTransactionBufferDistinctDocsAppend(t *testing.T) {
	tx := New(1, 0, false)
	tx.Buffer(Operation{Collection: "docs", DocID: 1})
	tx.Buffer(Operation{Collection: "docs", DocID: 2})
	if len(tx.WriteSet()) != 2 {
		t.Errorf("expected 2 write-set entries, got %d", len(tx.WriteSet()))
	}
}

func TestTransactionBufferRejectsReadOnly(t *testing.T) {
	tx := New(1, 0, true)
	if err := tx.Buffer(Operation{Collection: "docs", DocID: 1}); err == nil {
		t.Error("expected an error buffering a write on a read-only transaction")
	}
}

func TestTransactionLocalWriteMissing(t *testing.T) {
	tx := New(1, 0, false)
	if _, ok := tx.LocalWrite("docs", 99); ok {
		t.Error("expected no local write for an untouched docID")
	}
}

func TestTransactionTouches(t *testing.T) {
	tx := New(1, 0, false)
	tx.Buffer(Operation{Collection: "docs", DocID: 5})
	if !tx.Touches("docs", 5) {
		t.Error("expected Touches true for a buffered docID")
	}
	if tx.Touches("docs", 6) {
		t.Error("expected Touches false for an untouched docID")
	}
	if tx.Touches("other", 5) {
		t.Error("expected Touches scoped by collection")
	}
}

func TestTransactionMarkCommitted(t *testing.T) {
	tx := New(1, 0, false)
	if err := tx.MarkCommitted(); err != nil {
		t.Fatalf("mark committed: %v", err)
	}
	if tx.State != Committed {
		t.Errorf("expected state Committed, got %s", tx.State)
	}
	if err := tx.MarkCommitted(); err == nil {
		t.Error("expected an error committing a transaction twice")
	}
	if err := tx.Buffer(Operation{Collection: "docs", DocID: 1}); err == nil {
		t.Error("expected an error buffering a write after commit")
	}
}

func TestTransactionMarkAborted(t *testing.T) {
	tx := New(1, 0, false)
	if err := tx.MarkAborted(); err != nil {
		t.Fatalf("mark aborted: %v", err)
	}
	if tx.State != Aborted {
		t.Errorf("expected state Aborted, got %s", tx.State)
	}
	// Aborting twice is idempotent.
	if err := tx.MarkAborted(); err != nil {
		t.Errorf("expected idempotent abort, got error: %v", err)
	}
}

func TestTransactionMarkAbortedAfterCommitFails(t *testing.T) {
	tx := New(1, 0, false)
	if err := tx.MarkCommitted(); err != nil {
		t.Fatalf("mark committed: %v", err)
	}
	if err := tx.MarkAborted(); err == nil {
		t.Error("expected an error aborting an already-committed transaction")
	}
}

func TestTransactionStateString(t *testing.T) {
	cases := map[State]string{Active: "Active", Committed: "Committed", Aborted: "Aborted"}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
