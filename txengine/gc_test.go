package txengine

import "testing"

func TestVacuumReclaimsVersionsPastHorizon(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.EnsureCollection("widgets"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	tx, _ := e.BeginTransaction()
	docID, err := tx.Insert("widgets", 0, []byte("v1"), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := e.BeginTransaction()
	if err := tx2.Replace("widgets", docID, []byte("v2"), nil, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit replace: %v", err)
	}

	// No readers are active, so the horizon is the current commit point
	// and the superseded v1 version is collectable.
	result, err := e.Vacuum()
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if result.VersionsCollected == 0 {
		t.Error("expected at least one collected version")
	}

	read, _ := e.BeginReadOnlyTransaction()
	data, ok, err := read.Get("widgets", docID)
	if err != nil || !ok {
		t.Fatalf("expected live document to survive vacuum, ok=%v err=%v", ok, err)
	}
	if string(data) != "v2" {
		t.Fatalf("got %q, want %q", data, "v2")
	}
}

func TestVacuumRespectsActiveReaderHorizon(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.EnsureCollection("widgets"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	tx, _ := e.BeginTransaction()
	docID, err := tx.Insert("widgets", 0, []byte("v1"), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reader, err := e.BeginReadOnlyTransaction()
	if err != nil {
		t.Fatalf("begin reader: %v", err)
	}

	tx2, _ := e.BeginTransaction()
	if err := tx2.Replace("widgets", docID, []byte("v2"), nil, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit replace: %v", err)
	}

	if _, err := e.Vacuum(); err != nil {
		t.Fatalf("vacuum: %v", err)
	}

	data, ok, err := reader.Get("widgets", docID)
	if err != nil || !ok {
		t.Fatalf("expected the still-active reader's snapshot to survive vacuum, ok=%v err=%v", ok, err)
	}
	if string(data) != "v1" {
		t.Fatalf("got %q, want %q (the reader's original snapshot)", data, "v1")
	}
}

func TestVacuumNoopOnEmptyDatabase(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.EnsureCollection("widgets"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	result, err := e.Vacuum()
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if result.VersionsCollected != 0 || result.PagesCompacted != 0 {
		t.Errorf("expected a no-op vacuum, got %+v", result)
	}
}
