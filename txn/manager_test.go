package txn

import "testing"

func TestManagerAllocateTxIDMonotonic(t *testing.T) {
	m := NewManager()
	var last uint64
	for i := 0; i < 5; i++ {
		id := m.AllocateTxID()
		if id <= last {
			t.Fatalf("expected strictly increasing ids, got %d after %d", id, last)
		}
		last = id
	}
}

func TestManagerRegisterAndMarkCommitted(t *testing.T) {
	m := NewManager()
	txID := m.AllocateTxID()
	m.Register(txID, m.GetSnapshotTxID())
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active transaction, got %d", m.ActiveCount())
	}
	m.MarkCommitted(txID)
	if m.ActiveCount() != 0 {
		t.Fatalf("expected 0 active after commit, got %d", m.ActiveCount())
	}
	if m.GetSnapshotTxID() != txID {
		t.Errorf("expected last committed = %d, got %d", txID, m.GetSnapshotTxID())
	}
}

func TestManagerMarkCommittedNeverMovesBackward(t *testing.T) {
	m := NewManager()
	low := m.AllocateTxID()
	high := m.AllocateTxID()
	m.Register(high, 0)
	m.MarkCommitted(high)
	if m.GetSnapshotTxID() != high {
		t.Fatalf("expected last committed %d, got %d", high, m.GetSnapshotTxID())
	}
	// Committing an older id should not move the counter backward.
	m.MarkCommitted(low)
	if m.GetSnapshotTxID() != high {
		t.Errorf("committing an older txid should not regress last committed, got %d", m.GetSnapshotTxID())
	}
}

func TestManagerUnregisterDoesNotAdvanceLastCommitted(t *testing.T) {
	m := NewManager()
	txID := m.AllocateTxID()
	m.Register(txID, 0)
	m.Unregister(txID)
	if m.ActiveCount() != 0 {
		t.Fatalf("expected 0 active after unregister, got %d", m.ActiveCount())
	}
	if m.GetSnapshotTxID() != 0 {
		t.Errorf("abort should not advance last committed, got %d", m.GetSnapshotTxID())
	}
}

func TestManagerOldestActiveTxID(t *testing.T) {
	m := NewManager()
	if got := m.OldestActiveTxID(); got != TxIDNone {
		t.Fatalf("expected TxIDNone with no active txns, got %d", got)
	}
	m.Register(10, 5)
	m.Register(11, 2)
	m.Register(12, 8)
	if got := m.OldestActiveTxID(); got != 2 {
		t.Errorf("expected oldest snapshot 2, got %d", got)
	}
	m.MarkCommitted(11)
	if got := m.OldestActiveTxID(); got != 5 {
		t.Errorf("expected oldest snapshot 5 after removing snapshot 2, got %d", got)
	}
}

func TestManagerSetLastCommittedNeverRegresses(t *testing.T) {
	m := NewManager()
	m.SetLastCommitted(100)
	m.SetLastCommitted(50)
	if m.GetSnapshotTxID() != 100 {
		t.Errorf("expected 100 to stick, got %d", m.GetSnapshotTxID())
	}
	m.SetLastCommitted(150)
	if m.GetSnapshotTxID() != 150 {
		t.Errorf("expected 150, got %d", m.GetSnapshotTxID())
	}
}

func TestManagerSeedCounterAdvancesFutureAllocations(t *testing.T) {
	m := NewManager()
	m.SeedCounter(1000)
	next := m.AllocateTxID()
	if next != 1001 {
		t.Errorf("expected next allocation 1001, got %d", next)
	}
	// Seeding backward must not regress the counter.
	m.SeedCounter(1)
	if again := m.AllocateTxID(); again <= next {
		t.Errorf("expected allocation to keep increasing past %d, got %d", next, again)
	}
}
