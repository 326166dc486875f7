// Package txn implements transaction bookkeeping: TxId allocation and the
// active-transaction set, the per-collection version index that backs MVCC
// visibility, and the Transaction value itself.
package txn

import (
	"sync"
	"sync/atomic"
)

// TxIDNone is the sentinel returned by OldestActiveTxID when no
// transaction is currently active.
const TxIDNone uint64 = 0

// Manager allocates TxIds and tracks the set of currently active
// transactions, so the engine can compute GC horizons and conflict
// snapshots. All operations are thread-safe.
type Manager struct {
	counter uint64 // last allocated TxId; 0 is reserved for auto-commit

	mu       sync.Mutex
	active   map[uint64]uint64 // txID -> snapshotTxID
	lastCommitted uint64
}

// NewManager returns a Manager with no active transactions.
func NewManager() *Manager {
	return &Manager{active: make(map[uint64]uint64)}
}

// AllocateTxID returns the next monotonic TxId.
func (m *Manager) AllocateTxID() uint64 {
	return atomic.AddUint64(&m.counter, 1)
}

// Register adds txID to the active set with the given snapshot TxId.
func (m *Manager) Register(txID, snapshotTxID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[txID] = snapshotTxID
}

// MarkCommitted atomically advances the last-committed TxId and removes
// txID from the active set.
func (m *Manager) MarkCommitted(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, txID)
	if txID > m.lastCommitted {
		m.lastCommitted = txID
	}
}

// Unregister removes txID from the active set without advancing the
// last-committed TxId (used on abort/rollback).
func (m *Manager) Unregister(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, txID)
}

// GetSnapshotTxID returns the current last-committed TxId, used as the
// snapshot horizon for a newly started transaction.
func (m *Manager) GetSnapshotTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommitted
}

// OldestActiveTxID returns the minimum snapshot TxId among active
// transactions, or TxIDNone if none are active.
func (m *Manager) OldestActiveTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return TxIDNone
	}
	oldest := ^uint64(0)
	for _, snap := range m.active {
		if snap < oldest {
			oldest = snap
		}
	}
	return oldest
}

// ActiveCount reports the number of currently active transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// SetLastCommitted seeds the last-committed counter from recovery (WAL
// replay or header hint); it never moves the counter backward.
func (m *Manager) SetLastCommitted(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txID > m.lastCommitted {
		m.lastCommitted = txID
	}
}

// SeedCounter ensures future AllocateTxID calls start past txID, used when
// resuming a database whose highest seen TxId is already known.
func (m *Manager) SeedCounter(txID uint64) {
	for {
		cur := atomic.LoadUint64(&m.counter)
		if txID <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&m.counter, cur, txID) {
			return
		}
	}
}
