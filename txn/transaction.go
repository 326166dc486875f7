package txn

import (
	"github.com/rthomasv3/galdrdb/errs"
)

// State is a transaction's lifecycle stage.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// OpKind identifies a write-set entry's operation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpReplace
	OpDelete
)

// IndexDelta is one secondary-index change derived from a write, applied
// at commit once the write is known to survive conflict checking.
type IndexDelta struct {
	IndexName string
	Key       []byte
	DocID     uint64
	Remove    bool
}

// Operation is one buffered write in a transaction's write set.
type Operation struct {
	Kind        OpKind
	Collection  string
	DocID       uint64
	Bytes       []byte // nil for OpDelete
	IndexDeltas []IndexDelta
}

// Transaction is a single unit of work: a snapshot for reads, a buffered
// write set for last-writer-wins local visibility, and the set of DocIds
// it touches for conflict scoping at commit.
type Transaction struct {
	TxID         uint64
	SnapshotTxID uint64
	ReadOnly     bool
	State        State

	writeSet []Operation
	// localWrites gives read-your-own-writes: the most recent buffered
	// operation per (collection, docID), last-writer-wins within the tx.
	localWrites map[localKey]int // index into writeSet
	touched     map[localKey]bool
}

type localKey struct {
	collection string
	docID      uint64
}

// New creates a transaction in the Active state.
func New(txID, snapshotTxID uint64, readOnly bool) *Transaction {
	return &Transaction{
		TxID:         txID,
		SnapshotTxID: snapshotTxID,
		ReadOnly:     readOnly,
		State:        Active,
		localWrites:  make(map[localKey]int),
		touched:      make(map[localKey]bool),
	}
}

func (t *Transaction) requireActive() error {
	if t.State != Active {
		return errs.New(errs.InvalidOperation, "transaction %d is not active (state %s)", t.TxID, t.State)
	}
	return nil
}

// Buffer records a write in the transaction's local write set,
// last-writer-wins per (collection, docID). Fails if the transaction is
// read-only or not active.
func (t *Transaction) Buffer(op Operation) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	if t.ReadOnly {
		return errs.New(errs.InvalidOperation, "transaction %d is read-only", t.TxID)
	}
	key := localKey{collection: op.Collection, docID: op.DocID}
	if idx, ok := t.localWrites[key]; ok {
		t.writeSet[idx] = op
	} else {
		t.localWrites[key] = len(t.writeSet)
		t.writeSet = append(t.writeSet, op)
	}
	t.touched[key] = true
	return nil
}

// LocalWrite returns the most recent buffered operation for (collection,
// docID) in this transaction, for read-your-own-writes.
func (t *Transaction) LocalWrite(collection string, docID uint64) (Operation, bool) {
	idx, ok := t.localWrites[localKey{collection: collection, docID: docID}]
	if !ok {
		return Operation{}, false
	}
	return t.writeSet[idx], true
}

// WriteSet returns the buffered operations in application order.
func (t *Transaction) WriteSet() []Operation { return t.writeSet }

// Touches reports whether this transaction's write set includes docID in
// collection, for conflict scoping.
func (t *Transaction) Touches(collection string, docID uint64) bool {
	return t.touched[localKey{collection: collection, docID: docID}]
}

// MarkCommitted transitions the transaction to Committed.
func (t *Transaction) MarkCommitted() error {
	if err := t.requireActive(); err != nil {
		return err
	}
	t.State = Committed
	return nil
}

// MarkAborted transitions the transaction to Aborted. Disposing an Active
// transaction without a prior Commit is equivalent to calling this.
func (t *Transaction) MarkAborted() error {
	if t.State == Aborted {
		return nil
	}
	if err := t.requireActive(); err != nil {
		return err
	}
	t.State = Aborted
	return nil
}
