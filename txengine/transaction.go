package txengine

import (
	"bytes"
	"sort"

	"github.com/rthomasv3/galdrdb/errs"
	"github.com/rthomasv3/galdrdb/storage"
	"github.com/rthomasv3/galdrdb/txn"
)

// Txn is a single unit of work over an Engine: a snapshot for reads, a
// buffered write set applied atomically at Commit, and conflict
// detection both at buffer time (fail fast) and again at commit (the
// transaction that actually wins the race to commit).
type Txn struct {
	eng  *Engine
	core *txn.Transaction
}

// BeginTransaction opens a read-write transaction against the current
// commit horizon.
func (e *Engine) BeginTransaction() (*Txn, error) {
	snapshot := e.txMgr.GetSnapshotTxID()
	id := e.txMgr.AllocateTxID()
	e.txMgr.Register(id, snapshot)
	return &Txn{eng: e, core: txn.New(id, snapshot, false)}, nil
}

// BeginReadOnlyTransaction opens a snapshot read. It never allocates a
// commit id of its own; it registers under its snapshot value so the
// garbage collector's horizon still accounts for it.
func (e *Engine) BeginReadOnlyTransaction() (*Txn, error) {
	snapshot := e.txMgr.GetSnapshotTxID()
	e.txMgr.Register(snapshot, snapshot)
	return &Txn{eng: e, core: txn.New(snapshot, snapshot, true)}, nil
}

// TxID returns the transaction's identifier (its snapshot value, for a
// read-only transaction).
func (t *Txn) TxID() uint64 { return t.core.TxID }

// SnapshotTxID returns the commit horizon this transaction reads against.
func (t *Txn) SnapshotTxID() uint64 { return t.core.SnapshotTxID }

// Get reads docID in collection as of this transaction's snapshot,
// seeing its own uncommitted writes first.
func (t *Txn) Get(collection string, docID uint64) ([]byte, bool, error) {
	if op, ok := t.core.LocalWrite(collection, docID); ok {
		if op.Kind == txn.OpDelete {
			return nil, false, nil
		}
		return op.Bytes, true, nil
	}
	vi, ok := t.eng.requireCollection(collection)
	if !ok {
		return nil, false, errs.New(errs.InvalidOperation, "txengine: collection %q does not exist", collection)
	}
	loc, ok := vi.VisibleVersion(docID, t.core.SnapshotTxID)
	if !ok {
		return nil, false, nil
	}
	data, err := t.eng.Docs.ReadDocument(loc)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// writeConflict checks the live chain head for docID against this
// transaction's snapshot: a head created or deleted by a transaction
// newer than our snapshot means somebody else changed this document
// after we started reading it.
func (t *Txn) writeConflict(vi *txn.VersionIndex, collection string, docID uint64) error {
	head := vi.Head(docID)
	if head == nil {
		return nil
	}
	if head.CreatedTxID > t.core.SnapshotTxID {
		return errs.Conflict(collection, docID, head.CreatedTxID)
	}
	if head.DeletedTxID != txn.TxIDLive && head.DeletedTxID > t.core.SnapshotTxID {
		return errs.Conflict(collection, docID, head.DeletedTxID)
	}
	return nil
}

// existsAtSnapshot reports whether docID has a live (non-tombstoned,
// non-future) version as of this transaction's snapshot.
func (t *Txn) existsAtSnapshot(vi *txn.VersionIndex, docID uint64) bool {
	_, ok := vi.VisibleVersion(docID, t.core.SnapshotTxID)
	return ok
}

func buildDeltas(fields map[string]IndexDescriptor, values map[string][]byte, docID uint64, remove bool) []txn.IndexDelta {
	var deltas []txn.IndexDelta
	for field := range fields {
		value, ok := values[field]
		if !ok {
			continue
		}
		deltas = append(deltas, txn.IndexDelta{IndexName: field, Key: value, DocID: docID, Remove: remove})
	}
	return deltas
}

func (e *Engine) indexFields(collection string) map[string]IndexDescriptor {
	out := make(map[string]IndexDescriptor)
	meta, ok := e.dir.get(collection)
	if !ok {
		return out
	}
	for _, idx := range meta.Indexes {
		out[idx.Field] = idx
	}
	return out
}

// selfCollision reports whether deltas would add a unique-index value
// already claimed by a different doc already buffered in this same
// transaction. It fails an Insert or Replace at the point of write
// rather than letting two buffered ops collide silently until commit,
// where the second to apply would corrupt a version already installed
// by the first.
func (t *Txn) selfCollision(collection string, fields map[string]IndexDescriptor, deltas []txn.IndexDelta) error {
	for _, d := range deltas {
		if d.Remove {
			continue
		}
		if desc, ok := fields[d.IndexName]; !ok || !desc.Unique {
			continue
		}
		for _, op := range t.core.WriteSet() {
			if op.Collection != collection || op.DocID == d.DocID {
				continue
			}
			for _, existing := range op.IndexDeltas {
				if existing.Remove || existing.IndexName != d.IndexName {
					continue
				}
				if bytes.Equal(existing.Key, d.Key) {
					return errs.UniqueViolation(collection, d.IndexName, string(d.Key))
				}
			}
		}
	}
	return nil
}

// Insert buffers a new document. explicitDocID of 0 draws the next id
// from the collection's counter; a positive value is used as-is and
// bumps the counter past it. indexValues supplies the encoded key bytes
// for every indexed field present on the document; the engine never
// parses document bytes to derive index keys itself.
func (t *Txn) Insert(collection string, explicitDocID uint64, data []byte, indexValues map[string][]byte) (uint64, error) {
	vi, ok := t.eng.requireCollection(collection)
	if !ok {
		return 0, errs.New(errs.InvalidOperation, "txengine: collection %q does not exist", collection)
	}
	docID, err := t.eng.allocateDocID(collection, explicitDocID)
	if err != nil {
		return 0, err
	}
	if err := t.writeConflict(vi, collection, docID); err != nil {
		return 0, err
	}
	if t.existsAtSnapshot(vi, docID) {
		return 0, errs.New(errs.InvalidOperation, "txengine: document %d already exists in %q", docID, collection)
	}
	fields := t.eng.indexFields(collection)
	deltas := buildDeltas(fields, indexValues, docID, false)
	if err := t.selfCollision(collection, fields, deltas); err != nil {
		return 0, err
	}
	op := txn.Operation{Kind: txn.OpInsert, Collection: collection, DocID: docID, Bytes: data, IndexDeltas: deltas}
	if err := t.core.Buffer(op); err != nil {
		return 0, err
	}
	return docID, nil
}

// Replace buffers a new version of an existing document. oldIndexValues
// and newIndexValues describe the same indexed fields before and after
// the change, so the engine can remove stale index entries and add the
// new ones at commit.
func (t *Txn) Replace(collection string, docID uint64, data []byte, oldIndexValues, newIndexValues map[string][]byte) error {
	vi, ok := t.eng.requireCollection(collection)
	if !ok {
		return errs.New(errs.InvalidOperation, "txengine: collection %q does not exist", collection)
	}
	if err := t.writeConflict(vi, collection, docID); err != nil {
		return err
	}
	if !t.existsAtSnapshot(vi, docID) {
		return errs.New(errs.InvalidOperation, "txengine: document %d does not exist in %q", docID, collection)
	}
	fields := t.eng.indexFields(collection)
	deltas := buildDeltas(fields, oldIndexValues, docID, true)
	deltas = append(deltas, buildDeltas(fields, newIndexValues, docID, false)...)
	if err := t.selfCollision(collection, fields, deltas); err != nil {
		return err
	}
	op := txn.Operation{Kind: txn.OpReplace, Collection: collection, DocID: docID, Bytes: data, IndexDeltas: deltas}
	return t.core.Buffer(op)
}

// Delete buffers a tombstone for docID. indexValues supplies the current
// indexed key values so their entries can be removed at commit.
func (t *Txn) Delete(collection string, docID uint64, indexValues map[string][]byte) error {
	vi, ok := t.eng.requireCollection(collection)
	if !ok {
		return errs.New(errs.InvalidOperation, "txengine: collection %q does not exist", collection)
	}
	if err := t.writeConflict(vi, collection, docID); err != nil {
		return err
	}
	if !t.existsAtSnapshot(vi, docID) {
		return errs.New(errs.InvalidOperation, "txengine: document %d does not exist in %q", docID, collection)
	}
	deltas := buildDeltas(t.eng.indexFields(collection), indexValues, docID, true)
	op := txn.Operation{Kind: txn.OpDelete, Collection: collection, DocID: docID, IndexDeltas: deltas}
	return t.core.Buffer(op)
}

// Rollback discards the write set and releases the transaction without
// applying anything.
func (t *Txn) Rollback() error {
	t.eng.txMgr.Unregister(t.core.TxID)
	return t.core.MarkAborted()
}

// lockOrder returns the write set's (collection, docID) pairs sorted so
// every transaction acquires record locks in the same global order,
// which is what makes AcquireRecord safe to call one at a time here
// instead of needing a single all-or-nothing batch primitive.
func lockOrder(writes []txn.Operation) []txn.Operation {
	ordered := make([]txn.Operation, len(writes))
	copy(ordered, writes)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Collection != ordered[j].Collection {
			return ordered[i].Collection < ordered[j].Collection
		}
		return ordered[i].DocID < ordered[j].DocID
	})
	return ordered
}

// uniqueClaim identifies one (collection, index, value) triple contended
// for across the write set, used by validateIndexDeltas to catch a
// same-commit collision between two different docs before anything is
// written.
type uniqueClaim struct {
	collection string
	index      string
	value      string
}

// Commit validates every buffered write — both the snapshot-conflict
// check against the current chain heads (a second, authoritative check;
// the first, at buffer time, only protects against conflicts already
// visible then) and every index delta's feasibility, including a unique
// value contended for by two different docs in this same transaction —
// before applying anything. Only once every op in the write set is known
// to be able to succeed are documents written, versions installed, the
// write-ahead log frame emitted, and indexes updated. This keeps a
// partially-applied transaction from ever becoming visible to another
// reader: once apply begins, every remaining step is expected to
// succeed, and a Rollback after that point is a best-effort cleanup of
// an unexpected I/O failure rather than a normal control path.
func (t *Txn) Commit() error {
	if t.core.ReadOnly {
		t.eng.txMgr.Unregister(t.core.TxID)
		return t.core.MarkCommitted()
	}

	writes := lockOrder(t.core.WriteSet())
	if len(writes) == 0 {
		t.eng.txMgr.Unregister(t.core.TxID)
		return t.core.MarkCommitted()
	}

	locked := make([]txn.Operation, 0, len(writes))
	release := func() {
		for _, op := range locked {
			t.eng.lockMgr.ReleaseRecord(op.Collection, op.DocID)
		}
	}

	claimed := make(map[uniqueClaim]uint64)
	removedInBatch := make(map[uniqueClaim]bool)

	for _, op := range writes {
		if err := t.eng.lockMgr.AcquireRecord(op.Collection, op.DocID); err != nil {
			release()
			t.Rollback()
			return err
		}
		locked = append(locked, op)

		vi, ok := t.eng.requireCollection(op.Collection)
		if !ok {
			release()
			t.Rollback()
			return errs.New(errs.InvalidOperation, "txengine: collection %q does not exist", op.Collection)
		}
		if err := t.writeConflict(vi, op.Collection, op.DocID); err != nil {
			release()
			t.Rollback()
			return err
		}

		for _, delta := range op.IndexDeltas {
			idx := t.eng.indexMgr.GetIndex(op.Collection, delta.IndexName)
			if idx == nil || !idx.Unique {
				continue
			}
			claim := uniqueClaim{op.Collection, delta.IndexName, string(delta.Key)}
			if delta.Remove {
				removedInBatch[claim] = true
				continue
			}
			if owner, ok := claimed[claim]; ok && owner != op.DocID {
				release()
				t.Rollback()
				return errs.UniqueViolation(op.Collection, delta.IndexName, string(delta.Key))
			}
			claimed[claim] = op.DocID
			if _, found, err := idx.Lookup(delta.Key); err == nil && found && !removedInBatch[claim] {
				release()
				t.Rollback()
				return errs.UniqueViolation(op.Collection, delta.IndexName, string(delta.Key))
			}
		}
	}

	commitTxID := t.core.TxID
	pending := make([]storage.PendingWrite, 0, len(writes))

	for _, op := range writes {
		vi, _ := t.eng.requireCollection(op.Collection)

		switch op.Kind {
		case txn.OpInsert, txn.OpReplace:
			loc, err := t.eng.Docs.WriteDocument(op.Bytes)
			if err != nil {
				release()
				t.Rollback()
				return err
			}
			vi.Install(op.DocID, commitTxID, loc)
			page := make([]byte, t.eng.pageSize)
			if err := t.eng.Cache.ReadPage(loc.PageID, page); err == nil {
				pending = append(pending, storage.PendingWrite{PageID: loc.PageID, PageType: storage.PageTypeData, Data: page})
			}
		case txn.OpDelete:
			vi.MarkDeleted(op.DocID, commitTxID)
		}

		// Every delta here was already validated above; a failure at
		// this point means the pre-validated index state changed
		// underneath us (impossible while we hold the record locks
		// acquired in the validation pass) or an unexpected I/O error.
		if err := t.applyIndexDeltas(op); err != nil {
			release()
			t.Rollback()
			return err
		}
	}

	if t.eng.useWAL && t.eng.WAL != nil && len(pending) > 0 {
		if err := t.eng.WAL.WriteTransactionBatch(commitTxID, pending); err != nil {
			release()
			t.Rollback()
			return err
		}
	}

	t.eng.txMgr.MarkCommitted(commitTxID)
	t.eng.txMgr.Unregister(commitTxID)
	err := t.core.MarkCommitted()
	release()
	t.eng.maybeAutoVacuum()
	return err
}

// applyIndexDeltas applies one operation's index changes. It is called
// immediately after the operation's version is installed (or, for a
// delete, marked) in the same commit iteration, so the document's
// current location is already the live head. Every delta it applies was
// already checked for feasibility in Commit's validation pass.
func (t *Txn) applyIndexDeltas(op txn.Operation) error {
	if len(op.IndexDeltas) == 0 {
		return nil
	}
	vi, _ := t.eng.requireCollection(op.Collection)

	for _, delta := range op.IndexDeltas {
		idx := t.eng.indexMgr.GetIndex(op.Collection, delta.IndexName)
		if idx == nil {
			continue
		}

		t.eng.lockMgr.IndexMu.Lock()
		var err error
		if delta.Remove {
			_, err = idx.Remove(delta.Key, delta.DocID)
		} else if head := vi.Head(delta.DocID); head != nil {
			err = idx.Add(delta.Key, delta.DocID, head.Location)
		}
		t.eng.lockMgr.IndexMu.Unlock()

		if err != nil {
			return err
		}
	}
	return nil
}
