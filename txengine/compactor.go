package txengine

import (
	"github.com/rthomasv3/galdrdb/errs"
	"github.com/rthomasv3/galdrdb/storage"
	"github.com/rthomasv3/galdrdb/txn"
)

// CompactResult summarizes a compaction pass.
type CompactResult struct {
	CollectionsCompacted int
	DocumentsCopied       int
	TargetFileSize       int64
	BytesSaved           int64
}

// CompactInto copies every live document and index of e into target, an
// already-created and empty Engine. It fails if e has any transaction in
// flight, since a moving snapshot would make the copy inconsistent. Dead
// versions and tombstones are never copied, which is the entire point:
// the target file holds only what Vacuum would eventually leave behind,
// without having to wait for a GC horizon to pass.
//
// Opening the target file itself (rejecting an existing path, creating
// the header/bitmap/FSM/directory pages) is the caller's job, not the
// engine's: CompactInto only ever sees two already-open engines.
func (e *Engine) CompactInto(target *Engine) (CompactResult, error) {
	var result CompactResult

	if e.txMgr.ActiveCount() > 0 {
		return result, errs.New(errs.InvalidOperation, "txengine: cannot compact while a transaction is active")
	}

	for _, name := range e.dir.names() {
		meta, _ := e.dir.get(name)
		if _, err := target.EnsureCollection(name); err != nil {
			return result, err
		}
		for _, idx := range meta.Indexes {
			if err := target.CreateIndex(name, idx.Field, idx.Unique); err != nil {
				return result, err
			}
		}

		values := e.collectIndexValues(name)

		vi := e.versionIndex(name)
		tx, err := target.BeginTransaction()
		if err != nil {
			return result, err
		}
		for docID, head := range vi.Heads() {
			if head.DeletedTxID != txn.TxIDLive {
				continue
			}
			data, err := e.Docs.ReadDocument(head.Location)
			if err != nil {
				tx.Rollback()
				return result, err
			}
			if _, err := tx.Insert(name, docID, data, values[docID]); err != nil {
				tx.Rollback()
				return result, err
			}
			result.DocumentsCopied++
		}
		if err := tx.Commit(); err != nil {
			return result, err
		}
		result.CollectionsCompacted++
	}

	targetPages := int64(target.Pages.Header().TotalPageCount) * int64(target.pageSize)
	sourcePages := int64(e.Pages.Header().TotalPageCount) * int64(e.pageSize)
	result.TargetFileSize = targetPages
	result.BytesSaved = sourcePages - targetPages
	return result, nil
}

// collectIndexValues rebuilds, for every indexed field on collection, the
// value each live document currently holds, by scanning each index's
// entries and mapping them back to a DocId. Non-unique keys carry the
// DocId directly; unique keys don't, so those are matched by the
// physical location their entry points at.
func (e *Engine) collectIndexValues(collection string) map[uint64]map[string][]byte {
	out := make(map[uint64]map[string][]byte)

	vi := e.versionIndex(collection)
	locToDoc := make(map[storage.DocumentLocation]uint64)
	for docID, head := range vi.Heads() {
		if head.DeletedTxID == txn.TxIDLive {
			locToDoc[head.Location] = docID
		}
	}

	for _, idx := range e.indexMgr.GetIndexesForCollection(collection) {
		entries, err := idx.AllEntries()
		if err != nil {
			continue
		}
		for _, entry := range entries {
			docID := entry.DocID
			if idx.Unique {
				var ok bool
				docID, ok = locToDoc[entry.Loc]
				if !ok {
					continue
				}
			}
			if out[docID] == nil {
				out[docID] = make(map[string][]byte)
			}
			out[docID][idx.Field] = entry.Value
		}
	}
	return out
}
