package txengine

import (
	"github.com/rthomasv3/galdrdb/storage"
	"github.com/rthomasv3/galdrdb/txn"
)

// CollectableVersion names one reclaimed version, for callers that want
// to report what a vacuum actually did.
type CollectableVersion struct {
	Collection string
	Location   storage.DocumentLocation
}

// VacuumResult summarizes one garbage-collection pass.
type VacuumResult struct {
	VersionsCollected  int
	CollectableVersions []CollectableVersion
	PagesCompacted     int
}

// Vacuum reclaims versions no snapshot can see any longer: it computes a
// horizon from the oldest active transaction (falling back to the last
// committed transaction when nothing is active), removes every version
// strictly older than that horizon from each collection's version chains,
// frees the documents' physical storage, and then compacts any page left
// with tombstoned slots and reclaimable free space. Secondary indexes
// are not touched here: Replace and Delete already remove an old
// version's index entries at the commit that superseded it, so by the
// time a version is collectable its index entries are long gone. It
// does not truncate the write-ahead log.
func (e *Engine) Vacuum() (VacuumResult, error) {
	var result VacuumResult

	horizon := e.txMgr.OldestActiveTxID()
	if horizon == txn.TxIDNone {
		horizon = e.txMgr.GetSnapshotTxID()
	} else {
		horizon--
	}

	e.mu.RLock()
	names := make([]string, 0, len(e.versions))
	indexes := make(map[string]*txn.VersionIndex, len(e.versions))
	for name, vi := range e.versions {
		names = append(names, name)
		indexes[name] = vi
	}
	e.mu.RUnlock()

	touchedPages := make(map[uint32]bool)

	for _, name := range names {
		vi := indexes[name]
		collectable := vi.Collectable(horizon)

		for docID, versions := range collectable {
			dead := make(map[*txn.Version]bool, len(versions))
			for _, v := range versions {
				dead[v] = true
			}

			for _, v := range versions {
				if err := e.Docs.DeleteDocument(v.Location); err != nil {
					return result, err
				}
				touchedPages[v.Location.PageID] = true
				result.VersionsCollected++
				result.CollectableVersions = append(result.CollectableVersions, CollectableVersion{
					Collection: name,
					Location:   v.Location,
				})
			}

			vi.Prune(docID, dead)
		}
	}

	for pageID := range touchedPages {
		if err := e.compactPage(pageID); err != nil {
			return result, err
		}
		result.PagesCompacted++
	}

	return result, nil
}

// compactPage reclaims the payload space of a page's tombstoned slots in
// place, folding it back into the page's free-space class so the page
// manager can hand it out again for future writes.
func (e *Engine) compactPage(pageID uint32) error {
	buf := make([]byte, e.pageSize)
	if err := e.Cache.ReadPage(pageID, buf); err != nil {
		return err
	}
	page := &storage.Page{Data: buf}
	page.Compact()
	if err := e.Cache.WritePage(pageID, buf); err != nil {
		return err
	}
	return e.Pages.MarkLevel(pageID, storage.FreeClass(page.FreeSpace(), e.pageSize))
}
