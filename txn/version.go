package txn

import (
	"sync"

	"github.com/rthomasv3/galdrdb/storage"
)

// TxIDLive marks a version's DeletedTxID when the version has not been
// deleted by any transaction.
const TxIDLive uint64 = ^uint64(0)

// Version is one entry in a document's version chain, newest-first.
type Version struct {
	CreatedTxID uint64
	DeletedTxID uint64
	Location    storage.DocumentLocation
	Prev        *Version
}

// Visible reports whether this version is visible to a reader whose
// snapshot is snapshotTxID.
func (v *Version) Visible(snapshotTxID uint64) bool {
	if v.CreatedTxID > snapshotTxID {
		return false
	}
	return v.DeletedTxID == TxIDLive || v.DeletedTxID > snapshotTxID
}

// VersionIndex maps DocId to its version-chain head, one instance per
// collection.
type VersionIndex struct {
	mu    sync.RWMutex
	heads map[uint64]*Version
}

// NewVersionIndex returns an empty version index.
func NewVersionIndex() *VersionIndex {
	return &VersionIndex{heads: make(map[uint64]*Version)}
}

// VisibleVersion walks the chain for docID and returns the location of the
// first version visible to snapshotTxID, or ok=false if none is (including
// the case where the matched version is a tombstone).
func (vi *VersionIndex) VisibleVersion(docID, snapshotTxID uint64) (loc storage.DocumentLocation, ok bool) {
	vi.mu.RLock()
	head := vi.heads[docID]
	vi.mu.RUnlock()

	for v := head; v != nil; v = v.Prev {
		if v.CreatedTxID > snapshotTxID {
			continue
		}
		if v.DeletedTxID == TxIDLive || v.DeletedTxID > snapshotTxID {
			return v.Location, true
		}
		return storage.DocumentLocation{}, false
	}
	return storage.DocumentLocation{}, false
}

// Install pushes a new version onto docID's chain as the new head. Called
// only from commit.
func (vi *VersionIndex) Install(docID uint64, createdTxID uint64, loc storage.DocumentLocation) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.heads[docID] = &Version{
		CreatedTxID: createdTxID,
		DeletedTxID: TxIDLive,
		Location:    loc,
		Prev:        vi.heads[docID],
	}
}

// MarkDeleted marks docID's current head as deleted by byTxID in place;
// deletion does not allocate a new physical location. Called only from
// commit.
func (vi *VersionIndex) MarkDeleted(docID uint64, byTxID uint64) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	if head := vi.heads[docID]; head != nil {
		head.DeletedTxID = byTxID
	}
}

// Head returns the current chain head for docID, or nil if the document
// has no version chain.
func (vi *VersionIndex) Head(docID uint64) *Version {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.heads[docID]
}

// SeedHead installs a head version directly, used when rebuilding the
// index from the base file at open (each non-tombstone slot contributes a
// head with CreatedTxID 0, meaning "visible to every snapshot").
func (vi *VersionIndex) SeedHead(docID uint64, v *Version) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.heads[docID] = v
}

// Heads returns a snapshot copy of every docID's current chain head,
// regardless of visibility, for callers that must enumerate the whole
// collection (e.g. dropping it with its documents, or compaction).
func (vi *VersionIndex) Heads() map[uint64]*Version {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	out := make(map[uint64]*Version, len(vi.heads))
	for docID, head := range vi.heads {
		out[docID] = head
	}
	return out
}

// Collectable returns every (docID, version) pair unreachable by any live
// snapshot at or after horizon, for the garbage collector to reclaim. A
// version is collectable if it is not the head and its successor's
// CreatedTxID is at or before horizon (every live snapshot already sees
// the successor or newer, so this version is never the answer for any of
// them), or if it is a tombstoned head whose DeletedTxID is at or before
// horizon. Chain entries only get older going down the Prev links, so
// once one entry qualifies every entry below it does too.
func (vi *VersionIndex) Collectable(horizon uint64) map[uint64][]*Version {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	out := make(map[uint64][]*Version)
	for docID, head := range vi.heads {
		var dead []*Version
		if head.DeletedTxID != TxIDLive && head.DeletedTxID <= horizon {
			dead = append(dead, head)
		}
		successorCreated := head.CreatedTxID
		for v := head.Prev; v != nil; v = v.Prev {
			if successorCreated <= horizon {
				dead = append(dead, v)
			}
			successorCreated = v.CreatedTxID
		}
		if len(dead) > 0 {
			out[docID] = dead
		}
	}
	return out
}

// Prune removes dead versions (identified by Collectable) from docID's
// chain, keeping only the live head when the head itself was not dead.
func (vi *VersionIndex) Prune(docID uint64, dead map[*Version]bool) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	head := vi.heads[docID]
	if head == nil {
		return
	}
	if dead[head] {
		delete(vi.heads, docID)
		return
	}
	cur := head
	for cur.Prev != nil {
		if dead[cur.Prev] {
			cur.Prev = nil
			break
		}
		cur = cur.Prev
	}
}
