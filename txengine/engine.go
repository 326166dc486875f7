package txengine

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rthomasv3/galdrdb/concurrency"
	"github.com/rthomasv3/galdrdb/errs"
	"github.com/rthomasv3/galdrdb/index"
	"github.com/rthomasv3/galdrdb/storage"
	"github.com/rthomasv3/galdrdb/txn"
)

// Engine ties every storage-layer component together into the
// transaction engine described by the component design: snapshot reads
// through the Version Index, buffered write sets, conflict detection on
// write and on commit, atomic WAL-backed commit, and the operations
// (vacuum, checkpoint, compaction) layered on top.
type Engine struct {
	Pages *storage.PageManager
	Cache *storage.PageCache
	WAL   *storage.WAL
	Docs  *storage.DocumentStore

	txMgr    *txn.Manager
	lockMgr  *concurrency.LockManager
	indexMgr *index.Manager
	dir      *directory

	mu       sync.RWMutex
	versions map[string]*txn.VersionIndex

	pageSize int
	useWAL   bool

	autoGC          bool
	gcThreshold     int
	committedSinceGC int64

	closed bool

	log zerolog.Logger
}

// Config carries the pieces of Options relevant to the transaction
// engine; the root facade package resolves defaults and validates
// ArgumentError before constructing an Engine.
type Config struct {
	PageSize    int
	UseWAL      bool
	AutoGC      bool
	GCThreshold int
	Logger      zerolog.Logger
}

// NewEngine wires an Engine over already-initialized storage components.
// rootPageID is the collections-metadata root page recorded in the
// database header.
func NewEngine(pages *storage.PageManager, cache *storage.PageCache, wal *storage.WAL, rootPageID uint32, cfg Config) (*Engine, error) {
	if cfg.UseWAL && wal != nil {
		pages.SetWAL(wal)
	}
	e := &Engine{
		Pages:       pages,
		Cache:       cache,
		WAL:         wal,
		Docs:        storage.NewDocumentStore(pages, cache, cfg.PageSize),
		txMgr:       txn.NewManager(),
		lockMgr:     concurrency.NewLockManager(concurrency.LockPolicyWait),
		indexMgr:    index.NewManager(pages, cache, cfg.PageSize),
		dir:         newDirectory(pages, cache, cfg.PageSize, rootPageID),
		versions:    make(map[string]*txn.VersionIndex),
		pageSize:    cfg.PageSize,
		useWAL:      cfg.UseWAL,
		autoGC:      cfg.AutoGC,
		gcThreshold: cfg.GCThreshold,
		log:         cfg.Logger.With().Str("component", "txengine").Logger(),
	}
	if err := e.dir.load(); err != nil {
		return nil, err
	}
	for _, name := range e.dir.names() {
		e.versions[name] = txn.NewVersionIndex()
		meta, _ := e.dir.get(name)
		for _, idx := range meta.Indexes {
			e.indexMgr.OpenIndex(name, idx.Field, idx.Unique, idx.RootPageID)
		}
	}
	e.log.Info().Int("collections", len(e.versions)).Msg("engine opened")
	return e, nil
}

// LastCommittedTxID returns the engine's current commit horizon.
func (e *Engine) LastCommittedTxID() uint64 { return e.txMgr.GetSnapshotTxID() }

// OldestActiveSnapshot returns the minimum snapshot TxId among currently
// active transactions, or txn.TxIDNone if none are active. The facade
// uses this to decide whether a WAL checkpoint can safely be followed by
// a truncate: truncating while a snapshot older than the checkpoint is
// still in flight would make that transaction's reads un-replayable.
func (e *Engine) OldestActiveSnapshot() uint64 { return e.txMgr.OldestActiveTxID() }

// SeedRecovery primes the transaction manager and version indexes from a
// header hint and a WAL replay outcome, used once at Open before any
// caller transaction begins.
func (e *Engine) SeedRecovery(lastCommittedTxID uint64) {
	e.txMgr.SetLastCommitted(lastCommittedTxID)
	e.txMgr.SeedCounter(lastCommittedTxID)
}

// EnsureCollection creates collection if absent and returns whether it
// was newly created.
func (e *Engine) EnsureCollection(name string) (bool, error) {
	_, created, err := e.dir.ensure(name)
	if err != nil {
		return false, err
	}
	if created {
		e.mu.Lock()
		e.versions[name] = txn.NewVersionIndex()
		e.mu.Unlock()
		e.log.Info().Str("collection", name).Msg("collection created")
	}
	return created, nil
}

// DropCollection removes collection and, if deleteDocuments is set,
// tombstones every live document first.
func (e *Engine) DropCollection(name string, deleteDocuments bool) error {
	meta, ok := e.dir.get(name)
	if !ok {
		return errs.New(errs.InvalidOperation, "txengine: collection %q does not exist", name)
	}
	if deleteDocuments {
		vi := e.versionIndex(name)
		for _, head := range vi.Heads() {
			if head.DeletedTxID == txn.TxIDLive {
				if err := e.Docs.DeleteDocument(head.Location); err != nil {
					return err
				}
			}
		}
	}
	for _, idx := range meta.Indexes {
		e.indexMgr.DropIndex(name, idx.Field)
	}
	e.indexMgr.DropAllForCollection(name)
	e.mu.Lock()
	delete(e.versions, name)
	e.mu.Unlock()
	return e.dir.drop(name)
}

// GetCollectionNames lists every known collection.
func (e *Engine) GetCollectionNames() []string { return e.dir.names() }

// GetIndexNames lists the indexed fields on collection.
func (e *Engine) GetIndexNames(collection string) []string { return e.dir.indexNames(collection) }

// CreateIndex builds a new secondary index over collection.field and
// records it in the directory.
func (e *Engine) CreateIndex(collection, field string, unique bool) error {
	idx, err := e.indexMgr.CreateIndex(collection, field, unique)
	if err != nil {
		return err
	}
	return e.dir.addIndex(collection, IndexDescriptor{Field: field, Unique: unique, RootPageID: idx.RootPageID()})
}

// DropIndex removes a secondary index.
func (e *Engine) DropIndex(collection, field string) error {
	if err := e.indexMgr.DropIndex(collection, field); err != nil {
		return err
	}
	return e.dir.removeIndex(collection, field)
}

func (e *Engine) versionIndex(collection string) *txn.VersionIndex {
	e.mu.RLock()
	vi := e.versions[collection]
	e.mu.RUnlock()
	return vi
}

// requireCollection returns the collection's version index, with ok false
// if the collection was never created.
func (e *Engine) requireCollection(name string) (*txn.VersionIndex, bool) {
	vi := e.versionIndex(name)
	if vi == nil {
		return nil, false
	}
	return vi, true
}

// allocateDocID returns the id to use for a new document: an explicit
// positive id bumps the counter past it; zero draws the next counter
// value.
func (e *Engine) allocateDocID(collection string, explicit uint64) (uint64, error) {
	if explicit > 0 {
		if err := e.dir.observeDocID(collection, explicit); err != nil {
			return 0, err
		}
		return explicit, nil
	}
	return e.dir.nextDocID(collection)
}

// nextGCCounter atomically increments the committed-transaction counter
// used for automatic vacuum triggering, returning the new value.
func (e *Engine) nextGCCounter() int64 {
	return atomic.AddInt64(&e.committedSinceGC, 1)
}

func (e *Engine) resetGCCounter() { atomic.StoreInt64(&e.committedSinceGC, 0) }

// maybeAutoVacuum runs a vacuum if auto-GC is enabled and the
// committed-transaction counter has reached the threshold.
func (e *Engine) maybeAutoVacuum() {
	if !e.autoGC || e.gcThreshold <= 0 {
		return
	}
	if e.nextGCCounter() < int64(e.gcThreshold) {
		return
	}
	e.resetGCCounter()
	if _, err := e.Vacuum(); err != nil {
		e.log.Error().Err(err).Msg("automatic vacuum failed")
	}
}

// Close flushes every component and releases resources. Idempotent:
// calling it again after a successful close is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.WAL != nil {
		if err := e.WAL.Flush(); err != nil {
			return err
		}
	}
	if err := e.Pages.Flush(); err != nil {
		return err
	}
	e.Cache.Clear()
	return nil
}
