package galdrdb

import (
	"encoding/binary"
	"os"

	"github.com/rthomasv3/galdrdb/errs"
	"github.com/rthomasv3/galdrdb/storage"
	"github.com/rthomasv3/galdrdb/txengine"
)

// DB is a single open GaldrDb database. It owns the on-disk file handle,
// the file lock, and the transaction engine wired over the storage
// layers beneath it.
type DB struct {
	path string
	file *os.File
	lock *storage.FileLock

	pageIO *storage.PageIO
	cache  *storage.PageCache
	pages  *storage.PageManager
	wal    *storage.WAL

	eng     *txengine.Engine
	metrics *Metrics
}

func walPath(path string) string { return path + ".wal" }

// Create makes a brand-new database file at path and opens it. It fails
// with InvalidOperation if a file already exists there.
func Create(path string, opts Options) (*DB, error) {
	opts.applyDefaults()
	if !storage.IsValidPageSize(opts.PageSize) {
		return nil, errs.New(errs.ArgumentError, "galdrdb: invalid page size %d", opts.PageSize)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, errs.New(errs.InvalidOperation, "galdrdb: %q already exists", path)
	}

	lock, err := storage.LockFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		lock.Unlock()
		return nil, errs.Wrap(errs.InvalidOperation, err, "galdrdb: create %q", path)
	}

	db, err := newDB(path, file, lock, opts, true)
	if err != nil {
		file.Close()
		lock.Unlock()
		os.Remove(path)
		return nil, err
	}
	return db, nil
}

// Open opens an existing database file at path, replaying its
// write-ahead log (if UseWAL) before serving any transaction. It fails
// with FileNotFound if path does not exist.
func Open(path string, opts Options) (*DB, error) {
	opts.applyDefaults()
	if _, err := os.Stat(path); err != nil {
		return nil, errs.Wrap(errs.FileNotFound, err, "galdrdb: open %q", path)
	}

	lock, err := storage.LockFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		lock.Unlock()
		return nil, errs.Wrap(errs.InvalidOperation, err, "galdrdb: open %q", path)
	}

	// The page size recorded in the header ([8:12]) takes precedence.
	var hdr [12]byte
	if _, err := file.ReadAt(hdr[:], 0); err == nil {
		if ps := int(binary.LittleEndian.Uint32(hdr[8:12])); storage.IsValidPageSize(ps) {
			opts.PageSize = ps
		}
	}

	db, err := newDB(path, file, lock, opts, false)
	if err != nil {
		file.Close()
		lock.Unlock()
		return nil, err
	}
	return db, nil
}

func newDB(path string, file *os.File, lock *storage.FileLock, opts Options, fresh bool) (*DB, error) {
	pageIO := storage.NewPageIO(file, opts.PageSize)
	cache := storage.NewPageCache(pageIO, opts.CachePageCount)
	pages := storage.NewPageManager(cache, opts.PageSize)
	pages.SetExpansionPageCount(opts.ExpansionPageCount)

	var wal *storage.WAL
	var lastCommitted uint64
	if opts.UseWAL {
		walFile, err := openWALFile(path)
		if err != nil {
			return nil, err
		}
		w, _, err := storage.OpenWAL(walFile, opts.PageSize)
		if err != nil {
			return nil, err
		}
		wal = w
		pages.SetWAL(wal)
		if !fresh {
			if err := wal.Recover(cache); err != nil {
				return nil, err
			}
			maxTx, err := wal.MaxCommittedTxID()
			if err != nil {
				return nil, err
			}
			lastCommitted = maxTx
		}
	}

	if fresh {
		if err := pages.Initialize(); err != nil {
			return nil, err
		}
	} else {
		if err := pages.Load(); err != nil {
			return nil, err
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	cfg := txengine.Config{
		PageSize:    opts.PageSize,
		UseWAL:      opts.UseWAL,
		AutoGC:      opts.AutoGC,
		GCThreshold: opts.GCThreshold,
		Logger:      opts.Logger,
	}
	eng, err := txengine.NewEngine(pages, cache, wal, pages.Header().CollectionsMetadataRootPage, cfg)
	if err != nil {
		return nil, err
	}
	if !fresh {
		eng.SeedRecovery(lastCommitted)
	}

	return &DB{
		path:    path,
		file:    file,
		lock:    lock,
		pageIO:  pageIO,
		cache:   cache,
		pages:   pages,
		wal:     wal,
		eng:     eng,
		metrics: metrics,
	}, nil
}

func openWALFile(path string) (storage.StorageFile, error) {
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(walPath(path), flags, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidOperation, err, "galdrdb: open wal %q", walPath(path))
	}
	return f, nil
}

// Close flushes and releases every resource backing the database.
// Calling Close twice is a no-op.
func (db *DB) Close() error {
	if db.eng == nil {
		return nil
	}
	err := db.eng.Close()
	if db.wal != nil {
		db.wal.Close()
	}
	db.file.Close()
	db.lock.Unlock()
	db.eng = nil
	return err
}

// Metrics returns the database's Prometheus collectors.
func (db *DB) Metrics() *Metrics { return db.metrics }

// CacheStats returns the page cache's hit/miss counters, resident page
// count, and capacity.
func (db *DB) CacheStats() (hits, misses uint64, size, capacity int) {
	return db.cache.Stats()
}

// CacheHitRate returns hits / (hits+misses), refreshing the
// corresponding metrics gauge as a side effect.
func (db *DB) CacheHitRate() float64 {
	rate := db.cache.HitRate()
	db.metrics.CacheHitRatio.Set(rate)
	return rate
}

// EnsureCollection creates collection if it does not already exist.
func (db *DB) EnsureCollection(name string) (bool, error) { return db.eng.EnsureCollection(name) }

// DropCollection removes collection, tombstoning its documents first if
// deleteDocuments is set.
func (db *DB) DropCollection(name string, deleteDocuments bool) error {
	return db.eng.DropCollection(name, deleteDocuments)
}

// GetCollectionNames lists every known collection.
func (db *DB) GetCollectionNames() []string { return db.eng.GetCollectionNames() }

// GetIndexNames lists the indexed fields on collection.
func (db *DB) GetIndexNames(collection string) []string { return db.eng.GetIndexNames(collection) }

// CreateIndex builds a secondary index over collection.field.
func (db *DB) CreateIndex(collection, field string, unique bool) error {
	return db.eng.CreateIndex(collection, field, unique)
}

// DropIndex removes a secondary index.
func (db *DB) DropIndex(collection, field string) error {
	return db.eng.DropIndex(collection, field)
}

// BeginTransaction opens a read-write transaction.
func (db *DB) BeginTransaction() (*txengine.Txn, error) { return db.eng.BeginTransaction() }

// BeginReadOnlyTransaction opens a snapshot read.
func (db *DB) BeginReadOnlyTransaction() (*txengine.Txn, error) {
	return db.eng.BeginReadOnlyTransaction()
}

// Insert runs a single-document insert as its own transaction.
func (db *DB) Insert(collection string, explicitDocID uint64, data []byte, indexValues map[string][]byte) (uint64, error) {
	tx, err := db.eng.BeginTransaction()
	if err != nil {
		return 0, err
	}
	docID, err := tx.Insert(collection, explicitDocID, data, indexValues)
	if err != nil {
		tx.Rollback()
		db.metrics.RollbacksTotal.Inc()
		return 0, err
	}
	if err := db.commit(tx); err != nil {
		return 0, err
	}
	return docID, nil
}

// Replace runs a single-document replace as its own transaction.
func (db *DB) Replace(collection string, docID uint64, data []byte, oldIndexValues, newIndexValues map[string][]byte) error {
	tx, err := db.eng.BeginTransaction()
	if err != nil {
		return err
	}
	if err := tx.Replace(collection, docID, data, oldIndexValues, newIndexValues); err != nil {
		tx.Rollback()
		db.metrics.RollbacksTotal.Inc()
		return err
	}
	return db.commit(tx)
}

// DeleteByID runs a single-document delete as its own transaction.
func (db *DB) DeleteByID(collection string, docID uint64, indexValues map[string][]byte) error {
	tx, err := db.eng.BeginTransaction()
	if err != nil {
		return err
	}
	if err := tx.Delete(collection, docID, indexValues); err != nil {
		tx.Rollback()
		db.metrics.RollbacksTotal.Inc()
		return err
	}
	return db.commit(tx)
}

// GetByID reads a single document in its own read-only snapshot.
func (db *DB) GetByID(collection string, docID uint64) ([]byte, bool, error) {
	tx, err := db.eng.BeginReadOnlyTransaction()
	if err != nil {
		return nil, false, err
	}
	data, ok, err := tx.Get(collection, docID)
	tx.Rollback()
	return data, ok, err
}

func (db *DB) commit(tx *txengine.Txn) error {
	if err := tx.Commit(); err != nil {
		if errs.Is(err, errs.WriteConflict) {
			db.metrics.ConflictsTotal.Inc()
		}
		return err
	}
	db.metrics.CommitsTotal.Inc()
	return nil
}

// Vacuum reclaims document versions no active snapshot can see anymore.
func (db *DB) Vacuum() (txengine.VacuumResult, error) {
	result, err := db.eng.Vacuum()
	if err == nil {
		db.metrics.VacuumRuns.Inc()
		db.metrics.VacuumVersionsCollected.Add(float64(result.VersionsCollected))
	}
	return result, err
}

// Checkpoint replays the write-ahead log into the base file and, once
// nothing still needs the replayed frames, truncates the log.
func (db *DB) Checkpoint() error {
	if db.wal == nil {
		return nil
	}
	if err := db.wal.Checkpoint(db.cache); err != nil {
		return err
	}
	db.metrics.CheckpointRuns.Inc()
	if db.eng.OldestActiveSnapshot() != 0 {
		return nil
	}
	return db.wal.Truncate()
}

// CompactTo rewrites every live document and index into a brand-new
// database file at targetPath, leaving tombstones and superseded
// versions behind. It fails if targetPath already exists or if this
// database has a transaction in flight.
func (db *DB) CompactTo(targetPath string, opts Options) (txengine.CompactResult, error) {
	target, err := Create(targetPath, opts)
	if err != nil {
		return txengine.CompactResult{}, err
	}
	defer target.Close()
	return db.eng.CompactInto(target.eng)
}
