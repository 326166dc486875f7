// Package galdrdb is the public facade over GaldrDb: it opens a database
// file, wires the storage, transaction, index, and concurrency layers
// built underneath it into one handle, and exposes the document CRUD,
// transaction, vacuum, checkpoint, and compaction surface described by
// the component design.
package galdrdb

import (
	"github.com/rs/zerolog"

	"github.com/rthomasv3/galdrdb/storage"
)

// Options configures Create and Open. The zero value is not valid;
// DefaultOptions returns a usable starting point.
type Options struct {
	// PageSize is the database's fixed page size in bytes. Must be one
	// of storage.IsValidPageSize's accepted sizes. Ignored by Open,
	// which reads the page size already recorded in the file header.
	PageSize int

	// UseWAL enables write-ahead logging. Disabling it trades crash
	// durability for throughput; GaldrDb still serves reads and writes
	// correctly, it just cannot recover a torn write after a crash.
	UseWAL bool

	// ExpansionPageCount overrides the minimum number of pages the file
	// grows by once it runs out of addressable capacity. Zero uses
	// storage.DefaultExpansionPageCount.
	ExpansionPageCount int

	// CachePageCount bounds the LRU page cache's resident page count.
	CachePageCount int

	// AutoGC runs Vacuum automatically once GCThreshold transactions
	// have committed since the last pass.
	AutoGC      bool
	GCThreshold int

	// Logger receives structured engine events (collection lifecycle,
	// vacuum/checkpoint/compaction results, WAL recovery). The zero
	// value is zerolog's Nop logger, i.e. silent.
	Logger zerolog.Logger

	// Metrics, if non-nil, is used instead of a private registry so the
	// caller can serve /metrics itself alongside its own collectors.
	// See NewMetrics.
	Metrics *Metrics
}

const (
	defaultPageSize       = 4096
	defaultCachePageCount = 1024
)

// DefaultOptions returns sensible defaults: a 4KiB page, WAL enabled, a
// 1024-page cache, and auto-GC off.
func DefaultOptions() Options {
	return Options{
		PageSize:           defaultPageSize,
		UseWAL:             true,
		ExpansionPageCount: storage.DefaultExpansionPageCount,
		CachePageCount:     defaultCachePageCount,
		Logger:             zerolog.Nop(),
	}
}

func (o *Options) applyDefaults() {
	if o.PageSize == 0 {
		o.PageSize = defaultPageSize
	}
	if o.CachePageCount == 0 {
		o.CachePageCount = defaultCachePageCount
	}
	if o.ExpansionPageCount == 0 {
		o.ExpansionPageCount = storage.DefaultExpansionPageCount
	}
}
