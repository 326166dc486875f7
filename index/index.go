package index

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/rthomasv3/galdrdb/errs"
	"github.com/rthomasv3/galdrdb/storage"
)

// BuildKey constructs the composite key stored in a B+-tree for a field
// value. Non-unique indexes append the big-endian DocId so that every
// (value, doc) pair gets its own globally-unique tree key, which is what
// lets a single key carry a single location and lets deletion match by
// key alone. Unique indexes use the value alone, so a duplicate value
// collides with an existing tree key and is rejected at Insert.
func BuildKey(value []byte, docID uint64, unique bool) []byte {
	if unique {
		return value
	}
	key := make([]byte, len(value)+8)
	copy(key, value)
	binary.BigEndian.PutUint64(key[len(value):], docID)
	return key
}

// SplitKey reverses BuildKey for a non-unique key, separating the
// indexed value from the trailing DocId.
func SplitKey(key []byte) (value []byte, docID uint64) {
	if len(key) < 8 {
		return key, 0
	}
	n := len(key) - 8
	return key[:n], binary.BigEndian.Uint64(key[n:])
}

// Index is a secondary index on one field of one collection.
type Index struct {
	Collection string
	Field      string
	Unique     bool

	mu    sync.RWMutex
	btree *BTree
}

// NewIndex creates an empty index backed by a fresh B+-tree.
func NewIndex(collection, field string, unique bool, pages *storage.PageManager, cache *storage.PageCache, pageSize int) (*Index, error) {
	bt, err := NewBTree(pages, cache, pageSize, unique)
	if err != nil {
		return nil, err
	}
	return &Index{Collection: collection, Field: field, Unique: unique, btree: bt}, nil
}

// OpenIndex attaches to an existing index given its B+-tree root page.
func OpenIndex(collection, field string, unique bool, pages *storage.PageManager, cache *storage.PageCache, pageSize int, rootPageID uint32) *Index {
	return &Index{
		Collection: collection,
		Field:      field,
		Unique:     unique,
		btree:      OpenBTree(pages, cache, pageSize, rootPageID, unique),
	}
}

// RootPageID returns the B+-tree root page, persisted in collection
// metadata so the index can be reattached on reopen.
func (idx *Index) RootPageID() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.RootPageID
}

// Add inserts docID under value. For a unique index a pre-existing value
// is rejected with UniqueConstraintViolation; for a non-unique index the
// composite key guarantees no collision is possible.
func (idx *Index) Add(value []byte, docID uint64, loc storage.DocumentLocation) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := BuildKey(value, docID, idx.Unique)
	return idx.btree.Insert(key, loc, idx.Collection, idx.Field)
}

// Remove deletes the entry for (value, docID), reporting whether it was
// present.
func (idx *Index) Remove(value []byte, docID uint64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := BuildKey(value, docID, idx.Unique)
	return idx.btree.Remove(key)
}

// Lookup returns the location stored for value in a unique index.
func (idx *Index) Lookup(value []byte) (storage.DocumentLocation, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.Search(value)
}

// LookupAll returns the locations of every document whose value in a
// non-unique index equals value, by scanning the composite-key range
// [value, value+DocId-max].
func (idx *Index) LookupAll(value []byte) ([]storage.DocumentLocation, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	low := BuildKey(value, 0, false)
	high := BuildKey(value, ^uint64(0), false)
	entries, err := idx.btree.Range(low, high)
	if err != nil {
		return nil, err
	}
	out := make([]storage.DocumentLocation, 0, len(entries))
	for _, e := range entries {
		v, _ := SplitKey(e.Key)
		if bytes.Equal(v, value) {
			out = append(out, e.Loc)
		}
	}
	return out, nil
}

// RangeScan returns the (value, docID, location) triples whose indexed
// value falls within [low, high] (either bound nil for unbounded).
type RangeEntry struct {
	Value []byte
	DocID uint64
	Loc   storage.DocumentLocation
}

func (idx *Index) RangeScan(low, high []byte) ([]RangeEntry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var lowKey, highKey []byte
	if low != nil {
		lowKey = BuildKey(low, 0, idx.Unique)
	}
	if high != nil {
		highKey = BuildKey(high, ^uint64(0), idx.Unique)
	}
	entries, err := idx.btree.Range(lowKey, highKey)
	if err != nil {
		return nil, err
	}
	out := make([]RangeEntry, 0, len(entries))
	for _, e := range entries {
		if idx.Unique {
			out = append(out, RangeEntry{Value: e.Key, Loc: e.Loc})
			continue
		}
		v, docID := SplitKey(e.Key)
		out = append(out, RangeEntry{Value: v, DocID: docID, Loc: e.Loc})
	}
	return out, nil
}

// AllEntries returns every entry in key order, for rebuild and debugging.
func (idx *Index) AllEntries() ([]RangeEntry, error) {
	return idx.RangeScan(nil, nil)
}

// ---------- Manager owns every index across every collection ----------

// Manager tracks the set of live indexes, keyed by (collection, field).
type Manager struct {
	mu      sync.RWMutex
	indexes map[indexKey]*Index
	pages   *storage.PageManager
	cache   *storage.PageCache
	pageSize int
}

type indexKey struct {
	collection string
	field      string
}

// NewManager returns an empty index manager wired to the shared page
// pool and cache used by document storage.
func NewManager(pages *storage.PageManager, cache *storage.PageCache, pageSize int) *Manager {
	return &Manager{
		indexes:  make(map[indexKey]*Index),
		pages:    pages,
		cache:    cache,
		pageSize: pageSize,
	}
}

// CreateIndex creates and registers a new index for collection.field.
func (m *Manager) CreateIndex(collection, field string, unique bool) (*Index, error) {
	key := indexKey{collection, field}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[key]; exists {
		return nil, errs.New(errs.InvalidOperation, "index: index on %s.%s already exists", collection, field)
	}
	idx, err := NewIndex(collection, field, unique, m.pages, m.cache, m.pageSize)
	if err != nil {
		return nil, err
	}
	m.indexes[key] = idx
	return idx, nil
}

// OpenIndex reattaches an index from its persisted root page, used when
// reopening a database.
func (m *Manager) OpenIndex(collection, field string, unique bool, rootPageID uint32) *Index {
	key := indexKey{collection, field}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := OpenIndex(collection, field, unique, m.pages, m.cache, m.pageSize, rootPageID)
	m.indexes[key] = idx
	return idx
}

// DropIndex unregisters an index. The underlying B+-tree pages are not
// freed; Vacuum does not touch them, and only compacting into a new file
// leaves them behind.
func (m *Manager) DropIndex(collection, field string) error {
	key := indexKey{collection, field}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[key]; !exists {
		return errs.New(errs.InvalidOperation, "index: index on %s.%s not found", collection, field)
	}
	delete(m.indexes, key)
	return nil
}

// GetIndex returns the index for collection.field, or nil if none exists.
func (m *Manager) GetIndex(collection, field string) *Index {
	key := indexKey{collection, field}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexes[key]
}

// DropAllForCollection unregisters every index on collection, called
// when the collection itself is dropped.
func (m *Manager) DropAllForCollection(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.indexes {
		if k.collection == collection {
			delete(m.indexes, k)
		}
	}
}

// GetIndexesForCollection returns every index registered on collection,
// in no particular order.
func (m *Manager) GetIndexesForCollection(collection string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Index
	for k, idx := range m.indexes {
		if k.collection == collection {
			result = append(result, idx)
		}
	}
	return result
}

// GetIndexNames returns the field names indexed on collection.
func (m *Manager) GetIndexNames(collection string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for k := range m.indexes {
		if k.collection == collection {
			names = append(names, k.field)
		}
	}
	return names
}
