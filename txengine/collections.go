// Package txengine implements the transaction engine: snapshot reads,
// buffered write sets, first-writer-wins conflict detection, atomic
// WAL-backed commit, garbage collection of obsolete versions, and offline
// compaction to a new file.
package txengine

import (
	"encoding/binary"
	"sync"

	"github.com/rthomasv3/galdrdb/errs"
	"github.com/rthomasv3/galdrdb/storage"
)

// IndexDescriptor is one secondary index configured on a collection.
type IndexDescriptor struct {
	Field      string
	Unique     bool
	RootPageID uint32
}

// CollectionMeta is the persisted state of one collection: its document-id
// counter and the secondary indexes configured on it.
type CollectionMeta struct {
	Name      string
	NextDocID uint64
	Indexes   []IndexDescriptor
}

// directory is the full set of collections, serialized into the raw byte
// region of the collections-metadata root page recorded in the database
// header.
type directory struct {
	mu          sync.RWMutex
	collections map[string]*CollectionMeta
	rootPageID  uint32
	pages       *storage.PageManager
	cache       *storage.PageCache
	pageSize    int
}

func newDirectory(pages *storage.PageManager, cache *storage.PageCache, pageSize int, rootPageID uint32) *directory {
	return &directory{
		collections: make(map[string]*CollectionMeta),
		rootPageID:  rootPageID,
		pages:       pages,
		cache:       cache,
		pageSize:    pageSize,
	}
}

// encodeDirectory lays out every collection as:
//
//	[count:uint32]
//	per collection: [nameLen:uint16][name][nextDocID:uint64][indexCount:uint16]
//	  per index: [fieldLen:uint16][field][unique:byte][rootPageID:uint32]
func encodeDirectory(cols map[string]*CollectionMeta) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(cols)))
	for _, c := range cols {
		entry := make([]byte, 2+len(c.Name)+8+2)
		binary.BigEndian.PutUint16(entry[0:2], uint16(len(c.Name)))
		copy(entry[2:], c.Name)
		off := 2 + len(c.Name)
		binary.BigEndian.PutUint64(entry[off:off+8], c.NextDocID)
		off += 8
		binary.BigEndian.PutUint16(entry[off:off+2], uint16(len(c.Indexes)))
		buf = append(buf, entry...)
		for _, idx := range c.Indexes {
			idxBuf := make([]byte, 2+len(idx.Field)+1+4)
			binary.BigEndian.PutUint16(idxBuf[0:2], uint16(len(idx.Field)))
			copy(idxBuf[2:], idx.Field)
			ioff := 2 + len(idx.Field)
			if idx.Unique {
				idxBuf[ioff] = 1
			}
			binary.BigEndian.PutUint32(idxBuf[ioff+1:ioff+5], idx.RootPageID)
			buf = append(buf, idxBuf...)
		}
	}
	return buf
}

func decodeDirectory(buf []byte) (map[string]*CollectionMeta, error) {
	cols := make(map[string]*CollectionMeta)
	if len(buf) < 4 {
		return cols, nil
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+2 > len(buf) {
			return nil, errs.New(errs.InvalidData, "txengine: truncated collection directory")
		}
		nameLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		name := string(buf[off : off+nameLen])
		off += nameLen
		nextDocID := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		indexCount := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		meta := &CollectionMeta{Name: name, NextDocID: nextDocID}
		for j := 0; j < indexCount; j++ {
			fieldLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
			off += 2
			field := string(buf[off : off+fieldLen])
			off += fieldLen
			unique := buf[off] == 1
			off++
			rootPageID := binary.BigEndian.Uint32(buf[off : off+4])
			off += 4
			meta.Indexes = append(meta.Indexes, IndexDescriptor{Field: field, Unique: unique, RootPageID: rootPageID})
		}
		cols[name] = meta
	}
	return cols, nil
}

// The directory lives in the raw byte region of the metadata root page
// following the common page header, the same way the Page Manager stores
// the bitmap and FSM: a length prefix followed by the encoded bytes, no
// slot directory involved since this is a single fixed-identity record
// rather than a collection of independently addressable documents.
const directoryLengthPrefixSize = 4

// load reads the directory from its root page, if present.
func (d *directory) load() error {
	buf := make([]byte, d.pageSize)
	if err := d.cache.ReadPage(d.rootPageID, buf); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(buf[storage.PageHeaderSize : storage.PageHeaderSize+directoryLengthPrefixSize])
	if n == 0 {
		return nil
	}
	start := storage.PageHeaderSize + directoryLengthPrefixSize
	if int(n) > d.pageSize-start {
		return errs.New(errs.InvalidData, "txengine: collection directory length %d exceeds one metadata page", n)
	}
	cols, err := decodeDirectory(buf[start : start+int(n)])
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.collections = cols
	d.mu.Unlock()
	return nil
}

// persist re-encodes every collection and rewrites the root page in
// place. The directory must fit in one page; a real deployment with many
// collections/indexes would need a chained or page-size-scaled layout,
// tracked as an open question, not exercised by the test suite's modest
// collection counts.
func (d *directory) persist() error {
	d.mu.RLock()
	encoded := encodeDirectory(d.collections)
	d.mu.RUnlock()

	start := storage.PageHeaderSize + directoryLengthPrefixSize
	if len(encoded) > d.pageSize-start {
		return errs.New(errs.InvalidOperation, "txengine: collection directory %d bytes exceeds one metadata page", len(encoded))
	}

	buf := make([]byte, d.pageSize)
	buf[0] = byte(storage.PageTypeMeta)
	binary.LittleEndian.PutUint32(buf[1:5], d.rootPageID)
	binary.BigEndian.PutUint32(buf[storage.PageHeaderSize:start], uint32(len(encoded)))
	copy(buf[start:], encoded)
	return d.cache.WritePage(d.rootPageID, buf)
}

func (d *directory) get(name string) (*CollectionMeta, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[name]
	return c, ok
}

func (d *directory) ensure(name string) (*CollectionMeta, bool, error) {
	d.mu.Lock()
	if c, ok := d.collections[name]; ok {
		d.mu.Unlock()
		return c, false, nil
	}
	c := &CollectionMeta{Name: name}
	d.collections[name] = c
	d.mu.Unlock()
	return c, true, d.persist()
}

func (d *directory) drop(name string) error {
	d.mu.Lock()
	delete(d.collections, name)
	d.mu.Unlock()
	return d.persist()
}

func (d *directory) names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.collections))
	for name := range d.collections {
		out = append(out, name)
	}
	return out
}

// nextDocID advances name's counter by one and returns the new value, the
// id to use for an auto-assigned insert; the counter therefore holds the
// highest id handed out so far.
func (d *directory) nextDocID(name string) (uint64, error) {
	d.mu.Lock()
	c := d.collections[name]
	c.NextDocID++
	id := c.NextDocID
	d.mu.Unlock()
	return id, d.persist()
}

// observeDocID bumps name's counter past an explicitly supplied id.
func (d *directory) observeDocID(name string, id uint64) error {
	d.mu.Lock()
	c := d.collections[name]
	changed := false
	if id > c.NextDocID {
		c.NextDocID = id
		changed = true
	}
	d.mu.Unlock()
	if !changed {
		return nil
	}
	return d.persist()
}

func (d *directory) addIndex(collection string, idx IndexDescriptor) error {
	d.mu.Lock()
	c := d.collections[collection]
	c.Indexes = append(c.Indexes, idx)
	d.mu.Unlock()
	return d.persist()
}

func (d *directory) removeIndex(collection, field string) error {
	d.mu.Lock()
	c := d.collections[collection]
	for i, idx := range c.Indexes {
		if idx.Field == field {
			c.Indexes = append(c.Indexes[:i], c.Indexes[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	return d.persist()
}

func (d *directory) indexNames(collection string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[collection]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.Indexes))
	for _, idx := range c.Indexes {
		out = append(out, idx.Field)
	}
	return out
}
