package storage

import (
	"sync"

	"github.com/rthomasv3/galdrdb/errs"
)

// DefaultExpansionPageCount is the minimum number of pages the database
// grows by when it runs out of addressable capacity; actual growth doubles
// the current total page count, floored at this minimum.
const DefaultExpansionPageCount = 1024

// InitialPageCapacity is the addressable page count a freshly initialized
// database reserves (header + bitmap + FSM + collections-metadata root +
// headroom for data pages before the first growth).
const InitialPageCapacity = DefaultExpansionPageCount

// PageManager owns the database header, the allocation bitmap, and the
// free-space map. Bitmap/FSM mutation is serialized by bitmapMu; readers of
// IsAllocated take the same lock in read mode so a concurrent grow never
// observes a half-relocated bitmap.
type PageManager struct {
	cache    *PageCache
	pageSize int

	headerMu sync.RWMutex
	header   Header

	bitmapMu sync.RWMutex
	bitmap   []byte // 1 bit/page, index = pageID
	fsm      []byte // 2 bits/page, index = pageID

	expansionPageCount int
	wal                *WAL
}

// NewPageManager constructs a manager over an already-open page cache.
func NewPageManager(cache *PageCache, pageSize int) *PageManager {
	return &PageManager{cache: cache, pageSize: pageSize, expansionPageCount: DefaultExpansionPageCount}
}

// SetExpansionPageCount overrides the minimum page count the database
// grows by once it runs out of addressable capacity (see
// DefaultExpansionPageCount). n <= 0 is ignored.
func (m *PageManager) SetExpansionPageCount(n int) {
	if n > 0 {
		m.expansionPageCount = n
	}
}

// SetWAL attaches a write-ahead log so allocator metadata (header,
// bitmap, free-space map) is logged before it reaches the base file,
// the same as document pages. Structural frames carry tx_id 0, which
// Recover and Checkpoint already treat as always-committed, so a crash
// between an allocation and the document write it was made for can
// still be replayed consistently instead of leaving the bitmap out of
// sync with what the WAL otherwise recorded.
func (m *PageManager) SetWAL(w *WAL) { m.wal = w }

// logStructural mirrors a structural page write to the WAL, if one is
// attached, before the page manager treats the page as durable.
func (m *PageManager) logStructural(pageID uint32, ptype PageType, data []byte) error {
	if m.wal == nil {
		return nil
	}
	return m.wal.WriteFrame(0, pageID, ptype, data, FlagCommit)
}

func usableHeaderPageBytes(pageSize int) int { return pageSize - PageHeaderSize }

// Initialize formats a brand-new database: writes the header, bitmap, FSM,
// and an empty collections-metadata root page.
func (m *PageManager) Initialize() error {
	usable := usableHeaderPageBytes(m.pageSize)
	bitmapPageCount := bitsToPages(InitialPageCapacity, usable)
	fsmPageCount := classesToPages(InitialPageCapacity, usable)

	const (
		headerPage = 0
	)
	bitmapStart := uint32(1)
	fsmStart := bitmapStart + uint32(bitmapPageCount)
	metaRoot := fsmStart + uint32(fsmPageCount)
	total := uint64(InitialPageCapacity)

	if uint64(metaRoot)+1 > total {
		// Structural pages alone exceed the reserved headroom; grow the
		// initial capacity to match so callers always get some data
		// pages before the first on-demand growth.
		total = uint64(InitialPageCapacity) + uint64(metaRoot) + 1
	}

	m.header = Header{
		Magic:                       HeaderMagic,
		Version:                     HeaderVersion,
		PageSize:                    uint32(m.pageSize),
		TotalPageCount:              total,
		BitmapStartPage:             bitmapStart,
		BitmapPageCount:             uint32(bitmapPageCount),
		FSMStartPage:                fsmStart,
		FSMPageCount:                uint32(fsmPageCount),
		CollectionsMetadataRootPage: metaRoot,
	}

	m.bitmap = make([]byte, bitmapPageCount*usable)
	m.fsm = make([]byte, fsmPageCount*usable)

	// Reserve header, bitmap, FSM, and metadata-root pages permanently.
	for id := uint32(0); id < metaRoot+1; id++ {
		m.setBit(id, true)
		m.setClass(id, 0)
	}
	// Everything else up to total_page_count is free with a full page of
	// space available.
	for id := metaRoot + 1; id < uint32(total); id++ {
		m.setClass(id, 3)
	}

	if err := m.cache.SetLength(int64(total) * int64(m.pageSize)); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "pagemgr: initialize: extend file")
	}
	metaPage := NewPage(m.pageSize, PageTypeMeta, metaRoot)
	if err := m.logStructural(metaRoot, PageTypeMeta, metaPage.Data); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "pagemgr: initialize: log metadata root")
	}
	if err := m.cache.WritePage(metaRoot, metaPage.Data); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "pagemgr: initialize: write metadata root")
	}
	if err := m.persistBitmapRange(0, len(m.bitmap)); err != nil {
		return err
	}
	if err := m.persistFSMRange(0, len(m.fsm)); err != nil {
		return err
	}
	return m.flushHeader()
}

// Load reads an existing database header, bitmap, and FSM into memory.
func (m *PageManager) Load() error {
	buf := make([]byte, m.pageSize)
	if err := m.cache.ReadPage(0, buf); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "pagemgr: load: read header page")
	}
	h, err := DecodeHeader(&Page{Data: buf})
	if err != nil {
		return err
	}
	m.header = *h

	usable := usableHeaderPageBytes(m.pageSize)
	m.bitmap = make([]byte, int(h.BitmapPageCount)*usable)
	if err := m.loadRegion(h.BitmapStartPage, m.bitmap); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "pagemgr: load: bitmap")
	}
	m.fsm = make([]byte, int(h.FSMPageCount)*usable)
	if err := m.loadRegion(h.FSMStartPage, m.fsm); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "pagemgr: load: fsm")
	}
	return nil
}

func (m *PageManager) loadRegion(startPage uint32, out []byte) error {
	usable := usableHeaderPageBytes(m.pageSize)
	buf := make([]byte, m.pageSize)
	for off := 0; off < len(out); off += usable {
		pageID := startPage + uint32(off/usable)
		if err := m.cache.ReadPage(pageID, buf); err != nil {
			return err
		}
		copy(out[off:], buf[PageHeaderSize:])
	}
	return nil
}

// Header returns a copy of the current database header.
func (m *PageManager) Header() Header {
	m.headerMu.RLock()
	defer m.headerMu.RUnlock()
	return m.header
}

// Flush persists the header, bitmap, and FSM, then syncs the underlying file.
func (m *PageManager) Flush() error {
	m.bitmapMu.RLock()
	if err := m.persistBitmapRange(0, len(m.bitmap)); err != nil {
		m.bitmapMu.RUnlock()
		return err
	}
	if err := m.persistFSMRange(0, len(m.fsm)); err != nil {
		m.bitmapMu.RUnlock()
		return err
	}
	m.bitmapMu.RUnlock()
	if err := m.flushHeader(); err != nil {
		return err
	}
	return m.cache.Flush()
}

func (m *PageManager) flushHeader() error {
	m.headerMu.RLock()
	h := m.header
	m.headerMu.RUnlock()
	p := h.Encode(m.pageSize)
	if err := m.logStructural(0, PageTypeHeader, p.Data); err != nil {
		return err
	}
	return m.cache.WritePage(0, p.Data)
}

// IsAllocated reports whether pageID is currently in use.
func (m *PageManager) IsAllocated(pageID uint32) (bool, error) {
	m.bitmapMu.RLock()
	defer m.bitmapMu.RUnlock()
	if int(pageID) >= len(m.bitmap)*8 {
		return false, errs.New(errs.OutOfRange, "pagemgr: page %d beyond bitmap range", pageID)
	}
	return m.getBit(pageID), nil
}

// MarkLevel sets a data page's FSM free-size class (0-3).
func (m *PageManager) MarkLevel(pageID uint32, class byte) error {
	m.bitmapMu.Lock()
	defer m.bitmapMu.Unlock()
	if int(pageID)*2/8 >= len(m.fsm) {
		return errs.New(errs.OutOfRange, "pagemgr: page %d beyond fsm range", pageID)
	}
	m.setClass(pageID, class)
	return m.persistFSMByte(pageID)
}

// AllocatePage reserves and returns the id of a single free page, growing
// the database if none is available.
func (m *PageManager) AllocatePage() (uint32, error) {
	m.bitmapMu.Lock()
	defer m.bitmapMu.Unlock()
	id, ok := m.firstFreeLocked()
	if !ok {
		if err := m.growLocked(); err != nil {
			return 0, err
		}
		id, ok = m.firstFreeLocked()
		if !ok {
			return 0, errs.New(errs.InvalidOperation, "pagemgr: allocation failed after growth")
		}
	}
	m.setBit(id, true)
	m.setClass(id, 0)
	if err := m.persistBitmapByte(id); err != nil {
		return 0, err
	}
	if err := m.persistFSMByte(id); err != nil {
		return 0, err
	}
	return id, nil
}

// AllocatePages reserves n independent pages; they are not necessarily
// contiguous (overflow chains and growth do not require contiguity).
func (m *PageManager) AllocatePages(n int) ([]uint32, error) {
	ids := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		id, err := m.AllocatePage()
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeallocatePage frees pageID and marks it as a freshly empty candidate.
func (m *PageManager) DeallocatePage(pageID uint32) error {
	m.bitmapMu.Lock()
	defer m.bitmapMu.Unlock()
	m.setBit(pageID, false)
	m.setClass(pageID, 3)
	if err := m.persistBitmapByte(pageID); err != nil {
		return err
	}
	return m.persistFSMByte(pageID)
}

// FindFreePage returns a data page suitable for a new slot: the
// lowest-numbered page outside exclude whose free-space class is at least
// minClass, whether already allocated or wholly free (a free page is
// claimed), growing the database if none exists. The caller
// MUST still verify the actual free space on the returned page, since the
// FSM class is a hint.
func (m *PageManager) FindFreePage(minClass byte, exclude map[uint32]bool) (uint32, error) {
	m.bitmapMu.Lock()
	defer m.bitmapMu.Unlock()

	if id, ok := m.firstClassAtLeastLocked(minClass, exclude); ok {
		return m.claimIfFreeLocked(id)
	}
	if err := m.growLocked(); err != nil {
		return 0, err
	}
	id, ok := m.firstClassAtLeastLocked(minClass, exclude)
	if !ok {
		return 0, errs.New(errs.InvalidOperation, "pagemgr: no candidate page after growth")
	}
	return m.claimIfFreeLocked(id)
}

func (m *PageManager) claimIfFreeLocked(id uint32) (uint32, error) {
	if !m.getBit(id) {
		m.setBit(id, true)
		if err := m.persistBitmapByte(id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (m *PageManager) firstFreeLocked() (uint32, bool) {
	limit := uint64(len(m.bitmap) * 8)
	if m.header.TotalPageCount < limit {
		limit = m.header.TotalPageCount
	}
	for id := uint32(0); uint64(id) < limit; id++ {
		if !m.getBit(id) {
			return id, true
		}
	}
	return 0, false
}

func (m *PageManager) firstClassAtLeastLocked(minClass byte, exclude map[uint32]bool) (uint32, bool) {
	n := uint32(len(m.fsm) * 4)
	for id := uint32(0); id < n; id++ {
		if exclude != nil && exclude[id] {
			continue
		}
		if m.getClass(id) >= minClass {
			return id, true
		}
	}
	return 0, false
}

// growLocked doubles the addressable page capacity (floored at
// DefaultExpansionPageCount growth), relocating the bitmap/FSM to a new
// contiguous region when their current page allotment can no longer
// address the larger capacity. The header is written last so recovery from
// a crash mid-growth always sees either the old or the fully-updated
// layout once the writing engine wraps this call in a WAL frame.
func (m *PageManager) growLocked() error {
	m.headerMu.Lock()
	defer m.headerMu.Unlock()

	oldTotal := m.header.TotalPageCount
	growth := oldTotal
	if growth < uint64(m.expansionPageCount) {
		growth = uint64(m.expansionPageCount)
	}
	newTotal := oldTotal + growth

	usable := usableHeaderPageBytes(m.pageSize)
	neededBitmapPages := bitsToPages(newTotal, usable)
	neededFSMPages := classesToPages(newTotal, usable)

	relocate := neededBitmapPages > int(m.header.BitmapPageCount) || neededFSMPages > int(m.header.FSMPageCount)

	if relocate {
		finalTotal := newTotal + uint64(neededBitmapPages) + uint64(neededFSMPages)
		neededBitmapPages = bitsToPages(finalTotal, usable)
		neededFSMPages = classesToPages(finalTotal, usable)
		finalTotal = newTotal + uint64(neededBitmapPages) + uint64(neededFSMPages)

		newBitmap := make([]byte, neededBitmapPages*usable)
		copy(newBitmap, m.bitmap)
		newFSM := make([]byte, neededFSMPages*usable)
		copy(newFSM, m.fsm)
		for id := oldTotal; id < finalTotal; id++ {
			setBitIn(newBitmap, id, false)
			setClassIn(newFSM, id, 3)
		}

		newBitmapStart := uint32(newTotal)
		newFSMStart := newBitmapStart + uint32(neededBitmapPages)

		for id := uint64(newBitmapStart); id < uint64(newFSMStart)+uint64(neededFSMPages); id++ {
			setBitIn(newBitmap, id, true)
			setClassIn(newFSM, id, 0)
		}
		// Free the old bitmap/FSM region; it becomes ordinary data space.
		for id := uint64(m.header.BitmapStartPage); id < uint64(m.header.BitmapStartPage)+uint64(m.header.BitmapPageCount); id++ {
			setBitIn(newBitmap, id, false)
			setClassIn(newFSM, id, 3)
		}
		for id := uint64(m.header.FSMStartPage); id < uint64(m.header.FSMStartPage)+uint64(m.header.FSMPageCount); id++ {
			setBitIn(newBitmap, id, false)
			setClassIn(newFSM, id, 3)
		}

		if err := m.cache.SetLength(int64(finalTotal) * int64(m.pageSize)); err != nil {
			return errs.Wrap(errs.InvalidOperation, err, "pagemgr: grow: extend file")
		}

		m.bitmap = newBitmap
		m.fsm = newFSM
		if err := m.persistBitmapRange(0, len(m.bitmap)); err != nil {
			return err
		}
		if err := m.persistFSMRange(0, len(m.fsm)); err != nil {
			return err
		}

		m.header.TotalPageCount = finalTotal
		m.header.BitmapStartPage = newBitmapStart
		m.header.BitmapPageCount = uint32(neededBitmapPages)
		m.header.FSMStartPage = newFSMStart
		m.header.FSMPageCount = uint32(neededFSMPages)
		return m.flushHeaderLocked()
	}

	// No relocation needed: extend in place.
	newBitmapLen := neededBitmapPages * usable
	if newBitmapLen > len(m.bitmap) {
		grown := make([]byte, newBitmapLen)
		copy(grown, m.bitmap)
		m.bitmap = grown
	}
	newFSMLen := neededFSMPages * usable
	if newFSMLen > len(m.fsm) {
		grown := make([]byte, newFSMLen)
		copy(grown, m.fsm)
		m.fsm = grown
	}
	for id := oldTotal; id < newTotal; id++ {
		setBitIn(m.bitmap, id, false)
		setClassIn(m.fsm, id, 3)
	}
	if err := m.cache.SetLength(int64(newTotal) * int64(m.pageSize)); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "pagemgr: grow: extend file")
	}
	m.header.TotalPageCount = newTotal
	if err := m.persistBitmapRange(0, len(m.bitmap)); err != nil {
		return err
	}
	if err := m.persistFSMRange(0, len(m.fsm)); err != nil {
		return err
	}
	return m.flushHeaderLocked()
}

func (m *PageManager) flushHeaderLocked() error {
	p := m.header.Encode(m.pageSize)
	if err := m.logStructural(0, PageTypeHeader, p.Data); err != nil {
		return err
	}
	return m.cache.WritePage(0, p.Data)
}

// ---------- bit/class accessors (caller must hold bitmapMu) ----------

func (m *PageManager) getBit(id uint32) bool  { return getBitIn(m.bitmap, uint64(id)) }
func (m *PageManager) setBit(id uint32, v bool) { setBitIn(m.bitmap, uint64(id), v) }
func (m *PageManager) getClass(id uint32) byte  { return getClassIn(m.fsm, uint64(id)) }
func (m *PageManager) setClass(id uint32, c byte) { setClassIn(m.fsm, uint64(id), c) }

func getBitIn(bitmap []byte, id uint64) bool {
	byteIdx := id / 8
	if int(byteIdx) >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<(id%8)) != 0
}

func setBitIn(bitmap []byte, id uint64, v bool) {
	byteIdx := id / 8
	if int(byteIdx) >= len(bitmap) {
		return
	}
	mask := byte(1 << (id % 8))
	if v {
		bitmap[byteIdx] |= mask
	} else {
		bitmap[byteIdx] &^= mask
	}
}

func getClassIn(fsm []byte, id uint64) byte {
	byteIdx := id / 4
	if int(byteIdx) >= len(fsm) {
		return 0
	}
	shift := (id % 4) * 2
	return (fsm[byteIdx] >> shift) & 0x3
}

func setClassIn(fsm []byte, id uint64, class byte) {
	byteIdx := id / 4
	if int(byteIdx) >= len(fsm) {
		return
	}
	shift := (id % 4) * 2
	fsm[byteIdx] = (fsm[byteIdx] &^ (0x3 << shift)) | ((class & 0x3) << shift)
}

// ---------- persistence of single bytes / ranges (caller holds bitmapMu) ----------

func (m *PageManager) persistBitmapByte(id uint32) error {
	usable := usableHeaderPageBytes(m.pageSize)
	byteIdx := int(id / 8)
	return m.persistRegionByte(m.header.BitmapStartPage, m.bitmap, byteIdx, usable, PageTypeBitmap)
}

func (m *PageManager) persistFSMByte(id uint32) error {
	usable := usableHeaderPageBytes(m.pageSize)
	byteIdx := int(id / 4)
	return m.persistRegionByte(m.header.FSMStartPage, m.fsm, byteIdx, usable, PageTypeFSM)
}

func (m *PageManager) persistRegionByte(startPage uint32, region []byte, byteIdx, usable int, ptype PageType) error {
	if byteIdx >= len(region) {
		return nil
	}
	pageID := startPage + uint32(byteIdx/usable)
	buf := make([]byte, m.pageSize)
	if err := m.cache.ReadPage(pageID, buf); err != nil {
		return err
	}
	off := PageHeaderSize + (byteIdx % usable)
	buf[off] = region[byteIdx]
	buf[0] = byte(ptype)
	if err := m.logStructural(pageID, ptype, buf); err != nil {
		return err
	}
	return m.cache.WritePage(pageID, buf)
}

func (m *PageManager) persistBitmapRange(start, end int) error {
	return m.persistRegion(m.header.BitmapStartPage, m.bitmap, start, end, PageTypeBitmap)
}

func (m *PageManager) persistFSMRange(start, end int) error {
	return m.persistRegion(m.header.FSMStartPage, m.fsm, start, end, PageTypeFSM)
}

func (m *PageManager) persistRegion(startPage uint32, region []byte, start, end int, ptype PageType) error {
	usable := usableHeaderPageBytes(m.pageSize)
	if end > len(region) {
		end = len(region)
	}
	for off := start - start%usable; off < end; off += usable {
		pageID := startPage + uint32(off/usable)
		hi := off + usable
		if hi > len(region) {
			hi = len(region)
		}
		buf := make([]byte, m.pageSize)
		buf[0] = byte(ptype)
		copy(buf[PageHeaderSize:], region[off:hi])
		if err := m.logStructural(pageID, ptype, buf); err != nil {
			return err
		}
		if err := m.cache.WritePage(pageID, buf); err != nil {
			return err
		}
	}
	return nil
}

func bitsToPages(pageCount uint64, usableBytes int) int {
	bitsPerPage := usableBytes * 8
	n := (int(pageCount) + bitsPerPage - 1) / bitsPerPage
	if n < 1 {
		n = 1
	}
	return n
}

func classesToPages(pageCount uint64, usableBytes int) int {
	classesPerPage := usableBytes * 4
	n := (int(pageCount) + classesPerPage - 1) / classesPerPage
	if n < 1 {
		n = 1
	}
	return n
}
