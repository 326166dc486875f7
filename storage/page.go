// Package storage implements GaldrDb's on-disk storage engine: paged I/O, a
// bounded page cache, allocation bookkeeping, slotted document pages with
// overflow chains, and a write-ahead log with crash recovery.
package storage

import (
	"encoding/binary"

	"github.com/rthomasv3/galdrdb/errs"
)

// PageType identifies the role a page plays.
type PageType byte

const (
	PageTypeHeader   PageType = 1 // page 0: database header
	PageTypeBitmap   PageType = 2 // allocation bitmap
	PageTypeFSM      PageType = 3 // free-space map
	PageTypeMeta     PageType = 4 // collections metadata
	PageTypeData     PageType = 5 // slotted document page
	PageTypeOverflow PageType = 6 // continuation-only page
	PageTypeIndex    PageType = 7 // B+-tree node page
)

// PageHeaderSize is the size of the common page header:
//
//	[0]     PageType
//	[1-4]   PageID (uint32)
//	[5-6]   SlotCount (uint16)       -- slotted pages only
//	[7-8]   FreeSpaceStart (uint16)  -- end of the slot array
//	[9-10]  FreeSpaceEnd (uint16)    -- start of the payload region
//	[11]    Continuation flag (1 = continuation-only page)
//	[12-15] NextContinuationPageID (uint32, 0 = none)
const PageHeaderSize = 16

// SlotEntrySize is the size of one slot-directory entry:
// [offset:uint16][length:uint16][flags:byte][continuationPageID:uint32].
const SlotEntrySize = 2 + 2 + 1 + 4

// Slot flags.
const (
	slotFlagNone     byte = 0x00
	slotFlagTomb     byte = 0x01 // tombstoned
	slotFlagOverflow byte = 0x02 // payload continues in a continuation chain
)

// Page is a single fixed-size block of the file, held entirely in memory
// while it is being read or mutated. Size matches the database's configured
// page size (one of 4096, 8192, 16384, 32768, 65536).
type Page struct {
	Data []byte
}

// NewPage allocates a zeroed page of the given size and stamps its header.
func NewPage(size int, ptype PageType, pageID uint32) *Page {
	p := &Page{Data: make([]byte, size)}
	p.Data[0] = byte(ptype)
	binary.LittleEndian.PutUint32(p.Data[1:5], pageID)
	p.SetFreeSpaceStart(PageHeaderSize)
	p.SetFreeSpaceEnd(uint16(size))
	return p
}

func (p *Page) Type() PageType { return PageType(p.Data[0]) }

func (p *Page) SetType(t PageType) { p.Data[0] = byte(t) }

func (p *Page) PageID() uint32 { return binary.LittleEndian.Uint32(p.Data[1:5]) }

func (p *Page) SetPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[1:5], id) }

func (p *Page) SlotCount() uint16 { return binary.LittleEndian.Uint16(p.Data[5:7]) }

func (p *Page) setSlotCount(n uint16) { binary.LittleEndian.PutUint16(p.Data[5:7], n) }

// FreeSpaceStart is the offset just past the last slot-directory entry.
func (p *Page) FreeSpaceStart() uint16 { return binary.LittleEndian.Uint16(p.Data[7:9]) }

func (p *Page) SetFreeSpaceStart(off uint16) { binary.LittleEndian.PutUint16(p.Data[7:9], off) }

// FreeSpaceEnd is the offset of the first byte used by the payload region
// (payloads grow backward from the page end).
func (p *Page) FreeSpaceEnd() uint16 { return binary.LittleEndian.Uint16(p.Data[9:11]) }

func (p *Page) SetFreeSpaceEnd(off uint16) { binary.LittleEndian.PutUint16(p.Data[9:11], off) }

// IsContinuation reports whether this page is a continuation-only page,
// ineligible for new independent document slots.
func (p *Page) IsContinuation() bool { return p.Data[11] == 1 }

func (p *Page) SetContinuation(v bool) {
	if v {
		p.Data[11] = 1
	} else {
		p.Data[11] = 0
	}
}

// NextContinuationPageID is the next page in a continuation chain, or 0.
func (p *Page) NextContinuationPageID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[12:16])
}

func (p *Page) SetNextContinuationPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[12:16], id)
}

// FreeSpace is the contiguous space available between the slot directory
// and the payload region.
func (p *Page) FreeSpace() int {
	return int(p.FreeSpaceEnd()) - int(p.FreeSpaceStart())
}

// TotalFreeSpace is the free space that would be available after a compact
// (contiguous free space plus space occupied by tombstoned payloads).
func (p *Page) TotalFreeSpace() int {
	free := p.FreeSpace()
	for i := uint16(0); i < p.SlotCount(); i++ {
		s := p.readSlot(i)
		if s.Tombstone {
			free += int(s.Length)
		}
	}
	return free
}

func slotOffset(i uint16) uint16 { return PageHeaderSize + i*SlotEntrySize }

type slotEntry struct {
	PayloadOffset uint16
	Length        uint16
	Tombstone     bool
	Overflow      bool
	ContPageID    uint32
}

func (p *Page) readSlot(i uint16) slotEntry {
	off := slotOffset(i)
	flags := p.Data[off+4]
	return slotEntry{
		PayloadOffset: binary.LittleEndian.Uint16(p.Data[off:]),
		Length:        binary.LittleEndian.Uint16(p.Data[off+2:]),
		Tombstone:     flags&slotFlagTomb != 0,
		Overflow:      flags&slotFlagOverflow != 0,
		ContPageID:    binary.LittleEndian.Uint32(p.Data[off+5:]),
	}
}

func (p *Page) writeSlot(i uint16, e slotEntry) {
	off := slotOffset(i)
	binary.LittleEndian.PutUint16(p.Data[off:], e.PayloadOffset)
	binary.LittleEndian.PutUint16(p.Data[off+2:], e.Length)
	var flags byte
	if e.Tombstone {
		flags |= slotFlagTomb
	}
	if e.Overflow {
		flags |= slotFlagOverflow
	}
	p.Data[off+4] = flags
	binary.LittleEndian.PutUint32(p.Data[off+5:], e.ContPageID)
}

// Put writes bytes into a new slot and returns its (stable) index. Returns
// ok=false if there isn't contiguous space for the slot entry plus payload;
// the caller may Compact and retry, or route through overflow.
func (p *Page) Put(data []byte) (slotIndex uint16, ok bool) {
	return p.putWithOverflow(data, 0, false)
}

// PutOverflowPointer writes the head-page pointer for an overflow chain:
// an 8-byte value of [totalLen:4][firstContPage:4]. The continuation pages
// themselves are written separately via the Page's raw payload region.
func (p *Page) PutOverflowPointer(totalLen uint32, firstContPageID uint32) (slotIndex uint16, ok bool) {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], totalLen)
	binary.LittleEndian.PutUint32(buf[4:8], firstContPageID)
	return p.putWithOverflow(buf[:], firstContPageID, true)
}

func (p *Page) putWithOverflow(data []byte, contPageID uint32, overflow bool) (uint16, bool) {
	needed := SlotEntrySize + len(data)
	if p.FreeSpace() < needed {
		return 0, false
	}
	payloadOff := p.FreeSpaceEnd() - uint16(len(data))
	copy(p.Data[payloadOff:], data)

	idx := p.SlotCount()
	p.writeSlot(idx, slotEntry{
		PayloadOffset: payloadOff,
		Length:        uint16(len(data)),
		Overflow:      overflow,
		ContPageID:    contPageID,
	})
	p.setSlotCount(idx + 1)
	p.SetFreeSpaceStart(p.FreeSpaceStart() + SlotEntrySize)
	p.SetFreeSpaceEnd(payloadOff)
	return idx, true
}

// Get returns the payload bytes and overflow metadata for a live slot.
func (p *Page) Get(slotIndex uint16) (data []byte, overflow bool, totalLen uint32, firstContPage uint32, err error) {
	if slotIndex >= p.SlotCount() {
		return nil, false, 0, 0, errs.New(errs.OutOfRange, "slot %d >= slot count %d", slotIndex, p.SlotCount())
	}
	s := p.readSlot(slotIndex)
	if s.Tombstone {
		return nil, false, 0, 0, errs.New(errs.InvalidOperation, "slot %d is tombstoned", slotIndex)
	}
	raw := p.Data[s.PayloadOffset : s.PayloadOffset+s.Length]
	if s.Overflow {
		totalLen = binary.LittleEndian.Uint32(raw[0:4])
		firstContPage = binary.LittleEndian.Uint32(raw[4:8])
		return nil, true, totalLen, firstContPage, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, false, 0, 0, nil
}

// IsTombstoned reports whether a slot is marked deleted, without copying
// its payload.
func (p *Page) IsTombstoned(slotIndex uint16) (bool, error) {
	if slotIndex >= p.SlotCount() {
		return false, errs.New(errs.OutOfRange, "slot %d >= slot count %d", slotIndex, p.SlotCount())
	}
	return p.readSlot(slotIndex).Tombstone, nil
}

// Delete marks a slot tombstoned without moving any payload bytes, so live
// slot indexes never shift. Returns the continuation page id to free, if
// the slot held an overflow pointer.
func (p *Page) Delete(slotIndex uint16) (firstContPage uint32, err error) {
	if slotIndex >= p.SlotCount() {
		return 0, errs.New(errs.OutOfRange, "slot %d >= slot count %d", slotIndex, p.SlotCount())
	}
	s := p.readSlot(slotIndex)
	if s.Tombstone {
		return 0, nil
	}
	var contPage uint32
	if s.Overflow {
		raw := p.Data[s.PayloadOffset : s.PayloadOffset+s.Length]
		contPage = binary.LittleEndian.Uint32(raw[4:8])
	}
	s.Tombstone = true
	p.writeSlot(slotIndex, s)
	return contPage, nil
}

// Compact slides live payloads together to reclaim holes left by tombstoned
// slots. Live slot indexes are never renumbered or moved; only the backing
// payload bytes move. Pure in-memory transform.
func (p *Page) Compact() {
	count := p.SlotCount()
	type liveSlot struct {
		idx  uint16
		data []byte
		flag slotEntry
	}
	live := make([]liveSlot, 0, count)
	for i := uint16(0); i < count; i++ {
		s := p.readSlot(i)
		if s.Tombstone {
			continue
		}
		buf := make([]byte, s.Length)
		copy(buf, p.Data[s.PayloadOffset:s.PayloadOffset+s.Length])
		live = append(live, liveSlot{idx: i, data: buf, flag: s})
	}

	end := uint16(len(p.Data))
	for _, ls := range live {
		end -= uint16(len(ls.data))
		copy(p.Data[end:], ls.data)
		ls.flag.PayloadOffset = end
		p.writeSlot(ls.idx, ls.flag)
	}
	p.SetFreeSpaceEnd(end)
}

// FreeClass is the coarse free-size class used by the FSM: 0 = full,
// 1 = <= 1/4 free, 2 = <= 1/2 free, 3 = > 1/2 free.
func FreeClass(freeBytes, pageSize int) byte {
	switch {
	case freeBytes <= 0:
		return 0
	case freeBytes <= pageSize/4:
		return 1
	case freeBytes <= pageSize/2:
		return 2
	default:
		return 3
	}
}
