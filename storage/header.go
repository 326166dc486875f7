package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/rthomasv3/galdrdb/errs"
)

// HeaderMagic identifies a GaldrDb base file.
const HeaderMagic uint32 = 0x47414C44 // "GALD"

// HeaderVersion is the on-disk format version written by this implementation.
const HeaderVersion uint32 = 1

// Header is the decoded contents of page 0, the database header.
//
//	[0:4]   magic
//	[4:8]   version
//	[8:12]  page_size
//	[12:20] total_page_count
//	[20:24] bitmap_start_page
//	[24:28] bitmap_page_count
//	[28:32] fsm_start_page
//	[32:36] fsm_page_count
//	[36:40] collections_metadata_root_page
//	[40:48] last_committed_tx_id
//	[48:56] checkpoint_tx_id
//	[56:60] header checksum (crc32 of bytes [0:56])
type Header struct {
	Magic                       uint32
	Version                     uint32
	PageSize                    uint32
	TotalPageCount              uint64
	BitmapStartPage             uint32
	BitmapPageCount             uint32
	FSMStartPage                uint32
	FSMPageCount                uint32
	CollectionsMetadataRootPage uint32
	LastCommittedTxID           uint64
	CheckpointTxID              uint64
}

const headerChecksummedLen = 56

// Encode writes h into a freshly allocated header page.
func (h *Header) Encode(pageSize int) *Page {
	p := NewPage(pageSize, PageTypeHeader, 0)
	buf := p.Data
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint64(buf[12:20], h.TotalPageCount)
	binary.LittleEndian.PutUint32(buf[20:24], h.BitmapStartPage)
	binary.LittleEndian.PutUint32(buf[24:28], h.BitmapPageCount)
	binary.LittleEndian.PutUint32(buf[28:32], h.FSMStartPage)
	binary.LittleEndian.PutUint32(buf[32:36], h.FSMPageCount)
	binary.LittleEndian.PutUint32(buf[36:40], h.CollectionsMetadataRootPage)
	binary.LittleEndian.PutUint64(buf[40:48], h.LastCommittedTxID)
	binary.LittleEndian.PutUint64(buf[48:56], h.CheckpointTxID)
	sum := crc32.ChecksumIEEE(buf[0:headerChecksummedLen])
	binary.LittleEndian.PutUint32(buf[56:60], sum)
	return p
}

// DecodeHeader parses page 0, verifying the magic number and checksum.
func DecodeHeader(p *Page) (*Header, error) {
	buf := p.Data
	if len(buf) < 60 {
		return nil, errs.New(errs.InvalidData, "header page too small: %d bytes", len(buf))
	}
	h := &Header{
		Magic:                       binary.LittleEndian.Uint32(buf[0:4]),
		Version:                     binary.LittleEndian.Uint32(buf[4:8]),
		PageSize:                    binary.LittleEndian.Uint32(buf[8:12]),
		TotalPageCount:              binary.LittleEndian.Uint64(buf[12:20]),
		BitmapStartPage:             binary.LittleEndian.Uint32(buf[20:24]),
		BitmapPageCount:             binary.LittleEndian.Uint32(buf[24:28]),
		FSMStartPage:                binary.LittleEndian.Uint32(buf[28:32]),
		FSMPageCount:                binary.LittleEndian.Uint32(buf[32:36]),
		CollectionsMetadataRootPage: binary.LittleEndian.Uint32(buf[36:40]),
		LastCommittedTxID:           binary.LittleEndian.Uint64(buf[40:48]),
		CheckpointTxID:              binary.LittleEndian.Uint64(buf[48:56]),
	}
	if h.Magic != HeaderMagic {
		return nil, errs.New(errs.InvalidData, "bad magic: got %#x want %#x", h.Magic, HeaderMagic)
	}
	want := binary.LittleEndian.Uint32(buf[56:60])
	got := crc32.ChecksumIEEE(buf[0:headerChecksummedLen])
	if got != want {
		return nil, errs.New(errs.InvalidData, "header checksum mismatch: got %#x want %#x", got, want)
	}
	return h, nil
}

// IsValidPageSize reports whether n is a supported page size.
func IsValidPageSize(n int) bool {
	switch n {
	case 4096, 8192, 16384, 32768, 65536:
		return true
	default:
		return false
	}
}
