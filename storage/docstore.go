package storage

import (
	"github.com/klauspost/compress/snappy"

	"github.com/rthomasv3/galdrdb/errs"
)

// Every stored document payload is prefixed with one marker byte so
// ReadDocument knows whether to snappy-decode the remainder. Compression
// only pays for itself on documents where it actually shrinks the
// payload, mirroring the teacher pager's compressRecord/DecompressRecord
// pair: compress and keep the result only if it is smaller, otherwise
// store the original bytes.
const (
	payloadPlain  byte = 0x00
	payloadSnappy byte = 0x01
)

// compressPayload returns data prefixed with its storage marker, snappy
// encoded when that is smaller than storing it verbatim.
func compressPayload(data []byte) []byte {
	encoded := snappy.Encode(nil, data)
	if len(encoded) < len(data) {
		out := make([]byte, 1+len(encoded))
		out[0] = payloadSnappy
		copy(out[1:], encoded)
		return out
	}
	out := make([]byte, 1+len(data))
	out[0] = payloadPlain
	copy(out[1:], data)
	return out
}

// decompressPayload reverses compressPayload.
func decompressPayload(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errs.New(errs.InvalidData, "docstore: stored payload missing compression marker")
	}
	switch stored[0] {
	case payloadSnappy:
		decoded, err := snappy.Decode(nil, stored[1:])
		if err != nil {
			return nil, errs.Wrap(errs.InvalidData, err, "docstore: snappy decode")
		}
		return decoded, nil
	default:
		return stored[1:], nil
	}
}

// DocumentLocation is the stable (PageID, SlotIndex) pair the Version Index
// uses to reach a stored document version.
type DocumentLocation struct {
	PageID    uint32
	SlotIndex uint16
}

// maxCandidateAttempts bounds how many candidate pages write_document will
// try (compacting each where that makes room) before placing a single-page
// document on a freshly allocated page; an overflow chain's head slot
// instead fails with InvalidOperation after that many attempts. It
// protects against a pathological FSM state rather than any expected
// steady-state case.
const maxCandidateAttempts = 8

// DocumentStore implements write_document/read_document/delete_document
// over a PageManager and PageCache: it never addresses a page directly.
type DocumentStore struct {
	pages    *PageManager
	cache    *PageCache
	pageSize int
}

// NewDocumentStore builds a document store over an already-initialized
// page manager and cache.
func NewDocumentStore(pages *PageManager, cache *PageCache, pageSize int) *DocumentStore {
	return &DocumentStore{pages: pages, cache: cache, pageSize: pageSize}
}

func (d *DocumentStore) singlePageCapacity() int {
	return d.pageSize - PageHeaderSize - SlotEntrySize
}

// WriteDocument stores bytes, splitting into an overflow chain if they
// exceed one page's slot capacity, and returns the stable location of the
// head slot.
func (d *DocumentStore) WriteDocument(data []byte) (DocumentLocation, error) {
	stored := compressPayload(data)
	if len(stored) <= d.singlePageCapacity() {
		return d.writeSinglePage(stored)
	}
	return d.writeOverflow(stored)
}

func (d *DocumentStore) writeSinglePage(data []byte) (DocumentLocation, error) {
	needed := SlotEntrySize + len(data)
	tried := make(map[uint32]bool, maxCandidateAttempts)

	for attempt := 0; attempt < maxCandidateAttempts; attempt++ {
		minClass := FreeClass(needed, d.pageSize)
		pageID, err := d.pages.FindFreePage(minClass, tried)
		if err != nil {
			return DocumentLocation{}, err
		}
		tried[pageID] = true

		buf := make([]byte, d.pageSize)
		if err := d.cache.ReadPage(pageID, buf); err != nil {
			return DocumentLocation{}, err
		}
		page := &Page{Data: buf}
		if page.SlotCount() == 0 && page.FreeSpaceEnd() == 0 {
			page = NewPage(d.pageSize, PageTypeData, pageID)
		} else if page.IsContinuation() {
			continue
		}

		if idx, ok := page.Put(data); ok {
			if err := d.commitPage(pageID, page); err != nil {
				return DocumentLocation{}, err
			}
			return DocumentLocation{PageID: pageID, SlotIndex: idx}, nil
		}
		if page.TotalFreeSpace() >= needed {
			page.Compact()
			if idx, ok := page.Put(data); ok {
				if err := d.commitPage(pageID, page); err != nil {
					return DocumentLocation{}, err
				}
				return DocumentLocation{PageID: pageID, SlotIndex: idx}, nil
			}
		}
		// Candidate didn't actually fit; mark its true class and retry
		// with the next one.
		if err := d.pages.MarkLevel(pageID, FreeClass(page.FreeSpace(), d.pageSize)); err != nil {
			return DocumentLocation{}, err
		}
	}
	pageID, err := d.pages.AllocatePage()
	if err != nil {
		return DocumentLocation{}, err
	}
	page := NewPage(d.pageSize, PageTypeData, pageID)
	idx, ok := page.Put(data)
	if !ok {
		return DocumentLocation{}, errs.New(errs.InvalidOperation, "docstore: document does not fit on a fresh page")
	}
	if err := d.commitPage(pageID, page); err != nil {
		return DocumentLocation{}, err
	}
	return DocumentLocation{PageID: pageID, SlotIndex: idx}, nil
}

func (d *DocumentStore) commitPage(pageID uint32, page *Page) error {
	if err := d.cache.WritePage(pageID, page.Data); err != nil {
		return err
	}
	return d.pages.MarkLevel(pageID, FreeClass(page.FreeSpace(), d.pageSize))
}

func (d *DocumentStore) writeOverflow(data []byte) (DocumentLocation, error) {
	chunkCap := ContinuationCapacity(d.pageSize)
	var chunks [][]byte
	for off := 0; off < len(data); off += chunkCap {
		end := off + chunkCap
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}

	contPageIDs, err := d.pages.AllocatePages(len(chunks))
	if err != nil {
		return DocumentLocation{}, err
	}
	for i, chunk := range chunks {
		next := uint32(0)
		if i+1 < len(contPageIDs) {
			next = contPageIDs[i+1]
		}
		cp := NewPage(d.pageSize, PageTypeOverflow, contPageIDs[i])
		cp.WriteContinuationChunk(chunk, next)
		if err := d.cache.WritePage(contPageIDs[i], cp.Data); err != nil {
			return DocumentLocation{}, err
		}
	}

	needed := SlotEntrySize + 8
	tried := make(map[uint32]bool, maxCandidateAttempts)
	for attempt := 0; attempt < maxCandidateAttempts; attempt++ {
		minClass := FreeClass(needed, d.pageSize)
		pageID, err := d.pages.FindFreePage(minClass, tried)
		if err != nil {
			return DocumentLocation{}, err
		}
		tried[pageID] = true

		buf := make([]byte, d.pageSize)
		if err := d.cache.ReadPage(pageID, buf); err != nil {
			return DocumentLocation{}, err
		}
		page := &Page{Data: buf}
		if page.SlotCount() == 0 && page.FreeSpaceEnd() == 0 {
			page = NewPage(d.pageSize, PageTypeData, pageID)
		} else if page.IsContinuation() {
			continue
		}

		if idx, ok := page.PutOverflowPointer(uint32(len(data)), contPageIDs[0]); ok {
			if err := d.commitPage(pageID, page); err != nil {
				return DocumentLocation{}, err
			}
			return DocumentLocation{PageID: pageID, SlotIndex: idx}, nil
		}
		if page.TotalFreeSpace() >= needed {
			page.Compact()
			if idx, ok := page.PutOverflowPointer(uint32(len(data)), contPageIDs[0]); ok {
				if err := d.commitPage(pageID, page); err != nil {
					return DocumentLocation{}, err
				}
				return DocumentLocation{PageID: pageID, SlotIndex: idx}, nil
			}
		}
	}
	return DocumentLocation{}, errs.New(errs.InvalidOperation, "docstore: no candidate page accepted overflow head after %d attempts", maxCandidateAttempts)
}

// ReadDocument returns the stored bytes for a location, following any
// continuation chain and concatenating the chunks in order.
func (d *DocumentStore) ReadDocument(loc DocumentLocation) ([]byte, error) {
	buf := make([]byte, d.pageSize)
	if err := d.cache.ReadPage(loc.PageID, buf); err != nil {
		return nil, err
	}
	page := &Page{Data: buf}
	data, overflow, totalLen, firstContPage, err := page.Get(loc.SlotIndex)
	if err != nil {
		return nil, err
	}
	if !overflow {
		return decompressPayload(data)
	}

	out := make([]byte, 0, totalLen)
	nextPage := firstContPage
	contBuf := make([]byte, d.pageSize)
	for nextPage != 0 && uint32(len(out)) < totalLen {
		if err := d.cache.ReadPage(nextPage, contBuf); err != nil {
			return nil, err
		}
		cp := &Page{Data: contBuf}
		out = append(out, cp.ReadContinuationChunk()...)
		nextPage = cp.NextContinuationPageID()
	}
	if uint32(len(out)) > totalLen {
		out = out[:totalLen]
	}
	return decompressPayload(out)
}

// DeleteDocument tombstones the head slot and frees every page in its
// continuation chain, if any.
func (d *DocumentStore) DeleteDocument(loc DocumentLocation) error {
	buf := make([]byte, d.pageSize)
	if err := d.cache.ReadPage(loc.PageID, buf); err != nil {
		return err
	}
	page := &Page{Data: buf}
	firstContPage, err := page.Delete(loc.SlotIndex)
	if err != nil {
		return err
	}
	if err := d.commitPage(loc.PageID, page); err != nil {
		return err
	}

	nextPage := firstContPage
	contBuf := make([]byte, d.pageSize)
	for nextPage != 0 {
		if err := d.cache.ReadPage(nextPage, contBuf); err != nil {
			return err
		}
		cp := &Page{Data: contBuf}
		following := cp.NextContinuationPageID()
		// Blank the freed page so a later write sees a fresh page rather
		// than skipping it as a continuation page.
		if err := d.cache.WritePage(nextPage, make([]byte, d.pageSize)); err != nil {
			return err
		}
		if err := d.pages.DeallocatePage(nextPage); err != nil {
			return err
		}
		nextPage = following
	}
	return nil
}
