package storage

import (
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"

	"github.com/rthomasv3/galdrdb/errs"
)

// WALMagic identifies a GaldrDb write-ahead log file.
const WALMagic uint32 = 0x474C5741 // "GLWA"

// WALHeaderSize is the fixed size of the WAL file header:
//
//	[0:4]   magic
//	[4:8]   version
//	[8:12]  page_size
//	[12:20] checkpoint_tx_id
//	[20:24] salt1
//	[24:28] salt2
//	[28:32] checksum
const WALHeaderSize = 32

// FrameHeaderSize is the fixed size of one frame header:
//
//	[0:8]   frame_number
//	[8:16]  tx_id
//	[16:20] page_id
//	[20]    page_type
//	[21]    flags
//	[22:24] reserved
//	[24:28] payload_length
//	[28:32] salt1
//	[32:36] salt2
//	[36:40] checksum (crc32 of header[0:36] + the payload zero-padded to page_size)
const FrameHeaderSize = 40

// Frame flags.
const (
	FlagNone       byte = 0x00
	FlagCommit     byte = 0x01
	FlagCheckpoint byte = 0x02
)

// PendingWrite is one page image awaiting a WAL frame within a transaction
// batch.
type PendingWrite struct {
	PageID   uint32
	PageType PageType
	Data     []byte
}

// Frame is a decoded WAL frame, header plus the true-length payload slice
// (not the page-size padded on-disk form).
type Frame struct {
	FrameNumber uint64
	TxID        uint64
	PageID      uint32
	PageType    PageType
	Flags       byte
	Payload     []byte
}

func (f Frame) committed() bool { return f.Flags&FlagCommit != 0 || f.TxID == 0 }

// WAL is the append-only write-ahead log: a 32-byte header followed by a
// sequence of fixed-shape frames, each carrying a page image.
type WAL struct {
	mu sync.Mutex

	file     StorageFile
	pageSize int

	checkpointTxID uint64
	salt1, salt2   uint32
	nextFrameNum   uint64
	writeOffset    int64
}

// OpenWAL opens an existing WAL file or initializes a new one. isNew
// reports whether this call created a fresh header.
func OpenWAL(file StorageFile, pageSize int) (w *WAL, isNew bool, err error) {
	w = &WAL{file: file, pageSize: pageSize}

	info, statErr := file.Stat()
	if statErr != nil {
		return nil, false, errs.Wrap(errs.InvalidOperation, statErr, "wal: stat")
	}
	if info.Size() < WALHeaderSize {
		if err := w.initializeHeader(); err != nil {
			return nil, false, err
		}
		return w, true, nil
	}
	if err := w.readHeader(); err != nil {
		return nil, false, err
	}
	w.writeOffset = info.Size()
	return w, false, nil
}

func (w *WAL) initializeHeader() error {
	var saltBuf [8]byte
	if _, err := rand.Read(saltBuf[:]); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "wal: generate salts")
	}
	w.salt1 = binary.LittleEndian.Uint32(saltBuf[0:4])
	w.salt2 = binary.LittleEndian.Uint32(saltBuf[4:8])
	w.checkpointTxID = 0
	w.writeOffset = WALHeaderSize
	return w.flushHeader()
}

func (w *WAL) flushHeader() error {
	buf := make([]byte, WALHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], WALMagic)
	binary.LittleEndian.PutUint32(buf[4:8], HeaderVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(w.pageSize))
	binary.LittleEndian.PutUint64(buf[12:20], w.checkpointTxID)
	binary.LittleEndian.PutUint32(buf[20:24], w.salt1)
	binary.LittleEndian.PutUint32(buf[24:28], w.salt2)
	sum := crc32.ChecksumIEEE(buf[0:28])
	binary.LittleEndian.PutUint32(buf[28:32], sum)
	_, err := w.file.WriteAt(buf, 0)
	return err
}

func (w *WAL) readHeader() error {
	buf := make([]byte, WALHeaderSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return errs.Wrap(errs.InvalidOperation, err, "wal: read header")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != WALMagic {
		return errs.New(errs.InvalidData, "wal: bad magic %#x", magic)
	}
	want := binary.LittleEndian.Uint32(buf[28:32])
	if got := crc32.ChecksumIEEE(buf[0:28]); got != want {
		return errs.New(errs.InvalidData, "wal: header checksum mismatch")
	}
	w.checkpointTxID = binary.LittleEndian.Uint64(buf[12:20])
	w.salt1 = binary.LittleEndian.Uint32(buf[20:24])
	w.salt2 = binary.LittleEndian.Uint32(buf[24:28])
	return nil
}

// CheckpointTxID returns the WAL header's checkpoint hint.
func (w *WAL) CheckpointTxID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointTxID
}

// MaxCommittedTxID scans the log for the highest tx_id carrying a
// committed frame, for the facade to reseed the transaction manager's
// counter and commit horizon after Recover replays the base file at
// Open. Returns 0 if the log has no committed user transactions yet.
func (w *WAL) MaxCommittedTxID() (uint64, error) {
	w.mu.Lock()
	frames, err := w.scanFrames()
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}
	committedTx := make(map[uint64]bool)
	for _, f := range frames {
		if f.committed() {
			committedTx[f.TxID] = true
		}
	}
	var maxTx uint64
	for txID := range committedTx {
		if txID > maxTx {
			maxTx = txID
		}
	}
	return maxTx, nil
}

// WriteFrame appends a single frame carrying pageData (at most pageSize
// bytes; shorter payloads are zero-padded on disk but recorded with their
// true length).
func (w *WAL) WriteFrame(txID uint64, pageID uint32, pageType PageType, data []byte, flags byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFrameLocked(txID, pageID, pageType, data, flags)
}

func (w *WAL) writeFrameLocked(txID uint64, pageID uint32, pageType PageType, data []byte, flags byte) error {
	if len(data) > w.pageSize {
		return errs.New(errs.ArgumentError, "wal: payload %d exceeds page size %d", len(data), w.pageSize)
	}
	header := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], w.nextFrameNum)
	binary.LittleEndian.PutUint64(header[8:16], txID)
	binary.LittleEndian.PutUint32(header[16:20], pageID)
	header[20] = byte(pageType)
	header[21] = flags
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[28:32], w.salt1)
	binary.LittleEndian.PutUint32(header[32:36], w.salt2)

	payload := make([]byte, w.pageSize)
	copy(payload, data)

	sum := crc32.ChecksumIEEE(header[0:36])
	sum = crc32.Update(sum, crc32.IEEETable, payload)
	binary.LittleEndian.PutUint32(header[36:40], sum)

	frame := append(header, payload...)
	if _, err := w.file.WriteAt(frame, w.writeOffset); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "wal: write frame %d", w.nextFrameNum)
	}
	w.writeOffset += int64(len(frame))
	w.nextFrameNum++
	return nil
}

// WriteTransactionBatch writes N-1 frames flagged None and a final frame
// flagged Commit, then flushes for durability. The commit frame's payload
// is the real final page image of the transaction, not a sentinel.
func (w *WAL) WriteTransactionBatch(txID uint64, writes []PendingWrite) error {
	if len(writes) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, pw := range writes {
		flags := FlagNone
		if i == len(writes)-1 {
			flags = FlagCommit
		}
		if err := w.writeFrameLocked(txID, pw.PageID, pw.PageType, pw.Data, flags); err != nil {
			return err
		}
	}
	return w.file.Sync()
}

// Flush fsyncs the WAL file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// scanFrames reads every frame from offset 32 that passes salt and checksum
// validation, stopping at the first failure (the torn tail).
func (w *WAL) scanFrames() ([]Frame, error) {
	var frames []Frame
	offset := int64(WALHeaderSize)
	header := make([]byte, FrameHeaderSize)
	for {
		n, err := w.file.ReadAt(header, offset)
		if n < FrameHeaderSize || err != nil {
			break
		}
		payloadLen := binary.LittleEndian.Uint32(header[24:28])
		salt1 := binary.LittleEndian.Uint32(header[28:32])
		salt2 := binary.LittleEndian.Uint32(header[32:36])
		if salt1 != w.salt1 || salt2 != w.salt2 {
			break
		}
		payload := make([]byte, w.pageSize)
		if _, err := w.file.ReadAt(payload, offset+FrameHeaderSize); err != nil && err != io.EOF {
			break
		}
		want := binary.LittleEndian.Uint32(header[36:40])
		sum := crc32.ChecksumIEEE(header[0:36])
		sum = crc32.Update(sum, crc32.IEEETable, payload)
		if sum != want {
			break
		}

		frames = append(frames, Frame{
			FrameNumber: binary.LittleEndian.Uint64(header[0:8]),
			TxID:        binary.LittleEndian.Uint64(header[8:16]),
			PageID:      binary.LittleEndian.Uint32(header[16:20]),
			PageType:    PageType(header[20]),
			Flags:       header[21],
			Payload:     payload[:payloadLen],
		})
		offset += FrameHeaderSize + int64(w.pageSize)
	}
	return frames, nil
}

// Recover replays committed frames into the base file via cache, in WAL
// order (not tx_id order), so auto-commit frames following a larger tx_id
// still win. A transaction is committed iff any of its frames carries the
// Commit flag; tx_id 0 (auto-commit) frames are always committed.
func (w *WAL) Recover(cache *PageCache) error {
	w.mu.Lock()
	frames, err := w.scanFrames()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	committedTx := make(map[uint64]bool)
	for _, f := range frames {
		if f.committed() {
			committedTx[f.TxID] = true
		}
	}
	for _, f := range frames {
		if !committedTx[f.TxID] {
			continue
		}
		if err := cache.WritePage(f.PageID, f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint replays committed, uncheckpointed frames into the base file
// via the page cache, then advances checkpoint_tx_id. It does not truncate
// the WAL; call Truncate for that once no active snapshot needs it.
func (w *WAL) Checkpoint(cache *PageCache) error {
	w.mu.Lock()
	frames, err := w.scanFrames()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	threshold := w.checkpointTxID
	w.mu.Unlock()

	committedTx := make(map[uint64]bool)
	var maxTx uint64
	for _, f := range frames {
		if f.committed() {
			committedTx[f.TxID] = true
		}
		if f.TxID > maxTx {
			maxTx = f.TxID
		}
	}
	for _, f := range frames {
		if f.TxID != 0 && f.TxID <= threshold {
			continue
		}
		if !committedTx[f.TxID] {
			continue
		}
		if err := cache.WritePage(f.PageID, f.Payload); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if maxTx > w.checkpointTxID {
		w.checkpointTxID = maxTx
	}
	return w.flushHeader()
}

// Truncate invalidates every existing frame by bumping salt1 and
// randomizing salt2, then physically shrinks the file to just the header.
// Legal only when no active transaction holds a snapshot older than the
// checkpoint TxId; the caller is responsible for that check.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var saltBuf [4]byte
	if _, err := rand.Read(saltBuf[:]); err != nil {
		return errs.Wrap(errs.InvalidOperation, err, "wal: truncate: generate salt2")
	}
	w.salt1++
	w.salt2 = binary.LittleEndian.Uint32(saltBuf[:])
	w.nextFrameNum = 0
	w.writeOffset = WALHeaderSize

	if t, ok := w.file.(Truncater); ok {
		if err := t.Truncate(WALHeaderSize); err != nil {
			return errs.Wrap(errs.InvalidOperation, err, "wal: truncate file")
		}
	}
	return w.flushHeader()
}

// Close syncs and releases the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
