package storage

import (
	"io"
	"os"

	"github.com/rthomasv3/galdrdb/errs"
)

// Truncater is implemented by storage files that support set_length; both
// *os.File and *MemFile satisfy it.
type Truncater interface {
	Truncate(size int64) error
}

// PageIO is the fixed-size block I/O layer. Reads past the current
// length return zero-filled pages; writes extend the file as needed. The
// caller is responsible for updating header/bitmap/FSM bookkeeping after a
// write that grows the file.
type PageIO struct {
	file     StorageFile
	pageSize int
}

// NewPageIO wraps a StorageFile with fixed-size page semantics.
func NewPageIO(file StorageFile, pageSize int) *PageIO {
	return &PageIO{file: file, pageSize: pageSize}
}

func (io_ *PageIO) PageSize() int { return io_.pageSize }

// ReadPage fills buf (which must be exactly PageSize bytes) with the
// on-disk contents of pageID, or zeros if pageID is beyond the current
// file length.
func (io_ *PageIO) ReadPage(pageID uint32, buf []byte) error {
	if len(buf) != io_.pageSize {
		return errs.New(errs.InvalidOperation, "pageio: buffer length %d != page size %d", len(buf), io_.pageSize)
	}
	off := int64(pageID) * int64(io_.pageSize)
	n, err := io_.file.ReadAt(buf, off)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	if err != nil && err != io.EOF {
		return errs.Wrap(errs.InvalidOperation, err, "pageio: read page %d", pageID)
	}
	return nil
}

// WritePage writes buf (exactly PageSize bytes) at pageID's offset,
// extending the underlying file if necessary.
func (io_ *PageIO) WritePage(pageID uint32, buf []byte) error {
	if len(buf) != io_.pageSize {
		return errs.New(errs.InvalidOperation, "pageio: buffer length %d != page size %d", len(buf), io_.pageSize)
	}
	off := int64(pageID) * int64(io_.pageSize)
	_, err := io_.file.WriteAt(buf, off)
	return err
}

// Flush makes all prior writes durable.
func (io_ *PageIO) Flush() error { return io_.file.Sync() }

// SetLength grows or shrinks the backing file to exactly the given number
// of bytes, when the backing StorageFile supports it (os.File, MemFile).
func (io_ *PageIO) SetLength(bytes int64) error {
	if t, ok := io_.file.(Truncater); ok {
		return t.Truncate(bytes)
	}
	if f, ok := io_.file.(*os.File); ok {
		return f.Truncate(bytes)
	}
	return nil
}

// Close releases the underlying file.
func (io_ *PageIO) Close() error { return io_.file.Close() }
