package btreeindex

import (
	"context"
	"encoding/binary"
	"io"
)

// HeaderSize is the fixed reserved-header byte width at the start of an
// IndexFile (spec §6).
const HeaderSize = 1024

const (
	offsetShutdownByte  = 0
	offsetKeyCount      = 1
	offsetDirectoryOff  = 5
)

// fileHandle is the minimal file-like surface IndexFile depends on: an
// io.ReaderAt/io.WriterAt with Truncate, Sync, Close and Size, so tests can back it with github.com/dsnet/golib/memfile's in-memory
// io.ReadWriteSeeker instead of a real os.File.
type fileHandle interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
	Size() (int64, error)
}

// IndexFile owns the on-disk byte layout described in spec §6: the
// reserved header region, the sequence of page images, the trailing
// serialized HeaderDirectory, and the in-memory free-offset list.
//
// Grounded on original_source/DBIndex.cpp's Open/Close/Clear/Flush/
// AllocPage/PrepareNewPage/LoadPage/SavePage.
type IndexFile struct {
	f    fileHandle
	desc shapeDescriptor

	keyCount  int32
	directoryOff int64

	freeOffsets []int64 // LIFO of offsets of now-empty pages; not persisted
	nextOffset  int64   // end-of-file watermark for new-page growth
}

// OpenIndexFile opens (or initializes) the reserved header region of f.
// Returns wasCleanClose=false and starts from empty state if the file is
// shorter than HeaderSize or its shutdown byte is not 1 (spec §4.2
// "open"), in which case the caller still must load an empty
// HeaderDirectory. On either path, the shutdown byte is set to 0
// ("in-use") and flushed before returning, per the shutdown-byte
// protocol (spec §9).
func OpenIndexFile(ctx context.Context, f fileHandle, desc shapeDescriptor, dir *HeaderDirectory) (idx *IndexFile, wasCleanClose bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, newIOError("open", err)
	}
	idx = &IndexFile{f: f, desc: desc, nextOffset: HeaderSize}

	size, err := f.Size()
	if err != nil {
		return nil, false, newIOError("open:size", err)
	}

	header := make([]byte, HeaderSize)
	if size < HeaderSize {
		if err := idx.writeHeader(0, 0, 0); err != nil {
			return nil, false, err
		}
		return idx, false, nil
	}

	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, false, newIOError("open:read-header", err)
	}
	if header[offsetShutdownByte] != 1 {
		if err := idx.writeHeader(0, 0, 0); err != nil {
			return nil, false, err
		}
		return idx, false, nil
	}

	idx.keyCount = int32(binary.LittleEndian.Uint32(header[offsetKeyCount : offsetKeyCount+4]))
	idx.directoryOff = int64(int32(binary.LittleEndian.Uint32(header[offsetDirectoryOff : offsetDirectoryOff+4])))

	// The serialized HeaderDirectory occupies [directoryOff, size) of
	// the file as it existed before this open; load it BEFORE
	// truncating away those bytes below.
	if err := dir.Load(rawReader{f}, idx.directoryOff, size); err != nil {
		return nil, false, err
	}
	idx.nextOffset = idx.directoryOff

	if err := idx.writeHeader(0, idx.keyCount, idx.directoryOff); err != nil {
		return nil, false, err
	}
	if err := f.Truncate(idx.directoryOff); err != nil {
		return nil, false, newIOError("open:truncate", err)
	}
	return idx, true, nil
}

func (idx *IndexFile) writeHeader(shutdown byte, keyCount int32, directoryOff int64) error {
	buf := make([]byte, HeaderSize)
	buf[offsetShutdownByte] = shutdown
	binary.LittleEndian.PutUint32(buf[offsetKeyCount:offsetKeyCount+4], uint32(keyCount))
	binary.LittleEndian.PutUint32(buf[offsetDirectoryOff:offsetDirectoryOff+4], uint32(directoryOff))
	if _, err := idx.f.WriteAt(buf, 0); err != nil {
		return newIOError("write-header", err)
	}
	if err := idx.f.Sync(); err != nil {
		return newIOError("sync-header", err)
	}
	return nil
}

// KeyCount is the total key count recorded at last clean close (or 0 on
// a freshly-initialized / dirty-recovered file).
func (idx *IndexFile) KeyCount() int32 { return idx.keyCount }

// AllocOffset pops a free offset if one is available, else grows the
// file by one page (spec §4.6).
func (idx *IndexFile) AllocOffset() int64 {
	if n := len(idx.freeOffsets); n > 0 {
		off := idx.freeOffsets[n-1]
		idx.freeOffsets = idx.freeOffsets[:n-1]
		return off
	}
	off := idx.nextOffset
	idx.nextOffset += PageSize
	return off
}

// FreeOffset appends offset to the in-memory free-offset list (spec §4.6).
func (idx *IndexFile) FreeOffset(offset int64) {
	idx.freeOffsets = append(idx.freeOffsets, offset)
}

// LoadPage reads the page image at offset into page. Returns ok=false if
// the integrity marker doesn't validate -- the caller treats that as a
// never-written page, not an error (spec §4.1).
func (idx *IndexFile) LoadPage(ctx context.Context, page *Page) (ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, newIOError("load-page", err)
	}
	buf := make([]byte, PageSize)
	n, err := idx.f.ReadAt(buf, page.Offset())
	if err != nil && err != io.EOF {
		return false, newIOError("load-page", err)
	}
	if n < PageSize {
		// never-written region (e.g. a freshly grown file): treat as a
		// never-written page rather than a short-read fault.
		page.Clear()
		return false, nil
	}
	return page.Load(buf), nil
}

// SavePage writes page's image to its own file offset if dirty. The
// page's dirty flag is left untouched until the write is confirmed: if
// WriteAt fails, the page stays dirty and is retried on the next flush
// or eviction instead of the failed write being silently lost.
func (idx *IndexFile) SavePage(ctx context.Context, page *Page) error {
	if err := ctx.Err(); err != nil {
		return newIOError("save-page", err)
	}
	buf := make([]byte, PageSize)
	if !page.Save(buf) {
		return nil
	}
	if _, err := idx.f.WriteAt(buf, page.Offset()); err != nil {
		return newIOError("save-page", err)
	}
	page.MarkClean()
	return nil
}

// Close appends the serialized directory at end-of-file, writes the
// final key-count/directory-offset into the reserved header, and -- only
// if that directory save succeeds -- sets the shutdown byte to 1 (spec
// §4.2 "close", §9 shutdown-byte protocol). keyCount is the Tree's
// current total count.
func (idx *IndexFile) Close(ctx context.Context, dir *HeaderDirectory, keyCount int32) error {
	if err := ctx.Err(); err != nil {
		return newIOError("close", err)
	}
	dirOff := idx.nextOffset
	// Drop any bytes past the last page (e.g. stale pages left from a
	// session that did not close cleanly) so the directory ends at EOF.
	size, err := idx.f.Size()
	if err != nil {
		return newIOError("close:size", err)
	}
	if size > dirOff {
		if err := idx.f.Truncate(dirOff); err != nil {
			return newIOError("close:truncate", err)
		}
	}
	if _, err := dir.Save(idx.f, dirOff); err != nil {
		return err
	}
	idx.keyCount = keyCount
	idx.directoryOff = dirOff
	if err := idx.writeHeader(0, keyCount, dirOff); err != nil {
		return err
	}
	if err := idx.f.Sync(); err != nil {
		return newIOError("close:sync", err)
	}
	return idx.writeHeader(1, keyCount, dirOff)
}

// Clear truncates the file back to an empty, just-initialized state:
// zero header region, empty free-offset list, watermark reset to
// HeaderSize (spec §4.2 "clear").
func (idx *IndexFile) Clear() error {
	if err := idx.f.Truncate(HeaderSize); err != nil {
		return newIOError("clear:truncate", err)
	}
	idx.keyCount = 0
	idx.directoryOff = 0
	idx.nextOffset = HeaderSize
	idx.freeOffsets = nil
	return idx.writeHeader(0, 0, 0)
}

// CloseHandle releases the underlying file handle. Safe to call even if
// Close (the clean-shutdown sequence) was never reached.
func (idx *IndexFile) CloseHandle() error {
	if err := idx.f.Close(); err != nil {
		return newIOError("close-handle", err)
	}
	return nil
}
