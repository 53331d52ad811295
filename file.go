package btreeindex

import (
	"os"

	"github.com/dsnet/golib/memfile"
)

// osFileHandle adapts *os.File to the fileHandle interface IndexFile
// depends on. Reads and writes go through the kernel's own page cache
// via ordinary buffered I/O; header writes and the close sequence call
// Sync explicitly wherever durability matters (writeHeader, Close), so
// nothing here depends on page- or block-aligned buffers.
type osFileHandle struct {
	f *os.File
}

// OpenFile opens path for read/write, creating it if absent, and wraps
// it as a fileHandle.
func OpenFile(path string) (fileHandle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newIOError("open-file", err)
	}
	return &osFileHandle{f: f}, nil
}

func (h *osFileHandle) ReadAt(p []byte, off int64) (int, error) { return h.f.ReadAt(p, off) }
func (h *osFileHandle) WriteAt(p []byte, off int64) (int, error) { return h.f.WriteAt(p, off) }
func (h *osFileHandle) Truncate(size int64) error                { return h.f.Truncate(size) }
func (h *osFileHandle) Sync() error                              { return h.f.Sync() }
func (h *osFileHandle) Close() error                             { return h.f.Close() }

func (h *osFileHandle) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// memFileHandle adapts github.com/dsnet/golib/memfile's in-memory
// io.ReadWriteSeeker to the fileHandle interface, for deterministic,
// disk-free tests -- the same dependency and purpose the teacher's own
// test suite uses it for.
type memFileHandle struct {
	mf *memfile.File
}

// OpenMemFile returns a fresh in-memory fileHandle backed by memfile.
func OpenMemFile() fileHandle {
	return &memFileHandle{mf: memfile.New(nil)}
}

func (h *memFileHandle) ReadAt(p []byte, off int64) (int, error)  { return h.mf.ReadAt(p, off) }
func (h *memFileHandle) WriteAt(p []byte, off int64) (int, error) { return h.mf.WriteAt(p, off) }
func (h *memFileHandle) Truncate(size int64) error                { return h.mf.Truncate(size) }
func (h *memFileHandle) Sync() error                              { return nil }
func (h *memFileHandle) Close() error                              { return nil }

func (h *memFileHandle) Size() (int64, error) {
	off, err := h.mf.Seek(0, 2)
	if err != nil {
		return 0, err
	}
	return off, nil
}
