package btreeindex

import (
	"encoding/binary"
	"sort"
)

// directoryEntry is one (minimum KeyRecord of a page -> page file offset)
// pair.
type directoryEntry struct {
	key    KeyRecord
	offset int64
}

// HeaderDirectory is the in-memory ordered mapping from a page's minimum
// KeyRecord to its file offset (spec §4.4). It routes every Tree
// operation to at most one page.
//
// Grounded on original_source/BTreeHeader.h (BTreeHeaderBase /
// BTreeHeader<Key>). Open Question decision (spec §9): the source's
// GetMaximumPage does an O(size) linear walk from the first entry; this
// implementation keeps entries sorted in a slice so GetPage is a binary
// search (O(log n)) and GetMinimumPage/GetMaximumPage are O(1), with
// observable behavior unchanged.
type HeaderDirectory struct {
	desc    shapeDescriptor
	entries []directoryEntry // sorted ascending by key
}

// NewHeaderDirectory constructs an empty directory for the given key
// shape descriptor.
func NewHeaderDirectory(desc shapeDescriptor) *HeaderDirectory {
	return &HeaderDirectory{desc: desc}
}

// Size is the number of entries in the directory.
func (d *HeaderDirectory) Size() int { return len(d.entries) }

// Clear empties the directory.
func (d *HeaderDirectory) Clear() { d.entries = d.entries[:0] }

func (d *HeaderDirectory) search(kr KeyRecord) (idx int, found bool) {
	idx = sort.Search(len(d.entries), func(i int) bool {
		return d.desc.compareKeyRecord(d.entries[i].key, kr) >= 0
	})
	if idx < len(d.entries) && d.desc.compareKeyRecord(d.entries[idx].key, kr) == 0 {
		return idx, true
	}
	return idx, false
}

// SetPageOffset inserts or updates the entry for kr.
func (d *HeaderDirectory) SetPageOffset(kr KeyRecord, offset int64) {
	idx, found := d.search(kr)
	if found {
		d.entries[idx].offset = offset
		return
	}
	d.entries = append(d.entries, directoryEntry{})
	copy(d.entries[idx+1:], d.entries[idx:])
	d.entries[idx] = directoryEntry{key: kr, offset: offset}
}

// DeletePageOffset removes the entry for kr, if present.
func (d *HeaderDirectory) DeletePageOffset(kr KeyRecord) {
	idx, found := d.search(kr)
	if !found {
		return
	}
	d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
}

// DirectoryIterator is a scoped borrow of a directory entry, positioned
// by GetPage/GetMinimumPage/GetMaximumPage. It is invalidated by any
// directory mutation except the explicit re-key pattern of spec §4.2.
type DirectoryIterator struct {
	d   *HeaderDirectory
	idx int
}

// Exhausted reports whether the iterator has no current entry.
func (it *DirectoryIterator) Exhausted() bool {
	return it.d == nil || it.idx < 0 || it.idx >= len(it.d.entries)
}

// MoveNextPage advances to the next directory entry.
func (it *DirectoryIterator) MoveNextPage() {
	it.idx++
}

// CurrentKey returns the key of the current entry.
func (it *DirectoryIterator) CurrentKey() KeyRecord {
	return it.d.entries[it.idx].key
}

// CurrentOffset returns the file offset of the current entry.
func (it *DirectoryIterator) CurrentOffset() int64 {
	return it.d.entries[it.idx].offset
}

// GetPage positions an iterator at the greatest entry whose key is <=
// kr; if kr precedes every entry, positions at the first entry.
func (d *HeaderDirectory) GetPage(kr KeyRecord) *DirectoryIterator {
	if len(d.entries) == 0 {
		return &DirectoryIterator{d: d, idx: -1}
	}
	// First index with key > kr; the page we want is one before that,
	// unless kr precedes every entry (idx==0), matching the source's
	// upper_bound-then-decrement / "else position at first entry" rule.
	idx := sort.Search(len(d.entries), func(i int) bool {
		return d.desc.compareKeyRecord(d.entries[i].key, kr) > 0
	})
	if idx == 0 {
		return &DirectoryIterator{d: d, idx: 0}
	}
	return &DirectoryIterator{d: d, idx: idx - 1}
}

// GetMinimumPage positions an iterator at the first entry.
func (d *HeaderDirectory) GetMinimumPage() *DirectoryIterator {
	if len(d.entries) == 0 {
		return &DirectoryIterator{d: d, idx: -1}
	}
	return &DirectoryIterator{d: d, idx: 0}
}

// GetMaximumPage positions an iterator at the last entry in O(1), unlike
// the source's O(size) linear walk (spec §9 Open Question).
func (d *HeaderDirectory) GetMaximumPage() *DirectoryIterator {
	if len(d.entries) == 0 {
		return &DirectoryIterator{d: d, idx: -1}
	}
	return &DirectoryIterator{d: d, idx: len(d.entries) - 1}
}

// Load deserializes a flat sequence of (KeyRecord, offset) pairs from r,
// replacing the directory's contents. The sequence is read from the byte
// range [start, end).
func (d *HeaderDirectory) Load(r readerAt, start, end int64) error {
	d.entries = d.entries[:0]
	const recSize = KeyRecordSize + 8 // key-record bytes + 8-byte file offset
	buf := make([]byte, recSize)
	for off := start; off < end; off += recSize {
		if _, err := r.ReadAt(buf, off); err != nil {
			return newIOError("directory load", err)
		}
		key := d.desc.decodeKey(buf[0:maxKeyBytes])
		koff := int32(binary.LittleEndian.Uint32(buf[maxKeyBytes : maxKeyBytes+4]))
		pageOffset := int64(binary.LittleEndian.Uint64(buf[KeyRecordSize : KeyRecordSize+8]))
		d.entries = append(d.entries, directoryEntry{key: KeyRecord{Key: key, Offset: koff}, offset: pageOffset})
	}
	return nil
}

// Save serializes the directory's entries, in key order, to w starting
// at off, and returns the number of bytes written.
func (d *HeaderDirectory) Save(w writerAt, off int64) (int64, error) {
	const recSize = KeyRecordSize + 8
	buf := make([]byte, recSize)
	cur := off
	for _, e := range d.entries {
		d.desc.encodeKey(e.key.Key, buf[0:maxKeyBytes])
		binary.LittleEndian.PutUint32(buf[maxKeyBytes:maxKeyBytes+4], uint32(e.key.Offset))
		binary.LittleEndian.PutUint64(buf[KeyRecordSize:KeyRecordSize+8], uint64(e.offset))
		if _, err := w.WriteAt(buf, cur); err != nil {
			return cur - off, newIOError("directory save", err)
		}
		cur += recSize
	}
	return cur - off, nil
}

// readerAt/writerAt mirror io.ReaderAt/io.WriterAt; declared locally so
// this file does not need to import io just for these two methods.
type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

type writerAt interface {
	WriteAt(p []byte, off int64) (int, error)
}
