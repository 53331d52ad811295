package btreeindex

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Tree is the public façade composing Page, PageCache, HeaderDirectory
// and IndexFile: it exposes insert, delete, range scan, full scan,
// min/max, and lifecycle (spec §4.2).
//
// Grounded on original_source/DBIndex.cpp's InsertKey/DeleteKey/
// GetAllKeys/SearchForRange/Open/Close/Clear/Flush, and on the teacher's
// BLTree as the thin-façade-over-a-lower-layer shape, with the lower
// layer being this engine's single-writer IndexFile instead of a
// concurrent buffer-managed B-link tree.
type Tree struct {
	desc  shapeDescriptor
	cfg   treeConfig
	log   *zap.SugaredLogger
	file  *IndexFile
	dir   *HeaderDirectory
	cache *PageCache

	count int32

	// freeHandle is a free Page allocation kept around after an
	// eviction, reused for the next newly-allocated page instead of
	// allocating fresh (spec §4.3 "page reuse discipline").
	freeHandle *Page

	disposed bool
}

// Open opens (or initializes) path as a Tree over the given key shape.
// Returns wasCleanClose=false if the file was short or its shutdown byte
// was not 1 (spec §4.2/§7 DirtyRecovery), in which case the tree starts
// from empty state; this is not itself an error.
func Open(ctx context.Context, path string, shape KeyShape, opts ...Option) (*Tree, bool, error) {
	f, err := OpenFile(path)
	if err != nil {
		return nil, false, err
	}
	return openWithHandle(ctx, f, shape, opts...)
}

// OpenInMemory opens an in-memory Tree backed by
// github.com/dsnet/golib/memfile, for deterministic, disk-free use
// (primarily tests).
func OpenInMemory(ctx context.Context, shape KeyShape, opts ...Option) (*Tree, bool, error) {
	return openWithHandle(ctx, OpenMemFile(), shape, opts...)
}

func openWithHandle(ctx context.Context, f fileHandle, shape KeyShape, opts ...Option) (*Tree, bool, error) {
	desc, err := newShapeDescriptor(shape)
	if err != nil {
		return nil, false, err
	}
	cfg := newDefaultTreeConfig()
	for _, o := range opts {
		o(&cfg)
	}

	dir := NewHeaderDirectory(desc)
	idxFile, wasClean, err := OpenIndexFile(ctx, f, desc, dir)
	if err != nil {
		return nil, false, err
	}

	t := &Tree{
		desc: desc,
		cfg:  cfg,
		log:  cfg.logger,
		file: idxFile,
		dir:  dir,
	}
	t.cache = NewPageCache(cfg.cacheSize, func(p *Page) error {
		return t.file.SavePage(ctx, p)
	})

	if wasClean {
		t.count = idxFile.KeyCount()
		t.log.Infow("opened index cleanly", "keyCount", t.count, "pages", t.dir.Size())
	} else {
		t.log.Warnw("index did not close cleanly; starting from empty state")
	}

	return t, wasClean, nil
}

// rawReader adapts a fileHandle's ReadAt to the readerAt interface used
// by HeaderDirectory.Load, which only needs reads (no need to expose the
// whole fileHandle surface there).
type rawReader struct{ f fileHandle }

func (r rawReader) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }

func (t *Tree) checkDisposed(op string) error {
	if t.disposed {
		return newDisposedError(op)
	}
	return nil
}

// Close flushes the cache, appends the serialized HeaderDirectory, writes
// the key-count/directory-offset header, and sets the shutdown byte to 1
// (spec §4.2 "close"). If the flush fails, the directory and header are
// not written. The file handle is released on every exit path,
// including when the flush or the directory save fails (in which case the
// shutdown byte is deliberately left at 0, marking the next open as dirty).
func (t *Tree) Close(ctx context.Context) error {
	if err := t.checkDisposed("close"); err != nil {
		return err
	}
	t.disposed = true

	flushErr := t.doFlush(ctx)
	var closeErr error
	if flushErr == nil {
		closeErr = t.file.Close(ctx, t.dir, t.count)
	}
	handleErr := t.file.CloseHandle()

	if err := multierr.Combine(flushErr, closeErr); err != nil {
		t.log.Errorw("close did not complete cleanly; next open will be treated as dirty", "error", err)
	}
	return multierr.Combine(flushErr, closeErr, handleErr)
}

// Clear empties the HeaderDirectory, page cache, and free-offset list,
// and truncates the file back to an empty, just-initialized state (spec
// §4.2 "clear").
func (t *Tree) Clear(ctx context.Context) error {
	if err := t.checkDisposed("clear"); err != nil {
		return err
	}
	t.cache.ClearWithoutSaving()
	t.dir.Clear()
	t.count = 0
	t.freeHandle = nil
	return t.file.Clear()
}

// Flush writes back every dirty cached page, checking consistency with
// the HeaderDirectory; a mismatch surfaces as ErrCorrupt (spec §4.2/§4.3).
func (t *Tree) Flush(ctx context.Context) error {
	if err := t.checkDisposed("flush"); err != nil {
		return err
	}
	return t.doFlush(ctx)
}

// doFlush is Flush's body without the disposed check, so Close (which
// has already marked the tree disposed by the time it flushes) can still
// run it.
func (t *Tree) doFlush(ctx context.Context) error {
	consistent, err := t.cache.Clear(t.dir)
	if err != nil {
		return err
	}
	if !consistent {
		corruptErr := newCorruptError("cached page minimum disagreed with HeaderDirectory at flush")
		t.log.Errorw(corruptErr.Error())
		return corruptErr
	}
	return nil
}

// Count is the tree's current total key count.
func (t *Tree) Count() int32 { return t.count }

// CacheSize is the PageCache's current capacity.
func (t *Tree) CacheSize() int { return t.cache.Size() }

// SetCacheSize forwards to the cache, flooring n at 2 (spec §4.2).
func (t *Tree) SetCacheSize(n int) error { return t.cache.SetSize(n) }

// CacheHitRate is the PageCache's observed hit rate (supplemented
// accessor from original_source/BTreePagesCache.h::GetHitRate).
func (t *Tree) CacheHitRate() float64 { return t.cache.GetHitRate() }

// LoadedPagesCount is the number of pages currently resident in the
// cache (supplemented accessor from DBIndex.cpp's public getters).
func (t *Tree) LoadedPagesCount() int {
	n := 0
	for _, p := range t.cache.slots {
		if p != nil {
			n++
		}
	}
	return n
}

// PageSize is the fixed on-disk byte width of one page image.
func (t *Tree) PageSize() int { return PageSize }

// MaxCount is N, the maximum live-key capacity of a single page.
func (t *Tree) MaxCount() int { return MaxKeysInPage }

// fetchPage loads (or allocates) the page at offset, going through the
// cache first.
func (t *Tree) fetchPage(ctx context.Context, offset int64) (*Page, error) {
	if p, ok := t.cache.TryOffset(offset); ok {
		return p, nil
	}
	page := t.borrowPageHandle()
	page.SetOffset(offset)
	if _, err := t.file.LoadPage(ctx, page); err != nil {
		return nil, err
	}
	if err := t.admitPage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// allocPage allocates a brand-new page at a fresh or reused file offset
// and admits it into the cache.
func (t *Tree) allocPage(ctx context.Context) (*Page, error) {
	page := t.borrowPageHandle()
	page.Clear()
	page.SetOffset(t.file.AllocOffset())
	if err := t.admitPage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// borrowPageHandle returns the free handle left by the last eviction, if
// any, else allocates a fresh Page (spec §4.3 page-reuse discipline).
func (t *Tree) borrowPageHandle() *Page {
	if t.freeHandle != nil {
		p := t.freeHandle
		t.freeHandle = nil
		return p
	}
	return NewPage(t.desc)
}

func (t *Tree) admitPage(page *Page) error {
	evicted, didEvict, err := t.cache.Cache(page)
	if err != nil {
		return err
	}
	if didEvict {
		t.freeHandle = evicted
	}
	return nil
}

func zeroOffsetKey(k Key) KeyRecord  { return KeyRecord{Key: k, Offset: 0} }
func maxOffsetKey(k Key) KeyRecord   { return KeyRecord{Key: k, Offset: 0x7fffffff} }

// Insert records (key, offset) in the tree, routing via the
// HeaderDirectory and splitting or opening a new page as needed (spec
// §4.2 "insert").
func (t *Tree) Insert(ctx context.Context, key Key, offset int32) error {
	if err := t.checkDisposed("insert"); err != nil {
		return err
	}
	kr := KeyRecord{Key: key, Offset: offset}
	t.count++

	if t.dir.Size() == 0 {
		return t.insertIntoNewPage(ctx, kr)
	}

	first := t.dir.GetMinimumPage()
	if t.desc.compareKeyRecord(kr, first.CurrentKey()) < 0 {
		return t.insertIntoNewPage(ctx, kr)
	}

	it := t.dir.GetPage(kr)
	pageOffset := it.CurrentOffset()
	oldMin := it.CurrentKey()
	page, err := t.fetchPage(ctx, pageOffset)
	if err != nil {
		return err
	}

	if !page.IsFull() && page.IsAlmostFull() {
		max, _ := page.Max()
		min, _ := page.Min()
		if t.desc.compareKeyRecord(kr, max) > 0 || t.desc.compareKeyRecord(kr, min) < 0 {
			return t.insertIntoNewPage(ctx, kr)
		}
	}

	if !page.IsFull() {
		page.Insert(kr)
		return t.reKeyIfMinChanged(page, oldMin)
	}

	right, err := t.allocPage(ctx)
	if err != nil {
		return err
	}
	page.Split(right)
	rightMin, _ := right.Min()
	t.dir.SetPageOffset(rightMin, right.Offset())

	if t.desc.compareKeyRecord(kr, rightMin) < 0 {
		page.Insert(kr)
		return t.reKeyIfMinChanged(page, oldMin)
	}
	right.Insert(kr)
	return nil
}

func (t *Tree) insertIntoNewPage(ctx context.Context, kr KeyRecord) error {
	page, err := t.allocPage(ctx)
	if err != nil {
		return err
	}
	page.Insert(kr)
	min, _ := page.Min()
	t.dir.SetPageOffset(min, page.Offset())
	return nil
}

// reKeyIfMinChanged re-keys page's directory entry if its minimum moved
// below oldMin after an insert, i.e. the inserted key became the new
// page minimum (spec §4.2's trailing check, reached by both fall-through
// insert paths in DBIndex.cpp::InsertKey and folded into one helper
// here per SPEC_FULL.md's supplemented-features note).
func (t *Tree) reKeyIfMinChanged(page *Page, oldMin KeyRecord) error {
	newMin, _ := page.Min()
	if t.desc.compareKeyRecord(newMin, oldMin) < 0 {
		t.dir.DeletePageOffset(oldMin)
		t.dir.SetPageOffset(newMin, page.Offset())
	}
	return nil
}

// Delete removes (key, offset) from the tree, if present (spec §4.2
// "delete").
func (t *Tree) Delete(ctx context.Context, key Key, offset int32) (bool, error) {
	if err := t.checkDisposed("delete"); err != nil {
		return false, err
	}
	if t.dir.Size() == 0 {
		return false, nil
	}
	kr := KeyRecord{Key: key, Offset: offset}
	it := t.dir.GetPage(kr)
	if it.Exhausted() {
		return false, nil
	}
	pageOffset := it.CurrentOffset()
	oldMin := it.CurrentKey()
	page, err := t.fetchPage(ctx, pageOffset)
	if err != nil {
		return false, err
	}
	if !page.Delete(kr) {
		return false, nil
	}
	t.count--

	if page.Count() == 0 {
		t.file.FreeOffset(pageOffset)
		t.cache.RemovePage(pageOffset)
		t.dir.DeletePageOffset(oldMin)
		return true, nil
	}
	newMin, _ := page.Min()
	if t.desc.compareKeyRecord(oldMin, newMin) < 0 {
		t.dir.DeletePageOffset(oldMin)
		t.dir.SetPageOffset(newMin, pageOffset)
	}
	return true, nil
}

// GetAllKeys emits every KeyRecord in ascending order (spec §4.2
// "get_all_keys"). sink returning false stops enumeration early.
func (t *Tree) GetAllKeys(ctx context.Context, sink func(KeyRecord) bool) error {
	if err := t.checkDisposed("get_all_keys"); err != nil {
		return err
	}
	it := t.dir.GetMinimumPage()
	for !it.Exhausted() {
		page, err := t.fetchPage(ctx, it.CurrentOffset())
		if err != nil {
			return err
		}
		stop := false
		if err := page.AllKeys(func(kr KeyRecord) bool {
			if !sink(kr) {
				stop = true
				return false
			}
			return true
		}); err != nil {
			return err
		}
		if stop {
			return nil
		}
		it.MoveNextPage()
	}
	return nil
}

// SearchForRange emits every KeyRecord (k,o) with (k,o) >= (lo,0) and
// (k,o) <= (hi,0x7fffffff), in ascending order (spec §4.2
// "search_for_range").
func (t *Tree) SearchForRange(ctx context.Context, lo, hi Key, sink func(KeyRecord) bool) error {
	if err := t.checkDisposed("search_for_range"); err != nil {
		return err
	}
	loKR := zeroOffsetKey(lo)
	hiKR := maxOffsetKey(hi)

	it := t.dir.GetPage(loKR)
	for !it.Exhausted() {
		if t.desc.compareKeyRecord(it.CurrentKey(), hiKR) > 0 {
			return nil
		}
		page, err := t.fetchPage(ctx, it.CurrentOffset())
		if err != nil {
			return err
		}
		stop := false
		if err := page.SearchRange(loKR, hiKR, func(kr KeyRecord) bool {
			if !sink(kr) {
				stop = true
				return false
			}
			return true
		}); err != nil {
			return err
		}
		if stop {
			return nil
		}
		it.MoveNextPage()
	}
	return nil
}

// GetMinimum returns the smallest KeyRecord in the tree, if any.
func (t *Tree) GetMinimum(ctx context.Context) (KeyRecord, bool, error) {
	if err := t.checkDisposed("get_minimum"); err != nil {
		return KeyRecord{}, false, err
	}
	it := t.dir.GetMinimumPage()
	if it.Exhausted() {
		return KeyRecord{}, false, nil
	}
	page, err := t.fetchPage(ctx, it.CurrentOffset())
	if err != nil {
		return KeyRecord{}, false, err
	}
	kr, ok := page.Min()
	return kr, ok, nil
}

// GetMaximum returns the largest KeyRecord in the tree, if any.
func (t *Tree) GetMaximum(ctx context.Context) (KeyRecord, bool, error) {
	if err := t.checkDisposed("get_maximum"); err != nil {
		return KeyRecord{}, false, err
	}
	it := t.dir.GetMaximumPage()
	if it.Exhausted() {
		return KeyRecord{}, false, nil
	}
	page, err := t.fetchPage(ctx, it.CurrentOffset())
	if err != nil {
		return KeyRecord{}, false, err
	}
	kr, ok := page.Max()
	return kr, ok, nil
}
