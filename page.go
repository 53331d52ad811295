package btreeindex

import "encoding/binary"

// Page layout constants, grounded on original_source/BTreePage.h.
const (
	// MaxKeysInPage is N, the live-slot capacity of a page.
	MaxKeysInPage = 1022
	// almostFullThreshold is N-64: once a page's live count reaches
	// this, out-of-range inserts open a new page instead of splitting.
	almostFullThreshold = MaxKeysInPage - 64
	// nullSlot is the RB-tree "null" sentinel, slot 0.
	nullSlot = 0
	// headerSlot stores count/free-list-head/root-index, slot 1.
	headerSlot = 1
	// firstDataSlot is the first slot available for live KeyRecords.
	firstDataSlot = 2

	// btreePageMagic is XORed into the root-index field of the header
	// slot before writing, and checked (top 22 bits) after reading.
	btreePageMagic uint32 = 0xbb40e609

	colorRed   = 0
	colorBlack = 1
)

// slot is one inline node of the page's arena-based red-black tree: a
// KeyRecord plus parent/left/right indices (10 bits each) and a 1-bit
// color, addressed by index rather than pointer. Slot 1 overloads these
// same fields to carry the page header (see headerSlot docs on Page).
type slot struct {
	kr     KeyRecord
	parent uint16
	left   uint16
	right  uint16
	color  uint8
}

// Page is a fixed-size container of up to MaxKeysInPage KeyRecords,
// organized as a red-black tree over an inline slot arena. It knows its
// own file offset and dirty bit; (de)serialization of its byte image is
// handled by load/save below.
//
// Grounded on original_source/BTreePage.h (BTreePageBase/BTreePage<Key>):
// same slot bit-packing, same free-list-via-right-link discipline, same
// split pivot rule (pre-clear root as pivot, see Split below).
type Page struct {
	desc   shapeDescriptor
	slots  []slot // indices 0..MaxKeysInPage+1
	offset int64
	dirty  bool

	minCached bool
	maxCached bool
	minIndex  uint16
	maxIndex  uint16
}

// NewPage allocates an empty page for the given key shape.
func NewPage(desc shapeDescriptor) *Page {
	p := &Page{
		desc:  desc,
		slots: make([]slot, MaxKeysInPage+2),
	}
	p.Clear()
	return p
}

// Offset is this page's byte offset in the IndexFile.
func (p *Page) Offset() int64 { return p.offset }

// SetOffset rebinds this page handle to a new file offset, used by the
// Tree's free-handle reuse discipline (spec §4.3) when an evicted page's
// allocation is repurposed for the next newly allocated page.
func (p *Page) SetOffset(off int64) { p.offset = off }

// Dirty reports whether this page has unsaved mutations.
func (p *Page) Dirty() bool { return p.dirty }

// The header slot overloads the general slot layout (spec §3): count in
// the `parent` field, free-list head in `right`, and the RB-tree root
// index in the 32-bit KeyRecord.Offset field (not one of the 10-bit
// relation fields) -- this is also the field the on-disk integrity
// marker XORs into, which only makes sense against a 32-bit field (spec
// §4.1/§6 "top 22 bits").
func (p *Page) count() int            { return int(p.slots[headerSlot].parent) }
func (p *Page) setCount(n int)        { p.slots[headerSlot].parent = uint16(n) }
func (p *Page) firstFree() uint16     { return p.slots[headerSlot].right }
func (p *Page) setFirstFree(i uint16) { p.slots[headerSlot].right = i }
func (p *Page) rootIndex() uint16     { return uint16(p.slots[headerSlot].kr.Offset) }
func (p *Page) setRootIndex(i uint16) { p.slots[headerSlot].kr.Offset = int32(i) }

// Count is the page's current live-key count.
func (p *Page) Count() int { return p.count() }

// IsFull reports whether the page is at its N-slot capacity.
func (p *Page) IsFull() bool { return p.count() >= MaxKeysInPage }

// IsAlmostFull reports whether the page has reached the ALMOST_FULL
// threshold (spec §3/§4.2).
func (p *Page) IsAlmostFull() bool { return p.count() >= almostFullThreshold }

// Clear resets the page to empty: count=0, free-list head=0, root=0,
// dirty=true, and invalidates the cached min/max.
func (p *Page) Clear() {
	for i := range p.slots {
		p.slots[i] = slot{}
	}
	p.setCount(0)
	p.setFirstFree(nullSlot)
	p.setRootIndex(nullSlot)
	p.dirty = true
	p.minCached = false
	p.maxCached = false
}

func (p *Page) allocSlot() uint16 {
	if free := p.firstFree(); free != nullSlot {
		p.setFirstFree(p.slots[free].right)
		return free
	}
	idx := uint16(p.count() + firstDataSlot)
	return idx
}

func (p *Page) freeSlotIndex(idx uint16) {
	p.slots[idx] = slot{right: p.firstFree()}
	p.setFirstFree(idx)
}

// --- red-black tree over the slot arena ---
// Grounded on original_source/BTreePage.h's Insert/Delete/fixup logic,
// the classic CLRS algorithm expressed over slot indices instead of
// pointers.

func (p *Page) isRed(i uint16) bool  { return i != nullSlot && p.slots[i].color == colorRed }
func (p *Page) isBlack(i uint16) bool { return !p.isRed(i) }

func (p *Page) leftRotate(x uint16) {
	y := p.slots[x].right
	p.slots[x].right = p.slots[y].left
	if p.slots[y].left != nullSlot {
		p.slots[p.slots[y].left].parent = x
	}
	p.slots[y].parent = p.slots[x].parent
	if p.slots[x].parent == nullSlot {
		p.setRootIndex(y)
	} else if x == p.slots[p.slots[x].parent].left {
		p.slots[p.slots[x].parent].left = y
	} else {
		p.slots[p.slots[x].parent].right = y
	}
	p.slots[y].left = x
	p.slots[x].parent = y
}

func (p *Page) rightRotate(x uint16) {
	y := p.slots[x].left
	p.slots[x].left = p.slots[y].right
	if p.slots[y].right != nullSlot {
		p.slots[p.slots[y].right].parent = x
	}
	p.slots[y].parent = p.slots[x].parent
	if p.slots[x].parent == nullSlot {
		p.setRootIndex(y)
	} else if x == p.slots[p.slots[x].parent].right {
		p.slots[p.slots[x].parent].right = y
	} else {
		p.slots[p.slots[x].parent].left = y
	}
	p.slots[y].right = x
	p.slots[x].parent = y
}

// Insert links kr into the RB-tree. Precondition: Count() < MaxKeysInPage;
// inserting into a full page is undefined per spec §4.1 and panics here
// rather than silently corrupting the arena.
func (p *Page) Insert(kr KeyRecord) {
	if p.IsFull() {
		panic("Page.Insert: page is full")
	}
	z := p.allocSlot()
	p.slots[z] = slot{kr: kr, color: colorRed}

	var y uint16 = nullSlot
	x := p.rootIndex()
	for x != nullSlot {
		y = x
		if p.desc.compareKeyRecord(kr, p.slots[x].kr) < 0 {
			x = p.slots[x].left
		} else {
			x = p.slots[x].right
		}
	}
	p.slots[z].parent = y
	if y == nullSlot {
		p.setRootIndex(z)
	} else if p.desc.compareKeyRecord(kr, p.slots[y].kr) < 0 {
		p.slots[y].left = z
	} else {
		p.slots[y].right = z
	}

	p.insertFixup(z)
	p.setCount(p.count() + 1)
	p.dirty = true
	p.minCached = false
	p.maxCached = false
}

func (p *Page) insertFixup(z uint16) {
	for p.isRed(p.slots[z].parent) {
		parent := p.slots[z].parent
		grand := p.slots[parent].parent
		if parent == p.slots[grand].left {
			uncle := p.slots[grand].right
			if p.isRed(uncle) {
				p.slots[parent].color = colorBlack
				p.slots[uncle].color = colorBlack
				p.slots[grand].color = colorRed
				z = grand
			} else {
				if z == p.slots[parent].right {
					z = parent
					p.leftRotate(z)
					parent = p.slots[z].parent
					grand = p.slots[parent].parent
				}
				p.slots[parent].color = colorBlack
				p.slots[grand].color = colorRed
				p.rightRotate(grand)
			}
		} else {
			uncle := p.slots[grand].left
			if p.isRed(uncle) {
				p.slots[parent].color = colorBlack
				p.slots[uncle].color = colorBlack
				p.slots[grand].color = colorRed
				z = grand
			} else {
				if z == p.slots[parent].left {
					z = parent
					p.rightRotate(z)
					parent = p.slots[z].parent
					grand = p.slots[parent].parent
				}
				p.slots[parent].color = colorBlack
				p.slots[grand].color = colorRed
				p.leftRotate(grand)
			}
		}
	}
	p.slots[p.rootIndex()].color = colorBlack
}

func (p *Page) find(kr KeyRecord) uint16 {
	x := p.rootIndex()
	for x != nullSlot {
		c := p.desc.compareKeyRecord(kr, p.slots[x].kr)
		switch {
		case c == 0:
			return x
		case c < 0:
			x = p.slots[x].left
		default:
			x = p.slots[x].right
		}
	}
	return nullSlot
}

func (p *Page) treeMinimum(x uint16) uint16 {
	for p.slots[x].left != nullSlot {
		x = p.slots[x].left
	}
	return x
}

func (p *Page) treeMaximum(x uint16) uint16 {
	for p.slots[x].right != nullSlot {
		x = p.slots[x].right
	}
	return x
}

func (p *Page) transplant(u, v uint16) {
	parent := p.slots[u].parent
	if parent == nullSlot {
		p.setRootIndex(v)
	} else if u == p.slots[parent].left {
		p.slots[parent].left = v
	} else {
		p.slots[parent].right = v
	}
	if v != nullSlot {
		p.slots[v].parent = parent
	}
}

// Delete removes kr if present. Returns true if it was present.
func (p *Page) Delete(kr KeyRecord) bool {
	z := p.find(kr)
	if z == nullSlot {
		return false
	}
	p.deleteSlot(z)
	p.setCount(p.count() - 1)
	p.freeSlotIndex(z)
	if p.count() == 0 {
		p.setRootIndex(nullSlot)
	}
	p.dirty = true
	p.minCached = false
	p.maxCached = false
	return true
}

// deleteSlot implements standard RB-tree deletion by splice with the
// in-order successor when both children are present, followed by the
// delete-fixup walk. After this returns, z's own slot has been
// disconnected from the tree (but is not yet freed by the caller).
func (p *Page) deleteSlot(z uint16) {
	y := z
	yOrigColor := p.slots[y].color
	var x, xParent uint16

	if p.slots[z].left == nullSlot {
		x = p.slots[z].right
		xParent = p.slots[z].parent
		p.transplant(z, p.slots[z].right)
	} else if p.slots[z].right == nullSlot {
		x = p.slots[z].left
		xParent = p.slots[z].parent
		p.transplant(z, p.slots[z].left)
	} else {
		y = p.treeMinimum(p.slots[z].right)
		yOrigColor = p.slots[y].color
		x = p.slots[y].right
		if p.slots[y].parent == z {
			xParent = y
		} else {
			xParent = p.slots[y].parent
			p.transplant(y, p.slots[y].right)
			p.slots[y].right = p.slots[z].right
			p.slots[p.slots[y].right].parent = y
		}
		p.transplant(z, y)
		p.slots[y].left = p.slots[z].left
		p.slots[p.slots[y].left].parent = y
		p.slots[y].color = p.slots[z].color
	}

	if yOrigColor == colorBlack {
		p.deleteFixup(x, xParent)
	}
}

func (p *Page) sideOf(parent, child uint16) bool {
	return child != nullSlot && parent != nullSlot && p.slots[parent].left == child
}

func (p *Page) deleteFixup(x, parent uint16) {
	for x != p.rootIndex() && p.isBlack(x) {
		if parent == nullSlot {
			break
		}
		if x == p.slots[parent].left {
			w := p.slots[parent].right
			if p.isRed(w) {
				p.slots[w].color = colorBlack
				p.slots[parent].color = colorRed
				p.leftRotate(parent)
				w = p.slots[parent].right
			}
			if p.isBlack(p.slots[w].left) && p.isBlack(p.slots[w].right) {
				p.slots[w].color = colorRed
				x = parent
				parent = p.slots[x].parent
			} else {
				if p.isBlack(p.slots[w].right) {
					p.slots[p.slots[w].left].color = colorBlack
					p.slots[w].color = colorRed
					p.rightRotate(w)
					w = p.slots[parent].right
				}
				p.slots[w].color = p.slots[parent].color
				p.slots[parent].color = colorBlack
				p.slots[p.slots[w].right].color = colorBlack
				p.leftRotate(parent)
				x = p.rootIndex()
				parent = nullSlot
			}
		} else {
			w := p.slots[parent].left
			if p.isRed(w) {
				p.slots[w].color = colorBlack
				p.slots[parent].color = colorRed
				p.rightRotate(parent)
				w = p.slots[parent].left
			}
			if p.isBlack(p.slots[w].right) && p.isBlack(p.slots[w].left) {
				p.slots[w].color = colorRed
				x = parent
				parent = p.slots[x].parent
			} else {
				if p.isBlack(p.slots[w].left) {
					p.slots[p.slots[w].right].color = colorBlack
					p.slots[w].color = colorRed
					p.leftRotate(w)
					w = p.slots[parent].left
				}
				p.slots[w].color = p.slots[parent].color
				p.slots[parent].color = colorBlack
				p.slots[p.slots[w].left].color = colorBlack
				p.rightRotate(parent)
				x = p.rootIndex()
				parent = nullSlot
			}
		}
	}
	if x != nullSlot {
		p.slots[x].color = colorBlack
	}
}

// Min returns the page's minimum KeyRecord, cached after first call.
func (p *Page) Min() (KeyRecord, bool) {
	if p.count() == 0 {
		return KeyRecord{}, false
	}
	if !p.minCached {
		p.minIndex = p.treeMinimum(p.rootIndex())
		p.minCached = true
	}
	return p.slots[p.minIndex].kr, true
}

// Max returns the page's maximum KeyRecord, cached after first call.
func (p *Page) Max() (KeyRecord, bool) {
	if p.count() == 0 {
		return KeyRecord{}, false
	}
	if !p.maxCached {
		p.maxIndex = p.treeMaximum(p.rootIndex())
		p.maxCached = true
	}
	return p.slots[p.maxIndex].kr, true
}

// Successor returns the in-order successor of kr within this page, if kr
// is present and has one.
func (p *Page) Successor(kr KeyRecord) (KeyRecord, bool) {
	x := p.find(kr)
	if x == nullSlot {
		return KeyRecord{}, false
	}
	return p.successorOf(x)
}

func (p *Page) successorOf(x uint16) (KeyRecord, bool) {
	if p.slots[x].right != nullSlot {
		m := p.treeMinimum(p.slots[x].right)
		return p.slots[m].kr, true
	}
	y := p.slots[x].parent
	for y != nullSlot && x == p.slots[y].right {
		x = y
		y = p.slots[y].parent
	}
	if y == nullSlot {
		return KeyRecord{}, false
	}
	return p.slots[y].kr, true
}

// errTraversalOverrun is the error SearchRange/AllKeys return when the
// traversal visited more nodes than the page's claimed count -- the
// corruption signal from spec §4.1.
var errTraversalOverrun = newCorruptError("page traversal visited more keys than its claimed count")

// SearchRange finds the first key >= lo and emits successors in order
// while <= hi, via sink. Returns errTraversalOverrun if corruption is
// detected. sink returning false stops enumeration early (not an error).
func (p *Page) SearchRange(lo, hi KeyRecord, sink func(KeyRecord) bool) error {
	if p.count() == 0 {
		return nil
	}
	x := p.rootIndex()
	var candidate uint16 = nullSlot
	for x != nullSlot {
		if p.desc.compareKeyRecord(p.slots[x].kr, lo) < 0 {
			x = p.slots[x].right
		} else {
			candidate = x
			x = p.slots[x].left
		}
	}
	if candidate == nullSlot {
		return nil
	}
	visited := 0
	cur := candidate
	for {
		visited++
		if visited > p.count() {
			return errTraversalOverrun
		}
		kr := p.slots[cur].kr
		if p.desc.compareKeyRecord(kr, hi) > 0 {
			return nil
		}
		if !sink(kr) {
			return nil
		}
		next, ok := p.successorOf(cur)
		if !ok {
			return nil
		}
		cur = p.find(next)
		if cur == nullSlot {
			return errTraversalOverrun
		}
	}
}

// AllKeys emits every live KeyRecord in ascending order.
func (p *Page) AllKeys(sink func(KeyRecord) bool) error {
	min, ok := p.Min()
	if !ok {
		return nil
	}
	max, _ := p.Max()
	return p.SearchRange(min, max, sink)
}

// Split redistributes this full page's contents between itself and
// rightOut: the pivot is the current root KeyRecord read BEFORE Clear(),
// exactly as original_source/BTreePage.h's Split does. Using the
// post-clear root or an arithmetic median breaks the partitioning the
// rest of the system assumes (spec §4.1).
func (p *Page) Split(rightOut *Page) {
	if !p.IsFull() {
		panic("Page.Split: page is not full")
	}
	pivot := p.slots[p.rootIndex()].kr

	snapshot := make([]KeyRecord, 0, p.count())
	_ = p.AllKeys(func(kr KeyRecord) bool {
		snapshot = append(snapshot, kr)
		return true
	})

	p.Clear()
	rightOut.Clear()

	for _, kr := range snapshot {
		if p.desc.compareKeyRecord(pivot, kr) < 0 {
			rightOut.Insert(kr)
		} else {
			p.Insert(kr)
		}
	}
}

// Merge in-order-inserts every live key of other into this page.
func (p *Page) Merge(other *Page) {
	_ = other.AllKeys(func(kr KeyRecord) bool {
		p.Insert(kr)
		return true
	})
}

// --- serialization ---
//
// maxKeyBytes is the key-byte width of the widest key shapes (16 bytes).
// Every shape's key bytes are padded to this width so that
// KeyRecordSize, and with it PageSize, is shape-independent.
const maxKeyBytes = 16 // widest shapes: I64I64, I32I32Timestamp64, I32Timestamp64I32

// KeyRecordSize is the fixed per-slot key-record byte width: max key
// bytes + 4 bytes offset.
const KeyRecordSize = maxKeyBytes + 4

// slotSize is the fixed on-disk width of one full slot: KeyRecordSize
// bytes of KeyRecord plus the packed parent|left|right|color uint32.
const slotSize = KeyRecordSize + 4

// PageSize is the fixed byte width of one page image, per spec §6:
// PAGE_SIZE = (N+2) * KEY_RECORD_SIZE. This implementation additionally
// carries the RB-tree linkage per slot, so its concrete page image is
// (N+2)*slotSize bytes; KeyRecordSize is kept as the named constant the
// spec's PAGE_SIZE formula refers to.
const PageSize = (MaxKeysInPage + 2) * slotSize

func packRelation(parent, left, right uint16, color uint8) uint32 {
	return uint32(parent)<<20 | uint32(left)<<10 | uint32(right) | uint32(color)<<31
}

func unpackRelation(v uint32) (parent, left, right uint16, color uint8) {
	parent = uint16((v >> 20) & 0x3ff)
	left = uint16((v >> 10) & 0x3ff)
	right = uint16(v & 0x3ff)
	color = uint8((v >> 31) & 0x1)
	return
}

// encodeSlot writes one slot's on-disk image (KeyRecordSize key-record
// bytes + 4-byte packed relation field) into buf. The header slot (1)
// overloads the KeyRecord.Offset sub-field as the RB-tree root index and
// the relation sub-fields as count/free-list-head (spec §3); its key
// bytes are unused but still zero-filled for a stable byte image.
func (p *Page) encodeSlot(i uint16, buf []byte) {
	s := p.slots[i]
	if i >= firstDataSlot {
		p.desc.encodeKey(s.kr.Key, buf[0:maxKeyBytes])
	}
	binary.LittleEndian.PutUint32(buf[maxKeyBytes:maxKeyBytes+4], uint32(s.kr.Offset))
	rel := packRelation(s.parent, s.left, s.right, s.color)
	if i == headerSlot {
		// count/free-list-head only; color/reserved bits unused here.
		rel = uint32(s.parent)<<20 | uint32(s.right)
	}
	binary.LittleEndian.PutUint32(buf[KeyRecordSize:KeyRecordSize+4], rel)
}

func (p *Page) decodeSlot(i uint16, buf []byte) {
	var s slot
	if i >= firstDataSlot {
		s.kr.Key = p.desc.decodeKey(buf[0:maxKeyBytes])
	}
	s.kr.Offset = int32(binary.LittleEndian.Uint32(buf[maxKeyBytes : maxKeyBytes+4]))
	rel := binary.LittleEndian.Uint32(buf[KeyRecordSize : KeyRecordSize+4])
	if i == headerSlot {
		s.parent = uint16((rel >> 20) & 0x3ff)
		s.right = uint16(rel & 0x3ff)
	} else {
		s.parent, s.left, s.right, s.color = unpackRelation(rel)
	}
	p.slots[i] = s
}

// Save encodes the page's byte image into buf (len(buf) must be
// PageSize) if dirty, obfuscating the root-index field of the header
// slot with the integrity marker. It does NOT clear the dirty flag --
// the caller must call MarkClean only after the encoded bytes have
// actually been written to stable storage, so a failed write-back
// leaves the page dirty for the next retry (spec §7: "the page cache
// does not swallow write errors -- a failed write-back poisons the
// page's dirty flag so the next flush retries"). Returns whether an
// encode was performed.
func (p *Page) Save(buf []byte) bool {
	if !p.dirty {
		return false
	}
	// XOR the header slot's 32-bit root-index (KeyRecord.Offset) field
	// with the magic before writing, restoring it immediately after, so
	// the in-memory page is unaffected by the on-disk obfuscation
	// (spec §4.1/§6).
	root := p.slots[headerSlot].kr.Offset
	p.slots[headerSlot].kr.Offset = int32(uint32(root) ^ btreePageMagic)
	for i := range p.slots {
		p.encodeSlot(uint16(i), buf[i*slotSize:(i+1)*slotSize])
	}
	p.slots[headerSlot].kr.Offset = root
	return true
}

// MarkClean clears the dirty flag. Callers must only invoke this after
// confirming that the bytes produced by Save were durably written.
func (p *Page) MarkClean() {
	p.dirty = false
}

// Load decodes a page image from buf (len(buf) must be PageSize),
// validating the integrity marker. On mismatch the page is left empty
// and ok is false, signaling "never written" to the caller (spec
// §4.1/§6); the caller is responsible for treating that as a fresh
// page rather than an error.
func (p *Page) Load(buf []byte) (ok bool) {
	for i := range p.slots {
		p.decodeSlot(uint16(i), buf[i*slotSize:(i+1)*slotSize])
	}
	obfuscated := uint32(p.slots[headerSlot].kr.Offset)
	if (obfuscated>>10)&0x3fffff != (btreePageMagic>>10)&0x3fffff {
		p.Clear()
		return false
	}
	p.slots[headerSlot].kr.Offset = int32(obfuscated ^ btreePageMagic)
	p.dirty = false
	p.minCached = false
	p.maxCached = false
	return true
}
