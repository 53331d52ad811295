package btreeindex

import (
	"math/rand"
	"testing"
)

func mustDesc(t *testing.T, shape KeyShape) shapeDescriptor {
	t.Helper()
	desc, err := newShapeDescriptor(shape)
	if err != nil {
		t.Fatalf("newShapeDescriptor() err = %v", err)
	}
	return desc
}

// validateRB checks the red-black invariants: root is black, no red node
// has a red child, every root-to-null path has equal black-height, and
// in-order traversal is strictly increasing.
func validateRB(t *testing.T, p *Page) {
	t.Helper()
	root := p.rootIndex()
	if root == nullSlot {
		return
	}
	if p.isRed(root) {
		t.Errorf("validateRB: root is red")
	}
	var blackHeight func(x uint16) int
	blackHeight = func(x uint16) int {
		if x == nullSlot {
			return 1
		}
		if p.isRed(x) {
			if p.isRed(p.slots[x].left) || p.isRed(p.slots[x].right) {
				t.Errorf("validateRB: red node %d has a red child", x)
			}
		}
		lh := blackHeight(p.slots[x].left)
		rh := blackHeight(p.slots[x].right)
		if lh != rh {
			t.Errorf("validateRB: unequal black height at slot %d (%d vs %d)", x, lh, rh)
		}
		if p.isBlack(x) {
			return lh + 1
		}
		return lh
	}
	blackHeight(root)

	var last KeyRecord
	first := true
	err := p.AllKeys(func(kr KeyRecord) bool {
		if !first && p.desc.compareKeyRecord(last, kr) >= 0 {
			t.Errorf("validateRB: in-order traversal not strictly increasing at %v -> %v", last, kr)
		}
		last = kr
		first = false
		return true
	})
	if err != nil {
		t.Errorf("validateRB: AllKeys() err = %v", err)
	}
}

func TestPageInsertDeleteSingle(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)

	kr := KeyRecord{Key: NewI32Key(42), Offset: 100}
	p.Insert(kr)
	validateRB(t, p)

	if p.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", p.Count())
	}
	min, ok := p.Min()
	if !ok || desc.compareKeyRecord(min, kr) != 0 {
		t.Errorf("Min() = (%v, %v), want (%v, true)", min, ok, kr)
	}
	max, ok := p.Max()
	if !ok || desc.compareKeyRecord(max, kr) != 0 {
		t.Errorf("Max() = (%v, %v), want (%v, true)", max, ok, kr)
	}

	if !p.Delete(kr) {
		t.Fatalf("Delete() = false, want true")
	}
	if p.Count() != 0 {
		t.Errorf("Count() after delete = %d, want 0", p.Count())
	}
	if _, ok := p.Min(); ok {
		t.Errorf("Min() after delete = ok, want none")
	}
}

func TestPageInsertAscendingThenRBInvariants(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	for i := int32(0); i < 500; i++ {
		p.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	validateRB(t, p)
	if p.Count() != 500 {
		t.Fatalf("Count() = %d, want 500", p.Count())
	}
}

func TestPageInsertRandomThenRBInvariants(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	rng := rand.New(rand.NewSource(1))
	perm := rng.Perm(900)
	for _, v := range perm {
		p.Insert(KeyRecord{Key: NewI32Key(int32(v)), Offset: int32(v)})
	}
	validateRB(t, p)

	var collected []int32
	_ = p.AllKeys(func(kr KeyRecord) bool {
		collected = append(collected, kr.Key.I32())
		return true
	})
	if len(collected) != 900 {
		t.Fatalf("AllKeys() yielded %d keys, want 900", len(collected))
	}
	for i := 1; i < len(collected); i++ {
		if collected[i-1] >= collected[i] {
			t.Fatalf("AllKeys() not strictly increasing at %d: %d >= %d", i, collected[i-1], collected[i])
		}
	}
}

// TestPageDuplicateKeyDistinctOffsets asserts that two records sharing
// the same key but distinct offsets both survive insertion and both
// surface from a range scan spanning that key.
func TestPageDuplicateKeyDistinctOffsets(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	k := NewI32Key(7)
	p.Insert(KeyRecord{Key: k, Offset: 1})
	p.Insert(KeyRecord{Key: k, Offset: 2})
	if p.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", p.Count())
	}
	var found []int32
	_ = p.SearchRange(KeyRecord{Key: k, Offset: 0}, KeyRecord{Key: k, Offset: 0x7fffffff}, func(kr KeyRecord) bool {
		found = append(found, kr.Offset)
		return true
	})
	if len(found) != 2 || found[0] != 1 || found[1] != 2 {
		t.Errorf("SearchRange() = %v, want [1 2]", found)
	}
}

// TestPageInsertDeleteRestoresEmptyState asserts that inserting then
// deleting the same record restores the page's pre-insert observable
// state (zero count, no root).
func TestPageInsertDeleteRestoresEmptyState(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	kr := KeyRecord{Key: NewI32Key(5), Offset: 9}
	p.Insert(kr)
	if !p.Delete(kr) {
		t.Fatalf("Delete() = false")
	}
	if p.Count() != 0 {
		t.Errorf("Count() = %d, want 0", p.Count())
	}
	if p.rootIndex() != nullSlot {
		t.Errorf("rootIndex() = %d, want nullSlot after emptying page", p.rootIndex())
	}
}

func TestPageSearchRangeBounds(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	for i := int32(0); i < 200; i++ {
		p.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	var got []int32
	lo := KeyRecord{Key: NewI32Key(50), Offset: 0}
	hi := KeyRecord{Key: NewI32Key(100), Offset: 0x7fffffff}
	_ = p.SearchRange(lo, hi, func(kr KeyRecord) bool {
		got = append(got, kr.Key.I32())
		return true
	})
	if len(got) != 51 {
		t.Fatalf("SearchRange(50,100) returned %d keys, want 51", len(got))
	}
	for i, v := range got {
		if v != int32(50+i) {
			t.Errorf("SearchRange()[%d] = %d, want %d", i, v, 50+i)
		}
	}
}

// TestPageSplitPivotIsPreClearRoot asserts that Split's pivot is the
// root KeyRecord read BEFORE Clear, not an arithmetic median.
func TestPageSplitPivotIsPreClearRoot(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	for i := int32(0); i < MaxKeysInPage; i++ {
		p.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	if !p.IsFull() {
		t.Fatalf("IsFull() = false after inserting N keys")
	}
	pivot := p.slots[p.rootIndex()].kr

	right := NewPage(desc)
	p.Split(right)

	validateRB(t, p)
	validateRB(t, right)

	if p.Count()+right.Count() != MaxKeysInPage {
		t.Fatalf("split counts sum to %d, want %d", p.Count()+right.Count(), MaxKeysInPage)
	}
	if p.Count() == 0 || right.Count() == 0 {
		t.Fatalf("split produced an empty side: left=%d right=%d", p.Count(), right.Count())
	}

	leftMax, _ := p.Max()
	rightMin, _ := right.Min()
	if desc.compareKeyRecord(leftMax, rightMin) >= 0 {
		t.Errorf("left max %v >= right min %v, want strictly less", leftMax, rightMin)
	}

	// Every key in right must be strictly greater than the pre-clear pivot,
	// and every key in left must be <= pivot.
	_ = right.AllKeys(func(kr KeyRecord) bool {
		if desc.compareKeyRecord(kr, pivot) <= 0 {
			t.Errorf("right-side key %v not strictly greater than pivot %v", kr, pivot)
		}
		return true
	})
	_ = p.AllKeys(func(kr KeyRecord) bool {
		if desc.compareKeyRecord(kr, pivot) > 0 {
			t.Errorf("left-side key %v not <= pivot %v", kr, pivot)
		}
		return true
	})
}

func TestPageMergeCombinesBothSides(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	left := NewPage(desc)
	right := NewPage(desc)
	for i := int32(0); i < 50; i++ {
		left.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	for i := int32(50); i < 100; i++ {
		right.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	left.Merge(right)
	validateRB(t, left)
	if left.Count() != 100 {
		t.Fatalf("Count() after merge = %d, want 100", left.Count())
	}
}

func TestPageFreeListReusedOnDelete(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	for i := int32(0); i < 10; i++ {
		p.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	victim := KeyRecord{Key: NewI32Key(3), Offset: 3}
	p.Delete(victim)
	if p.firstFree() == nullSlot {
		t.Fatalf("firstFree() = nullSlot, want a freed slot after delete")
	}
	freedSlot := p.firstFree()
	p.Insert(KeyRecord{Key: NewI32Key(1000), Offset: 1000})
	// The freed slot must be reused by the next insert rather than
	// growing the arena past count+firstDataSlot.
	x := p.find(KeyRecord{Key: NewI32Key(1000), Offset: 1000})
	if x != freedSlot {
		t.Errorf("new key landed in slot %d, want the freed slot %d", x, freedSlot)
	}
	if p.Count() != 10 {
		t.Fatalf("Count() = %d, want 10 after delete+insert", p.Count())
	}
}

func TestPageSaveLoadRoundTrip(t *testing.T) {
	desc := mustDesc(t, ShapeI32I32)
	p := NewPage(desc)
	for i := int32(0); i < 300; i++ {
		p.Insert(KeyRecord{Key: NewI32I32Key(i, i*2), Offset: i})
	}
	buf := make([]byte, PageSize)
	if !p.Save(buf) {
		t.Fatalf("Save() = false, want true for a dirty page")
	}
	if !p.Dirty() {
		t.Errorf("Dirty() = false after Save() alone, want true until MarkClean()")
	}
	p.MarkClean()
	if p.Dirty() {
		t.Errorf("Dirty() = true after MarkClean()")
	}

	loaded := NewPage(desc)
	if ok := loaded.Load(buf); !ok {
		t.Fatalf("Load() = false, want true for a page just saved")
	}
	validateRB(t, loaded)

	var original, reloaded []KeyRecord
	_ = p.AllKeys(func(kr KeyRecord) bool { original = append(original, kr); return true })
	_ = loaded.AllKeys(func(kr KeyRecord) bool { reloaded = append(reloaded, kr); return true })
	if len(original) != len(reloaded) {
		t.Fatalf("reloaded %d keys, want %d", len(reloaded), len(original))
	}
	for i := range original {
		if desc.compareKeyRecord(original[i], reloaded[i]) != 0 {
			t.Errorf("reloaded[%d] = %v, want %v", i, reloaded[i], original[i])
		}
	}
}

// TestPageLoadRejectsNeverWrittenImage covers the integrity-marker
// contract: an all-zero buffer (never written) must not validate.
func TestPageLoadRejectsNeverWrittenImage(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	buf := make([]byte, PageSize)
	if ok := p.Load(buf); ok {
		t.Errorf("Load() of a zeroed buffer = true, want false (never-written)")
	}
	if p.Count() != 0 {
		t.Errorf("Count() after rejecting never-written image = %d, want 0", p.Count())
	}
}

func TestPageTraversalOverrunDetected(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	for i := int32(0); i < 20; i++ {
		p.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	// Corrupt the claimed count downward so SearchRange's traversal
	// overruns it, simulating an on-disk corruption/cycle scenario.
	p.setCount(5)
	err := p.AllKeys(func(KeyRecord) bool { return true })
	if err == nil {
		t.Fatalf("AllKeys() err = nil, want corruption error after count tampering")
	}
	ie, ok := err.(*IndexError)
	if !ok || ie.Kind() != KindCorrupt {
		t.Errorf("AllKeys() err = %v, want KindCorrupt", err)
	}
}

func TestPageInsertIntoFullPagePanics(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	for i := int32(0); i < MaxKeysInPage; i++ {
		p.Insert(KeyRecord{Key: NewI32Key(i), Offset: i})
	}
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Insert() into a full page did not panic")
		}
	}()
	p.Insert(KeyRecord{Key: NewI32Key(1 << 20), Offset: 0})
}

func TestPageAlmostFullThreshold(t *testing.T) {
	desc := mustDesc(t, ShapeI32)
	p := NewPage(desc)
	for i := 0; i < almostFullThreshold; i++ {
		if p.IsAlmostFull() {
			t.Fatalf("IsAlmostFull() = true at count %d, want false (threshold %d)", i, almostFullThreshold)
		}
		p.Insert(KeyRecord{Key: NewI32Key(int32(i)), Offset: int32(i)})
	}
	if !p.IsAlmostFull() {
		t.Errorf("IsAlmostFull() = false at count %d, want true (threshold %d)", p.Count(), almostFullThreshold)
	}
}
