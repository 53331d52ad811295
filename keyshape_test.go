package btreeindex

import "testing"

func TestShapeDescriptorCompareOrdering(t *testing.T) {
	desc, err := newShapeDescriptor(ShapeI32)
	if err != nil {
		t.Fatalf("newShapeDescriptor() err = %v", err)
	}
	tests := []struct {
		a, b int32
		want int
	}{
		{-5, 5, -1},
		{5, -5, 1},
		{5, 5, 0},
		{-1, 0, -1},
		{0, -1, 1},
	}
	for _, tt := range tests {
		got := desc.compare(NewI32Key(tt.a), NewI32Key(tt.b))
		if got != tt.want {
			t.Errorf("compare(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestShapeDescriptorCompareKeyRecordTiebreak(t *testing.T) {
	desc, _ := newShapeDescriptor(ShapeI32)
	k := NewI32Key(42)
	a := KeyRecord{Key: k, Offset: 1}
	b := KeyRecord{Key: k, Offset: 2}
	if got := desc.compareKeyRecord(a, b); got != -1 {
		t.Errorf("compareKeyRecord() = %d, want -1", got)
	}
	if got := desc.compareKeyRecord(b, a); got != 1 {
		t.Errorf("compareKeyRecord() = %d, want 1", got)
	}
	if got := desc.compareKeyRecord(a, a); got != 0 {
		t.Errorf("compareKeyRecord() = %d, want 0", got)
	}
}

func TestUnsupportedKeyShapeRejected(t *testing.T) {
	if _, err := newShapeDescriptor(KeyShape(999)); err == nil {
		t.Errorf("newShapeDescriptor(999) err = nil, want UnsupportedKeyShape error")
	} else if ie, ok := err.(*IndexError); !ok || ie.Kind() != KindUnsupportedKeyShape {
		t.Errorf("newShapeDescriptor(999) err = %v, want kind %v", err, KindUnsupportedKeyShape)
	}
}

func TestF64KeyOrderingAcrossSign(t *testing.T) {
	desc, _ := newShapeDescriptor(ShapeF64)
	vals := []float64{-100.5, -0.001, 0, 0.001, 100.5}
	for i := 0; i < len(vals)-1; i++ {
		a, b := NewF64Key(vals[i]), NewF64Key(vals[i+1])
		if c := desc.compare(a, b); c >= 0 {
			t.Errorf("compare(%v, %v) = %d, want < 0", vals[i], vals[i+1], c)
		}
	}
}

func TestTupleKeyRoundTrip(t *testing.T) {
	k := NewI32I32Key(7, -3)
	a, b := k.I32I32()
	if a != 7 || b != -3 {
		t.Errorf("I32I32() = (%d, %d), want (7, -3)", a, b)
	}

	k2 := NewI64I64Key(1<<40, -(1 << 40))
	x, y := k2.I64I64()
	if x != 1<<40 || y != -(1<<40) {
		t.Errorf("I64I64() = (%d, %d)", x, y)
	}

	k3 := NewI32Timestamp64I32Key(1, 123456789, 2)
	p, ts, q := k3.I32Timestamp64I32()
	if p != 1 || ts != 123456789 || q != 2 {
		t.Errorf("I32Timestamp64I32() = (%d, %d, %d)", p, ts, q)
	}
}

func TestTupleKeyLexicographicOrdering(t *testing.T) {
	desc, _ := newShapeDescriptor(ShapeI32I32)
	lo := NewI32I32Key(1, 100)
	hi := NewI32I32Key(1, 200)
	if c := desc.compare(lo, hi); c >= 0 {
		t.Errorf("compare() = %d, want < 0 (second component breaks tie)", c)
	}
	hi2 := NewI32I32Key(2, 0)
	if c := desc.compare(lo, hi2); c >= 0 {
		t.Errorf("compare() = %d, want < 0 (first component dominates)", c)
	}
}
