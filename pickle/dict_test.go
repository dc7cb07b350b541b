package pickle

import "testing"

func TestDictCrossNumericKeyEquality(t *testing.T) {
	d := NewEmptyDict()
	if !d.TrySet(NewInt(1), NewString("int-one")) {
		t.Fatal("TrySet(Int) failed")
	}
	// Python's dict collapses 1 == 1.0 == True into one slot.
	if !d.TrySet(NewFloat(1.0), NewString("float-one")) {
		t.Fatal("TrySet(Float) failed")
	}
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (Int(1) and Float(1.0) should collapse)", d.Len())
	}
	v, ok := d.Get(NewBool(true))
	if !ok {
		t.Fatal("Get(Bool(true)) should find the Int(1)/Float(1.0) entry")
	}
	if s, _ := v.AsString(); s != "float-one" {
		t.Fatalf("value = %q, want the last-written value", s)
	}
}

func TestDictStringBytesDoNotCollide(t *testing.T) {
	d := NewEmptyDict()
	d.TrySet(NewString("x"), NewInt(1))
	d.TrySet(NewBytes([]byte("x")), NewInt(2))
	if d.Len() != 2 {
		t.Fatalf("Len() = %d, want 2: String(\"x\") and Bytes(\"x\") must not collide", d.Len())
	}
}

func TestDictUnhashableKeyRejected(t *testing.T) {
	d := NewEmptyDict()
	if d.TrySet(NewList([]Value{NewInt(1)}), NewInt(1)) {
		t.Fatal("TrySet with a List key should fail")
	}
	if d.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after a rejected TrySet", d.Len())
	}
}

func TestDictTupleKeyHashableIfElementsAre(t *testing.T) {
	d := NewEmptyDict()
	key := NewTuple([]Value{NewInt(1), NewString("a")})
	if !d.TrySet(key, NewInt(99)) {
		t.Fatal("TrySet with a Tuple-of-hashables key should succeed")
	}
	v, ok := d.Get(NewTuple([]Value{NewInt(1), NewString("a")}))
	if !ok {
		t.Fatal("Get with a structurally equal Tuple should find the entry")
	}
	if i, _ := v.AsInt64(); i != 99 {
		t.Fatalf("value = %d, want 99", i)
	}
}

func TestDictLargeIntKeysCompareExactly(t *testing.T) {
	// Both collapse to the same float64 (1 << 53); they must still be
	// distinct dict keys since neither operand is a Float.
	const base = int64(1) << 53
	d := NewEmptyDict()
	d.TrySet(NewInt(base), NewString("a"))
	d.TrySet(NewInt(base+1), NewString("b"))
	if d.Len() != 2 {
		t.Fatalf("Len() = %d, want 2: distinct int64 keys must not collapse", d.Len())
	}
	v, ok := d.Get(NewInt(base + 1))
	if !ok {
		t.Fatal("Get(base+1) should find its own entry")
	}
	if s, _ := v.AsString(); s != "b" {
		t.Fatalf("Get(base+1) = %q, want %q", s, "b")
	}
}

func TestSetBasics(t *testing.T) {
	s := NewEmptySet()
	s.TryAdd(NewInt(1))
	s.TryAdd(NewInt(2))
	s.TryAdd(NewFloat(1.0)) // collapses with Int(1)
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if !s.Has(NewBool(true)) {
		t.Fatal("Has(Bool(true)) should match the Int(1)/Float(1.0) member")
	}
}
