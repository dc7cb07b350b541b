package pickle

// Dict and Set back the KindDict/KindSet Value variants. Both are built on
// aristanetworks/gomap the same way the teacher's top-level Dict type is:
// gomap lets us supply our own equal/hash pair instead of being stuck with
// Go's built-in map, which would reject slice/Dict-typed keys outright and
// would not let "1 == 1.0 == True" collapse to one key the way a Python
// dict's keys do.
//
// Unlike the teacher, key equality here does not need to reconcile Go's
// full reflect-based type zoo, because every key is already a tagged Value
// — the switch is over Kind, not reflect.Kind.

import (
	"fmt"
	"hash/maphash"
	"math"
	"sort"

	"github.com/aristanetworks/gomap"
)

// Dict is a Python-dict-like mapping from hashable Value to Value.
//
// Its zero value is not usable; construct with NewEmptyDict or
// NewDictWithSizeHint.
type Dict struct {
	m *gomap.Map[Value, Value]
}

// NewEmptyDict returns a new empty Dict.
func NewEmptyDict() *Dict {
	return NewDictWithSizeHint(0)
}

// NewDictWithSizeHint returns a new empty Dict preallocated for size items.
func NewDictWithSizeHint(size int) *Dict {
	return &Dict{m: gomap.NewHint[Value, Value](size, valueEqual, valueHash)}
}

// Get returns the value associated with a key equal to key, and whether one
// was found.
func (d *Dict) Get(key Value) (Value, bool) {
	return d.m.Get(key)
}

// TrySet sets key to value, replacing any equal existing key. It reports
// false without modifying d if key's Kind cannot be used as a dict key
// (List, Dict, Set, Object, Any, or a Tuple holding one of those).
func (d *Dict) TrySet(key, value Value) (ok bool) {
	if !hashable(key) {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	d.m.Set(key, value)
	return true
}

// Len returns the number of entries in d.
func (d *Dict) Len() int {
	if d == nil || d.m == nil {
		return 0
	}
	return d.m.Len()
}

// Iter calls yield for every entry in d, in arbitrary order, stopping early
// if yield returns false.
func (d *Dict) Iter(yield func(k, v Value) bool) {
	if d == nil || d.m == nil {
		return
	}
	it := d.m.Iter()
	for it.Next() {
		if !yield(it.Key(), it.Elem()) {
			return
		}
	}
}

// String renders d for debugging, with keys sorted for determinism.
func (d *Dict) String() string {
	type kv struct{ k, v string }
	var items []kv
	d.Iter(func(k, v Value) bool {
		items = append(items, kv{k.GoString(), v.GoString()})
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].k < items[j].k })

	s := "{"
	for i, it := range items {
		if i > 0 {
			s += ", "
		}
		s += it.k + ": " + it.v
	}
	return s + "}"
}

// Set is a Python-set-like collection of hashable Values, built on the same
// equal/hash machinery as Dict.
type Set struct {
	d *Dict
}

// NewEmptySet returns a new empty Set.
func NewEmptySet() *Set {
	return &Set{d: NewEmptyDict()}
}

// TryAdd adds x to s. It reports false if x is not hashable.
func (s *Set) TryAdd(x Value) bool {
	return s.d.TrySet(x, None)
}

// Has reports whether x is a member of s.
func (s *Set) Has(x Value) bool {
	_, ok := s.d.Get(x)
	return ok
}

// Len returns the number of elements in s.
func (s *Set) Len() int { return s.d.Len() }

// Iter calls yield for every element of s, in arbitrary order.
func (s *Set) Iter(yield func(x Value) bool) {
	s.d.Iter(func(k, _ Value) bool { return yield(k) })
}

// String renders s for debugging.
func (s *Set) String() string {
	var items []string
	s.Iter(func(x Value) bool {
		items = append(items, x.GoString())
		return true
	})
	sort.Strings(items)
	out := "set{"
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out + "}"
}

// hashable reports whether v's Kind may be used as a dict/set key.
// A Tuple is hashable only if every element it holds is hashable.
func hashable(v Value) bool {
	switch v.kind {
	case KindList, KindDict, KindSet, KindMark, KindObject, KindAny:
		return false
	case KindTuple:
		for _, item := range v.tuple {
			if !hashable(item) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// valueEqual implements equality for Dict/Set keys.
//
// Numbers compare across Bool/Int/Float the way Python does (1 == 1.0 ==
// True), since a pickled dict may mix, e.g., boolean flags and integer keys
// under the same general equality CPython's dict uses. String and Bytes
// never compare equal to each other, matching Python 3's strict str/bytes
// distinction.
func valueEqual(a, b Value) bool {
	if a.kind == KindString || b.kind == KindString {
		return a.kind == KindString && b.kind == KindString && a.strVal == b.strVal
	}
	if a.kind == KindBytes || b.kind == KindBytes {
		return a.kind == KindBytes && b.kind == KindBytes && string(a.bytesVal) == string(b.bytesVal)
	}

	// Bool and Int compare exactly against each other; widening either to
	// float64 first would collapse distinct int64 keys past 2^53 onto the
	// same rounded value. Only Float pulls the comparison onto the
	// float64 scale, matching the teacher's eq_Int_Int vs eq_Int_Float
	// split in dict.go.
	if a.kind != KindFloat && b.kind != KindFloat {
		if ai, aok := intOf(a); aok {
			if bi, bok := intOf(b); bok {
				return ai == bi
			}
		}
	}

	an, aok := numericOf(a)
	bn, bok := numericOf(b)
	if aok && bok {
		return an == bn
	}

	if a.kind != b.kind {
		return false
	}

	switch a.kind {
	case KindNone, KindMark:
		return true
	case KindTuple:
		if len(a.tuple) != len(b.tuple) {
			return false
		}
		for i := range a.tuple {
			if !valueEqual(a.tuple[i], b.tuple[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// intOf returns v's exact int64 value and whether v is a Bool or Int
// (never a Float — callers that need the widening behavior across Float
// use numericOf instead).
func intOf(v Value) (int64, bool) {
	switch v.kind {
	case KindBool:
		if v.boolVal {
			return 1, true
		}
		return 0, true
	case KindInt:
		return v.intVal, true
	default:
		return 0, false
	}
}

// numericOf returns v's value on the shared bool/int/float numeric scale
// and whether v is numeric at all.
func numericOf(v Value) (float64, bool) {
	switch v.kind {
	case KindBool:
		if v.boolVal {
			return 1, true
		}
		return 0, true
	case KindInt:
		return float64(v.intVal), true
	case KindFloat:
		return v.floatVal, true
	default:
		return 0, false
	}
}

// valueHash returns a hash of x consistent with valueEqual.
//
// It panics if x is not hashable; TrySet/TryAdd check hashable(x) first,
// but keep the recover as a backstop against future gomap internals that
// might probe before our guard runs.
func valueHash(seed maphash.Seed, x Value) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)

	if n, ok := numericOf(x); ok {
		var buf [8]byte
		bits := math.Float64bits(n)
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
		return h.Sum64()
	}

	switch x.kind {
	case KindString:
		h.WriteString(x.strVal)
	case KindBytes:
		h.Write(x.bytesVal)
	case KindNone:
		h.WriteString("None")
	case KindTuple:
		h.WriteString("tuple")
		for _, item := range x.tuple {
			sub := valueHash(seed, item)
			var buf [8]byte
			for i := 0; i < 8; i++ {
				buf[i] = byte(sub >> (8 * i))
			}
			h.Write(buf[:])
		}
	default:
		panic(fmt.Sprintf("unhashable type: %s", x.kind))
	}
	return h.Sum64()
}
