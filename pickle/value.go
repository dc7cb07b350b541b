package pickle

import "fmt"

// Kind discriminates the variant a Value currently holds.
//
// This is the "dynamic type dispatch → tagged union" redesign: rather than
// letting any Go value ride the stack as interface{}, a Value always knows
// which of the closed set of variants it is, and converting it back to a
// typed primitive is always an explicit, checked accessor.
type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindTuple
	KindDict
	KindSet
	KindMark
	KindObject
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	case KindList:
		return "List"
	case KindTuple:
		return "Tuple"
	case KindDict:
		return "Dict"
	case KindSet:
		return "Set"
	case KindMark:
		return "Mark"
	case KindObject:
		return "Object"
	case KindAny:
		return "Any"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// listBox is the mutable backing store shared by every Value that refers to
// the same Python list object. Opcodes like APPEND/APPENDS mutate a list
// that may simultaneously live in the memo table and elsewhere on the
// stack; indirecting through a pointer lets every Value alias see the
// mutation, the way a Python list reference would.
type listBox struct {
	items []Value
}

// Object is the payload of a KindObject Value: an opaque host-side handle
// produced by an Instantiator, tagged with a symbolic type name so callers
// (and BUILD) can route further operations without knowing the concrete Go
// type behind Payload.
type Object struct {
	Payload any
	Tag     string
}

// Value is the tagged union every pickle opcode pushes onto or pops off the
// VM's stack. Exactly one field group is meaningful for a given Kind; use
// the As* accessors rather than reading fields directly.
type Value struct {
	kind Kind

	boolVal  bool
	intVal   int64
	floatVal float64
	strVal   string
	bytesVal []byte

	list  *listBox
	tuple []Value
	dict  *Dict
	set   *Set
	obj   *Object
	any   any
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// None is the singleton null value.
var None = Value{kind: KindNone}

// markValue is the Mark sentinel Value. The VM itself delimits
// variable-length argument groups with its metastack rather than by
// pushing this value; a Mark must never be returned to a caller of
// Unpickler.Load — see Unpickler.finish, which rejects one via isMark.
var markValue = Value{kind: KindMark}

// NewBool returns a Bool Value.
func NewBool(b bool) Value { return Value{kind: KindBool, boolVal: b} }

// NewInt returns an Int Value.
func NewInt(i int64) Value { return Value{kind: KindInt, intVal: i} }

// NewFloat returns a Float Value.
func NewFloat(f float64) Value { return Value{kind: KindFloat, floatVal: f} }

// NewString returns a String Value.
func NewString(s string) Value { return Value{kind: KindString, strVal: s} }

// NewBytes returns a Bytes Value. b is not copied.
func NewBytes(b []byte) Value { return Value{kind: KindBytes, bytesVal: b} }

// NewList returns a List Value backed by a copy of items.
func NewList(items []Value) Value {
	box := &listBox{items: append([]Value{}, items...)}
	return Value{kind: KindList, list: box}
}

// NewTuple returns a Tuple Value. Tuples are immutable so no defensive copy
// is required beyond what the caller already owns exclusively.
func NewTuple(items []Value) Value {
	return Value{kind: KindTuple, tuple: items}
}

// NewDict returns a Value wrapping an empty Dict.
func NewDict() Value {
	return Value{kind: KindDict, dict: NewEmptyDict()}
}

// NewDictValue wraps an existing Dict.
func NewDictValue(d *Dict) Value {
	return Value{kind: KindDict, dict: d}
}

// NewSetValue wraps an existing Set.
func NewSetValue(s *Set) Value {
	return Value{kind: KindSet, set: s}
}

// NewObject returns an Object Value.
func NewObject(payload any, tag string) Value {
	return Value{kind: KindObject, obj: &Object{Payload: payload, Tag: tag}}
}

// NewObjectValue wraps an existing *Object.
func NewObjectValue(o *Object) Value {
	return Value{kind: KindObject, obj: o}
}

// NewAny wraps an opaque passthrough value, e.g. an out-of-band buffer.
func NewAny(x any) Value {
	return Value{kind: KindAny, any: x}
}

// IsNone reports whether v is the None singleton.
func (v Value) IsNone() bool { return v.kind == KindNone }

// isMark reports whether v is the internal Mark sentinel.
func (v Value) isMark() bool { return v.kind == KindMark }

// AsBool returns v's bool and whether v is a Bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.boolVal, true
}

// AsInt64 returns v's integer and whether v is an Int.
func (v Value) AsInt64() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.intVal, true
}

// AsFloat64 returns v's float and whether v is a Float.
func (v Value) AsFloat64() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.floatVal, true
}

// AsString returns v's text and whether v is a String.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.strVal, true
}

// AsBytes returns v's bytes and whether v is Bytes.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.bytesVal, true
}

// AsList returns v's backing items and whether v is a List.
//
// The returned slice aliases the List's storage; callers must not retain it
// across further mutation of the same List value.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list.items, true
}

// AsTuple returns v's items and whether v is a Tuple.
func (v Value) AsTuple() ([]Value, bool) {
	if v.kind != KindTuple {
		return nil, false
	}
	return v.tuple, true
}

// AsDict returns v's Dict and whether v is a Dict.
func (v Value) AsDict() (*Dict, bool) {
	if v.kind != KindDict {
		return nil, false
	}
	return v.dict, true
}

// AsSet returns v's Set and whether v is a Set.
func (v Value) AsSet() (*Set, bool) {
	if v.kind != KindSet {
		return nil, false
	}
	return v.set, true
}

// AsObject returns v's Object and whether v is an Object.
func (v Value) AsObject() (*Object, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// AsAny returns v's opaque payload and whether v is Any.
func (v Value) AsAny() (any, bool) {
	if v.kind != KindAny {
		return nil, false
	}
	return v.any, true
}

// appendList appends x to the List v wraps in place. v must be a List.
func (v Value) appendList(x Value) {
	v.list.items = append(v.list.items, x)
}

// GoString renders v for debugging/diagnostics.
func (v Value) GoString() string {
	switch v.kind {
	case KindNone:
		return "None"
	case KindBool:
		return fmt.Sprintf("%v", v.boolVal)
	case KindInt:
		return fmt.Sprintf("%d", v.intVal)
	case KindFloat:
		return fmt.Sprintf("%g", v.floatVal)
	case KindString:
		return fmt.Sprintf("%q", v.strVal)
	case KindBytes:
		return fmt.Sprintf("b%q", string(v.bytesVal))
	case KindList:
		return fmt.Sprintf("%v", v.list.items)
	case KindTuple:
		return fmt.Sprintf("%v", v.tuple)
	case KindDict:
		return v.dict.String()
	case KindSet:
		return v.set.String()
	case KindMark:
		return "<mark>"
	case KindObject:
		return fmt.Sprintf("%s(%v)", v.obj.Tag, v.obj.Payload)
	case KindAny:
		return fmt.Sprintf("%v", v.any)
	default:
		return "<invalid>"
	}
}
