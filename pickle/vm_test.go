package pickle

import (
	"bytes"
	"testing"
)

// stream is a tiny builder for hand-assembled opcode byte sequences, in the
// spirit of the teacher's hexInput/TestPickle fixtures (ogorek_test.go) but
// built directly from opcode bytes rather than decoded from hex literals,
// since this package's opcode constants make that just as readable.
type stream struct{ buf bytes.Buffer }

func (s *stream) op(b byte) *stream         { s.buf.WriteByte(b); return s }
func (s *stream) line(text string) *stream  { s.buf.WriteString(text); s.buf.WriteByte('\n'); return s }
func (s *stream) bytes(b []byte) *stream    { s.buf.Write(b); return s }
func (s *stream) le32(v uint32) *stream     { return s.bytes([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}) }
func (s *stream) le64(v uint64) *stream {
	return s.bytes([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)})
}

func load(t *testing.T, s *stream) (Value, error) {
	t.Helper()
	return NewUnpicklerFromBytes(s.buf.Bytes(), Config{}).Load()
}

func TestLoadInt(t *testing.T) {
	s := new(stream).op(opInt).line("42").op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	i, ok := v.AsInt64()
	if !ok || i != 42 {
		t.Fatalf("got %v, want Int(42)", v.GoString())
	}
}

func TestLoadIntBooleanSpecialCase(t *testing.T) {
	s := new(stream).op(opInt).line("01").op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	b, ok := v.AsBool()
	if !ok || b != true {
		t.Fatalf("INT \"01\" should decode as True, got %v", v.GoString())
	}
}

func TestLoadBinInt2(t *testing.T) {
	s := new(stream).op(opBinint2).bytes([]byte{0x00, 0x01}).op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	i, ok := v.AsInt64()
	if !ok || i != 256 {
		t.Fatalf("got %v, want Int(256)", v.GoString())
	}
}

func TestLoadBinFloat(t *testing.T) {
	s := new(stream).op(opBinfloat).bytes([]byte{0x3f, 0xf0, 0, 0, 0, 0, 0, 0}).op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := v.AsFloat64()
	if !ok || f != 1.0 {
		t.Fatalf("got %v, want Float(1.0)", v.GoString())
	}
}

func TestLoadLong1NegativeOne(t *testing.T) {
	s := new(stream).op(opLong1).bytes([]byte{0x02, 0xff, 0xff}).op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	i, ok := v.AsInt64()
	if !ok || i != -1 {
		t.Fatalf("got %v, want Int(-1)", v.GoString())
	}
}

func TestMemoPutGet(t *testing.T) {
	s := new(stream).
		op(opInt).line("7").
		op(opBinput).bytes([]byte{0}).
		op(opPop).
		op(opBinget).bytes([]byte{0}).
		op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	i, ok := v.AsInt64()
	if !ok || i != 7 {
		t.Fatalf("got %v, want Int(7) retrieved via memo", v.GoString())
	}
}

func TestListAndDict(t *testing.T) {
	s := new(stream).
		op(opMark).
		op(opInt).line("1").
		op(opInt).line("2").
		op(opInt).line("3").
		op(opList).
		op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	items, ok := v.AsList()
	if !ok || len(items) != 3 {
		t.Fatalf("got %v, want a 3-element list", v.GoString())
	}

	s2 := new(stream).
		op(opMark).
		op(opShortBinUnicode).bytes([]byte{1}).bytes([]byte("a")).
		op(opInt).line("1").
		op(opDict).
		op(opStop)
	v2, err := load(t, s2)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := v2.AsDict()
	if !ok || d.Len() != 1 {
		t.Fatalf("got %v, want a 1-entry dict", v2.GoString())
	}
	got, ok := d.Get(NewString("a"))
	if !ok {
		t.Fatal("missing key \"a\"")
	}
	if i, _ := got.AsInt64(); i != 1 {
		t.Fatalf("d[\"a\"] = %v, want 1", got.GoString())
	}
}

func TestFrameBoundaryViolation(t *testing.T) {
	// Outer frame declares 16 bytes of content: a nested FRAME opcode (1
	// byte) plus its own 8-byte size operand, plus 7 bytes of padding
	// that are never reached because loadFrame for the nested frame
	// fires while those 7 bytes are still undrained from the outer one.
	s := new(stream).
		op(opFrame).le64(16).
		op(opFrame).le64(4).
		bytes(make([]byte, 7))
	_, err := load(t, s)
	if err == nil {
		t.Fatal("expected an error from a frame directive before the prior frame drained")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != ErrUnexpectedFrameState {
		t.Fatalf("got %v, want UnexpectedFrameState", err)
	}
}

func TestUnknownOpcode(t *testing.T) {
	s := new(stream).op(opProto).bytes([]byte{5}).op(0xfe)
	_, err := load(t, s)
	perr, ok := err.(*Error)
	if !ok || perr.Kind != ErrUnknownOpcode {
		t.Fatalf("got %v, want UnknownOpcode", err)
	}
	if perr.Opcode != 0xfe {
		t.Fatalf("Opcode = %#x, want 0xfe", perr.Opcode)
	}
}

func TestAbsentPersistentLoaderPushesNone(t *testing.T) {
	// BINPERSID pops a value to use as the persistent id; push one first.
	s := new(stream).
		op(opInt).line("1").
		op(opBinpersid).
		op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNone() {
		t.Fatalf("got %v, want None when no persistent-load callback is installed", v.GoString())
	}
}

func TestUnpicklerIsSingleShot(t *testing.T) {
	s := new(stream).op(opNone).op(opStop)
	u := NewUnpicklerFromBytes(s.buf.Bytes(), Config{})
	if _, err := u.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Load(); err == nil {
		t.Fatal("expected second Load on the same Unpickler to fail")
	}
}

func TestMarkNeverEscapes(t *testing.T) {
	s := new(stream).op(opMark).op(opStop)
	_, err := load(t, s)
	if err == nil {
		t.Fatal("expected an error when STOP latches a bare mark")
	}
}

// recordingHandler answers to names under tag, creating an Object that
// Initialize fills with whatever arguments it's handed, so a test can
// inspect exactly what a reduction/construction opcode passed through to
// the registry.
func recordingHandler(tag string, names ...string) *Handler {
	return &Handler{
		ClassNames: names,
		TypeTags:   []string{tag},
		Create: func(module, class string) Value {
			return NewObject(nil, tag)
		},
		Initialize: func(obj Value, arguments Value) (Value, error) {
			o, _ := obj.AsObject()
			o.Payload = arguments
			return obj, nil
		},
	}
}

func TestStackGlobalResolvesLikeGlobal(t *testing.T) {
	reg := NewInstantiatorRegistry()
	reg.Add(recordingHandler("Thing", "mod.Thing"))

	s := new(stream).
		op(opShortBinUnicode).bytes([]byte{3}).bytes([]byte("mod")).
		op(opShortBinUnicode).bytes([]byte{5}).bytes([]byte("Thing")).
		op(opStackGlobal).
		op(opStop)
	v, err := NewUnpicklerFromBytes(s.buf.Bytes(), Config{Registry: reg}).Load()
	if err != nil {
		t.Fatal(err)
	}
	o, ok := v.AsObject()
	if !ok || o.Tag != "Thing" {
		t.Fatalf("got %v, want an Object tagged Thing", v.GoString())
	}
}

func TestExtensionRegistryResolvesClass(t *testing.T) {
	reg := NewInstantiatorRegistry()
	reg.Add(recordingHandler("Thing", "mod.Thing"))
	reg.RegisterExtension(42, "mod", "Thing")

	s := new(stream).op(opExt2).bytes([]byte{42, 0}).op(opStop)
	v, err := NewUnpicklerFromBytes(s.buf.Bytes(), Config{Registry: reg}).Load()
	if err != nil {
		t.Fatal(err)
	}
	o, ok := v.AsObject()
	if !ok || o.Tag != "Thing" {
		t.Fatalf("got %v, want an Object tagged Thing", v.GoString())
	}
}

func TestExtensionRegistryUnregisteredCodeFails(t *testing.T) {
	s := new(stream).op(opExt1).bytes([]byte{7}).op(opStop)
	if _, err := load(t, s); err == nil {
		t.Fatal("expected an error for an unregistered extension code")
	}
}

func TestInstRoundTrip(t *testing.T) {
	reg := NewInstantiatorRegistry()
	reg.Add(recordingHandler("Thing", "mod.Thing"))

	s := new(stream).
		op(opMark).
		op(opInt).line("7").
		op(opInst).line("mod").line("Thing").
		op(opStop)
	v, err := NewUnpicklerFromBytes(s.buf.Bytes(), Config{Registry: reg}).Load()
	if err != nil {
		t.Fatal(err)
	}
	o, ok := v.AsObject()
	if !ok || o.Tag != "Thing" {
		t.Fatalf("got %v, want an Object tagged Thing", v.GoString())
	}
	args, ok := o.Payload.(Value).AsTuple()
	if !ok || len(args) != 1 {
		t.Fatalf("Payload = %v, want a 1-element argtuple", o.Payload)
	}
	if i, _ := args[0].AsInt64(); i != 7 {
		t.Fatalf("args[0] = %v, want 7", args[0].GoString())
	}
}

func TestObjRoundTrip(t *testing.T) {
	reg := NewInstantiatorRegistry()
	reg.Add(recordingHandler("Thing", "mod.Thing"))

	s := new(stream).
		op(opMark).
		op(opGlobal).line("mod").line("Thing").
		op(opInt).line("7").
		op(opObj).
		op(opStop)
	v, err := NewUnpicklerFromBytes(s.buf.Bytes(), Config{Registry: reg}).Load()
	if err != nil {
		t.Fatal(err)
	}
	o, ok := v.AsObject()
	if !ok || o.Tag != "Thing" {
		t.Fatalf("got %v, want an Object tagged Thing", v.GoString())
	}
	args, ok := o.Payload.(Value).AsTuple()
	if !ok || len(args) != 1 {
		t.Fatalf("Payload = %v, want a 1-element argtuple", o.Payload)
	}
	if i, _ := args[0].AsInt64(); i != 7 {
		t.Fatalf("args[0] = %v, want 7", args[0].GoString())
	}
}

func TestNewobjExWithoutKwargsPassesArgsAlone(t *testing.T) {
	reg := NewInstantiatorRegistry()
	reg.Add(recordingHandler("Thing", "mod.Thing"))

	s := new(stream).
		op(opGlobal).line("mod").line("Thing").
		op(opMark).op(opInt).line("7").op(opTuple).
		op(opEmptyDict).
		op(opNewobjEx).
		op(opStop)
	v, err := NewUnpicklerFromBytes(s.buf.Bytes(), Config{Registry: reg}).Load()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := v.AsObject()
	args, ok := o.Payload.(Value).AsTuple()
	if !ok || len(args) != 1 {
		t.Fatalf("Payload = %v, want the bare 1-element args tuple", o.Payload)
	}
}

func TestNewobjExWithKwargsFoldsIntoPair(t *testing.T) {
	reg := NewInstantiatorRegistry()
	reg.Add(recordingHandler("Thing", "mod.Thing"))

	s := new(stream).
		op(opGlobal).line("mod").line("Thing").
		op(opEmptyTuple).
		op(opEmptyDict).
		op(opShortBinUnicode).bytes([]byte{1}).bytes([]byte("k")).
		op(opInt).line("1").
		op(opSetitem).
		op(opNewobjEx).
		op(opStop)
	v, err := NewUnpicklerFromBytes(s.buf.Bytes(), Config{Registry: reg}).Load()
	if err != nil {
		t.Fatal(err)
	}
	o, _ := v.AsObject()
	pair, ok := o.Payload.(Value).AsTuple()
	if !ok || len(pair) != 2 {
		t.Fatalf("Payload = %v, want a (args, kwargs) pair", o.Payload)
	}
	kwargs, ok := pair[1].AsDict()
	if !ok || kwargs.Len() != 1 {
		t.Fatalf("pair[1] = %v, want a 1-entry kwargs dict", pair[1].GoString())
	}
}
