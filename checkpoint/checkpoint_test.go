package checkpoint

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cortado-ml/tpickle/tensor"
)

// stream is a tiny builder for hand-assembled pickle opcode byte
// sequences, the same style pickle/vm_test.go uses, duplicated here since
// the opcode byte constants in that package are unexported.
type stream struct{ buf bytes.Buffer }

func (s *stream) op(b byte) *stream { s.buf.WriteByte(b); return s }
func (s *stream) line(text string) *stream {
	s.buf.WriteString(text)
	s.buf.WriteByte('\n')
	return s
}
func (s *stream) bytes(b []byte) *stream { s.buf.Write(b); return s }
func (s *stream) le32(v uint32) *stream {
	return s.bytes([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}
func (s *stream) shortBinString(text string) *stream {
	return s.op('U').bytes([]byte{byte(len(text))}).bytes([]byte(text))
}
func (s *stream) global(module, class string) *stream {
	return s.op('c').line(module).line(class)
}

// pickleSingleTensor builds a /data.pkl stream equivalent to
// _rebuild_tensor_v2(storage=("storage", ByteStorage, "0", "cpu",
// 65536), 0, (65536,), (1,), False, OrderedDict()).
func pickleSingleTensor() []byte {
	s := new(stream)
	s.op(0x80).bytes([]byte{2}) // PROTO 2

	// Reduction: classRef then its argtuple, then REDUCE. MARK snapshots
	// whatever is on the stack before it, so the storage Object the
	// argtuple needs must be built fresh inside this frame rather than
	// reused from an earlier one.
	s.global("torch._utils", "_rebuild_tensor_v2")
	s.op('(') // MARK -- wraps (storage, 0, shape, stride, False, OrderedDict())

	s.op('(') // MARK -- wraps ("storage", ByteStorage, "0", "cpu", 65536)
	s.shortBinString("storage")
	s.global("torch", "ByteStorage")
	s.shortBinString("0")
	s.shortBinString("cpu")
	s.op('J').le32(65536) // BININT
	s.op('t')             // TUPLE -> the persistent id tuple
	s.op('Q')             // BINPERSID -> pushes the resolved storage Object

	s.op('K').bytes([]byte{0}) // BININT1 0 (storage_offset)

	s.op('J').le32(65536) // shape element
	s.op(0x85)            // TUPLE1 -> (65536,)

	s.op('K').bytes([]byte{1}) // stride element
	s.op(0x85)                 // TUPLE1 -> (1,)

	s.op(0x89) // NEWFALSE (requires_grad)

	s.global("collections", "OrderedDict")
	s.op(')') // EMPTY_TUPLE
	s.op('R') // REDUCE -> OrderedDict()

	s.op('t') // TUPLE -> argtuple
	s.op('R') // REDUCE -> Tensor

	s.op('.') // STOP
	return s.buf.Bytes()
}

// buildArchive writes a minimal ZIP-backed checkpoint to dir/name
// containing the given data.pkl bytes and a /data/0 storage entry, and
// returns the path.
func buildArchive(t *testing.T, dir, name string, pklBytes []byte, storageBytes []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	write := func(entry string, data []byte) {
		w, err := zw.Create(entry)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	write("archive/data.pkl", pklBytes)
	write("archive/data/0", storageBytes)
	write("archive/byteorder", []byte("little"))
	write("archive/.format_version", []byte("1"))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimalSingleTensorFile(t *testing.T) {
	storageBytes := make([]byte, 65536)
	for i := range storageBytes {
		storageBytes[i] = byte(i)
	}

	dir := t.TempDir()
	path := buildArchive(t, dir, "model.pt", pickleSingleTensor(), storageBytes)

	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.formatVersion != 1 {
		t.Fatalf("formatVersion = %d, want 1", a.formatVersion)
	}
	if a.byteorder != "little" {
		t.Fatalf("byteorder = %q, want %q", a.byteorder, "little")
	}

	v, err := a.Load(&Config{})
	if err != nil {
		t.Fatal(err)
	}

	o, ok := v.AsObject()
	if !ok || o.Tag != "Tensor" {
		t.Fatalf("got %v, want an Object tagged Tensor", v.GoString())
	}
	tn, ok := o.Payload.(*tensor.Tensor)
	if !ok {
		t.Fatalf("Tensor payload has wrong Go type: %T", o.Payload)
	}
	if len(tn.Shape) != 1 || tn.Shape[0] != 65536 {
		t.Fatalf("Shape = %v, want [65536]", tn.Shape)
	}
	if tn.NumElements() != 65536 {
		t.Fatalf("NumElements() = %d, want 65536", tn.NumElements())
	}
}
