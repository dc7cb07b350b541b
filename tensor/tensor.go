// Package tensor provides the host numerical-array type that the
// checkpoint package's Tensor reconstructor builds, from the byte payload
// a storage holds plus a shape and element-type tag.
//
// No array/tensor library appears anywhere in the retrieved example
// corpus; this type is hand-written against the closed element-type
// mapping the pickle registry requires, justified in DESIGN.md.
package tensor

import "fmt"

// ElementType is the closed set of storage element types the checkpoint
// format's per-dtype storage classes map to.
type ElementType uint8

const (
	F64 ElementType = iota
	F32
	F16
	I64
	I32
	I16
	I8
	U8
	Bool
	BF16
	Complex64
)

func (e ElementType) String() string {
	switch e {
	case F64:
		return "f64"
	case F32:
		return "f32"
	case F16:
		return "f16"
	case I64:
		return "i64"
	case I32:
		return "i32"
	case I16:
		return "i16"
	case I8:
		return "i8"
	case U8:
		return "u8"
	case Bool:
		return "bool"
	case BF16:
		return "bf16"
	case Complex64:
		return "complex64"
	default:
		return fmt.Sprintf("ElementType(%d)", uint8(e))
	}
}

// ByteWidth returns the size in bytes of one element of type e.
func (e ElementType) ByteWidth() int {
	switch e {
	case F64, I64, Complex64:
		return 8
	case F32, I32:
		return 4
	case F16, I16, BF16:
		return 2
	case I8, U8, Bool:
		return 1
	default:
		return 0
	}
}

// StorageClassElementType maps a checkpoint storage class name to its
// ElementType, the closed mapping spec §4.3 defines. Quantized storages
// and complex-double are explicitly unsupported.
func StorageClassElementType(class string) (ElementType, bool) {
	switch class {
	case "DoubleStorage":
		return F64, true
	case "FloatStorage":
		return F32, true
	case "HalfStorage":
		return F16, true
	case "LongStorage":
		return I64, true
	case "IntStorage":
		return I32, true
	case "ShortStorage":
		return I16, true
	case "CharStorage":
		return I8, true
	case "ByteStorage":
		return U8, true
	case "BoolStorage":
		return Bool, true
	case "BFloat16Storage":
		return BF16, true
	case "CompleteFloatStorage":
		return Complex64, true
	default:
		return 0, false
	}
}

// Tensor is a shaped, typed view over raw storage bytes.
type Tensor struct {
	Shape   []int64
	Dtype   ElementType
	Storage []byte
}

// New constructs a Tensor from storage bytes, a shape, and an element
// type, applying storageOffset (in elements, not bytes) and validating
// that the storage holds enough bytes for the requested shape.
//
// Stride, requires_grad, and backward hooks are accepted by the
// reduction arguments one layer up (checkpoint's Tensor reconstructor)
// but never reach here: this type always describes a contiguous,
// row-major view, per spec §4.3's decision to let the host array
// determine memory layout.
func New(storage []byte, storageOffset int64, shape []int64, dtype ElementType) (*Tensor, error) {
	width := dtype.ByteWidth()
	if width == 0 {
		return nil, fmt.Errorf("tensor: unsupported element type %s", dtype)
	}

	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor: negative dimension %d in shape %v", d, shape)
		}
		n *= d
	}

	byteOffset := storageOffset * int64(width)
	need := byteOffset + n*int64(width)
	if need > int64(len(storage)) {
		return nil, fmt.Errorf("tensor: storage holds %d bytes, need %d for shape %v of %s",
			len(storage), need, shape, dtype)
	}

	return &Tensor{
		Shape:   append([]int64{}, shape...),
		Dtype:   dtype,
		Storage: storage[byteOffset : byteOffset+n*int64(width)],
	}, nil
}

// NumElements returns the product of Shape.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, bytes=%d)", t.Shape, t.Dtype, len(t.Storage))
}
