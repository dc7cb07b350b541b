package checkpoint

import (
	"sync"

	"github.com/cortado-ml/tpickle/pickle"
	"github.com/cortado-ml/tpickle/tensor"
)

var registerBuiltinsOnce sync.Once

// RegisterBuiltins installs the three built-in Instantiator handlers spec
// §4.3 requires into pickle.DefaultRegistry: the tensor reconstructor, the
// untyped-storage handler, and the OrderedDict handler. It is idempotent
// and safe to call from multiple Archive.Load calls.
//
// Grounded on the teacher's approach of pre-registering well-known ZODB
// class names (ogorek.go's persistentStorage handling) before Decode
// runs, generalized here to torch's actual reduction callables.
func RegisterBuiltins() {
	registerBuiltinsOnce.Do(func() {
		pickle.DefaultRegistry.Add(tensorHandler())
		pickle.DefaultRegistry.Add(storageHandler())
		pickle.DefaultRegistry.Add(orderedDictHandler())
	})
}

// tensorHandler recognizes torch._utils._rebuild_tensor_v2. create needs
// no state; initialize does the actual reconstruction from the reduction
// argtuple (storage, storage_offset, shape, stride, requires_grad,
// backward_hooks, ...), per spec §4.3.
func tensorHandler() *pickle.Handler {
	return &pickle.Handler{
		ClassNames: []string{"torch._utils" + pickle.Divider + "_rebuild_tensor_v2"},
		TypeTags:   []string{"Tensor"},
		Create: func(module, class string) pickle.Value {
			return pickle.NewObject(nil, "Tensor")
		},
		Initialize: func(obj pickle.Value, arguments pickle.Value) (pickle.Value, error) {
			args, ok := arguments.AsTuple()
			if !ok || len(args) < 3 {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
					Detail: "_rebuild_tensor_v2 requires at least (storage, storage_offset, shape)"}
			}

			storageObj, ok := args[0].AsObject()
			if !ok {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
					Detail: "_rebuild_tensor_v2's first argument is not a storage"}
			}
			storageBytes, ok := storageObj.Payload.([]byte)
			if !ok {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
					Detail: "storage payload is not raw bytes"}
			}
			elemType, ok := tensor.StorageClassElementType(storageObj.Tag)
			if !ok {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
					Detail: "storage class " + storageObj.Tag + " has no element-type mapping"}
			}

			storageOffset, _ := args[1].AsInt64()

			shapeTuple, ok := args[2].AsTuple()
			if !ok {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
					Detail: "_rebuild_tensor_v2's shape argument is not a tuple"}
			}
			shape := make([]int64, len(shapeTuple))
			for i, d := range shapeTuple {
				n, ok := d.AsInt64()
				if !ok {
					return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
						Detail: "shape element is not an int"}
				}
				shape[i] = n
			}

			tn, err := tensor.New(storageBytes, storageOffset, shape, elemType)
			if err != nil {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated, Cause: err}
			}
			return pickle.NewObject(tn, "Tensor"), nil
		},
	}
}

// storageHandler recognizes torch's per-dtype untyped-storage classes.
// create mints an Object tagged with the class name so persistentLoad's
// storageClassOf can recover the element-type mapping; the payload is
// filled in by the archive's persistent-load callback, not by this
// handler, since the storage bytes live in the archive rather than the
// pickle stream itself.
func storageHandler() *pickle.Handler {
	classes := []string{
		"DoubleStorage", "FloatStorage", "HalfStorage", "LongStorage",
		"IntStorage", "ShortStorage", "CharStorage", "ByteStorage",
		"BoolStorage", "BFloat16Storage", "CompleteFloatStorage",
	}
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = "torch" + pickle.Divider + c
	}
	return &pickle.Handler{
		ClassNames: names,
		Create: func(module, class string) pickle.Value {
			return pickle.NewObject(nil, class)
		},
		Initialize: func(obj pickle.Value, arguments pickle.Value) (pickle.Value, error) {
			return obj, nil
		},
	}
}

// orderedDictHandler recognizes collections.OrderedDict. create returns an
// empty Dict-tagged Object; initialize consumes the list of 2-tuples
// REDUCE/BUILD supplies and inserts each as a key/value pair. The payload
// is a plain Dict, which iterates in arbitrary order, so the pairs'
// insertion order is not preserved.
func orderedDictHandler() *pickle.Handler {
	return &pickle.Handler{
		ClassNames: []string{"collections" + pickle.Divider + "OrderedDict"},
		TypeTags:   []string{"OrderedDict"},
		Create: func(module, class string) pickle.Value {
			d := pickle.NewEmptyDict()
			return pickle.NewObject(d, "OrderedDict")
		},
		Initialize: func(obj pickle.Value, arguments pickle.Value) (pickle.Value, error) {
			o, ok := obj.AsObject()
			if !ok {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
					Detail: "OrderedDict initialize called on a non-Object"}
			}
			d, ok := o.Payload.(*pickle.Dict)
			if !ok {
				return pickle.Value{}, &pickle.Error{Kind: pickle.ErrClassCouldNotBeInstantiated,
					Detail: "OrderedDict payload is not a Dict"}
			}

			// arguments is either a list of 2-tuples (the reduction form) or
			// empty when OrderedDict() was called with no seed pairs.
			if items, ok := arguments.AsList(); ok {
				insertPairs(d, items)
			} else if items, ok := arguments.AsTuple(); ok {
				insertPairs(d, items)
			}
			return obj, nil
		},
	}
}

func insertPairs(d *pickle.Dict, items []pickle.Value) {
	for _, item := range items {
		pair, ok := item.AsTuple()
		if !ok || len(pair) != 2 {
			continue
		}
		d.TrySet(pair[0], pair[1])
	}
}
