package checkpoint

import (
	"encoding/binary"

	"github.com/cortado-ml/tpickle/pickle"
	"github.com/cortado-ml/tpickle/tensor"
)

// persistentLoad implements spec §4.4's 5-step contract against this
// Archive, and is wired as the pickle.Config.PersistentLoad callback for
// every Load on this Archive.
//
// Grounded on the teacher's DecoderConfig.PersistentLoad hook
// (ogorek.go), generalized from the teacher's ZODB-style opaque Ref
// passthrough into an eager resolver that extracts and caches storage
// bytes.
func (a *Archive) persistentLoad(pid pickle.Value) (pickle.Value, error) {
	items, ok := pid.AsTuple()
	if !ok {
		return pickle.Value{}, &pickle.Error{Kind: pickle.ErrUnsupportedPersistentID,
			Detail: "persistent id is not a tuple"}
	}
	if len(items) < 3 {
		return pickle.Value{}, &pickle.Error{Kind: pickle.ErrUnsupportedPersistentID,
			Detail: "persistent id tuple too short"}
	}

	// Step 1: first element must be the literal "storage".
	marker, ok := items[0].AsString()
	if !ok || marker != "storage" {
		return pickle.Value{}, &pickle.Error{Kind: pickle.ErrUnsupportedPersistentID,
			Detail: "persistent id does not describe a storage"}
	}

	// Step 2: second element carries the storage class (its type tag, or
	// a bare class-name string depending on how the pickle stream built
	// it) which maps to an element type.
	class, err := storageClassOf(items[1])
	if err != nil {
		return pickle.Value{}, err
	}

	// Step 3: storage key.
	key, ok := items[2].AsString()
	if !ok {
		return pickle.Value{}, &pickle.Error{Kind: pickle.ErrUnsupportedPersistentID,
			Detail: "storage key is not a string"}
	}

	// Step 4: consult the cache.
	if cached, ok := a.storageCache[key]; ok {
		return packStorage(cached.data, cached.class), nil
	}

	// Step 5: extract, byte-swap if needed, and cache.
	raw, err := a.extractDataEntry(key)
	if err != nil {
		return pickle.Value{}, &pickle.Error{Kind: pickle.ErrUnsupportedPersistentID, Cause: err}
	}
	raw = a.maybeSwapByteOrder(raw, class)
	a.storageCache[key] = cachedStorage{data: raw, class: class}

	return packStorage(raw, class), nil
}

// storageClassOf extracts a storage class name from the persistent id's
// second element, which is either an already-materialized Object tagged
// with the class name (the untyped-storage handler's create() result) or
// a bare string/symbol.
func storageClassOf(v pickle.Value) (string, error) {
	if o, ok := v.AsObject(); ok {
		return o.Tag, nil
	}
	if s, ok := v.AsString(); ok {
		return s, nil
	}
	return "", &pickle.Error{Kind: pickle.ErrUnsupportedPersistentID,
		Detail: "persistent id storage class is neither an Object nor a string"}
}

// packStorage wraps raw storage bytes and its class tag as the Value the
// VM pushes in place of the persistent reference.
func packStorage(data []byte, class string) pickle.Value {
	return pickle.NewObject(data, class)
}

// maybeSwapByteOrder returns a copy of raw with each element's bytes
// reversed if the archive declared an endianness opposite the host's, per
// spec §4.4; otherwise it returns raw unchanged.
func (a *Archive) maybeSwapByteOrder(raw []byte, class string) []byte {
	if a.byteorder == "" {
		return raw
	}
	archiveLittle := a.byteorder == "little"
	hostLittle := binary.NativeEndian.Uint16([]byte{1, 0}) == 1
	if archiveLittle == hostLittle {
		return raw
	}

	elemType, ok := tensor.StorageClassElementType(class)
	if !ok {
		return raw
	}
	width := elemType.ByteWidth()
	if width <= 1 {
		return raw
	}

	swapped := append([]byte{}, raw...)
	for off := 0; off+width <= len(swapped); off += width {
		for i, j := off, off+width-1; i < j; i, j = i+1, j-1 {
			swapped[i], swapped[j] = swapped[j], swapped[i]
		}
	}
	return swapped
}
