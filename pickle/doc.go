// Package pickle decodes Python's pickle wire format (protocols 0 through 5)
// into a closed tagged-union Value, the way CPython's own pickle VM decodes
// bytecode into live objects.
//
// Use Unpickler to decode a stream:
//
//	u := pickle.NewUnpickler(r)
//	v, err := u.Load() // v is a pickle.Value
//
// Foreign Python classes (torch tensors, OrderedDict, custom tokenizer
// encodings, ...) are not reconstructed by reflection. REDUCE, NEWOBJ,
// NEWOBJ_EX, INST, OBJ and BUILD all resolve through an
// InstantiatorRegistry keyed by the class's fully qualified name;
// unregistered classes fail to instantiate rather than running arbitrary
// code. Contrary to the reference Python implementation — where a
// malicious pickle can make the decoder run arbitrary code, e.g.
// os.system("rm -rf /") — this decoder never executes anything it wasn't
// explicitly handed a safe constructor for.
//
// # Pickle protocol versions
//
// Protocol 0 is human-readable text; 1 and 2 add binary encodings; 3 adds
// a BYTES opcode family; 4 switches fully to binary opcodes and adds
// framing; 5 adds out-of-band buffers. Unpickler detects the protocol from
// the PROTO opcode and handles framing transparently via the Unframer.
//
// # Persistent references
//
// Pickle streams may defer materialization of some objects to an
// application-supplied callback (PERSID/BINPERSID opcodes) — torch
// checkpoints use this to refer to tensor storages kept outside the pickle
// stream, in separate ZIP entries. Install one via Config.PersistentLoad.
// If none is installed, the decoder logs and pushes None rather than
// failing, since most checkpoint structure remains inspectable without
// tensor bytes.
package pickle
