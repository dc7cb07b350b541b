package pickle

// Opcode byte constants across pickle protocols 0 through 5, grounded
// one-for-one on the teacher's constant block in ogorek.go, plus the
// protocol-5 out-of-band buffer opcodes the teacher's copy predates.

const (
	opMark   byte = '(' // push markobject
	opStop   byte = '.' // every pickle ends with STOP
	opPop    byte = '0' // discard topmost stack item
	opDup    byte = '2' // duplicate top stack item
	opFloat  byte = 'F' // push float; decimal string argument
	opInt    byte = 'I' // push int or bool; decimal string argument
	opLong   byte = 'L' // push long; decimal string argument
	opNone   byte = 'N' // push None
	opPersid byte = 'P' // push persistent object; id taken from string arg
	opReduce byte = 'R' // apply callable to argtuple, both on stack
	opString byte = 'S' // push string; NL-terminated string argument
	opUnicode byte = 'V' // push Unicode string; raw-unicode-escaped argument
	opAppend byte = 'a' // append stack top to list below it
	opBuild  byte = 'b' // call __setstate__ or __dict__.update()
	opGlobal byte = 'c' // push find_class(modname, name); 2 string args
	opDict   byte = 'd' // build a dict from stack items
	opGet    byte = 'g' // push item from memo; index is string arg
	opInst   byte = 'i' // build & push class instance
	opList   byte = 'l' // build list from topmost stack items
	opPut    byte = 'p' // store stack top in memo; index is string arg
	opSetitem byte = 's' // add key+value pair to dict
	opTuple  byte = 't' // build tuple from topmost stack items

	opPopMark        byte = '1' // discard stack top through topmost markobject
	opBinint         byte = 'J' // push four-byte signed int
	opBinint1        byte = 'K' // push 1-byte unsigned int
	opBinint2        byte = 'M' // push 2-byte unsigned int
	opBinpersid      byte = 'Q' // push persistent object; id taken from stack
	opBinstring      byte = 'T' // push string; counted binary string argument
	opShortBinstring byte = 'U' // push string; counted binary, < 256 bytes
	opBinunicode     byte = 'X' // push Unicode string; counted UTF-8 argument
	opAppends        byte = 'e' // extend list on stack by topmost stack slice
	opBinget         byte = 'h' // push item from memo; index is 1-byte arg
	opLongBinget     byte = 'j' // push item from memo; index is 4-byte arg
	opEmptyList      byte = ']' // push empty list
	opEmptyTuple     byte = ')' // push empty tuple
	opEmptyDict      byte = '}' // push empty dict
	opObj            byte = 'o' // build & push class instance
	opBinput         byte = 'q' // store stack top in memo; index is 1-byte arg
	opLongBinput     byte = 'r' // store stack top in memo; index is 4-byte arg
	opSetitems       byte = 'u' // modify dict by adding topmost key+value pairs
	opBinfloat       byte = 'G' // push float; arg is 8-byte big-endian encoding

	opProto    byte = '\x80' // identify pickle protocol
	opNewobj   byte = '\x81' // build object by applying cls.__new__ to argtuple
	opExt1     byte = '\x82' // push object from extension registry; 1-byte index
	opExt2     byte = '\x83' // ditto, 2-byte index
	opExt4     byte = '\x84' // ditto, 4-byte index
	opTuple1   byte = '\x85' // build 1-tuple from stack top
	opTuple2   byte = '\x86' // build 2-tuple from two topmost stack items
	opTuple3   byte = '\x87' // build 3-tuple from three topmost stack items
	opNewtrue  byte = '\x88' // push True
	opNewfalse byte = '\x89' // push False
	opLong1    byte = '\x8a' // push long from < 256 bytes
	opLong4    byte = '\x8b' // push really big long

	opBinbytes      byte = 'B' // push bytes object (len ule32; [len]data)
	opShortBinbytes byte = 'C' // push bytes object (len ule8; [len]data)

	opShortBinUnicode byte = '\x8c' // push short string; UTF-8 length < 256 bytes
	opBinunicode8     byte = '\x8d' // push Unicode string (len ule64; [len]data)
	opBinbytes8       byte = '\x8e' // push bytes object (len ule64; [len]data)
	opEmptySet        byte = '\x8f' // push empty set
	opAddItems        byte = '\x90' // add items to existing set
	opFrozenSet       byte = '\x91' // build a frozenset out of mark..top
	opNewobjEx        byte = '\x92' // build object: cls argv kw -> cls.__new__(*argv, **kw)
	opStackGlobal     byte = '\x93' // same as opGlobal but using names on the stack
	opMemoize         byte = '\x94' // store top of the stack in memo
	opFrame           byte = '\x95' // indicate the beginning of a new frame

	opBytearray8     byte = '\x96' // push a bytearray object (len ule64; [len]data)
	opNextBuffer     byte = '\x97' // push next out-of-band buffer
	opReadOnlyBuffer byte = '\x98' // mark the out-of-band buffer at stack top read-only
)
