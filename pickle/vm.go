package pickle

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"
)

// StringEncoding selects how the legacy 8-bit string opcodes (STRING,
// BINSTRING, SHORT_BINSTRING) decode their payload into a String Value,
// per spec §6's configuration option of the same name.
type StringEncoding uint8

const (
	// EncodingASCII requires every byte to be in [0,0x7f]; this is the
	// default.
	EncodingASCII StringEncoding = iota
	// EncodingUTF8 decodes the payload as UTF-8.
	EncodingUTF8
	// EncodingBytesHex renders the raw payload as lowercase hex text,
	// losslessly representing legacy str payloads that are not valid
	// text in either of the other encodings.
	EncodingBytesHex
)

// vmState is the Fresh/Running/Terminated state machine spec §4.2 requires.
type vmState uint8

const (
	stateFresh vmState = iota
	stateRunning
	stateTerminated
)

// Config configures an Unpickler.
type Config struct {
	// PersistentLoad resolves PERSID/BINPERSID records. If nil, persistent
	// IDs resolve to None and a log line is emitted (spec §4.2, §7).
	PersistentLoad func(pid Value) (Value, error)
	// StringEncoding controls how legacy 8-bit string opcodes decode.
	// Zero value is EncodingASCII.
	StringEncoding StringEncoding
	// OOBBuffers feeds the NEXT_BUFFER opcode family (protocol 5). Absent
	// by default; NEXT_BUFFER fails if invoked with none remaining.
	OOBBuffers []Value
	// Registry resolves foreign class references. Defaults to
	// DefaultRegistry if nil.
	Registry *InstantiatorRegistry
	// Logger receives the soft-failure diagnostics spec §7 and §9's open
	// questions call for (absent persistent-load callback, BUILD dict
	// fallback). Defaults to slog.Default().
	Logger *slog.Logger
}

// Unpickler decodes one pickle stream into a Value. It is single-shot:
// construct a fresh Unpickler per stream (spec §3, §4.2).
//
// Grounded on the teacher's Decoder/DecoderConfig (ogorek.go), restructured
// around Value/InstantiatorRegistry/Unframer and the metastack-based mark
// discipline spec §4.2 describes, in place of the teacher's linear
// sentinel-scanning marker().
type Unpickler struct {
	src      *unframer
	config   Config
	registry *InstantiatorRegistry

	stack     []Value
	metastack [][]Value
	memo      map[int64]Value

	protocol int
	oobIdx   int
	pos      int
	state    vmState
}

// NewUnpickler returns an Unpickler reading from r with default
// configuration.
func NewUnpickler(r io.Reader) *Unpickler {
	return NewUnpicklerWithConfig(r, Config{})
}

// NewUnpicklerWithConfig returns an Unpickler reading from r.
func NewUnpicklerWithConfig(r io.Reader, config Config) *Unpickler {
	return newUnpickler(newReaderByteSource(r), config)
}

// NewUnpicklerFromBytes returns an Unpickler reading from an in-memory
// buffer, avoiding the bufio indirection when the whole stream is already
// resident (e.g. extracted from a ZIP entry).
func NewUnpicklerFromBytes(data []byte, config Config) *Unpickler {
	return newUnpickler(newMemByteSource(data), config)
}

func newUnpickler(src byteSource, config Config) *Unpickler {
	reg := config.Registry
	if reg == nil {
		reg = DefaultRegistry
	}
	return &Unpickler{
		src:      newUnframer(src),
		config:   config,
		registry: reg,
		memo:     make(map[int64]Value),
	}
}

func (u *Unpickler) logger() *slog.Logger {
	if u.config.Logger != nil {
		return u.config.Logger
	}
	return slog.Default()
}

// Load decodes opcodes from the stream until STOP and returns the value
// left on the stack. It fails with a typed *Error from errors.go. A
// second call on the same Unpickler always fails: the VM is single-shot.
func (u *Unpickler) Load() (Value, error) {
	if u.state == stateTerminated {
		return Value{}, errf(ErrMalformed, "Load called on a terminated Unpickler")
	}
	u.state = stateRunning

	result, err := u.run()
	u.state = stateTerminated
	return result, err
}

func (u *Unpickler) run() (Value, error) {
	for {
		op, err := u.src.readExact(1)
		if err != nil {
			return Value{}, err
		}
		u.pos++

		if err := u.dispatch(op[0]); err != nil {
			return Value{}, err
		}
		if op[0] == opStop {
			return u.finish()
		}
	}
}

func (u *Unpickler) finish() (Value, error) {
	v, err := u.pop()
	if err != nil {
		return Value{}, err
	}
	if v.isMark() {
		return Value{}, errf(ErrMalformed, "STOP: mark sentinel escaped to result")
	}
	return v, nil
}

//nolint:gocyclo // a flat opcode dispatch table is the idiom this is grounded on (ogorek.go Decode)
func (u *Unpickler) dispatch(op byte) error {
	switch op {
	case opMark:
		u.doMark()
		return nil
	case opStop:
		return nil
	case opPop:
		return u.doPop()
	case opPopMark:
		_, err := u.popToMark()
		return err
	case opDup:
		return u.doDup()
	case opFloat:
		return u.loadFloat()
	case opBinfloat:
		return u.loadBinFloat()
	case opInt:
		return u.loadInt()
	case opBinint:
		return u.loadBinInt()
	case opBinint1:
		return u.loadBinInt1()
	case opBinint2:
		return u.loadBinInt2()
	case opLong:
		return u.loadLong()
	case opLong1:
		return u.loadLong1()
	case opLong4:
		return u.loadLong4()
	case opNone:
		u.push(None)
		return nil
	case opNewtrue:
		u.push(NewBool(true))
		return nil
	case opNewfalse:
		u.push(NewBool(false))
		return nil
	case opPersid:
		return u.loadPersid()
	case opBinpersid:
		return u.loadBinPersid()
	case opReduce, opNewobj:
		return u.doReduce()
	case opNewobjEx:
		return u.doNewobjEx()
	case opInst:
		return u.doInst()
	case opObj:
		return u.doObj()
	case opBuild:
		return u.doBuild()
	case opGlobal:
		return u.doGlobal()
	case opStackGlobal:
		return u.doStackGlobal()
	case opExt1:
		return u.doExt(1)
	case opExt2:
		return u.doExt(2)
	case opExt4:
		return u.doExt(4)
	case opString:
		return u.loadString()
	case opBinstring:
		return u.loadBinString()
	case opShortBinstring:
		return u.loadShortBinString()
	case opBinbytes:
		return u.loadBinBytes(4)
	case opShortBinbytes:
		return u.loadBinBytes(1)
	case opBinbytes8:
		return u.loadBinBytes(8)
	case opBytearray8:
		return u.loadBytearray8()
	case opUnicode:
		return u.loadUnicode()
	case opBinunicode:
		return u.loadBinUnicodeN(4)
	case opShortBinUnicode:
		return u.loadBinUnicodeN(1)
	case opBinunicode8:
		return u.loadBinUnicodeN(8)
	case opEmptyList:
		u.push(NewList(nil))
		return nil
	case opEmptyTuple:
		u.push(NewTuple(nil))
		return nil
	case opEmptyDict:
		u.push(NewDict())
		return nil
	case opEmptySet:
		u.push(NewSetValue(NewEmptySet()))
		return nil
	case opList:
		return u.doList()
	case opTuple:
		return u.doTuple()
	case opTuple1:
		return u.tupleN(1)
	case opTuple2:
		return u.tupleN(2)
	case opTuple3:
		return u.tupleN(3)
	case opDict:
		return u.doDict()
	case opFrozenSet:
		return u.doFrozenSet()
	case opAppend:
		return u.doAppend()
	case opAppends:
		return u.doAppends()
	case opSetitem:
		return u.doSetitem()
	case opSetitems:
		return u.doSetitems()
	case opAddItems:
		return u.doAddItems()
	case opGet:
		return u.doGet()
	case opBinget:
		return u.doBinGet(1)
	case opLongBinget:
		return u.doBinGet(4)
	case opPut:
		return u.doPut()
	case opBinput:
		return u.doBinPut(1)
	case opLongBinput:
		return u.doBinPut(4)
	case opMemoize:
		return u.doMemoize()
	case opProto:
		return u.loadProto()
	case opFrame:
		return u.loadFrame()
	case opNextBuffer:
		return u.doNextBuffer()
	case opReadOnlyBuffer:
		return u.doReadOnlyBuffer()
	default:
		return &Error{Kind: ErrUnknownOpcode, Opcode: op, Pos: u.pos}
	}
}

// --- stack / mark discipline -----------------------------------------

func (u *Unpickler) push(v Value) { u.stack = append(u.stack, v) }

func (u *Unpickler) pop() (Value, error) {
	n := len(u.stack)
	if n == 0 {
		return Value{}, errf(ErrMalformed, "stack underflow")
	}
	v := u.stack[n-1]
	u.stack = u.stack[:n-1]
	return v, nil
}

func (u *Unpickler) top() (Value, error) {
	n := len(u.stack)
	if n == 0 {
		return Value{}, errf(ErrMalformed, "stack underflow")
	}
	return u.stack[n-1], nil
}

func (u *Unpickler) doMark() {
	u.metastack = append(u.metastack, u.stack)
	u.stack = nil
}

// popToMark discards and returns every item pushed since the most recent
// MARK, restoring the stack frame that was active before it.
func (u *Unpickler) popToMark() ([]Value, error) {
	n := len(u.metastack)
	if n == 0 {
		return nil, errf(ErrMalformed, "no marker in stack")
	}
	items := u.stack
	u.stack = u.metastack[n-1]
	u.metastack = u.metastack[:n-1]
	return items, nil
}

func (u *Unpickler) doPop() error {
	if len(u.stack) > 0 {
		_, err := u.pop()
		return err
	}
	if len(u.metastack) == 0 {
		return errf(ErrMalformed, "stack underflow")
	}
	n := len(u.metastack)
	u.stack = u.metastack[n-1]
	u.metastack = u.metastack[:n-1]
	return nil
}

func (u *Unpickler) doDup() error {
	v, err := u.top()
	if err != nil {
		return err
	}
	u.push(v)
	return nil
}

// --- byte source helpers ----------------------------------------------

// readLine reads a line via the Unframer and strips its trailing newline.
// A line with no terminator signals the stream ended mid-field.
func (u *Unpickler) readLine() ([]byte, error) {
	line, err := u.src.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, wrapEOF(io.EOF)
	}
	if line[len(line)-1] != '\n' {
		return nil, wrapEOF(io.ErrUnexpectedEOF)
	}
	return line[:len(line)-1], nil
}

func (u *Unpickler) readExact(n int) ([]byte, error) {
	return u.src.readExact(n)
}

// --- protocol & framing -------------------------------------------------

func (u *Unpickler) loadProto() error {
	b, err := u.readExact(1)
	if err != nil {
		return err
	}
	v := int64(b[0])
	if v < 0 || v > 5 {
		return &Error{Kind: ErrUnsupportedProtocol, IntArg: v}
	}
	u.protocol = int(v)
	return nil
}

func (u *Unpickler) loadFrame() error {
	b, err := u.readExact(8)
	if err != nil {
		return err
	}
	size := binary.LittleEndian.Uint64(b)
	return u.src.loadFrame(int64(size))
}

// --- primitives ----------------------------------------------------------

func (u *Unpickler) loadInt() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	switch string(line) {
	case "00":
		u.push(NewBool(false))
		return nil
	case "01":
		u.push(NewBool(true))
		return nil
	}
	i, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return errf(ErrMalformed, "INT: %s", err)
	}
	u.push(NewInt(i))
	return nil
}

func (u *Unpickler) loadBinInt() error {
	b, err := u.readExact(4)
	if err != nil {
		return err
	}
	u.push(NewInt(int64(int32(binary.LittleEndian.Uint32(b)))))
	return nil
}

func (u *Unpickler) loadBinInt1() error {
	b, err := u.readExact(1)
	if err != nil {
		return err
	}
	u.push(NewInt(int64(b[0])))
	return nil
}

func (u *Unpickler) loadBinInt2() error {
	b, err := u.readExact(2)
	if err != nil {
		return err
	}
	u.push(NewInt(int64(binary.LittleEndian.Uint16(b))))
	return nil
}

func (u *Unpickler) loadLong() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	if len(line) < 1 || line[len(line)-1] != 'L' {
		return errf(ErrMalformed, "LONG: missing trailing L")
	}
	bi := new(big.Int)
	if _, ok := bi.SetString(string(line[:len(line)-1]), 10); !ok {
		return errf(ErrMalformed, "LONG: invalid integer literal")
	}
	v, err := bigToInt64(bi)
	if err != nil {
		return err
	}
	u.push(NewInt(v))
	return nil
}

func (u *Unpickler) loadLong1() error {
	b, err := u.readExact(1)
	if err != nil {
		return err
	}
	return u.loadLongN(int(b[0]))
}

func (u *Unpickler) loadLong4() error {
	b, err := u.readExact(4)
	if err != nil {
		return err
	}
	n := int32(binary.LittleEndian.Uint32(b))
	if n < 0 {
		return errf(ErrNegativeByteCount, "LONG4: negative length")
	}
	return u.loadLongN(int(n))
}

func (u *Unpickler) loadLongN(n int) error {
	raw, err := u.readExact(n)
	if err != nil {
		return err
	}
	v, err := bigToInt64(decodeTwosComplementLE(raw))
	if err != nil {
		return err
	}
	u.push(NewInt(v))
	return nil
}

// decodeTwosComplementLE interprets data as a two's-complement
// little-endian arbitrary-precision integer, ported from the teacher's
// decodeLong (ogorek.go).
func decodeTwosComplementLE(data []byte) *big.Int {
	decoded := new(big.Int)
	if len(data) == 0 {
		return decoded
	}
	negative := data[len(data)-1] > 127
	for i := len(data) - 1; i >= 0; i-- {
		term := big.NewInt(int64(data[i]))
		term.Lsh(term, uint(8*i))
		decoded.Add(decoded, term)
	}
	if negative {
		decoded.Sub(decoded, big.NewInt(1))
		b := decoded.Bytes()
		for i := range b {
			b[i] = ^b[i]
		}
		decoded.SetBytes(b)
		decoded.Neg(decoded)
	}
	return decoded
}

func bigToInt64(bi *big.Int) (int64, error) {
	if !bi.IsInt64() {
		return 0, errf(ErrExceedsMaxSize, "integer %s exceeds int64 range", bi.String())
	}
	return bi.Int64(), nil
}

func (u *Unpickler) loadFloat() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	f, err := strconv.ParseFloat(string(line), 64)
	if err != nil {
		return errf(ErrMalformed, "FLOAT: %s", err)
	}
	u.push(NewFloat(f))
	return nil
}

func (u *Unpickler) loadBinFloat() error {
	b, err := u.readExact(8)
	if err != nil {
		return err
	}
	u.push(NewFloat(math.Float64frombits(binary.BigEndian.Uint64(b))))
	return nil
}

// --- strings & bytes -------------------------------------------------------

func (u *Unpickler) decodeLegacyString(raw []byte) (string, error) {
	switch u.config.StringEncoding {
	case EncodingUTF8:
		if !utf8.Valid(raw) {
			return "", errf(ErrMalformed, "legacy string: invalid utf-8")
		}
		return string(raw), nil
	case EncodingBytesHex:
		const hexdigits = "0123456789abcdef"
		out := make([]byte, 0, len(raw)*2)
		for _, b := range raw {
			out = append(out, hexdigits[b>>4], hexdigits[b&0xf])
		}
		return string(out), nil
	default: // EncodingASCII
		for _, b := range raw {
			if b > 0x7f {
				return "", errf(ErrMalformed, "legacy string: non-ascii byte %#x", b)
			}
		}
		return string(raw), nil
	}
}

func (u *Unpickler) loadString() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	if len(line) < 2 {
		return errf(ErrMalformed, "STRING: too short")
	}
	delim := line[0]
	if delim != '\'' && delim != '"' {
		return errf(ErrMalformed, "STRING: invalid delimiter %q", delim)
	}
	if line[len(line)-1] != delim {
		return errf(ErrMalformed, "STRING: mismatched delimiter")
	}
	unescaped, err := pydecodeStringEscape(string(line[1 : len(line)-1]))
	if err != nil {
		return errf(ErrMalformed, "STRING: %s", err)
	}
	s, err := u.decodeLegacyString([]byte(unescaped))
	if err != nil {
		return err
	}
	u.push(NewString(s))
	return nil
}

// readCountedBytes reads a lengthWidth-byte little-endian length followed
// by that many bytes, serving the BIN{STRING,BYTES}-family opcodes.
func (u *Unpickler) readCountedBytes(lengthWidth int) ([]byte, error) {
	b, err := u.readExact(lengthWidth)
	if err != nil {
		return nil, err
	}
	var n uint64
	switch lengthWidth {
	case 1:
		n = uint64(b[0])
	case 4:
		n = uint64(binary.LittleEndian.Uint32(b))
	case 8:
		n = binary.LittleEndian.Uint64(b)
	}
	if n > math.MaxInt32 {
		return nil, errf(ErrExceedsMaxSize, "length %d exceeds host capacity", n)
	}
	return u.readExact(int(n))
}

func (u *Unpickler) loadBinString() error {
	raw, err := u.readCountedBytes(4)
	if err != nil {
		return err
	}
	s, err := u.decodeLegacyString(raw)
	if err != nil {
		return err
	}
	u.push(NewString(s))
	return nil
}

func (u *Unpickler) loadShortBinString() error {
	raw, err := u.readCountedBytes(1)
	if err != nil {
		return err
	}
	s, err := u.decodeLegacyString(raw)
	if err != nil {
		return err
	}
	u.push(NewString(s))
	return nil
}

func (u *Unpickler) loadBinBytes(lengthWidth int) error {
	raw, err := u.readCountedBytes(lengthWidth)
	if err != nil {
		return err
	}
	u.push(NewBytes(raw))
	return nil
}

func (u *Unpickler) loadBytearray8() error {
	raw, err := u.readCountedBytes(8)
	if err != nil {
		return err
	}
	u.push(NewBytes(raw))
	return nil
}

func (u *Unpickler) loadUnicode() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	s, err := pydecodeRawUnicodeEscape(string(line))
	if err != nil {
		return err
	}
	u.push(NewString(s))
	return nil
}

func (u *Unpickler) loadBinUnicodeN(lengthWidth int) error {
	raw, err := u.readCountedBytes(lengthWidth)
	if err != nil {
		return err
	}
	if !utf8.Valid(raw) {
		return errf(ErrMalformed, "BINUNICODE: invalid utf-8")
	}
	u.push(NewString(string(raw)))
	return nil
}

// --- composite builders ----------------------------------------------------

func (u *Unpickler) doList() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	u.push(NewList(items))
	return nil
}

func (u *Unpickler) doTuple() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	u.push(NewTuple(items))
	return nil
}

func (u *Unpickler) tupleN(n int) error {
	if len(u.stack) < n {
		return errf(ErrMalformed, "TUPLE%d: stack underflow", n)
	}
	k := len(u.stack) - n
	items := append([]Value{}, u.stack[k:]...)
	u.stack = u.stack[:k]
	u.push(NewTuple(items))
	return nil
}

func dictFromPairs(items []Value) *Dict {
	d := NewDictWithSizeHint(len(items) / 2)
	for i := 0; i+1 < len(items); i += 2 {
		d.TrySet(items[i], items[i+1])
	}
	return d
}

func (u *Unpickler) doDict() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	u.push(NewDictValue(dictFromPairs(items)))
	return nil
}

func (u *Unpickler) doFrozenSet() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	s := NewEmptySet()
	for _, it := range items {
		s.TryAdd(it)
	}
	u.push(NewSetValue(s))
	return nil
}

func (u *Unpickler) doAppend() error {
	v, err := u.pop()
	if err != nil {
		return err
	}
	l, err := u.top()
	if err != nil {
		return err
	}
	if l.Kind() != KindList {
		return errf(ErrMalformed, "APPEND: expected list, got %s", l.Kind())
	}
	l.appendList(v)
	return nil
}

func (u *Unpickler) doAppends() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	l, err := u.top()
	if err != nil {
		return err
	}
	if l.Kind() != KindList {
		return errf(ErrMalformed, "APPENDS: expected list, got %s", l.Kind())
	}
	for _, it := range items {
		l.appendList(it)
	}
	return nil
}

func (u *Unpickler) doSetitem() error {
	v, err := u.pop()
	if err != nil {
		return err
	}
	k, err := u.pop()
	if err != nil {
		return err
	}
	d, err := u.top()
	if err != nil {
		return err
	}
	dict, ok := d.AsDict()
	if !ok {
		return errf(ErrMalformed, "SETITEM: expected dict, got %s", d.Kind())
	}
	if !dict.TrySet(k, v) {
		return errf(ErrMalformed, "SETITEM: unhashable key of kind %s", k.Kind())
	}
	return nil
}

func (u *Unpickler) doSetitems() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	d, err := u.top()
	if err != nil {
		return err
	}
	dict, ok := d.AsDict()
	if !ok {
		return errf(ErrMalformed, "SETITEMS: expected dict, got %s", d.Kind())
	}
	for i := 0; i+1 < len(items); i += 2 {
		if !dict.TrySet(items[i], items[i+1]) {
			return errf(ErrMalformed, "SETITEMS: unhashable key of kind %s", items[i].Kind())
		}
	}
	return nil
}

func (u *Unpickler) doAddItems() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	sv, err := u.top()
	if err != nil {
		return err
	}
	set, ok := sv.AsSet()
	if !ok {
		return errf(ErrMalformed, "ADDITEMS: expected set, got %s", sv.Kind())
	}
	for _, it := range items {
		if !set.TryAdd(it) {
			return errf(ErrMalformed, "ADDITEMS: unhashable item of kind %s", it.Kind())
		}
	}
	return nil
}

// --- memoization -------------------------------------------------------

func (u *Unpickler) memoSet(idx int64, v Value) error {
	if idx < 0 {
		return errf(ErrNegativeArgument, "memo index %d is negative", idx)
	}
	u.memo[idx] = v
	return nil
}

func (u *Unpickler) doPut() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	idx, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return errf(ErrMalformed, "PUT: %s", err)
	}
	v, err := u.top()
	if err != nil {
		return err
	}
	return u.memoSet(idx, v)
}

func (u *Unpickler) doBinPut(width int) error {
	b, err := u.readExact(width)
	if err != nil {
		return err
	}
	var idx int64
	if width == 1 {
		idx = int64(b[0])
	} else {
		idx = int64(binary.LittleEndian.Uint32(b))
	}
	v, err := u.top()
	if err != nil {
		return err
	}
	return u.memoSet(idx, v)
}

func (u *Unpickler) doMemoize() error {
	v, err := u.top()
	if err != nil {
		return err
	}
	return u.memoSet(int64(len(u.memo)), v)
}

func (u *Unpickler) memoGet(idx int64) (Value, error) {
	v, ok := u.memo[idx]
	if !ok {
		return Value{}, &Error{Kind: ErrMemoNotFound, IntArg: idx}
	}
	return v, nil
}

func (u *Unpickler) doGet() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	idx, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return errf(ErrMalformed, "GET: %s", err)
	}
	v, err := u.memoGet(idx)
	if err != nil {
		return err
	}
	u.push(v)
	return nil
}

func (u *Unpickler) doBinGet(width int) error {
	b, err := u.readExact(width)
	if err != nil {
		return err
	}
	var idx int64
	if width == 1 {
		idx = int64(b[0])
	} else {
		idx = int64(binary.LittleEndian.Uint32(b))
	}
	v, err := u.memoGet(idx)
	if err != nil {
		return err
	}
	u.push(v)
	return nil
}

// --- reduction, construction, BUILD ---------------------------------------

func (u *Unpickler) doGlobal() error {
	module, err := u.readLine()
	if err != nil {
		return err
	}
	name, err := u.readLine()
	if err != nil {
		return err
	}
	u.pushClassRef(string(module), string(name))
	return nil
}

func (u *Unpickler) doStackGlobal() error {
	name, err := u.pop()
	if err != nil {
		return err
	}
	module, err := u.pop()
	if err != nil {
		return err
	}
	nameStr, ok := name.AsString()
	if !ok {
		return errf(ErrMalformed, "STACK_GLOBAL: name is not a string")
	}
	moduleStr, ok := module.AsString()
	if !ok {
		return errf(ErrMalformed, "STACK_GLOBAL: module is not a string")
	}
	u.pushClassRef(moduleStr, nameStr)
	return nil
}

func (u *Unpickler) pushClassRef(module, class string) {
	ref, found := u.registry.create(module, class)
	if !found {
		ref = None
	}
	u.push(ref)
}

func (u *Unpickler) doExt(width int) error {
	b, err := u.readExact(width)
	if err != nil {
		return err
	}
	var code int64
	switch width {
	case 1:
		code = int64(b[0])
	case 2:
		code = int64(binary.LittleEndian.Uint16(b))
	case 4:
		code = int64(int32(binary.LittleEndian.Uint32(b)))
	}
	module, class, ok := u.registry.extensionClass(code)
	if !ok {
		return &Error{Kind: ErrUnregisteredExtension, IntArg: code, Pos: u.pos}
	}
	u.pushClassRef(module, class)
	return nil
}

func (u *Unpickler) doReduce() error {
	args, err := u.pop()
	if err != nil {
		return err
	}
	classRef, err := u.pop()
	if err != nil {
		return err
	}
	result, err := u.registry.initialize(classRef, args)
	if err != nil {
		return err
	}
	u.push(result)
	return nil
}

func (u *Unpickler) doNewobjEx() error {
	kwargs, err := u.pop()
	if err != nil {
		return err
	}
	args, err := u.pop()
	if err != nil {
		return err
	}
	classRef, err := u.pop()
	if err != nil {
		return err
	}
	arguments := args
	if kw, ok := kwargs.AsDict(); ok && kw.Len() > 0 {
		arguments = NewTuple([]Value{args, kwargs})
	}
	result, err := u.registry.initialize(classRef, arguments)
	if err != nil {
		return err
	}
	u.push(result)
	return nil
}

func (u *Unpickler) doInst() error {
	module, err := u.readLine()
	if err != nil {
		return err
	}
	name, err := u.readLine()
	if err != nil {
		return err
	}
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	classRef, found := u.registry.create(string(module), string(name))
	if !found {
		classRef = None
	}
	result, err := u.registry.initialize(classRef, NewTuple(items))
	if err != nil {
		return err
	}
	u.push(result)
	return nil
}

func (u *Unpickler) doObj() error {
	items, err := u.popToMark()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errf(ErrMalformed, "OBJ: empty stack segment")
	}
	classRef := items[0]
	result, err := u.registry.initialize(classRef, NewTuple(items[1:]))
	if err != nil {
		return err
	}
	u.push(result)
	return nil
}

func (u *Unpickler) doBuild() error {
	state, err := u.pop()
	if err != nil {
		return err
	}
	obj, err := u.pop()
	if err != nil {
		return err
	}

	if o, ok := obj.AsObject(); ok {
		if _, found := u.registry.handlerForTag(o.Tag); !found {
			u.logger().Warn("pickle: BUILD falling back to dict-merge", "tag", o.Tag)
		}
	} else if _, ok := obj.AsDict(); ok {
		u.logger().Debug("pickle: BUILD merging state into untagged dict")
	}

	result, err := u.registry.initialize(obj, state)
	if err != nil {
		return err
	}
	u.push(result)
	return nil
}

// --- persistent ids ----------------------------------------------------

func (u *Unpickler) loadPersid() error {
	line, err := u.readLine()
	if err != nil {
		return err
	}
	return u.handlePersistentID(NewString(string(line)))
}

func (u *Unpickler) loadBinPersid() error {
	pid, err := u.pop()
	if err != nil {
		return err
	}
	return u.handlePersistentID(pid)
}

func (u *Unpickler) handlePersistentID(pid Value) error {
	load := u.config.PersistentLoad
	if load == nil {
		u.logger().Info("pickle: no persistent-load callback installed, substituting None")
		u.push(None)
		return nil
	}
	v, err := load(pid)
	if err != nil {
		return &Error{Kind: ErrUnsupportedPersistentID, Cause: err}
	}
	u.push(v)
	return nil
}

// --- out-of-band buffers -------------------------------------------------

func (u *Unpickler) doNextBuffer() error {
	if u.oobIdx >= len(u.config.OOBBuffers) {
		return errf(ErrMalformed, "NEXT_BUFFER: no out-of-band buffer available")
	}
	u.push(u.config.OOBBuffers[u.oobIdx])
	u.oobIdx++
	return nil
}

func (u *Unpickler) doReadOnlyBuffer() error {
	_, err := u.top()
	return err
}
