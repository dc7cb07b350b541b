package pickle

import (
	"bufio"
	"bytes"
	"io"
)

// byteSource is the two-primitive read contract §4.1 specifies: readExact
// and readLine. The teacher calls these primitives directly against a
// *bufio.Reader inline in Decode's opcode handlers (see readLine in
// ogorek.go); here they are pulled out into their own interface so the
// Unframer (below) can interpose on them for PROTO-5 framing.
type byteSource interface {
	// readExact returns exactly n bytes, or an *Error of kind ErrEOF if the
	// source is exhausted first.
	readExact(n int) ([]byte, error)
	// readLine returns bytes up to and including the first 0x0A, or
	// whatever remains if EOF comes first. It never fails; an empty
	// non-nil-terminated return signals EOF.
	readLine() ([]byte, error)
}

// readerByteSource adapts an io.Reader, reusing one bufio.Reader and one
// line buffer across calls exactly like the teacher's Decoder does with its
// d.line field.
type readerByteSource struct {
	r    *bufio.Reader
	line []byte
}

func newReaderByteSource(r io.Reader) *readerByteSource {
	return &readerByteSource{r: bufio.NewReader(r)}
}

func (s *readerByteSource) readExact(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(s.r, buf)
	if err != nil {
		return nil, wrapEOF(err)
	}
	return buf, nil
}

func (s *readerByteSource) readLine() ([]byte, error) {
	s.line = s.line[:0]
	for {
		data, err := s.r.ReadSlice('\n')
		s.line = append(s.line, data...)
		if err != bufio.ErrBufferFull {
			break
		}
	}
	return s.line, nil
}

// memByteSource is a byteSource directly over an in-memory buffer, useful
// when the whole pickle stream (or a decoded frame) is already resident.
type memByteSource struct {
	buf *bytes.Reader
}

func newMemByteSource(data []byte) *memByteSource {
	return &memByteSource{buf: bytes.NewReader(data)}
}

func (s *memByteSource) readExact(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(s.buf, buf)
	if err != nil {
		return nil, wrapEOF(err)
	}
	return buf, nil
}

func (s *memByteSource) readLine() ([]byte, error) {
	var line []byte
	for {
		b, err := s.buf.ReadByte()
		if err != nil {
			break // EOF: return whatever was accumulated.
		}
		line = append(line, b)
		if b == '\n' {
			break
		}
	}
	return line, nil
}

// unframer sits in front of a byteSource and implements §4.1's Protocol-5
// framing layer: it holds at most one active frame and, while one is
// active, serves readExact/readLine from it instead of the underlying
// source, enforcing that reads never cross the frame boundary.
//
// The teacher's own FRAME handler (loadFrame in ogorek.go) only discards
// the 8-byte size and never actually installs a frame — a conformant
// decoder is allowed to ignore framing entirely, and the teacher does. This
// type implements the full state machine so callers that want the
// boundary-enforcement semantics (and the UnexpectedFrameState /
// FrameExhausted errors §7 requires) get them; Unpickler uses it for every
// read once framing starts (see vm.go).
type unframer struct {
	src   byteSource
	frame []byte // nil when no frame is active
}

func newUnframer(src byteSource) *unframer {
	return &unframer{src: src}
}

// loadFrame installs a new frame of size bytes read from the underlying
// source. It fails with ErrUnexpectedFrameState if a previous frame is not
// fully drained yet.
func (u *unframer) loadFrame(size int64) error {
	if len(u.frame) != 0 {
		return &Error{Kind: ErrUnexpectedFrameState, Detail: "loadFrame called before prior frame drained"}
	}
	if size < 0 {
		return &Error{Kind: ErrNegativeByteCount, Detail: "negative frame size"}
	}
	data, err := u.src.readExact(int(size))
	if err != nil {
		return err
	}
	if size == 0 {
		u.frame = []byte{}
	} else {
		u.frame = data
	}
	return nil
}

func (u *unframer) readExact(n int) ([]byte, error) {
	if u.frame == nil {
		return u.src.readExact(n)
	}
	if n == 0 && len(u.frame) == 0 {
		return nil, nil
	}
	if len(u.frame) < n {
		if len(u.frame) == 0 {
			u.frame = nil
			return u.src.readExact(n)
		}
		return nil, &Error{Kind: ErrFrameExhausted, Detail: "read crosses frame boundary"}
	}
	data := u.frame[:n]
	u.frame = u.frame[n:]
	if len(u.frame) == 0 {
		u.frame = nil
	}
	return data, nil
}

func (u *unframer) readLine() ([]byte, error) {
	if u.frame == nil {
		return u.src.readLine()
	}
	idx := bytes.IndexByte(u.frame, '\n')
	if idx < 0 {
		if len(u.frame) == 0 {
			u.frame = nil
			return u.src.readLine()
		}
		return nil, &Error{Kind: ErrFrameExhausted, Detail: "line does not terminate within frame"}
	}
	line := u.frame[:idx+1]
	u.frame = u.frame[idx+1:]
	if len(u.frame) == 0 {
		u.frame = nil
	}
	return line, nil
}
