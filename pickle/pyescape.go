package pickle

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

// pydecodeStringEscape decodes s according to Python's "string-escape"
// codec, used by the STRING opcode's textual payload. Ported from the
// teacher's pyquote.go, decode direction only — the corresponding encoder
// (pyquote) has no use here since this package never writes pickles.
//
// The codec is essentially defined here:
// https://github.com/python/cpython/blob/v2.7.15-198-g69d0bc1430d/Objects/stringobject.c#L600
func pydecodeStringEscape(s string) (string, error) {
	out := make([]byte, 0, len(s))

loop:
	for {
		r, width := utf8.DecodeRuneInString(s)
		if width == 0 {
			break
		}

		if r != '\\' {
			out = append(out, s[:width]...)
			s = s[width:]
			continue
		}

		if len(s) < 2 {
			return "", strconv.ErrSyntax
		}

		switch c := s[1]; c {
		case '\n':
			s = s[2:]
			continue loop

		case '\\':
			out = append(out, '\\')
			s = s[2:]
			continue loop

		case '\'', '"':
			out = append(out, c)
			s = s[2:]
			continue loop

		default:
			out = append(out, '\\')
			s = s[1:]
			continue loop

		case 'b', 'f', 't', 'n', 'r', 'v', 'a':
		case '0', '1', '2', '3', '4', '5', '6', '7':
		case 'x':
		}

		r, _, tail, err := strconv.UnquoteChar(s, 0)
		if err != nil {
			return "", err
		}

		c := byte(r)
		if r != rune(c) {
			panic(fmt.Sprintf("pydecode: string-escape: non-byte escaped rune %q (% x ; from %q)", r, r, s))
		}

		out = append(out, c)
		s = tail
	}

	return string(out), nil
}

// pydecodeRawUnicodeEscape decodes s according to Python's
// "raw-unicode-escape" codec, used by the UNICODE opcode's textual
// payload (spec §4.2): first every byte is taken as its own Latin-1
// codepoint, then \uXXXX and \UXXXXXXXX escapes are expanded.
//
// Unlike "unicode-escape", raw-unicode-escape leaves every other
// backslash sequence (\n, \t, \\, ...) untouched — only \u and \U are
// special, and only when they follow an odd-length run of backslashes:
// codecs.decode(b'\\u1234', 'raw_unicode_escape') decodes, but
// codecs.decode(b'\\\\u1234', 'raw_unicode_escape') does not (the pair of
// backslashes escapes itself and "u1234" passes through literally). This
// function is not present in the retrieved teacher source; it is
// hand-written against the format's published codec description,
// mirroring pydecodeStringEscape's structure.
func pydecodeRawUnicodeEscape(s string) (string, error) {
	var out []rune

	i := 0
	for i < len(s) {
		if s[i] != '\\' {
			out = append(out, rune(s[i]))
			i++
			continue
		}

		run := i
		for run < len(s) && s[run] == '\\' {
			run++
		}
		runLen := run - i

		// An escape lead-in requires an odd-length run of backslashes
		// (the last one escapes; any complete leading pairs escape each
		// other and pass through literally) immediately followed by u/U.
		if runLen%2 == 1 && run < len(s) && (s[run] == 'u' || s[run] == 'U') {
			for k := 0; k < runLen-1; k++ {
				out = append(out, '\\')
			}

			var width int
			if s[run] == 'u' {
				width = 4
			} else {
				width = 8
			}
			if run+1+width > len(s) {
				return "", errf(ErrMalformed, "raw-unicode-escape: truncated \\%c escape", s[run])
			}
			hexDigits := s[run+1 : run+1+width]
			v, err := strconv.ParseUint(hexDigits, 16, 32)
			if err != nil {
				return "", errf(ErrMalformed, "raw-unicode-escape: invalid hex digits %q", hexDigits)
			}
			out = append(out, rune(v))
			i = run + 1 + width
			continue
		}

		for k := 0; k < runLen; k++ {
			out = append(out, '\\')
		}
		i = run
	}

	return string(out), nil
}
