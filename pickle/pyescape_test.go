package pickle

import (
	"strings"
	"testing"
)

// codecCase is a (input, expected output) pair, in the spirit of the
// teacher's CodecTestCase table in pyquote_test.go.
type codecCase struct{ in, out string }

func testCodecCases(t *testing.T, transform func(string) (string, error), cases []codecCase) {
	t.Helper()
	for _, tt := range cases {
		s, err := transform(tt.in)
		if err != nil {
			t.Errorf("%q -> error: %s", tt.in, err)
			continue
		}
		if s != tt.out {
			t.Errorf("%q -> unexpected:\nhave: %q\nwant: %q", tt.in, s, tt.out)
		}
	}
}

func bs(n int) string { return strings.Repeat(`\`, n) }

var (
	runeA = string(rune(0x1234))
	runeB = string(rune(0x4321))
)

// Table transcribed from the teacher's TestPyDecodeRawUnicodeEscape
// (pyquote_test.go), which documents the exact parity-of-backslash-run
// semantics raw-unicode-escape requires: an escape fires only when the
// run of backslashes immediately before u/U has odd length.
func TestPyDecodeRawUnicodeEscape(t *testing.T) {
	testCodecCases(t, pydecodeRawUnicodeEscape, []codecCase{
		{`hello`, "hello"},
		{"\x00\x01\x80\xfe\xff", string([]rune{0x00, 0x01, 0x80, 0xfe, 0xff})},
		{bs(1), bs(1)},
		{bs(2), bs(2)},
		{bs(3), bs(3)},
		{bs(4), bs(4)},
		// odd run -> decodes, with the run's last backslash consumed
		{bs(1) + "u1234" + bs(1) + "U00004321", runeA + runeB},
		{bs(3) + "u1234" + bs(3) + "U00004321", bs(2) + runeA + bs(2) + runeB},
		{bs(5) + "u1234" + bs(5) + "U00004321", bs(4) + runeA + bs(4) + runeB},
		// even run -> escapes itself, "u1234"/"U00004321" pass through literally
		{bs(2) + "u1234" + bs(2) + "U00004321", bs(2) + "u1234" + bs(2) + "U00004321"},
		{bs(4) + "u1234" + bs(4) + "U00004321", bs(4) + "u1234" + bs(4) + "U00004321"},
		// stays as is
		{"hello\\\nworld", "hello\\\nworld"},
		{`\'\"`, `\'\"`},
		{`\b\f\t\n\r\v\a`, `\b\f\t\n\r\v\a`},
		{`\000\001\376\377`, `\000\001\376\377`},
		{`\x00\x01\x7f\x80\xfe\xff`, `\x00\x01\x7f\x80\xfe\xff`},
	})
}

func TestLoadUnicodeAppliesRawUnicodeEscape(t *testing.T) {
	in := bs(2) + "u1234"
	s := new(stream).op(opUnicode).line(in).op(opStop)
	v, err := load(t, s)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := v.AsString()
	if !ok {
		t.Fatalf("got %v, want a String", v.GoString())
	}
	if got != in {
		t.Fatalf("got %q, want %q", got, in)
	}
}
