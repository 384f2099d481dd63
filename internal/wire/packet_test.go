package wire

import (
	"bytes"
	"testing"
)

func TestRoundTripFraming(t *testing.T) {
	for seq := 0; seq < 256; seq++ {
		p := Packet{SeqID: byte(seq), Payload: []byte("SELECT 1")}
		buf := Serialize(p)
		parsed, n, err := Parse(buf)
		if err != nil {
			t.Fatalf("seq=%d: parse: %v", seq, err)
		}
		if n != len(buf) {
			t.Fatalf("seq=%d: consumed %d, want %d", seq, n, len(buf))
		}
		if parsed.SeqID != byte(seq) {
			t.Fatalf("seq=%d: got seq %d", seq, parsed.SeqID)
		}
		if !bytes.Equal(parsed.Payload, p.Payload) {
			t.Fatalf("seq=%d: payload mismatch", seq)
		}
	}
}

func TestParseEmptyPayload(t *testing.T) {
	buf := Serialize(Packet{SeqID: 7, Payload: nil})
	p, n, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n != 4 || len(p.Payload) != 0 || p.SeqID != 7 {
		t.Fatalf("got %+v consumed=%d", p, n)
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	for _, buf := range [][]byte{nil, {0x01}, {0x01, 0x00, 0x00}} {
		if _, _, err := Parse(buf); err == nil {
			t.Fatalf("expected error for %v", buf)
		}
	}
}

func TestParseRejectsTruncatedPayload(t *testing.T) {
	buf := []byte{0x05, 0x00, 0x00, 0x00, 'a', 'b'} // declares 5, has 2
	if _, _, err := Parse(buf); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestClassifyCommand(t *testing.T) {
	cases := []struct {
		payload []byte
		want    Command
	}{
		{[]byte{0x01}, ComQuit},
		{[]byte{0x03, 'S', 'E', 'L', 'E', 'C', 'T'}, ComQuery},
		{[]byte{0x0e}, ComPing},
		{[]byte{0x16}, ComStmtPrepare},
		{[]byte{0xaa}, CommandUnknown},
		{nil, CommandUnknown},
	}
	for _, c := range cases {
		got := ClassifyCommand(c.payload)
		if got.Command != c.want {
			t.Errorf("ClassifyCommand(%v) = %v, want %v", c.payload, got.Command, c.want)
		}
	}
}

func TestClassifyCommandExtractsQuery(t *testing.T) {
	got := ClassifyCommand([]byte{0x03, 'S', 'E', 'L', 'E', 'C', 'T', ' ', '1'})
	if got.Query != "SELECT 1" {
		t.Fatalf("got query %q", got.Query)
	}
}

func TestClassifyResponse(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    ResponseType
	}{
		{"ok", []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}, ResponseOK},
		{"err", []byte{0xff, 0x15, 0x04, '#', 'H', 'Y', '0', '0', '0'}, ResponseErr},
		{"short-eof", []byte{0xfe, 0x00, 0x00, 0x02, 0x00}, ResponseEOF},
		{"long-0xfe-is-not-eof", append([]byte{0xfe}, make([]byte, 20)...), ResponseUnknown},
		{"column-count", []byte{0x01}, ResponseUnknown},
		{"empty", nil, ResponseUnknown},
	}
	for _, c := range cases {
		if got := ClassifyResponse(c.payload); got != c.want {
			t.Errorf("%s: ClassifyResponse = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestMakeErrorShape(t *testing.T) {
	p := MakeError(1045, "HY000", "Access denied by policy", 3)
	if p.SeqID != 3 {
		t.Fatalf("seq = %d", p.SeqID)
	}
	if len(p.Payload) < 9 {
		t.Fatalf("payload too short: %d", len(p.Payload))
	}
	if p.Payload[0] != markerErr {
		t.Fatalf("marker = 0x%02x", p.Payload[0])
	}
	code := uint16(p.Payload[1]) | uint16(p.Payload[2])<<8
	if code != 1045 {
		t.Fatalf("code = %d", code)
	}
	if p.Payload[3] != '#' {
		t.Fatalf("sqlstate marker = %q", p.Payload[3])
	}
	if string(p.Payload[4:9]) != "HY000" {
		t.Fatalf("sqlstate = %q", p.Payload[4:9])
	}
	if string(p.Payload[9:]) != "Access denied by policy" {
		t.Fatalf("message = %q", p.Payload[9:])
	}
}

func TestMakeErrorMinimumSizeForEmptyMessage(t *testing.T) {
	p := MakeError(1235, "", "", 1)
	if len(p.Payload) != 9 {
		t.Fatalf("payload len = %d, want 9", len(p.Payload))
	}
}

func TestSkipLenEnc(t *testing.T) {
	buf := []byte{0xfa, 0xfc, 0x01, 0x00, 0xfd, 0x01, 0x00, 0x00, 0xfe, 1, 2, 3, 4, 5, 6, 7, 8}
	pos := 0
	pos = SkipLenEnc(buf, pos) // 0xfa -> +1
	if pos != 1 {
		t.Fatalf("after 1-byte form: pos=%d", pos)
	}
	pos = SkipLenEnc(buf, pos) // 0xfc -> +3
	if pos != 4 {
		t.Fatalf("after 0xfc form: pos=%d", pos)
	}
	pos = SkipLenEnc(buf, pos) // 0xfd -> +4
	if pos != 8 {
		t.Fatalf("after 0xfd form: pos=%d", pos)
	}
	pos = SkipLenEnc(buf, pos) // 0xfe -> +9
	if pos != 17 {
		t.Fatalf("after 0xfe form: pos=%d", pos)
	}
}

func TestReadLenEncInt(t *testing.T) {
	v, next, ok := ReadLenEncInt([]byte{42}, 0)
	if !ok || v != 42 || next != 1 {
		t.Fatalf("1-byte form: v=%d next=%d ok=%v", v, next, ok)
	}

	v, next, ok = ReadLenEncInt([]byte{0xfc, 0x10, 0x00}, 0)
	if !ok || v != 0x10 || next != 3 {
		t.Fatalf("0xfc form: v=%d next=%d ok=%v", v, next, ok)
	}

	_, _, ok = ReadLenEncInt([]byte{0xfc, 0x10}, 0)
	if ok {
		t.Fatal("expected ok=false on truncated buffer")
	}
}
