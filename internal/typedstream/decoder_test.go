package typedstream

import (
	"bytes"
	"strings"
	"testing"
)

// archive builds a minimal typedstream blob whose first raw-bytes record
// carries the given payload, mimicking the shape of an archived
// NSAttributedString.
func archive(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x04)
	buf.WriteByte(byte(len(signature)))
	buf.WriteString(signature)
	// system version int and a class record stand-in
	buf.Write([]byte{0x81, 0xe8, 0x03, 0x84, 0x01, '@'})
	// the string record
	buf.Write([]byte{0x84, 0x01, '+'})
	if len(payload) < 0x80 {
		buf.WriteByte(byte(len(payload)))
	} else {
		buf.WriteByte(0x81)
		buf.WriteByte(byte(len(payload)))
		buf.WriteByte(byte(len(payload) >> 8))
	}
	buf.Write(payload)
	// trailing attribute run records the decoder should never reach
	buf.Write([]byte{0x86, 0x84, 0x02, 0x69, 0x49, 0x01})
	return buf.Bytes()
}

func TestDecodeReturnsFirstString(t *testing.T) {
	got, ok := Decode(archive([]byte("hello there")))
	if !ok {
		t.Fatalf("Decode ok = false, want true")
	}
	if got != "hello there" {
		t.Fatalf("Decode = %q, want %q", got, "hello there")
	}
}

func TestDecodeMultibyteText(t *testing.T) {
	const text = "早餐提醒：记得吃饭"
	got, ok := Decode(archive([]byte(text)))
	if !ok || got != text {
		t.Fatalf("Decode = %q, %v; want %q, true", got, ok, text)
	}
}

func TestDecodeLongStringUsesWideLength(t *testing.T) {
	text := strings.Repeat("x", 300)
	got, ok := Decode(archive([]byte(text)))
	if !ok || got != text {
		t.Fatalf("Decode long string: ok=%v len=%d, want 300", ok, len(got))
	}
}

func TestDecodeStripsInvalidUTF8(t *testing.T) {
	payload := append([]byte("ok"), 0xff)
	got, ok := Decode(archive(payload))
	if !ok || got != "ok" {
		t.Fatalf("Decode = %q, %v; want %q, true", got, ok, "ok")
	}
}

func TestDecodeMissConditions(t *testing.T) {
	cases := map[string][]byte{
		"nil":                nil,
		"empty":              {},
		"not an archive":     []byte("plain text, no header"),
		"wrong version":      append([]byte{0x05, 0x0b}, []byte(signature)...),
		"header only":        append([]byte{0x04, 0x0b}, []byte(signature)...),
		"truncated length":   append(append([]byte{0x04, 0x0b}, []byte(signature)...), 0x84, 0x01, '+', 0x81, 0x10),
		"length past end":    append(append([]byte{0x04, 0x0b}, []byte(signature)...), 0x84, 0x01, '+', 0x40, 'h', 'i'),
		"no string record":   append(append([]byte{0x04, 0x0b}, []byte(signature)...), 0x81, 0xe8, 0x03, 0x85, 0x86),
		"zero length string": append(append([]byte{0x04, 0x0b}, []byte(signature)...), 0x84, 0x01, '+', 0x00),
	}
	for name, blob := range cases {
		if got, ok := Decode(blob); ok {
			t.Errorf("%s: Decode = %q, true; want miss", name, got)
		}
	}
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	// header followed by every byte value; must come back cleanly
	blob := append([]byte{0x04, 0x0b}, []byte(signature)...)
	for i := 0; i < 256; i++ {
		blob = append(blob, byte(i))
	}
	for i := 0; i < len(blob); i++ {
		Decode(blob[:i])
	}
	Decode(blob)
}
