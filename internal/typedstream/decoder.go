// Package typedstream extracts plain text from the NeXTSTEP typedstream
// archives that the Messages database stores in the attributedBody column.
//
// A full typedstream reader would reconstruct the archived NSAttributedString
// object graph. The pipeline only needs the text itself, which is always the
// first raw-bytes string record in the stream, so the decoder walks the
// record structure just far enough to find it and treats everything it does
// not understand as a skip condition rather than an error.
package typedstream

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

const (
	// Stream header: streamer version byte, then the length-prefixed
	// signature string.
	streamerVersion = 0x04
	signature       = "streamtyped"

	// Tag bytes used by the archive encoding. Lengths below 0x80 are
	// literal; the two integer tags select a wider little-endian length.
	tagInt16 = 0x81
	tagInt32 = 0x82
	tagNew   = 0x84

	// Type code for a length-prefixed raw byte string, which is how the
	// archived string payload is encoded.
	typeRawBytes = '+'

	maxPayloadLen = 1 << 24
)

// Decode returns the first decodable string payload embedded in blob. The
// second return is false when blob is empty, is not a typedstream archive,
// or contains no string record; all of those are expected skip conditions.
func Decode(blob []byte) (string, bool) {
	if len(blob) == 0 {
		return "", false
	}
	if !hasHeader(blob) {
		return "", false
	}

	// Scan past the header for the first single-type raw-bytes record:
	// tagNew, type string of length 1, '+', then a length-prefixed run.
	body := blob[2+len(signature):]
	for i := 0; i+3 < len(body); i++ {
		if body[i] != tagNew || body[i+1] != 0x01 || body[i+2] != typeRawBytes {
			continue
		}
		payload, ok := readLengthPrefixed(body[i+3:])
		if !ok {
			continue
		}
		text := strings.ToValidUTF8(string(payload), "")
		if text == "" {
			continue
		}
		return text, true
	}
	return "", false
}

func hasHeader(blob []byte) bool {
	if len(blob) < 2+len(signature) {
		return false
	}
	if blob[0] != streamerVersion {
		return false
	}
	if int(blob[1]) != len(signature) {
		return false
	}
	return bytes.Equal(blob[2:2+len(signature)], []byte(signature))
}

// readLengthPrefixed reads an archive length (literal byte or tagged 16/32
// bit little-endian integer) followed by that many payload bytes.
func readLengthPrefixed(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}

	var (
		length int
		start  int
	)
	switch tag := data[0]; {
	case tag < 0x80:
		length = int(tag)
		start = 1
	case tag == tagInt16:
		if len(data) < 3 {
			return nil, false
		}
		length = int(binary.LittleEndian.Uint16(data[1:3]))
		start = 3
	case tag == tagInt32:
		if len(data) < 5 {
			return nil, false
		}
		n := binary.LittleEndian.Uint32(data[1:5])
		if n > maxPayloadLen {
			return nil, false
		}
		length = int(n)
		start = 5
	default:
		// Some other tag byte; this is not a length.
		return nil, false
	}

	if length == 0 || start+length > len(data) {
		return nil, false
	}
	payload := data[start : start+length]
	if !utf8.Valid(payload) && looksBinary(payload) {
		return nil, false
	}
	return payload, true
}

// looksBinary reports whether the byte run is mostly non-text, which happens
// when the scan lands on a record that is not the string payload.
func looksBinary(b []byte) bool {
	total := len(b)
	invalid := 0
	for i := 0; i < total; {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			invalid++
		}
		i += size
	}
	return invalid*4 > total
}
