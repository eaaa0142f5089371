// Package tagio implements the tag/length chunk framing shared by the
// proprietary library database and the .crate file format: a 4-byte ASCII
// tag, a big-endian uint32 length, then that many payload bytes.
package tagio

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Chunk is one decoded tag/length unit.
type Chunk struct {
	Tag     string
	Payload []byte
}

// Scan decodes every top-level chunk in buf. It stops (without error) at the
// first malformed header or a length that would overrun buf, returning the
// chunks decoded so far — matching the reader's "stop at last valid offset"
// failure policy.
func Scan(buf []byte) []Chunk {
	var chunks []Chunk
	off := 0
	for off+8 <= len(buf) {
		tag := string(buf[off : off+4])
		length := binary.BigEndian.Uint32(buf[off+4 : off+8])
		start := off + 8
		end := start + int(length)
		if end < start || end > len(buf) {
			break
		}
		chunks = append(chunks, Chunk{Tag: tag, Payload: buf[start:end]})
		off = end
	}
	return chunks
}

// Encode writes a single chunk's tag/length header followed by payload.
func Encode(tag string, payload []byte) []byte {
	if len(tag) != 4 {
		panic("tagio: tag must be 4 bytes, got " + tag)
	}
	out := make([]byte, 8+len(payload))
	copy(out[0:4], tag)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out
}

// Wrap encodes inner as the payload of an outer tag, e.g. an "otrk" chunk
// wrapping a "ptrk" chunk.
func Wrap(outerTag string, inner []byte) []byte {
	return Encode(outerTag, inner)
}

// EncodeUTF16BE encodes s as big-endian UTF-16 code units, one rune per two
// bytes for the BMP (matching the simple codec the proprietary formats use —
// no surrogate pair handling, as track metadata and paths stay in the BMP).
func EncodeUTF16BE(s string) []byte {
	runes := []rune(s)
	out := make([]byte, 0, len(runes)*2)
	buf := make([]byte, 2)
	for _, r := range runes {
		binary.BigEndian.PutUint16(buf, uint16(r))
		out = append(out, buf...)
	}
	return out
}

// DecodeUTF16BE decodes a big-endian UTF-16 byte payload into a string,
// skipping zero code units and trimming surrounding whitespace. Payloads
// with a trailing odd byte are truncated to the last full code unit.
func DecodeUTF16BE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	var sb strings.Builder
	for i := 0; i+2 <= len(b); i += 2 {
		cu := binary.BigEndian.Uint16(b[i : i+2])
		if cu == 0 {
			continue
		}
		sb.WriteRune(rune(cu))
	}
	return strings.TrimSpace(sb.String()), nil
}

// MustUTF16BE is EncodeUTF16BE, provided for call sites that never fail
// (every Go string is representable here since we don't reject surrogates).
func MustUTF16BE(s string) []byte { return EncodeUTF16BE(s) }

// FindFirst returns the payload of the first chunk in chunks with the given
// tag, and whether one was found.
func FindFirst(chunks []Chunk, tag string) ([]byte, bool) {
	for _, c := range chunks {
		if c.Tag == tag {
			return c.Payload, true
		}
	}
	return nil, false
}

// CountTag counts occurrences of tag among chunks, without decoding payloads.
func CountTag(chunks []Chunk, tag string) int {
	n := 0
	for _, c := range chunks {
		if c.Tag == tag {
			n++
		}
	}
	return n
}

// ErrOverrun is returned by callers that want to distinguish a truncated
// buffer from a clean end-of-input; Scan itself never returns an error,
// it simply stops, per the reader's non-fatal parse policy.
var ErrOverrun = fmt.Errorf("tagio: chunk length overruns buffer")
