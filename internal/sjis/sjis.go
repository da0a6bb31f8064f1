// Package sjis is the single place where strings cross into the engine's
// fixed Shift-JIS encoding and back.
package sjis

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
)

// Encode converts s to Shift-JIS. Runes the code page cannot represent are
// replaced rather than rejected.
func Encode(s string) []byte {
	encoder := encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder())

	out, err := encoder.Bytes([]byte(s))
	if err != nil {
		// ReplaceUnsupported only fails on invalid UTF-8 input.
		return []byte(s)
	}

	return out
}

// EncodeCString returns Encode(s) followed by a NUL terminator.
func EncodeCString(s string) []byte {
	return append(Encode(s), 0)
}

// Decode converts a Shift-JIS byte sequence to a string. Decoding stops at the
// first NUL so fixed-width, zero-padded fields decode to their logical value.
func Decode(raw []byte) (string, error) {
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}

	out, err := japanese.ShiftJIS.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode shift-jis: %w", err)
	}

	return string(out), nil
}

// PutFixed writes the encoded form of s into dst, zero-padding the remainder.
// At least one trailing NUL is always kept.
func PutFixed(dst []byte, s string) error {
	encoded := Encode(s)
	if len(encoded) >= len(dst) {
		return fmt.Errorf("name %q needs %d bytes, field holds %d", s, len(encoded)+1, len(dst))
	}

	n := copy(dst, encoded)
	clear(dst[n:])

	return nil
}
