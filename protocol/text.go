package protocol

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// Payload text is UTF-16 with a byte order mark. Input without a BOM is read
// as little-endian.
var textEncoding = unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)

// EncodeText encodes s as a frame payload.
func EncodeText(s string) ([]byte, error) {
	b, err := textEncoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to encode text: %w", err)
	}
	return b, nil
}

// DecodeText decodes a frame payload produced by EncodeText or a peer using
// the same convention.
func DecodeText(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	s, err := textEncoding.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("failed to decode text: %w", err)
	}
	return string(s), nil
}

// TextFrame encodes s and frames it with typ.
func TextFrame(typ MessageType, s string) ([]byte, error) {
	payload, err := EncodeText(s)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(typ, payload), nil
}
