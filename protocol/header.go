package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 8

// MaxPayloadSize bounds the payload a Framer is willing to buffer. Larger
// frames are skipped without being delivered, so senders refuse them.
const MaxPayloadSize = 1 << 20

var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// MessageType tags the payload of a frame.
type MessageType uint32

const (
	MessageTypeInvalid MessageType = 0
	MessageTypeLog     MessageType = 1
	MessageTypeControl MessageType = 2
)

// ParseMessageType maps a raw wire value to a known MessageType. Unknown
// values map to MessageTypeInvalid.
func ParseMessageType(v uint32) MessageType {
	switch t := MessageType(v); t {
	case MessageTypeLog, MessageTypeControl:
		return t
	default:
		return MessageTypeInvalid
	}
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeInvalid:
		return "invalid"
	case MessageTypeLog:
		return "log"
	case MessageTypeControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Header precedes every payload on the wire. Both fields are encoded
// little-endian, the host order of the peers this protocol talks to.
type Header struct {
	Type   uint32
	Length uint32
}

// EncodeHeader returns the 8 byte encoding of a header.
func EncodeHeader(typ uint32, length uint32) []byte {
	b := make([]byte, HeaderSize)
	putHeader(b, typ, length)
	return b
}

func putHeader(b []byte, typ uint32, length uint32) {
	binary.LittleEndian.PutUint32(b[0:4], typ)
	binary.LittleEndian.PutUint32(b[4:8], length)
}

// DecodeHeader decodes the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedHeader, len(b), HeaderSize)
	}
	return Header{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Length: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
