package protocol

// Frame is one complete message extracted from the byte stream.
type Frame struct {
	Type MessageType
	// RawType holds the type as read from the wire. It differs from Type
	// when the sender used a value this side does not know.
	RawType uint32
	Payload []byte
}

// EncodeFrame prefixes payload with its header.
func EncodeFrame(typ MessageType, payload []byte) []byte {
	b := make([]byte, HeaderSize+len(payload))
	putHeader(b, uint32(typ), uint32(len(payload)))
	copy(b[HeaderSize:], payload)
	return b
}

type readPhase int

const (
	awaitingHeader readPhase = iota
	awaitingBody
)

// Framer incrementally extracts frames from an inbound byte stream. It is not
// safe for concurrent use.
type Framer struct {
	phase  readPhase
	header Header
	buf    []byte

	// skip counts the remaining bytes of an oversized payload.
	skip    uint64
	skipped int
}

// NewFramer returns a Framer awaiting its first header.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends p to the buffered input and returns every frame that became
// complete, in stream order. Incomplete trailing bytes stay buffered until
// the next call.
func (f *Framer) Feed(p []byte) []Frame {
	f.buf = append(f.buf, p...)

	var frames []Frame
	for {
		if f.skip > 0 {
			n := uint64(len(f.buf))
			if n > f.skip {
				n = f.skip
			}
			f.buf = f.buf[n:]
			f.skip -= n
			if f.skip > 0 {
				break
			}
			continue
		}

		if f.phase == awaitingHeader {
			if len(f.buf) < HeaderSize {
				break
			}
			h, _ := DecodeHeader(f.buf)
			if h.Length > MaxPayloadSize {
				f.buf = f.buf[HeaderSize:]
				f.skip = uint64(h.Length)
				f.skipped++
				continue
			}
			f.header = h
			f.phase = awaitingBody
		}

		need := HeaderSize + int(f.header.Length)
		if len(f.buf) < need {
			break
		}
		payload := make([]byte, f.header.Length)
		copy(payload, f.buf[HeaderSize:need])
		f.buf = f.buf[need:]
		f.phase = awaitingHeader

		frames = append(frames, Frame{
			Type:    ParseMessageType(f.header.Type),
			RawType: f.header.Type,
			Payload: payload,
		})
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Buffered returns the number of bytes held waiting for a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Skipped returns how many oversized frames were discarded.
func (f *Framer) Skipped() int {
	return f.skipped
}
