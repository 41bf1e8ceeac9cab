package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextRoundTrip(t *testing.T) {
	for _, s := range []string{"hello", "", "ログ line ✓", "emoji 🍎"} {
		b, err := EncodeText(s)
		require.NoError(t, err)

		actual, err := DecodeText(b)
		require.NoError(t, err)
		require.Equal(t, s, actual)
	}
}

func TestEncodeTextWritesBOM(t *testing.T) {
	b, err := EncodeText("A")
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFE, 'A', 0x00}, b)
}

func TestDecodeTextBigEndianBOM(t *testing.T) {
	s, err := DecodeText([]byte{0xFE, 0xFF, 0x00, 'h', 0x00, 'i'})
	require.NoError(t, err)
	require.Equal(t, "hi", s)
}

func TestDecodeTextWithoutBOM(t *testing.T) {
	s, err := DecodeText([]byte{'o', 0x00, 'k', 0x00})
	require.NoError(t, err)
	require.Equal(t, "ok", s)
}

func TestTextFrame(t *testing.T) {
	b, err := TextFrame(MessageTypeLog, "line1")
	require.NoError(t, err)

	frames := NewFramer().Feed(b)
	require.Len(t, frames, 1)
	require.Equal(t, MessageTypeLog, frames[0].Type)

	s, err := DecodeText(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "line1", s)
}
