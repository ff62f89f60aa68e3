package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// allBytes returns a byte slice containing all values from 0 to 255
func allBytes() []byte {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestSerialize_RoundTrip(t *testing.T) {
	generated := time.Date(2025, 1, 7, 12, 34, 56, 789, time.UTC)
	payloads := [][]byte{
		[]byte("hello\n"),
		[]byte("x"),
		allBytes(),
		bytes.Repeat([]byte("abc"), 1365),
	}

	for _, payload := range payloads {
		b := Serialize(payload, generated)
		require.Len(t, b, HeaderSize+len(payload))

		h, err := ParseHeader(b)
		require.NoError(t, err)
		require.Equal(t, Version, h.Version)
		require.Equal(t, uint32(HeaderSize), h.HeaderSize)
		require.Equal(t, uint64(len(payload)), h.Length)
		require.Equal(t, uint64(generated.UnixNano()), h.GenerateTimestamp)
		require.Zero(t, h.Index)
		require.Zero(t, h.SendTimestamp)
		require.Zero(t, h.SendBytes)
		require.Equal(t, payload, Payload(b)[:h.Length])
		require.True(t, h.GenerateTime().Equal(generated))
	}
}

func TestSerialize_CopiesPayload(t *testing.T) {
	payload := []byte("mutable")
	b := Serialize(payload, time.Now())
	payload[0] = 'M'
	require.Equal(t, []byte("mutable"), Payload(b))
}

func TestHeader_Layout(t *testing.T) {
	b := make([]byte, HeaderSize)
	Header{
		Version:           Version,
		HeaderSize:        HeaderSize,
		Index:             1,
		GenerateTimestamp: 2,
		SendTimestamp:     3,
		SendBytes:         4,
		Length:            5,
	}.Put(b)

	require.Equal(t, Version, binary.NativeEndian.Uint32(b[0:]))
	require.Equal(t, uint32(48), binary.NativeEndian.Uint32(b[4:]))
	for i, want := range []uint64{1, 2, 3, 4, 5} {
		require.Equal(t, want, binary.NativeEndian.Uint64(b[8+8*i:]), "field %d", i)
	}
}

func TestStamp(t *testing.T) {
	b := Serialize([]byte("payload"), time.Unix(0, 100))
	sent := time.Unix(0, 250)
	Stamp(b, 42, sent, 1000)

	h, err := ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, uint64(42), h.Index)
	require.Equal(t, uint64(250), h.SendTimestamp)
	require.Equal(t, uint64(1000), h.SendBytes)
	require.Equal(t, uint64(100), h.GenerateTimestamp)
	require.Equal(t, uint64(7), h.Length)
	require.True(t, h.SendTime().Equal(sent))
}

func TestSetLength(t *testing.T) {
	b := Serialize([]byte("abc"), time.Now())
	require.Equal(t, uint64(3), PayloadLength(b))
	SetLength(b, 9)
	require.Equal(t, uint64(9), PayloadLength(b))
}

func TestParseHeader_VersionMismatch(t *testing.T) {
	b := Serialize([]byte("x"), time.Now())
	binary.NativeEndian.PutUint32(b[0:], 0x000101)

	h, err := ParseHeader(b)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocolMismatch))

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, uint32(0x000101), mismatch.Version)
	require.Equal(t, uint32(HeaderSize), mismatch.HeaderSize)
	require.Contains(t, err.Error(), "0.1.1")
	// The decoded fields are still returned for diagnostics.
	require.Equal(t, uint32(0x000101), h.Version)
}

func TestParseHeader_HeaderSizeMismatch(t *testing.T) {
	b := Serialize([]byte("x"), time.Now())
	binary.NativeEndian.PutUint32(b[4:], 24)

	_, err := ParseHeader(b)
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestParseHeader_Short(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestVersionString(t *testing.T) {
	require.Equal(t, "0.2.0", VersionString())
	require.Equal(t, "1.2.3", FormatVersion(1<<16|2<<8|3))
}
