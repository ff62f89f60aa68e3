// Package frame defines the wire format of the channel broadcast protocol. See
// doc.go for docs.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	VersionMajor = 0
	VersionMinor = 2
	VersionPatch = 0

	// Version is the compiled-in protocol version tag.
	Version uint32 = VersionMajor<<16 | VersionMinor<<8 | VersionPatch

	// HeaderSize is the encoded size of Header in bytes.
	HeaderSize = 48
)

// Field offsets inside the encoded header.
const (
	offVersion    = 0
	offHeaderSize = 4
	offIndex      = 8
	offGenerate   = 16
	offSend       = 24
	offSendBytes  = 32
	offLength     = 40
)

var (
	// ErrProtocolMismatch is returned when a header was written by a build with
	// a different version or header layout.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
	ErrShortHeader = errors.New("short header")
)

// MismatchError describes a header rejected by ParseHeader.
type MismatchError struct {
	Version    uint32
	HeaderSize uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: got version %s header size %d, want version %s header size %d",
		ErrProtocolMismatch, FormatVersion(e.Version), e.HeaderSize, VersionString(), HeaderSize)
}

func (e *MismatchError) Unwrap() error { return ErrProtocolMismatch }

// Header is the decoded fixed-size frame header.
type Header struct {
	Version           uint32
	HeaderSize        uint32
	Index             uint64
	GenerateTimestamp uint64 // Unix nanoseconds
	SendTimestamp     uint64 // Unix nanoseconds
	SendBytes         uint64
	Length            uint64 // payload bytes following the header
}

// Put encodes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.NativeEndian.PutUint32(b[offVersion:], h.Version)
	binary.NativeEndian.PutUint32(b[offHeaderSize:], h.HeaderSize)
	binary.NativeEndian.PutUint64(b[offIndex:], h.Index)
	binary.NativeEndian.PutUint64(b[offGenerate:], h.GenerateTimestamp)
	binary.NativeEndian.PutUint64(b[offSend:], h.SendTimestamp)
	binary.NativeEndian.PutUint64(b[offSendBytes:], h.SendBytes)
	binary.NativeEndian.PutUint64(b[offLength:], h.Length)
}

// GenerateTime returns GenerateTimestamp as a time.Time.
func (h Header) GenerateTime() time.Time { return time.Unix(0, int64(h.GenerateTimestamp)) }

// SendTime returns SendTimestamp as a time.Time.
func (h Header) SendTime() time.Time { return time.Unix(0, int64(h.SendTimestamp)) }

// Serialize returns a new frame holding payload. Index, SendTimestamp and
// SendBytes are left zero; the sender fills them with Stamp.
func Serialize(payload []byte, generated time.Time) []byte {
	b := make([]byte, HeaderSize+len(payload))
	Header{
		Version:           Version,
		HeaderSize:        HeaderSize,
		GenerateTimestamp: uint64(generated.UnixNano()),
		Length:            uint64(len(payload)),
	}.Put(b)
	copy(b[HeaderSize:], payload)
	return b
}

// ParseHeader decodes the header at the start of b. It fails with a
// *MismatchError (matching ErrProtocolMismatch) when the version or header
// size differ from the compiled-in values.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d of %d bytes", ErrShortHeader, len(b), HeaderSize)
	}
	h := Header{
		Version:           binary.NativeEndian.Uint32(b[offVersion:]),
		HeaderSize:        binary.NativeEndian.Uint32(b[offHeaderSize:]),
		Index:             binary.NativeEndian.Uint64(b[offIndex:]),
		GenerateTimestamp: binary.NativeEndian.Uint64(b[offGenerate:]),
		SendTimestamp:     binary.NativeEndian.Uint64(b[offSend:]),
		SendBytes:         binary.NativeEndian.Uint64(b[offSendBytes:]),
		Length:            binary.NativeEndian.Uint64(b[offLength:]),
	}
	if h.Version != Version || h.HeaderSize != HeaderSize {
		return h, &MismatchError{Version: h.Version, HeaderSize: h.HeaderSize}
	}
	return h, nil
}

// Stamp writes the send-time metadata into an encoded frame.
func Stamp(b []byte, index uint64, sent time.Time, sendBytes uint64) {
	binary.NativeEndian.PutUint64(b[offIndex:], index)
	binary.NativeEndian.PutUint64(b[offSend:], uint64(sent.UnixNano()))
	binary.NativeEndian.PutUint64(b[offSendBytes:], sendBytes)
}

// PayloadLength reads the length field of an encoded frame.
func PayloadLength(b []byte) uint64 {
	return binary.NativeEndian.Uint64(b[offLength:])
}

// SetLength overwrites the length field of an encoded frame.
func SetLength(b []byte, n uint64) {
	binary.NativeEndian.PutUint64(b[offLength:], n)
}

// Payload returns the payload part of an encoded frame.
func Payload(b []byte) []byte {
	return b[HeaderSize:]
}

// FormatVersion renders a version tag as major.minor.patch.
func FormatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>16&0xff, v>>8&0xff, v&0xff)
}

// VersionString renders the compiled-in version.
func VersionString() string { return FormatVersion(Version) }
