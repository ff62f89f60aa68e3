package client

import (
	"fmt"
	"io"
	"unicode/utf8"
)

// Display writes payloads to a terminal. Text goes through unchanged; binary
// payloads are written as a quoted Go string so they cannot emit control
// sequences.
type Display struct {
	w            io.Writer
	escapeBinary bool
}

// NewDisplay wraps w. When escapeBinary is false every payload is written
// unchanged.
func NewDisplay(w io.Writer, escapeBinary bool) *Display {
	return &Display{w: w, escapeBinary: escapeBinary}
}

func (d *Display) Write(p []byte) (int, error) {
	if !d.escapeBinary || !isBinary(p) {
		return d.w.Write(p)
	}
	if _, err := fmt.Fprintf(d.w, "%q\n", p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// isBinary reports whether p looks like binary data: it contains a NUL
// byte, is not valid UTF-8, or more than 30% of it are control characters
// other than common whitespace and ESC.
func isBinary(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	if !utf8.Valid(p) {
		return true
	}

	control := 0
	for _, b := range p {
		switch {
		case b == 0:
			return true
		case b < 32 && b != '\t' && b != '\n' && b != '\r' && b != 0x1B:
			control++
		case b == 0x7F:
			control++
		}
	}
	return float64(control) > float64(len(p))*0.3
}
