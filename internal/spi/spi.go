// Package spi is the serial bus link the controller core talks through.
package spi

import "errors"

// Transfer is one segment of a chip-select assertion. W is clocked out; R,
// when non-nil, receives the same number of bytes clocked in. A nil W sends
// zeros for len(R) bytes.
type Transfer struct {
	W []byte
	R []byte
}

// Len is the number of bytes the segment clocks.
func (t Transfer) Len() int {
	if len(t.W) > len(t.R) {
		return len(t.W)
	}
	return len(t.R)
}

// Conn is a bus link. All segments passed to one Transfer call share a single
// chip-select assertion and run at speedHz.
type Conn interface {
	Transfer(speedHz uint32, xfers ...Transfer) error
	Close() error
}

// HalfDuplexer is implemented by links that cannot receive while sending.
type HalfDuplexer interface {
	HalfDuplex() bool
}

// IsHalfDuplex reports the capability of c.
func IsHalfDuplex(c Conn) bool {
	if h, ok := c.(HalfDuplexer); ok {
		return h.HalfDuplex()
	}
	return false
}

var (
	ErrClosed      = errors.New("spi link closed")
	ErrUnsupported = errors.New("spi link not supported on this platform")
)
