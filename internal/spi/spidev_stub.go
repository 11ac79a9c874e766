//go:build !linux

package spi

// Options for a spidev link.
type Options struct {
	Mode       uint8
	MaxSpeedHz uint32
	HalfDuplex bool
}

// Device is unavailable off Linux.
type Device struct{}

// Open always fails off Linux.
func Open(path string, opts Options) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) HalfDuplex() bool { return false }

func (d *Device) Transfer(speedHz uint32, xfers ...Transfer) error { return ErrUnsupported }

func (d *Device) Close() error { return nil }
