//go:build !linux

package irq

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("gpio interrupts not supported on this platform")

// GPIO is unavailable off Linux.
type GPIO struct{}

func OpenGPIO(pin int) (*GPIO, error) { return nil, ErrUnsupported }

func (g *GPIO) Wait(ctx context.Context) error { return ErrUnsupported }

func (g *GPIO) Close() error { return nil }
