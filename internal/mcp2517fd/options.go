package mcp2517fd

import (
	"log/slog"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// Option customizes a Device.
type Option func(*Device)

// WithLogger sets the logger (default logging.L()).
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// WithRxHandler receives frames read from the bus and synthetic error frames.
func WithRxHandler(fn func(can.Frame)) Option { return func(d *Device) { d.onRx = fn } }

// WithEchoHandler receives each transmitted frame once its completion is seen.
func WithEchoHandler(fn func(can.Frame)) Option { return func(d *Device) { d.onEcho = fn } }

// WithPower sets the controller supply.
func WithPower(p Power) Option {
	return func(d *Device) {
		if p != nil {
			d.power = p
		}
	}
}

// WithTransceiver sets the bus transceiver supply.
func WithTransceiver(p Power) Option {
	return func(d *Device) {
		if p != nil {
			d.transceiver = p
		}
	}
}

// WithQueue attaches the upstream send queue that the dispatcher stops and
// the drain loop wakes.
func WithQueue(q Queue) Option {
	return func(d *Device) {
		if q != nil {
			d.queue = q
		}
	}
}
