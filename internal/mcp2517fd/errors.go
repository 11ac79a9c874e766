package mcp2517fd

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps failures of the underlying bus link.
	ErrTransport = errors.New("mcp2517fd: transport error")
	// ErrConfig is returned when the configuration cannot be applied.
	ErrConfig = errors.New("mcp2517fd: invalid configuration")
	// ErrFifoCapacity: the FIFO layout does not fit into FIFO RAM.
	ErrFifoCapacity = fmt.Errorf("%w: fifo layout exceeds ram", ErrConfig)
	// ErrFifoCount: TX FIFO count outside 1..30.
	ErrFifoCount = fmt.Errorf("%w: tx fifo count out of range", ErrConfig)
	// ErrFDFrame: an FD frame was submitted while FD mode is off.
	ErrFDFrame = fmt.Errorf("%w: fd frame without fd mode", ErrConfig)
	// ErrProtocol signals a controller state that diverges from the driver's view.
	ErrProtocol = errors.New("mcp2517fd: protocol error")
	// ErrTxBusy: no TX slot assignable.
	ErrTxBusy = errors.New("mcp2517fd: no tx slot available")
	// ErrQueueStopped is returned by Submit while waiting for a full drain.
	ErrQueueStopped = errors.New("mcp2517fd: tx queue stopped")
	// ErrBusOff is returned when the controller went bus-off.
	ErrBusOff = errors.New("mcp2517fd: bus off")
	// ErrNoDevice: nothing answering like an MCP2517FD.
	ErrNoDevice = errors.New("mcp2517fd: no device")
	// ErrClockTimeout: oscillator/PLL did not lock in time.
	ErrClockTimeout = errors.New("mcp2517fd: clock did not lock")
	// ErrStopped: the device is not started.
	ErrStopped = errors.New("mcp2517fd: device stopped")
	// ErrInvalidMask is returned for a zero register mask.
	ErrInvalidMask = errors.New("mcp2517fd: empty register mask")
)
