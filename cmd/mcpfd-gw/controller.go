package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/irq"
	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/transport"
)

// controller is the part of *mcp2517fd.Device the supervisor drives.
type controller interface {
	Start() error
	Stop()
	Run(ctx context.Context, src irq.Source) error
}

var _ controller = (*mcp2517fd.Device)(nil)

// restartAfter is a hook for tests.
var restartAfter = time.After

// supervise runs the interrupt worker. On bus-off it either gives up
// (restart == 0) or waits restart and brings the controller back.
func supervise(ctx context.Context, dev controller, src irq.Source, restart time.Duration, l *slog.Logger) error {
	for {
		err := dev.Run(ctx, src)
		if !errors.Is(err, mcp2517fd.ErrBusOff) {
			return err
		}
		if restart <= 0 {
			return err
		}
		l.Warn("bus_off_restart", "delay", restart)
		select {
		case <-ctx.Done():
			return nil
		case <-restartAfter(restart):
		}
		dev.Stop()
		if err := dev.Start(); err != nil {
			return fmt.Errorf("restart after bus-off: %w", err)
		}
		l.Info("bus_off_recovered")
	}
}

// retryable reports whether Submit failed only because the controller is not
// ready for another frame yet. Such frames are held until the next Wake.
func retryable(err error) bool {
	return errors.Is(err, mcp2517fd.ErrQueueStopped) || errors.Is(err, mcp2517fd.ErrTxBusy)
}

// newTxQueue builds the upstream send queue in front of submit.
func newTxQueue(ctx context.Context, size int, submit func(can.Frame) error, l *slog.Logger) *transport.TxQueue {
	hooks := transport.Hooks{
		OnError: func(err error) { l.Debug("tx_frame_dropped", "error", err) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrQueueOverflow)
			return transport.ErrTxOverflow
		},
		Retry: retryable,
	}
	return transport.NewTxQueue(ctx, size, submit, hooks)
}

// txFilter rejects client frames the controller cannot put on the bus:
// synthetic error frames, and FD frames when running CAN 2.0.
func txFilter(fd bool) func(*can.Frame) bool {
	return func(fr *can.Frame) bool {
		if fr.IsError() {
			return false
		}
		return fd || !fr.IsFD()
	}
}
