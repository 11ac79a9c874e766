//go:build linux

package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is a frame socket; *Device in production.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all mirror writes through one goroutine so the drain loop
// never blocks on the socket.
type TXWriter struct{ base *transport.TxQueue }

// NewTXWriter starts the writer goroutine. Write failures are counted and
// the frame is lost; the mirror is best effort.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(err error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter: func() { metrics.IncSocketCANTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewTxQueue(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues fr or fails with ErrTxOverflow.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for it.
func (w *TXWriter) Close() { w.base.Close() }
