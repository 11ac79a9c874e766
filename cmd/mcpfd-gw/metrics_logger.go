package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// startMetricsLogger logs the counter snapshot and the controller error
// counters every interval.
func startMetricsLogger(ctx context.Context, g *errgroup.Group, interval time.Duration, dev *mcp2517fd.Device, l *slog.Logger) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				tec, rec := dev.BerrCounter()
				l.Info("metrics_snapshot",
					"can_rx", snap.CANRx,
					"can_tx", snap.CANTx,
					"rx_overflows", snap.RxOverflows,
					"bus_errors", snap.BusErrors,
					"bus_off", snap.BusOff,
					"irq_calls", snap.IRQCalls,
					"irq_loops", snap.IRQLoops,
					"spi_transfers", snap.SPITransfers,
					"socketcan_rx", snap.SocketCANRx,
					"socketcan_tx", snap.SocketCANTx,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
					"bus_state", dev.State().String(),
					"tec", tec,
					"rec", rec,
				)
			case <-ctx.Done():
				return nil
			}
		}
	})
}
