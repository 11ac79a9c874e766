//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/socketcan"
)

// openMirrorDevice is a hook for tests (overridden in unit tests).
var openMirrorDevice = func(iface string, fd bool) (socketcan.Dev, error) { return socketcan.Open(iface, fd) }

// startMirror attaches the SocketCAN mirror. Frames read from the interface
// go to send; the returned function writes delivered frames to it without
// blocking. Both loops run in g and end with ctx.
func startMirror(ctx context.Context, g *errgroup.Group, cfg *appConfig, send func(can.Frame) error, l *slog.Logger) (func(can.Frame), error) {
	if cfg.canIf == "" {
		return func(can.Frame) {}, nil
	}
	dev, err := openMirrorDevice(cfg.canIf, cfg.fd)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("mirror_open", "if", cfg.canIf, "fd", cfg.fd)
	tw := socketcan.NewTXWriter(ctx, dev, mirrorQueueSize)
	g.Go(func() error {
		<-ctx.Done()
		_ = dev.Close()
		tw.Close()
		return nil
	})
	g.Go(func() error {
		defer l.Info("mirror_rx_end")
		backoff := rxBackoffMin
		for {
			if ctx.Err() != nil {
				return nil
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil { // shutting down
					return nil
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("mirror_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
				continue
			}
			metrics.IncSocketCANRx()
			backoff = rxBackoffMin
			if err := send(fr); err != nil {
				l.Debug("mirror_tx_rejected", "error", err)
			}
		}
	})
	return func(fr can.Frame) { _ = tw.SendFrame(fr) }, nil
}
