//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/socketcan"
)

func startMirror(ctx context.Context, g *errgroup.Group, cfg *appConfig, send func(can.Frame) error, l *slog.Logger) (func(can.Frame), error) {
	if cfg.canIf == "" {
		return func(can.Frame) {}, nil
	}
	return nil, fmt.Errorf("mirror %s: %w", cfg.canIf, socketcan.ErrUnsupported)
}
