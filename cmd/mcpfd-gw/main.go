package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/cnl"
	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/server"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if showVersion {
		fmt.Printf("mcpfd-gw %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, os.Stderr)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
	l.Info("shutdown_complete")
}

// debugState is served on the metrics debug endpoint.
type debugState struct {
	Controller mcp2517fd.Snapshot  `json:"controller"`
	Clients    []server.ClientInfo `json:"clients"`
}

// run owns the gateway lifecycle until ctx ends or a component fails.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	devCfg, err := cfg.deviceConfig()
	if err != nil {
		return err
	}
	link, err := openLink(cfg, l)
	if err != nil {
		return err
	}
	defer link.Close()
	src, err := openIRQ(cfg, l)
	if err != nil {
		return err
	}
	defer src.Close()

	h := initHub(cfg, l)
	g, gctx := errgroup.WithContext(ctx)

	// dev is assigned before anything can enqueue a frame.
	var dev *mcp2517fd.Device
	q := newTxQueue(gctx, cfg.txQueue, func(fr can.Frame) error { return dev.Submit(fr) }, l)
	defer q.Close()

	mirror := func(can.Frame) {}
	deliver := func(fr can.Frame) {
		h.Broadcast(fr)
		mirror(fr)
	}
	opts := []mcp2517fd.Option{
		mcp2517fd.WithLogger(l),
		mcp2517fd.WithQueue(q),
		mcp2517fd.WithRxHandler(deliver),
	}
	if cfg.echo {
		opts = append(opts, mcp2517fd.WithEchoHandler(deliver))
	}
	dev, err = mcp2517fd.New(link, devCfg, opts...)
	if err != nil {
		return err
	}
	if err := dev.Open(); err != nil {
		return fmt.Errorf("controller open: %w", err)
	}
	defer dev.Close()
	if err := dev.Start(); err != nil {
		return fmt.Errorf("controller start: %w", err)
	}
	// The drain loop is not running yet, so mirror can be replaced safely.
	if mirror, err = startMirror(gctx, g, cfg, q.SendFrame, l); err != nil {
		return err
	}
	g.Go(func() error { return supervise(gctx, dev, src, cfg.restart, l) })

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithSend(q.SendFrame),
		server.WithFrameFilter(txFilter(cfg.fd)),
		server.WithClientCaps(cfg.clientCaps()),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	metrics.SetDebugFunc(func() any {
		return debugState{Controller: dev.Snapshot(), Clients: srv.Clients()}
	})
	g.Go(func() error {
		err := srv.Serve(gctx)
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return err
	})
	g.Go(func() error {
		advertise(gctx, cfg, srv.Ready(), srv.Addr, l)
		return nil
	})
	startMetricsLogger(gctx, g, cfg.logMetricsEvery, dev, l)

	// Ready when the listener is bound and the controller is running.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return gctx.Err() == nil && dev.State() < mcp2517fd.BusOff
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	err = g.Wait()
	if ctx.Err() != nil {
		l.Info("shutdown_signal")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
