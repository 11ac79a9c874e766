package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_mcpfd._tcp"

// mdnsMeta is the TXT record set of the advertisement.
func mdnsMeta(cfg *appConfig) []string {
	mode := "can2.0"
	if cfg.fd {
		mode = "fd"
	}
	return []string{
		"link=" + cfg.link,
		"mode=" + mode,
		"bitrate=" + strconv.FormatUint(uint64(cfg.bitrate), 10),
		"version=" + version,
		"commit=" + commit,
	}
}

// startMDNS registers the service and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("mcpfd-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsMeta(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

// listenPort extracts the port of a bound listener address.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}

// advertise waits for the listener and keeps the mDNS record up until ctx ends.
func advertise(ctx context.Context, cfg *appConfig, ready <-chan struct{}, addr func() string, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return
	}
	port := listenPort(addr())
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
}
