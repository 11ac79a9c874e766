package main

import (
	"context"
	"slices"
	"testing"
)

func TestListenPort(t *testing.T) {
	for addr, want := range map[string]int{
		"[::]:20000":     20000,
		"127.0.0.1:4321": 4321,
		":0":             0,
		"bogus":          0,
	} {
		if got := listenPort(addr); got != want {
			t.Fatalf("listenPort(%q)=%d want %d", addr, got, want)
		}
	}
}

func TestMDNSMeta(t *testing.T) {
	cfg := baseConfig()
	cfg.fd = true
	meta := mdnsMeta(cfg)
	for _, want := range []string{"link=spidev", "mode=fd", "bitrate=500000"} {
		if !slices.Contains(meta, want) {
			t.Fatalf("missing %q in %v", want, meta)
		}
	}
}

func TestStartMDNSDisabled(t *testing.T) {
	cleanup, err := startMDNS(context.Background(), baseConfig(), 20000)
	if err != nil || cleanup == nil {
		t.Fatalf("cleanup=%p err=%v", cleanup, err)
	}
	cleanup()
}
