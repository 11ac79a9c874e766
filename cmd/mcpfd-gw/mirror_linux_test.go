//go:build linux

package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/socketcan"
)

// fakeSocketDev serves frames from in until closed, or fails every read
// when failAll is set.
type fakeSocketDev struct {
	in      chan can.Frame
	done    chan struct{}
	once    sync.Once
	failAll bool
	mu      sync.Mutex
	written []can.Frame
}

func newFakeSocketDev() *fakeSocketDev {
	return &fakeSocketDev{in: make(chan can.Frame, 4), done: make(chan struct{})}
}

func (d *fakeSocketDev) ReadFrame(fr *can.Frame) error {
	if d.failAll {
		return io.ErrUnexpectedEOF
	}
	select {
	case f := <-d.in:
		*fr = f
		return nil
	case <-d.done:
		return io.EOF
	}
}

func (d *fakeSocketDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	d.written = append(d.written, fr)
	d.mu.Unlock()
	return nil
}

func (d *fakeSocketDev) Close() error { d.once.Do(func() { close(d.done) }); return nil }

func (d *fakeSocketDev) writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.written)
}

func useMirrorDev(t *testing.T, dev socketcan.Dev) {
	openMirrorDevice = func(iface string, fd bool) (socketcan.Dev, error) { return dev, nil }
	t.Cleanup(func() {
		openMirrorDevice = func(iface string, fd bool) (socketcan.Dev, error) { return socketcan.Open(iface, fd) }
	})
}

func TestMirrorDisabled(t *testing.T) {
	g, ctx := errgroup.WithContext(context.Background())
	out, err := startMirror(ctx, g, &appConfig{}, nil, testLogger())
	if err != nil || out == nil {
		t.Fatalf("out=%p err=%v", out, err)
	}
	out(can.Frame{CANID: 1})
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestMirrorBothDirections(t *testing.T) {
	dev := newFakeSocketDev()
	useMirrorDev(t, dev)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	got := make(chan can.Frame, 1)
	send := func(fr can.Frame) error { got <- fr; return nil }
	before := metrics.Snap().SocketCANRx

	out, err := startMirror(gctx, g, &appConfig{canIf: "vcan0"}, send, testLogger())
	if err != nil {
		t.Fatalf("startMirror: %v", err)
	}
	dev.in <- can.Frame{CANID: 0x555, Len: 1}
	select {
	case fr := <-got:
		if fr.CANID != 0x555 {
			t.Fatalf("unexpected frame: %+v", fr)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mirrored frame")
	}
	if metrics.Snap().SocketCANRx == before {
		t.Fatalf("expected SocketCANRx increment")
	}

	out(can.Frame{CANID: 0x123, Len: 2})
	deadline := time.Now().Add(time.Second)
	for dev.writes() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if dev.writes() != 1 {
		t.Fatalf("writes %d", dev.writes())
	}

	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestMirrorReadBackoff(t *testing.T) {
	dev := newFakeSocketDev()
	dev.failAll = true
	useMirrorDev(t, dev)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
	}
	t.Cleanup(func() { sleepFn = time.Sleep })

	g, gctx := errgroup.WithContext(ctx)
	if _, err := startMirror(gctx, g, &appConfig{canIf: "vcan0"}, func(can.Frame) error { return nil }, testLogger()); err != nil {
		t.Fatalf("startMirror: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	want := []time.Duration{20, 40, 80, 160, 320, 500}
	mu.Lock()
	defer mu.Unlock()
	for i, w := range want {
		if seen[i] != w*time.Millisecond {
			t.Fatalf("backoff[%d]=%v want %v (all %v)", i, seen[i], w*time.Millisecond, seen)
		}
	}
}

func TestMirrorOpenError(t *testing.T) {
	openErr := errors.New("no such device")
	openMirrorDevice = func(string, bool) (socketcan.Dev, error) { return nil, openErr }
	t.Cleanup(func() {
		openMirrorDevice = func(iface string, fd bool) (socketcan.Dev, error) { return socketcan.Open(iface, fd) }
	})
	g, ctx := errgroup.WithContext(context.Background())
	if _, err := startMirror(ctx, g, &appConfig{canIf: "vcan9"}, nil, testLogger()); !errors.Is(err, openErr) {
		t.Fatalf("err=%v", err)
	}
}
