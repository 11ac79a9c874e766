package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/cnl"
	"github.com/kstaniek/go-mcpfd/internal/hub"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func discardSend(can.Frame) error { return nil }

// startServer runs a server on an ephemeral port until the test ends. opts
// are applied after the defaults (fresh hub, cannelloni codec, discard send).
func startServer(t testing.TB, opts ...ServerOption) (*Server, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	base := []ServerOption{
		WithHub(hub.New()),
		WithCodec(&cnl.Codec{}),
		WithSend(discardSend),
		WithLogger(quietLogger()),
	}
	srv := NewServer(append(base, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server not ready")
	}
	return srv, ctx
}

func dialAndHandshake(t testing.TB, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := cnl.Handshake(ctx, c, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// writeClassic sends a one byte classic frame carrying 0xAA.
func writeClassic(t testing.TB, w io.Writer, id uint32) {
	t.Helper()
	var b bytes.Buffer
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], id)
	b.Write(idb[:])
	b.WriteByte(1)
	b.WriteByte(0xAA)
	if _, err := w.Write(b.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readFrames decodes n frames from c or fails once d elapses.
func readFrames(t testing.TB, c net.Conn, n int, d time.Duration) []can.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	defer c.SetReadDeadline(time.Time{})
	var codec cnl.Codec
	out := make([]can.Frame, 0, n)
	for len(out) < n {
		fr, err := codec.Decode(c)
		if err != nil {
			t.Fatalf("frame %d/%d: %v", len(out)+1, n, err)
		}
		out = append(out, fr)
	}
	return out
}

// expectSilence fails if c delivers any byte within d.
func expectSilence(t testing.TB, c net.Conn, d time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	defer c.SetReadDeadline(time.Time{})
	var b [1]byte
	if n, err := c.Read(b[:]); n > 0 || !isTimeout(err) {
		t.Fatalf("unexpected read n=%d err=%v", n, err)
	}
}

// expectClosed fails unless the server closes c within d.
func expectClosed(t testing.TB, c net.Conn, d time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	if _, err := io.Copy(io.Discard, c); err != nil && isTimeout(err) {
		t.Fatalf("connection still open after %v", d)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// recorder stands in for the controller send queue.
type recorder struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (r *recorder) send(fr can.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, fr)
	r.mu.Unlock()
	return nil
}

func (r *recorder) got() []can.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]can.Frame(nil), r.frames...)
}
