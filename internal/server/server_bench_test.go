package server

import (
	"io"
	"testing"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/hub"
)

func benchBroadcast(b *testing.B, fr can.Frame) {
	h := hub.New()
	h.OutBufSize = 4096
	srv, ctx := startServer(b, WithHub(h))
	c := dialAndHandshake(b, ctx, srv.Addr())
	go func() { _, _ = io.Copy(io.Discard, c) }()
	waitFor(b, "client registration", func() bool { return h.Count() == 1 })
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fr.CANID = uint32(i) & can.CAN_SFF_MASK
		h.Broadcast(fr)
	}
}

func BenchmarkBroadcastClassic(b *testing.B) {
	benchBroadcast(b, can.Frame{Len: 8})
}

func BenchmarkBroadcastFD(b *testing.B) {
	benchBroadcast(b, can.Frame{Len: 64, Flags: can.CANFD_FDF | can.CANFD_BRS})
}
