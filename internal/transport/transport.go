// Package transport holds the frame plumbing shared by the TCP server, the
// SocketCAN mirror and the controller: codec capabilities and the bounded
// send queue.
package transport

import (
	"io"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/cnl"
	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
)

// FrameDecoder reads one frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder drains up to max frames per call; the server prefers it
// when the codec offers it.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder writes a batch of frames as one packet.
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// FrameSink accepts frames for transmission.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)

	_ FrameSink       = (*TxQueue)(nil)
	_ mcp2517fd.Queue = (*TxQueue)(nil)
)
