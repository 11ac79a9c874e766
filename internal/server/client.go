package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/hub"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/socketcan"
	"github.com/kstaniek/go-mcpfd/internal/transport"
)

// decodeBurst bounds the frames drained per read when the codec supports it.
const decodeBurst = 16

// ClientInfo is a point-in-time view of one connection.
type ClientInfo struct {
	ID        uint64    `json:"id"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
	Rx        uint64    `json:"rx"`
	Tx        uint64    `json:"tx"`
	Dropped   uint64    `json:"dropped"`
	Lagged    uint64    `json:"lagged"`
	Queued    int       `json:"queued"`
}

type client struct {
	id        uint64
	srv       *Server
	conn      net.Conn
	hc        *hub.Client
	log       *slog.Logger
	connected time.Time

	rx      atomic.Uint64 // frames accepted from the peer
	tx      atomic.Uint64 // frames written to the peer
	dropped atomic.Uint64 // peer frames lost to a full send queue
}

func (c *client) info() ClientInfo {
	return ClientInfo{
		ID:        c.id,
		Remote:    c.conn.RemoteAddr().String(),
		Connected: c.connected,
		Rx:        c.rx.Load(),
		Tx:        c.tx.Load(),
		Dropped:   c.dropped.Load(),
		Lagged:    c.hc.Lagged(),
		Queued:    len(c.hc.Out),
	}
}

// readLoop decodes peer frames and submits them until the connection fails
// or done closes. Closing the hub client on exit stops the writer too.
func (c *client) readLoop(done <-chan struct{}) {
	defer func() {
		_ = c.conn.Close()
		c.hc.Close()
	}()
	multi, _ := c.srv.Codec.(transport.MultiFrameDecoder)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.readDeadline))
		var (
			n   int
			err error
		)
		if multi != nil {
			n, err = multi.DecodeN(c.conn, decodeBurst, c.deliver)
		} else {
			var fr can.Frame
			if fr, err = c.srv.Codec.Decode(c.conn); err == nil {
				c.deliver(fr)
				n = 1
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			c.srv.setError(fmt.Errorf("%w: %v", ErrConnRead, err))
			return
		}
		if n == 0 {
			time.Sleep(100 * time.Microsecond)
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

// deliver applies the server filter and hands fr to Send. A full queue drops
// the frame; other failures are reported as submit errors.
func (c *client) deliver(fr can.Frame) {
	s := c.srv
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	c.rx.Add(1)
	err := s.Send(fr)
	switch {
	case err == nil:
	case isOverflow(err):
		c.dropped.Add(1)
		s.totalQueueOverflow.Add(1)
		c.log.Debug("queue_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
	default:
		wrap := fmt.Errorf("%w: %v", ErrSubmit, err)
		s.setError(wrap)
		s.totalSubmitErrors.Add(1)
		c.log.Error("submit_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.CANID))
	}
}

// isOverflow reports a full send queue.
func isOverflow(err error) bool {
	return errors.Is(err, transport.ErrTxOverflow) || errors.Is(err, socketcan.ErrTxOverflow)
}

// writeLoop batches hub frames onto the connection. It flushes when the batch
// fills or the flush ticker fires, and unregisters the client on exit.
func (c *client) writeLoop(done <-chan struct{}) {
	s := c.srv
	defer func() {
		_ = c.conn.Close()
		s.dropClient(c)
		c.log.Info("client_disconnected", "rx", c.rx.Load(), "tx", c.tx.Load(), "dropped", c.dropped.Load())
	}()
	enc, _ := s.Codec.(transport.FrameBatchEncoder)
	if enc == nil {
		c.log.Error("codec_cannot_encode")
		return
	}
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	batch := make([]can.Frame, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n := len(batch)
		_, err := enc.EncodeTo(c.conn, batch)
		batch = batch[:0]
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
			s.setError(wrap)
			return wrap
		}
		c.tx.Add(uint64(n))
		metrics.AddTCPTx(n)
		return nil
	}
	for {
		select {
		case fr := <-c.hc.Out:
			batch = append(batch, fr)
			if len(batch) >= s.batchSize {
				if flush() != nil {
					return
				}
			}
		case <-t.C:
			if flush() != nil {
				return
			}
		case <-c.hc.Closed:
			_ = flush()
			return
		case <-done:
			_ = flush()
			return
		}
	}
}
