package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/spi"
)

var ErrBridgeTimeout = errors.New("bridge response timeout")

// Port is the UART side of the bridge.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is a test hook. The short read timeout lets Transfer enforce its
// own response deadline across several reads.
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

// Bridge is an spi.Conn carried over a UART to a small SPI master (for hosts
// without a native SPI controller). Every Transfer is one request/response
// exchange; all segments are concatenated into one chip-select window.
type Bridge struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
	rx      bytes.Buffer
	closed  bool
}

var _ spi.Conn = (*Bridge)(nil)

// OpenBridge opens the UART and returns a bridge link.
func OpenBridge(name string, baud int, timeout time.Duration) (*Bridge, error) {
	p, err := openPort(name, baud, 20*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("open bridge %s: %w", name, err)
	}
	return NewBridge(p, timeout), nil
}

// NewBridge wraps an already opened port.
func NewBridge(p Port, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &Bridge{port: p, timeout: timeout}
}

// HalfDuplex is false: the bridge firmware clocks MISO during the whole window.
func (b *Bridge) HalfDuplex() bool { return false }

func (b *Bridge) Transfer(speedHz uint32, xfers ...spi.Transfer) error {
	total := 0
	for _, x := range xfers {
		total += x.Len()
	}
	if total == 0 {
		return nil
	}
	mosi := make([]byte, 0, total)
	for _, x := range xfers {
		seg := make([]byte, x.Len())
		copy(seg, x.W)
		mosi = append(mosi, seg...)
	}
	req, err := EncodeTransfer(speedHz, mosi)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return spi.ErrClosed
	}
	b.rx.Reset()
	if _, err := b.port.Write(req); err != nil {
		metrics.IncError(metrics.ErrBridgeWrite)
		return fmt.Errorf("bridge write: %w", err)
	}
	miso, err := b.readResponse()
	if err != nil {
		return err
	}
	if len(miso) != total {
		metrics.IncMalformed()
		return fmt.Errorf("bridge returned %d bytes, want %d: %w", len(miso), total, ErrBridgeStatus)
	}
	off := 0
	for _, x := range xfers {
		n := x.Len()
		if x.R != nil {
			copy(x.R, miso[off:off+n])
		}
		off += n
	}
	return nil
}

func (b *Bridge) readResponse() ([]byte, error) {
	deadline := time.Now().Add(b.timeout)
	var chunk [512]byte
	for {
		miso, ok, err := DecodeResponse(&b.rx)
		if ok {
			return miso, err
		}
		if time.Now().After(deadline) {
			metrics.IncError(metrics.ErrBridgeTimeout)
			return nil, ErrBridgeTimeout
		}
		n, err := b.port.Read(chunk[:])
		if n > 0 {
			b.rx.Write(chunk[:n])
		}
		// A read timeout with nothing received surfaces as EOF on Linux.
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncError(metrics.ErrBridgeRead)
			return nil, fmt.Errorf("bridge read: %w", err)
		}
	}
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}
