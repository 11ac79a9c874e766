package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-mcpfd/internal/metrics"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// lenFD marks an FD frame in the length byte; a flags byte follows it.
const lenFD = 0x80

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is not a valid classic
// (0..8) or FD (DLC step up to 64) length.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Encode packs frames into a single cannelloni packet (DATA).
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	// Pre-size for classic frames: 4(id)+1(len)+8(data)
	buf.Grow(len(frames) * (4 + 1 + 8))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is: 4-byte BE CANID, length byte (0x80 set for FD), the FD
// flags byte for FD frames, then the payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	for _, f := range frames {
		var hdr [6]byte
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		ln := int(f.Len)
		h := hdr[:5]
		if f.IsFD() {
			ln = min(ln, can.MaxFDLen)
			hdr[4] = byte(ln) | lenFD
			hdr[5] = f.Flags &^ can.CANFD_FDF
			h = hdr[:6]
		} else {
			hdr[4] = byte(ln)
		}
		n, err := w.Write(h)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if ln > 0 {
			n, err = w.Write(f.Data[:ln])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(idb[:])
	// Read one length byte; treat 0 bytes read as EOF
	var lb [1]byte
	n, err := r.Read(lb[:])
	if err != nil {
		return f, err
	}
	if n == 0 {
		return f, io.EOF
	}
	ln := int(lb[0] &^ lenFD)
	if lb[0]&lenFD != 0 {
		var fl [1]byte
		if _, err := io.ReadFull(r, fl[:]); err != nil {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode flags: %w", ErrTruncatedFrame)
		}
		if !can.ValidFDLen(uint8(ln)) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode: %w (fd %d)", ErrInvalidLength, ln)
		}
		f.Flags = fl[0] | can.CANFD_FDF
	} else if ln > can.MaxClassicLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
