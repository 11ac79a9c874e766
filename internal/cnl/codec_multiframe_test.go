package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// TestDecodeN_MultiFrame drains classic and FD frames from one buffer.
func TestDecodeN_MultiFrame(t *testing.T) {
	c := Codec{}
	fd := mkFrame(0x13, 5)
	fd.Flags = can.CANFD_FDF | can.CANFD_BRS
	in := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 64), mkFrame(0x12, 0), fd}
	buf := bytes.NewReader(c.Encode(in))
	var out []can.Frame
	n, err := c.DecodeN(buf, 0, func(f can.Frame) { out = append(out, f.CopyShallow()) })
	if err != io.EOF && err != nil {
		t.Fatalf("DecodeN err=%v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if out[i].CANID != in[i].CANID || out[i].Len != in[i].Len || out[i].Flags != in[i].Flags {
			t.Fatalf("frame %d: got %+v want %+v", i, out[i], in[i])
		}
		if !bytes.Equal(out[i].Data[:out[i].Len], in[i].Data[:in[i].Len]) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

// TestDecodeN_Max stops after max frames and leaves the rest unread.
func TestDecodeN_Max(t *testing.T) {
	c := Codec{}
	in := []can.Frame{mkFrame(1, 1), mkFrame(2, 20), mkFrame(3, 3)}
	r := bytes.NewReader(c.Encode(in))
	n, err := c.DecodeN(r, 2, func(can.Frame) {})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	fr, err := c.Decode(r)
	if err != nil || fr.CANID != in[2].CANID {
		t.Fatalf("third frame %+v err=%v", fr, err)
	}
}

// TestDecodeN_StopsOnBadFrame reports frames decoded before a malformed one.
func TestDecodeN_StopsOnBadFrame(t *testing.T) {
	c := Codec{}
	wire := c.Encode([]can.Frame{mkFrame(1, 2)})
	wire = append(wire, 0, 0, 0, 2, 0x80|33, 0)
	n, err := c.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	if n != 1 || !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
