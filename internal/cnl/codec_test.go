package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// mkFrame builds an extended frame with random payload; n > 8 makes it FD.
func mkFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	n = max(0, min(n, can.MaxFDLen))
	if n > can.MaxClassicLen {
		f.Flags = can.CANFD_FDF
	}
	f.Len = uint8(n)
	rand.Read(f.Data[:n])
	return f
}

func sameFrame(a, b can.Frame) bool {
	return a.CANID == b.CANID && a.Len == b.Len && a.Flags == b.Flags &&
		bytes.Equal(a.Data[:a.Len], b.Data[:b.Len])
}

func TestCNLCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFrame(0x1F55, 6),
		mkFrame(0x12345, 0),
	}

	wire := codec.Encode(in)
	var out []can.Frame
	// Use DecodeN over the full buffer
	br := bytes.NewReader(wire)
	n, err := codec.DecodeN(br, 0, func(f can.Frame) { out = append(out, f.CopyShallow()) })
	if err != io.EOF && err != nil { // expect EOF at clean end
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) {
		t.Fatalf("decoded %d, want %d", n, len(in))
	}
	if len(out) != len(in) {
		t.Fatalf("collected %d, want %d", len(out), len(in))
	}
	for i := range in {
		if !sameFrame(out[i], in[i]) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestCNLCodec_FDRoundTrip(t *testing.T) {
	codec := Codec{}
	brs := mkFrame(0x77, 64)
	brs.Flags |= can.CANFD_BRS
	short := mkFrame(0x78, 4)
	short.Flags = can.CANFD_FDF // FD framing with a classic-sized payload
	in := []can.Frame{mkFrame(0x76, 12), brs, short, mkFrame(0x79, 8)}

	wire := codec.Encode(in)
	// classic frame at the end keeps the plain length byte
	if got := wire[len(wire)-9]; got != 8 {
		t.Fatalf("classic len byte = %#x, want 0x08", got)
	}
	var out []can.Frame
	if _, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) }); err != io.EOF {
		t.Fatalf("DecodeN err=%v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d, want %d", len(out), len(in))
	}
	for i := range in {
		if !sameFrame(out[i], in[i]) {
			t.Fatalf("frame %d mismatch: got %+v", i, out[i])
		}
	}
}

func TestCNLCodec_FDHeader(t *testing.T) {
	codec := Codec{}
	f := mkFrame(0x100, 20)
	f.Flags |= can.CANFD_BRS
	wire := codec.Encode([]can.Frame{f})
	if len(wire) != 4+1+1+20 {
		t.Fatalf("wire len=%d", len(wire))
	}
	if wire[4] != 20|0x80 {
		t.Fatalf("len byte=%#x", wire[4])
	}
	if wire[5] != can.CANFD_BRS {
		t.Fatalf("flags byte=%#x", wire[5])
	}
}

func TestCNLCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3), mkFrame(0x12, 48)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, frames); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCNLCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	cases := []struct {
		name string
		wire []byte
		want error
	}{
		{"classic len 9", []byte{0, 0, 0, 1, 0x09}, ErrInvalidLength},
		{"fd len 9", []byte{0, 0, 0, 1, 0x89, 0}, ErrInvalidLength},
		{"fd len 65", []byte{0, 0, 0, 1, 0x80 | 65, 0}, ErrInvalidLength},
		{"fd missing flags", []byte{0, 0, 0, 1, 0x8C}, ErrTruncatedFrame},
		{"truncated payload", []byte{0, 0, 0, 2, 0x05, 1, 2, 3}, ErrTruncatedFrame},
		{"truncated fd payload", []byte{0, 0, 0, 2, 0x8C, 0, 1, 2, 3}, ErrTruncatedFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(bytes.NewReader(tc.wire))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}
