package cnl

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// benchSizes covers a classic payload and the FD extremes.
var benchSizes = []int{8, 12, 64}

func benchFrames(n, size int) []can.Frame {
	frames := make([]can.Frame, n)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x500+i), size)
	}
	return frames
}

func BenchmarkEncodeTo(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(fmt.Sprintf("len%d", size), func(b *testing.B) {
			c := Codec{}
			frs := benchFrames(64, size)
			var buf bytes.Buffer
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				buf.Reset()
				_, _ = c.EncodeTo(&buf, frs)
			}
		})
	}
}

func BenchmarkDecodeN(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(fmt.Sprintf("len%d", size), func(b *testing.B) {
			c := Codec{}
			wire := c.Encode(benchFrames(64, size))
			b.SetBytes(int64(len(wire)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, _ = c.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
			}
		})
	}
}
