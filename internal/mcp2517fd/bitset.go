package mcp2517fd

import "math/bits"

// Fifo is a hardware FIFO index. 0 is the transmit event FIFO.
type Fifo uint8

const (
	// FifoTEF is the transmit event ring.
	FifoTEF Fifo = 0
	// FifoCount is the number of hardware FIFO slots.
	FifoCount = 32
)

// Valid reports whether f addresses a hardware FIFO.
func (f Fifo) Valid() bool { return f < FifoCount }

// FifoMask is a set of FIFOs, bit i for FIFO i (the controller's own
// per-FIFO flag registers use the same layout).
type FifoMask uint32

// Mark adds f.
func (m *FifoMask) Mark(f Fifo) { *m |= 1 << f }

// Clear removes f.
func (m *FifoMask) Clear(f Fifo) { *m &^= 1 << f }

// Test reports whether f is set.
func (m FifoMask) Test(f Fifo) bool { return m&(1<<f) != 0 }

// Empty reports whether no FIFO is set.
func (m FifoMask) Empty() bool { return m == 0 }

// Count is the number of FIFOs set.
func (m FifoMask) Count() int { return bits.OnesCount32(uint32(m)) }

// Lowest returns the lowest set FIFO; ok is false for an empty mask.
func (m FifoMask) Lowest() (f Fifo, ok bool) {
	if m == 0 {
		return 0, false
	}
	return Fifo(bits.TrailingZeros32(uint32(m))), true
}

// Range returns the mask covering FIFOs [start, start+n).
func Range(start Fifo, n int) FifoMask {
	if n <= 0 {
		return 0
	}
	return FifoMask((uint64(1)<<uint(n) - 1) << start)
}

// Run is a maximal block of consecutive set FIFOs.
type Run struct {
	Start Fifo
	N     int
}

// Runs splits m, restricted to [start, end), into maximal contiguous runs in
// ascending order.
func (m FifoMask) Runs(start, end Fifo) []Run {
	var out []Run
	for i := start; i < end; i++ {
		if !m.Test(i) {
			continue
		}
		j := i
		for j < end && m.Test(j) {
			j++
		}
		out = append(out, Run{Start: i, N: int(j - i)})
		i = j
	}
	return out
}
