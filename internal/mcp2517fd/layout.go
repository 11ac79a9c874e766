package mcp2517fd

import "fmt"

// SizeClass is the payload capacity every FIFO is configured for.
type SizeClass uint8

const (
	// Classic configures 8-byte payloads.
	Classic SizeClass = iota
	// FD configures 64-byte payloads.
	FD
)

// Payload returns the per-object payload capacity.
func (c SizeClass) Payload() int {
	if c == FD {
		return 64
	}
	return 8
}

func (c SizeClass) plsize() uint32 {
	if c == FD {
		return plsize64
	}
	return plsize8
}

func (c SizeClass) String() string {
	if c == FD {
		return "fd"
	}
	return "classic"
}

// Layout limits.
const (
	DefaultTxFifos = 7
	MaxTxFifos     = 30
	maxFifoIndex   = 31
	rxFifoDepth    = 1
)

// Role of a hardware FIFO.
type Role uint8

const (
	RoleUnused Role = iota
	RoleTEF
	RoleTX
	RoleRX
)

func (r Role) String() string {
	switch r {
	case RoleTEF:
		return "tef"
	case RoleTX:
		return "tx"
	case RoleRX:
		return "rx"
	default:
		return "unused"
	}
}

// FifoDescriptor describes one configured FIFO.
type FifoDescriptor struct {
	Role    Role
	Index   Fifo
	Addr    uint16 // offset in FIFO RAM, valid after the layout is committed
	Payload int
	Depth   int
}

// Layout is the FIFO partition of the controller's RAM.
type Layout struct {
	Class   SizeClass
	Payload int

	TxStart Fifo
	TxCount int
	RxStart Fifo
	RxCount int
	RxDepth int

	TxMask FifoMask
	RxMask FifoMask

	TefStart uint16
	TefEnd   uint16 // last byte of the ring

	Fifos [FifoCount]FifoDescriptor
}

// txObjectSize is the RAM taken by one TX FIFO plus its TEF entry.
func txObjectSize(payload int) int { return tefEntrySize + txHeaderSize + payload }

// rxObjectSize is the RAM taken by one RX object.
func rxObjectSize(payload int) int { return tsHeaderSize + payload }

// ComputeLayout partitions FIFO RAM for txCount transmit FIFOs of the given
// class. TEF is FIFO 0, RX FIFOs start at 1 and TX FIFOs follow them.
func ComputeLayout(class SizeClass, txCount int) (Layout, error) {
	if txCount < 1 || txCount > MaxTxFifos {
		return Layout{}, fmt.Errorf("%w: %d (1..%d)", ErrFifoCount, txCount, MaxTxFifos)
	}
	payload := class.Payload()
	txMem := txCount * txObjectSize(payload)
	if txMem+rxObjectSize(payload) > RAMSize {
		return Layout{}, fmt.Errorf("%w: %d tx fifos use %d of %d bytes", ErrFifoCapacity, txCount, txMem, RAMSize)
	}
	rx := (RAMSize - txMem) / rxObjectSize(payload) / rxFifoDepth
	if txCount+rx > maxFifoIndex {
		rx = maxFifoIndex - txCount
	}
	l := Layout{
		Class:   class,
		Payload: payload,
		RxStart: 1,
		RxCount: rx,
		RxDepth: rxFifoDepth,
		TxCount: txCount,
	}
	l.TxStart = l.RxStart + Fifo(rx)
	l.RxMask = Range(l.RxStart, rx)
	l.TxMask = Range(l.TxStart, txCount)
	l.Fifos[FifoTEF] = FifoDescriptor{Role: RoleTEF, Index: FifoTEF, Depth: txCount}
	for i := 0; i < rx; i++ {
		f := l.RxStart + Fifo(i)
		l.Fifos[f] = FifoDescriptor{Role: RoleRX, Index: f, Payload: payload, Depth: rxFifoDepth}
	}
	for i := 0; i < txCount; i++ {
		f := l.TxStart + Fifo(i)
		l.Fifos[f] = FifoDescriptor{Role: RoleTX, Index: f, Payload: payload, Depth: 1}
	}
	return l, nil
}

// TxLast is the highest TX FIFO, which also has the highest priority.
func (l *Layout) TxLast() Fifo { return l.TxStart + Fifo(l.TxCount) - 1 }

// RxEnd is one past the last RX FIFO.
func (l *Layout) RxEnd() Fifo { return l.RxStart + Fifo(l.RxCount) }

// RxObjectSize is the stride of RX objects in RAM.
func (l *Layout) RxObjectSize() int { return rxObjectSize(l.Payload) }

// UsedRAM returns the bytes the layout occupies.
func (l *Layout) UsedRAM() int {
	return l.TxCount*txObjectSize(l.Payload) + l.RxCount*l.RxDepth*rxObjectSize(l.Payload)
}

// Addr returns the RAM offset of FIFO f.
func (l *Layout) Addr(f Fifo) uint16 { return l.Fifos[f].Addr }

// tefcon is the TEFCON value for this layout.
func (l *Layout) tefcon() uint32 {
	return TefconFRESET | TefconTEFNEIE | TefconTEFTSEN | uint32(l.TxCount-1)<<TefconFSIZEShift
}

// txFifocon is the FIFOCON value of TX FIFO f. The FIFO index doubles as its
// transmit priority.
func (l *Layout) txFifocon(f Fifo, oneShot bool) uint32 {
	v := uint32(FifoconTXEN|FifoconFRESET) | l.Class.plsize()<<FifoconPLSIZEShift
	if oneShot {
		v |= txatOneShot << FifoconTXATShift
	} else {
		v |= txatUnlimited << FifoconTXATShift
	}
	return v | uint32(f)<<FifoconTXPRIShift
}

// rxFifoconBase is the FIFOCON value of an RX FIFO without reset/UINC bits.
func (l *Layout) rxFifoconBase(f Fifo) uint32 {
	v := l.Class.plsize()<<FifoconPLSIZEShift |
		uint32(l.RxDepth-1)<<FifoconFSIZEShift |
		FifoconRXTSEN | FifoconTFERFFIE | FifoconTFHRFHIE | FifoconTFNRFNIE
	if f == l.RxEnd()-1 {
		v |= FifoconRXOVIE
	}
	return v
}

// checkAddrs validates addresses read back from the controller: each object
// must lie inside RAM and no two FIFOs may overlap.
func (l *Layout) checkAddrs() error {
	type span struct{ lo, hi int }
	var spans []span
	add := func(lo, size int) error {
		hi := lo + size
		if lo < 0 || hi > RAMSize {
			return fmt.Errorf("%w: fifo range %#x..%#x outside ram", ErrProtocol, lo, hi)
		}
		for _, s := range spans {
			if lo < s.hi && s.lo < hi {
				return fmt.Errorf("%w: fifo range %#x..%#x overlaps %#x..%#x", ErrProtocol, lo, hi, s.lo, s.hi)
			}
		}
		spans = append(spans, span{lo, hi})
		return nil
	}
	if err := add(int(l.TefStart), l.TxCount*tefEntrySize); err != nil {
		return err
	}
	for i := 0; i < l.TxCount; i++ {
		f := l.TxStart + Fifo(i)
		if err := add(int(l.Addr(f)), txHeaderSize+l.Payload); err != nil {
			return err
		}
	}
	for i := 0; i < l.RxCount; i++ {
		f := l.RxStart + Fifo(i)
		if err := add(int(l.Addr(f)), l.RxDepth*rxObjectSize(l.Payload)); err != nil {
			return err
		}
	}
	return nil
}
