package mcp2517fd

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/spi"
)

// Speed selects one of the two SPI clock classes.
type Speed uint8

const (
	// SpeedSetup is safe before the oscillator/PLL is confirmed locked.
	SpeedSetup Speed = iota
	// SpeedOperational is used once the CAN clock runs.
	SpeedOperational
)

// Regs is the register access layer: every controller access is framed here
// as a 2-byte command word followed by data. Regs is not safe for concurrent
// use; the device serializes callers.
type Regs struct {
	conn    spi.Conn
	half    bool
	setupHz uint32
	opHz    uint32
	tx      []byte
	rx      []byte
}

// NewRegs wraps a link. Both speed classes start at setupHz.
func NewRegs(conn spi.Conn, setupHz uint32) *Regs {
	return &Regs{
		conn:    conn,
		half:    spi.IsHalfDuplex(conn),
		setupHz: setupHz,
		opHz:    setupHz,
		tx:      make([]byte, 2+RAMSize),
		rx:      make([]byte, 2+RAMSize),
	}
}

// SetSpeeds updates both clock classes.
func (r *Regs) SetSpeeds(setupHz, opHz uint32) { r.setupHz, r.opHz = setupHz, opHz }

// Speeds returns the clock of each class.
func (r *Regs) Speeds() (setupHz, opHz uint32) { return r.setupHz, r.opHz }

func (r *Regs) hz(s Speed) uint32 {
	if s == SpeedOperational {
		return r.opHz
	}
	return r.setupHz
}

// Command builds the big-endian command word.
func Command(op, addr uint16) [2]byte {
	var c [2]byte
	binary.BigEndian.PutUint16(c[:], op|addr&addrMask)
	return c
}

func (r *Regs) transfer(s Speed, xfers ...spi.Transfer) error {
	metrics.IncSPITransfer()
	if err := r.conn.Transfer(r.hz(s), xfers...); err != nil {
		metrics.IncError(metrics.ErrSPITransfer)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Reset issues the RESET instruction.
func (r *Regs) Reset(s Speed) error {
	cmd := Command(OpReset, 0)
	return r.transfer(s, spi.Transfer{W: cmd[:]})
}

// ReadBlock reads len(dst) bytes starting at addr.
func (r *Regs) ReadBlock(addr uint16, dst []byte, s Speed) error {
	cmd := Command(OpRead, addr)
	n := len(dst)
	if r.half || 2+n > len(r.tx) {
		return r.transfer(s, spi.Transfer{W: cmd[:]}, spi.Transfer{R: dst})
	}
	// Full duplex: one segment, command followed by zeros; data lags by 2 bytes.
	tx := r.tx[:2+n]
	rx := r.rx[:2+n]
	copy(tx, cmd[:])
	clear(tx[2:])
	if err := r.transfer(s, spi.Transfer{W: tx, R: rx}); err != nil {
		return err
	}
	copy(dst, rx[2:])
	return nil
}

// WriteBlock writes data starting at addr in one chip-select window.
func (r *Regs) WriteBlock(addr uint16, data []byte, s Speed) error {
	if 2+len(data) > len(r.tx) {
		return fmt.Errorf("%w: write of %d bytes exceeds buffer", ErrProtocol, len(data))
	}
	cmd := Command(OpWrite, addr)
	tx := r.tx[:2+len(data)]
	copy(tx, cmd[:])
	copy(tx[2:], data)
	return r.transfer(s, spi.Transfer{W: tx})
}

// byteSpan returns the first and last byte index touched by mask.
func byteSpan(mask uint32) (first, last int) {
	first = bits.TrailingZeros32(mask) >> 3
	last = (31 - bits.LeadingZeros32(mask)) >> 3
	return first, last
}

// ReadMasked reads only the bytes of the register covered by mask. Bytes
// outside the span read as zero.
func (r *Regs) ReadMasked(addr uint16, mask uint32, s Speed) (uint32, error) {
	if mask == 0 {
		return 0, ErrInvalidMask
	}
	first, last := byteSpan(mask)
	var buf [4]byte
	if err := r.ReadBlock(addr+uint16(first), buf[first:last+1], s); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteMasked writes only the bytes of val covered by mask. Bits inside the
// span but outside mask are written from val as well.
func (r *Regs) WriteMasked(addr uint16, val, mask uint32, s Speed) error {
	if mask == 0 {
		return ErrInvalidMask
	}
	first, last := byteSpan(mask)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return r.WriteBlock(addr+uint16(first), buf[first:last+1], s)
}

// Read reads a full 32-bit register.
func (r *Regs) Read(addr uint16, s Speed) (uint32, error) {
	return r.ReadMasked(addr, 0xFFFFFFFF, s)
}

// Write writes a full 32-bit register.
func (r *Regs) Write(addr uint16, val uint32, s Speed) error {
	return r.WriteMasked(addr, val, 0xFFFFFFFF, s)
}

// ReadWords reads n consecutive little-endian registers.
func (r *Regs) ReadWords(addr uint16, dst []uint32, s Speed) error {
	buf := make([]byte, 4*len(dst))
	if err := r.ReadBlock(addr, buf, s); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return nil
}
