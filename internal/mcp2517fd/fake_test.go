package mcp2517fd

import (
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/spi"
)

// fakeXfer is one chip-select window seen by the fake.
type fakeXfer struct {
	op   uint16
	addr uint16
	n    int // data bytes after the command word
	segs int
	hz   uint32
}

// fakeController emulates the register file and FIFO RAM of an MCP2517FD
// closely enough for the drain logic: mode requests, oscillator readiness,
// FIFO RAM allocation, TXREQ/UINC, the TEF ring, RX objects and the sticky
// interrupt flags. Objects complete only when a test says so.
type fakeController struct {
	mu   sync.Mutex
	mem  [0x1000]byte
	half bool

	absent   bool  // reads return zeros
	failNext error // returned by the next Transfer

	mode     Mode
	sleeping bool
	intFlags uint32 // sticky INT flags (MODIF, ECCIF, SERRIF, IVMIF, CERRIF, ...)
	intEn    uint32
	trec     uint32

	rxFull FifoMask
	rxOv   FifoMask
	txReq  FifoMask

	fifoAddr [FifoCount]uint16
	tefStart uint16
	tefDepth int
	tefHead  int
	tefTail  int
	tefCount int

	clock   uint32
	txOrder []Fifo
	modes   []Mode
	log     []fakeXfer
	resets  int
}

func newFakeController() *fakeController {
	c := &fakeController{}
	c.reset()
	return c
}

func (c *fakeController) HalfDuplex() bool { return c.half }

func (c *fakeController) Close() error { return nil }

func (c *fakeController) le32(a uint16) uint32 { return binary.LittleEndian.Uint32(c.mem[a:]) }

func (c *fakeController) put32(a uint16, v uint32) { binary.LittleEndian.PutUint32(c.mem[a:], v) }

func (c *fakeController) reset() {
	c.resets++
	clear(c.mem[:])
	c.mode = ModeConfig
	c.sleeping = false
	c.intFlags, c.intEn, c.trec = 0, 0, 0
	c.rxFull, c.rxOv, c.txReq = 0, 0, 0
	c.tefHead, c.tefTail, c.tefCount = 0, 0, 0
	c.put32(RegCON, ConDefault)
	c.put32(RegOSC, clkoDiv10<<OscCLKODIVShift)
}

func (c *fakeController) Transfer(hz uint32, xfers ...spi.Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	var w []byte
	for _, x := range xfers {
		seg := make([]byte, x.Len())
		copy(seg, x.W)
		w = append(w, seg...)
	}
	if len(w) < 2 {
		return errors.New("fake: short transfer")
	}
	cmd := binary.BigEndian.Uint16(w)
	op, addr := cmd&0xF000, cmd&addrMask
	c.log = append(c.log, fakeXfer{op: op, addr: addr, n: len(w) - 2, segs: len(xfers), hz: hz})
	switch op {
	case OpReset:
		if !c.sleeping { // only honored while the oscillator runs
			c.reset()
		}
	case OpWrite:
		c.write(addr, w[2:])
	case OpRead:
		c.sync()
		miso := make([]byte, len(w))
		if !c.absent {
			for i := 2; i < len(w); i++ {
				miso[i] = c.mem[(int(addr)+i-2)&addrMask]
			}
		}
		pos := 0
		for _, x := range xfers {
			n := x.Len()
			if x.R != nil {
				copy(x.R, miso[pos:pos+n])
			}
			pos += n
		}
	default:
		return errors.New("fake: unsupported opcode")
	}
	return nil
}

func (c *fakeController) write(addr uint16, data []byte) {
	touched := map[uint16]uint32{}
	for i, b := range data {
		a := (addr + uint16(i)) & addrMask
		c.mem[a] = b
		touched[a&^3] |= 0xFF << (8 * (a & 3))
	}
	regs := make([]uint16, 0, len(touched))
	for r := range touched {
		regs = append(regs, r)
	}
	slices.Sort(regs)
	for _, r := range regs {
		c.effect(r, touched[r])
	}
	c.sync()
}

// fifoReg maps a FIFO register address to its FIFO and register kind
// (0 CON, 4 STA, 8 UA).
func fifoReg(r uint16) (Fifo, uint16, bool) {
	base := RegFIFOCON(1)
	if r < base || r >= base+31*fifoconSpacing {
		return 0, 0, false
	}
	off := r - base
	return Fifo(off/fifoconSpacing) + 1, off % fifoconSpacing, true
}

func (c *fakeController) effect(r uint16, m uint32) {
	v := c.le32(r)
	switch r {
	case RegCON:
		if m&ConREQOPMask != 0 {
			c.setMode(Mode((v & ConREQOPMask) >> ConREQOPShift))
		}
		return
	case RegOSC:
		if m&0xFF != 0 && v&OscOSCDIS == 0 && c.sleeping {
			c.sleeping = false
			c.mode = ModeConfig
		}
		return
	case RegINT:
		c.intFlags &= v | ^m
		if m&0xFFFF0000 != 0 {
			c.intEn = v & 0xFFFF0000
		}
		return
	case RegTEFCON:
		if m&0xFF00 == 0 {
			return
		}
		if v&TefconFRESET != 0 {
			c.tefHead, c.tefTail, c.tefCount = 0, 0, 0
		}
		if v&TefconUINC != 0 && c.tefCount > 0 {
			c.tefTail = (c.tefTail + 1) % c.tefDepth
			c.tefCount--
		}
		c.put32(r, v&^(TefconUINC|TefconFRESET))
		return
	}
	f, kind, ok := fifoReg(r)
	if !ok {
		return
	}
	switch kind {
	case 0:
		if m&0xFF00 == 0 {
			return
		}
		if v&FifoconFRESET != 0 {
			c.rxFull.Clear(f)
			c.rxOv.Clear(f)
			c.txReq.Clear(f)
		}
		if v&FifoconUINC != 0 {
			if v&FifoconTXEN != 0 {
				if v&FifoconTXREQ != 0 {
					c.txReq.Mark(f)
					c.txOrder = append(c.txOrder, f)
				}
			} else {
				c.rxFull.Clear(f)
			}
		}
		c.put32(r, v&^(FifoconUINC|FifoconFRESET|FifoconTXREQ))
	case 4:
		if m&0xFF != 0 && v&FifostaRXOVIF == 0 {
			c.rxOv.Clear(f)
		}
	}
}

func (c *fakeController) setMode(m Mode) {
	if c.mode == ModeConfig && m != ModeConfig {
		c.allocate()
	}
	c.mode = m
	c.sleeping = m == ModeSleep
	c.modes = append(c.modes, m)
}

func plsizeBytes(v uint32) int { return [8]int{8, 12, 16, 20, 24, 32, 48, 64}[v&7] }

// allocate lays out FIFO RAM in index order like the controller does when
// leaving configuration mode.
func (c *fakeController) allocate() {
	con := c.le32(RegCON)
	addr := 0
	tef := c.le32(RegTEFCON)
	c.tefDepth = int((tef>>TefconFSIZEShift)&0x1F) + 1
	c.tefStart = 0
	if con&ConSTEF != 0 {
		size := txHeaderSize
		if tef&TefconTEFTSEN != 0 {
			size = tsHeaderSize
		}
		addr += c.tefDepth * size
	}
	if con&ConTXQEN != 0 {
		q := c.le32(RegTXQCON)
		addr += (int((q>>FifoconFSIZEShift)&0x1F) + 1) * (txHeaderSize + plsizeBytes(q>>FifoconPLSIZEShift))
	}
	for f := Fifo(1); f < FifoCount; f++ {
		v := c.le32(RegFIFOCON(f))
		obj := txHeaderSize + plsizeBytes(v>>FifoconPLSIZEShift)
		if v&FifoconTXEN == 0 && v&FifoconRXTSEN != 0 {
			obj += 4
		}
		c.fifoAddr[f] = uint16(addr)
		addr += (int((v>>FifoconFSIZEShift)&0x1F) + 1) * obj
	}
}

// sync publishes the derived registers into the register file.
func (c *fakeController) sync() {
	osc := c.le32(RegOSC) &^ (OscOSCRDY | OscPLLRDY | OscSCLKRDY | OscOSCDIS)
	if c.sleeping {
		osc |= OscOSCDIS
	} else {
		osc |= OscOSCRDY
		if osc&OscPLLEN != 0 {
			osc |= OscPLLRDY
		}
		if osc&OscSCLKDIV != 0 {
			osc |= OscSCLKRDY
		}
	}
	c.put32(RegOSC, osc)
	c.put32(RegCON, c.le32(RegCON)&^ConOPMODMask|uint32(c.mode)<<ConOPMODShift)

	flags := c.intFlags
	if !c.rxFull.Empty() {
		flags |= IntRXIF
	}
	if c.tefCount > 0 {
		flags |= IntTEFIF
	}
	if !c.rxOv.Empty() {
		flags |= IntRXOVIF
	}
	c.put32(RegINT, flags|c.intEn)
	c.put32(RegRXIF, uint32(c.rxFull))
	c.put32(RegRXOVIF, uint32(c.rxOv))
	c.put32(RegTXREQ, uint32(c.txReq))
	c.put32(RegTREC, c.trec)
	var tefsta uint32
	if c.tefCount > 0 {
		tefsta = 1
	}
	c.put32(RegTEFSTA, tefsta)
	c.put32(RegTEFUA, uint32(c.tefStart)+uint32(c.tefTail*tefEntrySize))
	for f := Fifo(1); f < FifoCount; f++ {
		c.put32(RegFIFOUA(f), uint32(c.fifoAddr[f]))
		var sta uint32
		if c.rxFull.Test(f) {
			sta |= FifostaTFNRFNIF
		}
		if c.rxOv.Test(f) {
			sta |= FifostaRXOVIF
		}
		c.put32(RegFIFOSTA(f), sta)
	}
}

func (c *fakeController) tick(ts uint32) uint32 {
	if ts == 0 {
		c.clock++
		return c.clock
	}
	return ts
}

// complete transmits FIFO f: its object moves to the TEF ring stamped with
// ts (0 takes the next clock value).
func (c *fakeController) complete(f Fifo, ts uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.txReq.Test(f) {
		panic("fake: completing idle fifo")
	}
	c.txReq.Clear(f)
	obj := FIFOData(c.fifoAddr[f])
	e := FIFOData(c.tefStart + uint16(c.tefHead*tefEntrySize))
	copy(c.mem[e:e+8], c.mem[obj:obj+8])
	binary.LittleEndian.PutUint32(c.mem[e+8:], c.tick(ts))
	c.tefHead = (c.tefHead + 1) % c.tefDepth
	c.tefCount++
}

// receive places fr in RX FIFO f. A second frame before release overflows.
func (c *fakeController) receive(f Fifo, fr can.Frame, ts uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rxFull.Test(f) {
		c.rxOv.Mark(f)
		return
	}
	h, n := EncodeTx(fr, 0, fr.IsFD())
	a := FIFOData(c.fifoAddr[f])
	binary.LittleEndian.PutUint32(c.mem[a:], h.ID)
	binary.LittleEndian.PutUint32(c.mem[a+4:], h.Flags)
	binary.LittleEndian.PutUint32(c.mem[a+8:], c.tick(ts))
	copy(c.mem[a+tsHeaderSize:], fr.Data[:n])
	c.rxFull.Mark(f)
}

func (c *fakeController) raise(flags uint32) {
	c.mu.Lock()
	c.intFlags |= flags
	c.mu.Unlock()
}

func (c *fakeController) setTREC(v uint32) {
	c.mu.Lock()
	c.trec = v
	c.mu.Unlock()
}

// setReg stores a plain register value (BDIAG1, ECCSTAT, ...).
func (c *fakeController) setReg(r uint16, v uint32) {
	c.mu.Lock()
	c.put32(r, v)
	c.mu.Unlock()
}

func (c *fakeController) reg(r uint16) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync()
	return c.le32(r)
}

func (c *fakeController) clearLog() {
	c.mu.Lock()
	c.log = nil
	c.txOrder = nil
	c.mu.Unlock()
}

// xfers returns the logged windows matching op within [lo, hi).
func (c *fakeController) xfers(op, lo, hi uint16) []fakeXfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fakeXfer
	for _, x := range c.log {
		if x.op == op && x.addr >= lo && x.addr < hi {
			out = append(out, x)
		}
	}
	return out
}

// fakeQueue records Stop/Wake calls.
type fakeQueue struct {
	mu      sync.Mutex
	stopped bool
	stops   int
	wakes   int
}

func (q *fakeQueue) Stop() { q.mu.Lock(); q.stopped = true; q.stops++; q.mu.Unlock() }
func (q *fakeQueue) Wake() { q.mu.Lock(); q.stopped = false; q.wakes++; q.mu.Unlock() }

func (q *fakeQueue) isStopped() bool { q.mu.Lock(); defer q.mu.Unlock(); return q.stopped }

// sink collects delivered frames in order.
type sink struct {
	mu     sync.Mutex
	frames []can.Frame
	echo   []bool
}

func (s *sink) rx(fr can.Frame) { s.add(fr, false) }
func (s *sink) tx(fr can.Frame) { s.add(fr, true) }

func (s *sink) add(fr can.Frame, echo bool) {
	s.mu.Lock()
	s.frames = append(s.frames, fr)
	s.echo = append(s.echo, echo)
	s.mu.Unlock()
}

func (s *sink) errorFrames() []can.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []can.Frame
	for _, fr := range s.frames {
		if fr.IsError() {
			out = append(out, fr)
		}
	}
	return out
}

type rig struct {
	fc  *fakeController
	dev *Device
	q   *fakeQueue
	out *sink
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleepFn
	sleepFn = func(time.Duration) {}
	t.Cleanup(func() { sleepFn = old })
}

// newRig builds a started device on a fake controller.
func newRig(t *testing.T, mutate func(*Config), fakeOpts ...func(*fakeController)) *rig {
	t.Helper()
	noSleep(t)
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r := &rig{fc: newFakeController(), q: &fakeQueue{}, out: &sink{}}
	for _, o := range fakeOpts {
		o(r.fc)
	}
	dev, err := New(r.fc, cfg, WithQueue(r.q), WithRxHandler(r.out.rx), WithEchoHandler(r.out.tx))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.dev = dev
	r.fc.clearLog()
	return r
}

func frame(id uint32, payload ...byte) can.Frame {
	fr := can.Frame{CANID: id, Len: uint8(len(payload))}
	copy(fr.Data[:], payload)
	return fr
}
