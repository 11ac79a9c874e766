package main

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcpfd/internal/spi"
)

// memConn is a full-duplex link backed by a flat 4 KiB address space.
type memConn struct {
	mem    [4096]byte
	resets int
}

func (m *memConn) Close() error { return nil }

func (m *memConn) Transfer(_ uint32, xfers ...spi.Transfer) error {
	w := xfers[0].W
	cmd := binary.BigEndian.Uint16(w)
	addr := int(cmd & 0x0FFF)
	switch cmd & 0xF000 {
	case mcp2517fd.OpReset:
		m.resets++
	case mcp2517fd.OpRead:
		copy(xfers[0].R[2:], m.mem[addr:])
	case mcp2517fd.OpWrite:
		copy(m.mem[addr:], w[2:])
	}
	return nil
}

func (m *memConn) word(addr uint16) uint32 { return binary.LittleEndian.Uint32(m.mem[addr:]) }

func newTestShell() (*shell, *memConn, *bytes.Buffer) {
	mc := &memConn{}
	out := &bytes.Buffer{}
	return &shell{regs: mcp2517fd.NewRegs(mc, 1_000_000), out: out}, mc, out
}

func TestResolveReg(t *testing.T) {
	cases := map[string]uint16{
		"int":      mcp2517fd.RegINT,
		"OSC":      mcp2517fd.RegOSC,
		"fifocon1": mcp2517fd.RegFIFOCON(1),
		"FIFOUA31": mcp2517fd.RegFIFOUA(31),
		"fltcon2":  mcp2517fd.RegFLTCON(8),
		"fltmask0": mcp2517fd.RegFLTMASK(0),
		"0x1c":     0x1C,
	}
	for in, want := range cases {
		got, err := resolveReg(in)
		if err != nil || got != want {
			t.Fatalf("resolveReg(%q)=%#x, %v want %#x", in, got, err, want)
		}
	}
	for _, bad := range []string{"fifocon0", "fifocon32", "nope", "0x1001", "0x1d"} {
		if _, err := resolveReg(bad); err == nil {
			t.Fatalf("resolveReg(%q) should fail", bad)
		}
	}
}

func TestRegNameRoundTrip(t *testing.T) {
	for _, n := range regNames() {
		a, err := resolveReg(n)
		if err != nil {
			t.Fatalf("%s: %v", n, err)
		}
		if got := regName(a); got != n {
			t.Fatalf("regName(%#x)=%s want %s", a, got, n)
		}
	}
}

func TestShellReadWrite(t *testing.T) {
	sh, mc, out := newTestShell()
	if err := sh.exec("write nbtcfg 0x003E0F0F"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if mc.word(mcp2517fd.RegNBTCFG) != 0x003E0F0F {
		t.Fatalf("nbtcfg %#x", mc.word(mcp2517fd.RegNBTCFG))
	}
	// masked write leaves bytes outside the mask alone
	if err := sh.exec("w NBTCFG 0x7700 0xFF00"); err != nil {
		t.Fatalf("masked write: %v", err)
	}
	if mc.word(mcp2517fd.RegNBTCFG) != 0x003E770F {
		t.Fatalf("nbtcfg after mask %#x", mc.word(mcp2517fd.RegNBTCFG))
	}
	if err := sh.exec("r nbtcfg"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(out.String(), "NBTCFG") || !strings.Contains(out.String(), "0x003e770f") {
		t.Fatalf("output %q", out.String())
	}
}

func TestShellStatusAndRAM(t *testing.T) {
	sh, mc, out := newTestShell()
	binary.LittleEndian.PutUint32(mc.mem[mcp2517fd.RegTREC:], 0x00208000)
	copy(mc.mem[mcp2517fd.FIFOData(0x10):], "hello")
	if err := sh.exec("status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "TREC") || !strings.Contains(out.String(), "0x00208000") {
		t.Fatalf("status output %q", out.String())
	}
	out.Reset()
	if err := sh.exec("ram 0x10 5"); err != nil {
		t.Fatalf("ram: %v", err)
	}
	if !strings.Contains(out.String(), "hello") {
		t.Fatalf("ram output %q", out.String())
	}
	if err := sh.exec("ram 2040 16"); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestShellCommands(t *testing.T) {
	sh, mc, out := newTestShell()
	if err := sh.exec("reset"); err != nil || mc.resets != 1 {
		t.Fatalf("reset: %v resets=%d", err, mc.resets)
	}
	if err := sh.exec("quit"); err != errQuit {
		t.Fatalf("quit: %v", err)
	}
	if err := sh.exec("frobnicate"); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if err := sh.exec("read"); err == nil {
		t.Fatalf("expected usage error")
	}
	if err := sh.exec("write int zz"); err == nil {
		t.Fatalf("expected number error")
	}
	if err := sh.exec("   "); err != nil {
		t.Fatalf("blank line: %v", err)
	}
	if err := sh.exec("help"); err != nil || !strings.Contains(out.String(), "commands:") {
		t.Fatalf("help: %v", err)
	}
}

func TestComplete(t *testing.T) {
	got := complete("re")
	if len(got) != 3 { // read, reset, regs
		t.Fatalf("complete(re)=%v", got)
	}
	got = complete("read fifoc")
	if len(got) != 31 || got[0] != "read FIFOCON1" {
		t.Fatalf("complete(read fifoc)=%d %v", len(got), got[:1])
	}
	if got := complete("write "); len(got) != len(regNames()) {
		t.Fatalf("complete(write )=%d", len(got))
	}
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-link", "bridge", "-hz", "500000", "-history", ""}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if o.link != "bridge" || o.hz != 500_000 || o.history != "" {
		t.Fatalf("options %+v", o)
	}
	if _, err := parseFlags([]string{"-link", "i2c"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected link error")
	}
}
