package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
)

var fixedRegs = map[string]uint16{
	"OSC":     mcp2517fd.RegOSC,
	"IOCON":   mcp2517fd.RegIOCON,
	"CRC":     mcp2517fd.RegCRC,
	"ECCCON":  mcp2517fd.RegECCCON,
	"ECCSTAT": mcp2517fd.RegECCSTAT,
	"CON":     mcp2517fd.RegCON,
	"NBTCFG":  mcp2517fd.RegNBTCFG,
	"DBTCFG":  mcp2517fd.RegDBTCFG,
	"TDC":     mcp2517fd.RegTDC,
	"TBC":     mcp2517fd.RegTBC,
	"TSCON":   mcp2517fd.RegTSCON,
	"VEC":     mcp2517fd.RegVEC,
	"INT":     mcp2517fd.RegINT,
	"RXIF":    mcp2517fd.RegRXIF,
	"TXIF":    mcp2517fd.RegTXIF,
	"RXOVIF":  mcp2517fd.RegRXOVIF,
	"TXATIF":  mcp2517fd.RegTXATIF,
	"TXREQ":   mcp2517fd.RegTXREQ,
	"TREC":    mcp2517fd.RegTREC,
	"BDIAG0":  mcp2517fd.RegBDIAG0,
	"BDIAG1":  mcp2517fd.RegBDIAG1,
	"TEFCON":  mcp2517fd.RegTEFCON,
	"TEFSTA":  mcp2517fd.RegTEFSTA,
	"TEFUA":   mcp2517fd.RegTEFUA,
	"TXQCON":  mcp2517fd.RegTXQCON,
	"TXQSTA":  mcp2517fd.RegTXQSTA,
	"TXQUA":   mcp2517fd.RegTXQUA,
}

// indexed register families: name prefix -> (valid range, address).
var indexedRegs = []struct {
	prefix   string
	min, max int
	addr     func(int) uint16
}{
	{"FIFOCON", 1, 31, func(i int) uint16 { return mcp2517fd.RegFIFOCON(mcp2517fd.Fifo(i)) }},
	{"FIFOSTA", 1, 31, func(i int) uint16 { return mcp2517fd.RegFIFOSTA(mcp2517fd.Fifo(i)) }},
	{"FIFOUA", 1, 31, func(i int) uint16 { return mcp2517fd.RegFIFOUA(mcp2517fd.Fifo(i)) }},
	{"FLTCON", 0, 7, func(i int) uint16 { return mcp2517fd.RegFLTCON(4 * i) }},
	{"FLTOBJ", 0, 31, mcp2517fd.RegFLTOBJ},
	{"FLTMASK", 0, 31, mcp2517fd.RegFLTMASK},
}

// resolveReg maps a register name (case-insensitive, e.g. "int", "fifocon3")
// or a numeric address to an address.
func resolveReg(s string) (uint16, error) {
	name := strings.ToUpper(s)
	if a, ok := fixedRegs[name]; ok {
		return a, nil
	}
	for _, f := range indexedRegs {
		rest, ok := strings.CutPrefix(name, f.prefix)
		if !ok || rest == "" {
			continue
		}
		i, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if i < f.min || i > f.max {
			return 0, fmt.Errorf("%s index %d out of range %d..%d", f.prefix, i, f.min, f.max)
		}
		return f.addr(i), nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown register %q", s)
	}
	if v > 0xFFF || v&3 != 0 {
		return 0, fmt.Errorf("address %#x is not a register", v)
	}
	return uint16(v), nil
}

// regName is the symbolic name of addr, or its hex form.
func regName(addr uint16) string {
	for n, a := range fixedRegs {
		if a == addr {
			return n
		}
	}
	for _, f := range indexedRegs {
		for i := f.min; i <= f.max; i++ {
			if f.addr(i) == addr {
				return f.prefix + strconv.Itoa(i)
			}
		}
	}
	return fmt.Sprintf("%#03x", addr)
}

// regNames lists every symbolic register, sorted.
func regNames() []string {
	names := make([]string, 0, len(fixedRegs)+4*32)
	for n := range fixedRegs {
		names = append(names, n)
	}
	for _, f := range indexedRegs {
		for i := f.min; i <= f.max; i++ {
			names = append(names, f.prefix+strconv.Itoa(i))
		}
	}
	slices.Sort(names)
	return names
}
