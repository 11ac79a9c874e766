package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
)

var errQuit = errors.New("quit")

// statusRegs is the block read by the "status" command, in address order.
var statusRegs = []string{"INT", "RXIF", "TXIF", "RXOVIF", "TXATIF", "TXREQ", "TREC", "BDIAG0", "BDIAG1"}

const helpText = `commands:
  read|r  REG [MASK]         read a register (name or address)
  write|w REG VALUE [MASK]   write a register, only the bytes covered by MASK
  status                     dump interrupt and error registers
  ram OFFSET [LEN]           hex dump of FIFO RAM (default 64 bytes)
  reset                      send the RESET instruction
  regs                       list register names
  help                       this text
  quit                       leave
`

// shell executes one command line at a time against the register layer.
type shell struct {
	regs  *mcp2517fd.Regs
	out   io.Writer
	speed mcp2517fd.Speed
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return uint32(v), nil
}

// exec runs line. It returns errQuit on quit.
func (s *shell) exec(line string) error {
	f := strings.Fields(line)
	if len(f) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(f[0]), f[1:]
	switch cmd {
	case "r", "read":
		return s.read(args)
	case "w", "write":
		return s.write(args)
	case "status":
		return s.status()
	case "ram":
		return s.ram(args)
	case "reset":
		return s.regs.Reset(s.speed)
	case "regs":
		fmt.Fprintln(s.out, strings.Join(regNames(), " "))
		return nil
	case "help", "?":
		fmt.Fprint(s.out, helpText)
		return nil
	case "q", "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (s *shell) read(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: read REG [MASK]")
	}
	addr, err := resolveReg(args[0])
	if err != nil {
		return err
	}
	mask := uint32(0xFFFFFFFF)
	if len(args) == 2 {
		if mask, err = parseUint32(args[1]); err != nil {
			return err
		}
	}
	v, err := s.regs.ReadMasked(addr, mask, s.speed)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%-9s %#05x = %#010x\n", regName(addr), addr, v)
	return nil
}

func (s *shell) write(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: write REG VALUE [MASK]")
	}
	addr, err := resolveReg(args[0])
	if err != nil {
		return err
	}
	val, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	mask := uint32(0xFFFFFFFF)
	if len(args) == 3 {
		if mask, err = parseUint32(args[2]); err != nil {
			return err
		}
	}
	return s.regs.WriteMasked(addr, val, mask, s.speed)
}

func (s *shell) status() error {
	first, _ := resolveReg(statusRegs[0])
	words := make([]uint32, len(statusRegs))
	if err := s.regs.ReadWords(first, words, s.speed); err != nil {
		return err
	}
	for i, n := range statusRegs {
		fmt.Fprintf(s.out, "%-9s %#05x = %#010x\n", n, first+uint16(4*i), words[i])
	}
	return nil
}

func (s *shell) ram(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: ram OFFSET [LEN]")
	}
	off, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	n := uint32(64)
	if len(args) == 2 {
		if n, err = parseUint32(args[1]); err != nil {
			return err
		}
	}
	if n == 0 || off+n > mcp2517fd.RAMSize {
		return fmt.Errorf("range %#x+%d outside %d bytes of fifo ram", off, n, mcp2517fd.RAMSize)
	}
	buf := make([]byte, n)
	if err := s.regs.ReadBlock(mcp2517fd.FIFOData(uint16(off)), buf, s.speed); err != nil {
		return err
	}
	fmt.Fprint(s.out, hex.Dump(buf))
	return nil
}

// complete offers command and register names for the word under the cursor.
func complete(line string) []string {
	f := strings.Fields(line)
	var prefix, head string
	if len(f) > 0 && !strings.HasSuffix(line, " ") {
		prefix = f[len(f)-1]
		head = line[:len(line)-len(prefix)]
	} else {
		head = line
	}
	var pool []string
	if len(strings.Fields(head)) == 0 {
		pool = []string{"read", "write", "status", "ram", "reset", "regs", "help", "quit"}
	} else {
		pool = regNames()
	}
	var out []string
	up := strings.ToUpper(prefix)
	for _, c := range pool {
		if strings.HasPrefix(strings.ToUpper(c), up) {
			out = append(out, head+c)
		}
	}
	return out
}
