// Command mcpfd-regs is an interactive register shell for MCP2517FD/MCP2518FD
// controllers. The gateway must not be running on the same link.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/kstaniek/go-mcpfd/internal/logging"
	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
	"github.com/kstaniek/go-mcpfd/internal/serial"
	"github.com/kstaniek/go-mcpfd/internal/spi"
)

type options struct {
	link       string
	spiDev     string
	halfDuplex bool
	bridgeDev  string
	bridgeBaud int
	bridgeTO   time.Duration
	hz         uint
	history    string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("mcpfd-regs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	home, _ := os.UserHomeDir()
	fs.StringVar(&o.link, "link", "spidev", "Controller link: spidev|bridge")
	fs.StringVar(&o.spiDev, "spi", "/dev/spidev0.0", "spidev device path")
	fs.BoolVar(&o.halfDuplex, "spi-half-duplex", false, "SPI master cannot do full duplex transfers")
	fs.StringVar(&o.bridgeDev, "bridge", "/dev/ttyACM0", "UART-to-SPI bridge device")
	fs.IntVar(&o.bridgeBaud, "bridge-baud", 921600, "Bridge baud rate")
	fs.DurationVar(&o.bridgeTO, "bridge-timeout", 100*time.Millisecond, "Bridge response timeout")
	fs.UintVar(&o.hz, "hz", 1_000_000, "SPI clock in Hz; keep it low until the oscillator runs")
	fs.StringVar(&o.history, "history", filepath.Join(home, ".mcpfd_regs_history"), "History file; empty disables")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch o.link {
	case "spidev", "bridge":
	default:
		return nil, fmt.Errorf("invalid link: %s", o.link)
	}
	if o.hz == 0 {
		return nil, errors.New("hz must be > 0")
	}
	return o, nil
}

func openLink(o *options) (spi.Conn, error) {
	if o.link == "bridge" {
		b, err := serial.OpenBridge(o.bridgeDev, o.bridgeBaud, o.bridgeTO)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	d, err := spi.Open(o.spiDev, spi.Options{MaxSpeedHz: uint32(o.hz), HalfDuplex: o.halfDuplex})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	l := logging.New(string(logging.FormatText), slog.LevelInfo, os.Stderr)
	conn, err := openLink(o)
	if err != nil {
		l.Error("link_open_failed", "link", o.link, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	sh := &shell{regs: mcp2517fd.NewRegs(conn, uint32(o.hz)), out: os.Stdout, speed: mcp2517fd.SpeedSetup}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(complete)
	if o.history != "" {
		if f, err := os.Open(o.history); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}
	for {
		in, err := line.Prompt("mcpfd> ")
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				l.Error("prompt_failed", "error", err)
			}
			break
		}
		if strings.TrimSpace(in) == "" {
			continue
		}
		line.AppendHistory(in)
		if err := sh.exec(in); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			fmt.Fprintf(os.Stdout, "error: %v\n", err)
		}
	}
	if o.history != "" {
		if f, err := os.Create(o.history); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}
}
