package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-mcpfd/internal/irq"
	"github.com/kstaniek/go-mcpfd/internal/serial"
	"github.com/kstaniek/go-mcpfd/internal/spi"
)

// openLink and openIRQ are hooks for tests (overridden in unit tests).
var (
	openLink = defaultOpenLink
	openIRQ  = defaultOpenIRQ
)

// defaultOpenLink opens the byte link to the controller: a spidev node or a
// UART-to-SPI bridge.
func defaultOpenLink(cfg *appConfig, l *slog.Logger) (spi.Conn, error) {
	switch cfg.link {
	case "bridge":
		b, err := serial.OpenBridge(cfg.bridgeDev, cfg.bridgeBaud, cfg.bridgeTO)
		if err != nil {
			return nil, fmt.Errorf("bridge open %s: %w", cfg.bridgeDev, err)
		}
		l.Info("link_open", "link", "bridge", "dev", cfg.bridgeDev, "baud", cfg.bridgeBaud)
		return b, nil
	default:
		d, err := spi.Open(cfg.spiDev, spi.Options{MaxSpeedHz: uint32(cfg.spiMaxHz), HalfDuplex: cfg.halfDuplex})
		if err != nil {
			return nil, fmt.Errorf("spidev open %s: %w", cfg.spiDev, err)
		}
		l.Info("link_open", "link", "spidev", "dev", cfg.spiDev, "half_duplex", cfg.halfDuplex)
		return d, nil
	}
}

// defaultOpenIRQ returns the interrupt source: the INT line when wired,
// otherwise a ticker polling the status block.
func defaultOpenIRQ(cfg *appConfig, l *slog.Logger) (irq.Source, error) {
	if cfg.irqGPIO < 0 {
		l.Info("irq_poll", "interval", cfg.irqPoll)
		return irq.NewTicker(cfg.irqPoll), nil
	}
	g, err := irq.OpenGPIO(cfg.irqGPIO)
	if err != nil {
		return nil, fmt.Errorf("irq gpio %d: %w", cfg.irqGPIO, err)
	}
	l.Info("irq_gpio", "pin", cfg.irqGPIO)
	return g, nil
}
