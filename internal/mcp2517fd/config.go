package mcp2517fd

import (
	"fmt"
	"time"
)

// GPIOMode selects the function of a GPIO/INT pin. Values are the IOCON bits
// for GPIO0; GPIO1 uses the same bits shifted left by one.
type GPIOMode uint32

const (
	GPIOInt     GPIOMode = 0
	GPIOStandby GPIOMode = IoconXSTBYEN
	GPIOOutLow  GPIOMode = IoconPM0
	GPIOOutHigh GPIOMode = IoconPM0 | IoconLAT0
	GPIOIn      GPIOMode = IoconPM0 | IoconTRIS0
)

// ParseGPIOMode maps a configuration string to a mode.
func ParseGPIOMode(s string) (GPIOMode, error) {
	switch s {
	case "int", "":
		return GPIOInt, nil
	case "standby":
		return GPIOStandby, nil
	case "out_low":
		return GPIOOutLow, nil
	case "out_high":
		return GPIOOutHigh, nil
	case "in":
		return GPIOIn, nil
	}
	return 0, fmt.Errorf("%w: gpio mode %q", ErrConfig, s)
}

// Clock limits.
const (
	MinOscHz       = 1_000_000
	MaxOscHz       = 40_000_000
	pllMultiplier  = 10
	autoPLLMaxHz   = MaxOscHz / pllMultiplier
	sclkDivider    = 2
	ostDelay       = 3 * time.Millisecond
	oscLockTimeout = 500 * time.Millisecond

	minBWSharing = 12
)

// Config is the immutable controller configuration, built once at start-up.
type Config struct {
	OscHz       uint32 // external oscillator
	PLL         bool   // x10 PLL; forced on when OscHz <= 4 MHz
	ClockDiv2   bool   // SCLK divide by 2
	ClockOutDiv int    // CLKO divider: 0 (SOF output), 1, 2, 4, 10
	MaxSPIHz    uint32 // link limit, 0 = none

	GPIO0          GPIOMode
	GPIO1          GPIOMode
	GPIOOpenDrain  bool
	TXCANOpenDrain bool
	INTOpenDrain   bool

	FD          bool   // CAN FD (64-byte payload class)
	NonISO      bool   // non-ISO CRC
	OneShot     bool   // no automatic retransmission
	Loopback    bool   // external loopback
	ListenOnly  bool   // bus monitoring
	TxFifos     int    // 1..30, default 7
	BulkFDRead  bool   // bulk RX reads in FD class
	BulkRelease bool   // release RX runs with one wide write
	BWSharing   uint32 // TXBWS log2 bits

	Nominal BitTiming
	Data    BitTiming
}

// DefaultConfig returns the settings for a 40 MHz board at 500 kbit/s.
func DefaultConfig() Config {
	return Config{
		OscHz:       40_000_000,
		ClockOutDiv: 10,
		GPIO0:       GPIOInt,
		GPIO1:       GPIOInt,
		TxFifos:     DefaultTxFifos,
		Nominal:     BitTiming{BRP: 1, TSeg1: 63, TSeg2: 16, SJW: 16},
		Data:        BitTiming{BRP: 1, TSeg1: 15, TSeg2: 4, SJW: 4},
	}
}

// Class returns the FIFO size class implied by FD.
func (c Config) Class() SizeClass {
	if c.FD {
		return FD
	}
	return Classic
}

// UsePLL reports whether the PLL is enabled (explicitly or automatically).
func (c Config) UsePLL() bool { return c.PLL || c.OscHz <= autoPLLMaxHz }

// CANClockHz is the SYSCLK that drives bit timing and the time base.
func (c Config) CANClockHz() uint32 {
	f := c.OscHz
	if c.UsePLL() {
		f *= pllMultiplier
	}
	if c.ClockDiv2 {
		f /= sclkDivider
	}
	return f
}

// SPISpeeds returns the setup and operational SPI clocks.
func (c Config) SPISpeeds() (setupHz, opHz uint32) {
	setupHz = c.OscHz / 2
	opHz = c.CANClockHz() / 2
	if c.ClockDiv2 {
		setupHz /= sclkDivider
		opHz /= sclkDivider
	}
	if c.MaxSPIHz != 0 {
		setupHz = min(setupHz, c.MaxSPIHz)
		opHz = min(opHz, c.MaxSPIHz)
	}
	return setupHz, opHz
}

// Validate checks ranges before anything touches the hardware.
func (c Config) Validate() error {
	if c.OscHz < MinOscHz || c.OscHz > MaxOscHz {
		return fmt.Errorf("%w: oscillator %d Hz out of range", ErrConfig, c.OscHz)
	}
	if c.UsePLL() && uint64(c.OscHz)*pllMultiplier > MaxOscHz {
		return fmt.Errorf("%w: pll clock %d Hz exceeds limit", ErrConfig, uint64(c.OscHz)*pllMultiplier)
	}
	if _, err := clkoDivBits(c.ClockOutDiv); err != nil {
		return err
	}
	if c.GPIO1 == GPIOStandby {
		return fmt.Errorf("%w: gpio1 does not support transceiver standby", ErrConfig)
	}
	if c.TxFifos < 1 || c.TxFifos > MaxTxFifos {
		return fmt.Errorf("%w: %d (1..%d)", ErrFifoCount, c.TxFifos, MaxTxFifos)
	}
	if c.BWSharing > 0xF {
		return fmt.Errorf("%w: bandwidth sharing %d > 15", ErrConfig, c.BWSharing)
	}
	if c.Loopback && c.ListenOnly {
		return fmt.Errorf("%w: loopback and listen-only are exclusive", ErrConfig)
	}
	if err := c.Nominal.validate(nominalLimits); err != nil {
		return err
	}
	if c.FD {
		if err := c.Data.validate(dataLimits); err != nil {
			return err
		}
	}
	return nil
}

func clkoDivBits(div int) (uint32, error) {
	switch div {
	case 10, 0: // 0 selects SOF on the pin; the divider field stays at 10
		return clkoDiv10, nil
	case 4:
		return clkoDiv4, nil
	case 2:
		return clkoDiv2, nil
	case 1:
		return clkoDiv1, nil
	}
	return 0, fmt.Errorf("%w: unsupported clock out divider %d", ErrConfig, div)
}

// oscValue returns the OSC register value and the ready bits to wait for.
func (c Config) oscValue() (val, waitFor uint32) {
	waitFor = OscOSCRDY
	if c.UsePLL() {
		val |= OscPLLEN
		waitFor |= OscPLLRDY
	}
	if c.ClockDiv2 {
		val |= OscSCLKDIV
		waitFor |= OscSCLKRDY
	}
	div, _ := clkoDivBits(c.ClockOutDiv)
	val |= div << OscCLKODIVShift
	return val, waitFor
}

// ioconValue returns the IOCON register value.
func (c Config) ioconValue() uint32 {
	var v uint32
	if c.ClockOutDiv == 0 {
		v |= IoconSOF
	}
	v |= uint32(c.GPIO0)
	v |= uint32(c.GPIO1) << 1
	if c.GPIOOpenDrain || c.INTOpenDrain {
		v |= IoconINTOD
	}
	if c.TXCANOpenDrain {
		v |= IoconTXCANOD
	}
	return v
}

// conValue returns CON without REQOP, and whether the bandwidth sharing
// value was raised to the minimum.
func (c Config) conValue() (uint32, bool) {
	v := uint32(ConSTEF)
	bw := c.BWSharing
	clamped := false
	if bw < minBWSharing {
		bw = minBWSharing
		clamped = c.BWSharing != 0
	}
	v |= bw << ConTXBWSShift
	if !c.NonISO {
		v |= ConISOCRCEN
	}
	if c.OneShot {
		v |= ConRTXAT
	}
	return v, clamped
}

// normalMode picks the operating mode entered after set-up.
func (c Config) normalMode() Mode {
	switch {
	case c.Loopback:
		return ModeExternalLoopback
	case c.ListenOnly:
		return ModeListenOnly
	case c.FD:
		return ModeMixed
	default:
		return ModeCAN20
	}
}
