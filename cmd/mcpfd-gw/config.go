package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/hub"
	"github.com/kstaniek/go-mcpfd/internal/logging"
	"github.com/kstaniek/go-mcpfd/internal/mcp2517fd"
)

type appConfig struct {
	// controller link
	link        string
	spiDev      string
	spiMaxHz    uint
	halfDuplex  bool
	bridgeDev   string
	bridgeBaud  int
	bridgeTO    time.Duration
	irqGPIO     int
	irqPoll     time.Duration
	oscHz       uint
	pll         bool
	clockDiv2   bool
	clkoutDiv   int
	gpio0       string
	gpio1       string
	fd          bool
	bitrate     uint
	dataBitrate uint
	samplePoint uint
	dataSample  uint
	txFifos     int
	oneShot     bool
	listenOnly  bool
	loopback    bool
	nonISO      bool
	bulkFDRead  bool
	bulkRelease bool
	restart     time.Duration
	txQueue     int
	echo        bool

	// host side
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	canIf           string
	errFrames       bool
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses args into a validated config. The bool result asks for
// the version banner only.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("mcpfd-gw", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := &appConfig{}
	fs.StringVar(&cfg.link, "link", "spidev", "Controller link: spidev|bridge")
	fs.StringVar(&cfg.spiDev, "spi", "/dev/spidev0.0", "spidev device path")
	fs.UintVar(&cfg.spiMaxHz, "spi-max-hz", 20_000_000, "Maximum SPI clock in Hz (0 = no limit)")
	fs.BoolVar(&cfg.halfDuplex, "spi-half-duplex", false, "SPI master cannot do full duplex transfers")
	fs.StringVar(&cfg.bridgeDev, "bridge", "/dev/ttyACM0", "UART-to-SPI bridge device (when -link=bridge)")
	fs.IntVar(&cfg.bridgeBaud, "bridge-baud", 921600, "Bridge baud rate")
	fs.DurationVar(&cfg.bridgeTO, "bridge-timeout", 100*time.Millisecond, "Bridge response timeout")
	fs.IntVar(&cfg.irqGPIO, "irq-gpio", -1, "GPIO number of the INT line (-1 polls)")
	fs.DurationVar(&cfg.irqPoll, "irq-poll", 2*time.Millisecond, "Poll interval when no INT line is wired")
	fs.UintVar(&cfg.oscHz, "osc-hz", 40_000_000, "Oscillator frequency in Hz")
	fs.BoolVar(&cfg.pll, "pll", false, "Enable the x10 PLL (forced for oscillators <= 4 MHz)")
	fs.BoolVar(&cfg.clockDiv2, "sclk-div2", false, "Divide the system clock by 2")
	fs.IntVar(&cfg.clkoutDiv, "clkout-div", 10, "CLKO divider: 0 (SOF), 1, 2, 4, 10")
	fs.StringVar(&cfg.gpio0, "gpio0", "int", "GPIO0 mode: int|standby|out_low|out_high|in")
	fs.StringVar(&cfg.gpio1, "gpio1", "int", "GPIO1 mode: int|out_low|out_high|in")
	fs.BoolVar(&cfg.fd, "fd", false, "CAN FD mode (64-byte FIFOs)")
	fs.UintVar(&cfg.bitrate, "bitrate", 500_000, "Nominal bitrate")
	fs.UintVar(&cfg.dataBitrate, "data-bitrate", 2_000_000, "Data phase bitrate (with -fd)")
	fs.UintVar(&cfg.samplePoint, "sample-point", 800, "Nominal sample point in permille")
	fs.UintVar(&cfg.dataSample, "data-sample-point", 800, "Data phase sample point in permille")
	fs.IntVar(&cfg.txFifos, "tx-fifos", 7, "Number of transmit FIFOs (1..30)")
	fs.BoolVar(&cfg.oneShot, "one-shot", false, "Disable automatic retransmission")
	fs.BoolVar(&cfg.listenOnly, "listen-only", false, "Bus monitoring mode")
	fs.BoolVar(&cfg.loopback, "loopback", false, "External loopback mode")
	fs.BoolVar(&cfg.nonISO, "non-iso", false, "Non-ISO CRC for CAN FD")
	fs.BoolVar(&cfg.bulkFDRead, "bulk-fd-read", false, "Read contiguous RX FIFOs in one transfer in FD mode")
	fs.BoolVar(&cfg.bulkRelease, "bulk-release", false, "Release contiguous RX FIFOs with one wide write")
	restartMs := fs.Int("restart-ms", 0, "Restart delay after bus-off in ms (0 = bus-off is fatal)")
	fs.IntVar(&cfg.txQueue, "tx-queue", 512, "Upstream transmit queue size (frames)")
	fs.BoolVar(&cfg.echo, "echo", false, "Broadcast completed transmissions to clients")

	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.canIf, "can-if", "", "SocketCAN interface to mirror traffic into; empty disables")
	fs.BoolVar(&cfg.errFrames, "error-frames", true, "Send synthetic error frames to clients")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default mcpfd-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}
	cfg.restart = time.Duration(*restartMs) * time.Millisecond

	// Explicitly set flags take precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// validate checks values and ranges only. Device level checks happen in
// mcp2517fd.Config.Validate via deviceConfig.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.link {
	case "spidev", "bridge":
	default:
		return fmt.Errorf("invalid link: %s", c.link)
	}
	if _, err := logging.ParseFormat(c.logFormat); err != nil {
		return fmt.Errorf("invalid log-format: %w", err)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %w", err)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.link == "bridge" {
		if c.bridgeBaud <= 0 {
			return fmt.Errorf("bridge-baud must be > 0 (got %d)", c.bridgeBaud)
		}
		if c.bridgeTO <= 0 {
			return fmt.Errorf("bridge-timeout must be > 0")
		}
	}
	if c.irqGPIO < 0 && c.irqPoll <= 0 {
		return fmt.Errorf("irq-poll must be > 0 without irq-gpio")
	}
	if c.restart < 0 {
		return fmt.Errorf("restart-ms must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if _, err := c.deviceConfig(); err != nil {
		return err
	}
	return nil
}

// deviceConfig builds the immutable controller configuration.
func (c *appConfig) deviceConfig() (mcp2517fd.Config, error) {
	dc := mcp2517fd.DefaultConfig()
	dc.OscHz = uint32(c.oscHz)
	dc.PLL = c.pll
	dc.ClockDiv2 = c.clockDiv2
	dc.ClockOutDiv = c.clkoutDiv
	dc.MaxSPIHz = uint32(c.spiMaxHz)
	dc.FD = c.fd
	dc.NonISO = c.nonISO
	dc.OneShot = c.oneShot
	dc.ListenOnly = c.listenOnly
	dc.Loopback = c.loopback
	dc.TxFifos = c.txFifos
	dc.BulkFDRead = c.bulkFDRead
	dc.BulkRelease = c.bulkRelease
	var err error
	if dc.GPIO0, err = mcp2517fd.ParseGPIOMode(c.gpio0); err != nil {
		return dc, fmt.Errorf("gpio0: %w", err)
	}
	if dc.GPIO1, err = mcp2517fd.ParseGPIOMode(c.gpio1); err != nil {
		return dc, fmt.Errorf("gpio1: %w", err)
	}
	clk := dc.CANClockHz()
	if dc.Nominal, err = mcp2517fd.CalcBitTiming(clk, uint32(c.bitrate), uint32(c.samplePoint), false); err != nil {
		return dc, fmt.Errorf("bitrate: %w", err)
	}
	if c.fd {
		if dc.Data, err = mcp2517fd.CalcBitTiming(clk, uint32(c.dataBitrate), uint32(c.dataSample), true); err != nil {
			return dc, fmt.Errorf("data-bitrate: %w", err)
		}
	}
	if err := dc.Validate(); err != nil {
		return dc, err
	}
	return dc, nil
}

// clientCaps is the frame kinds TCP clients receive.
func (c *appConfig) clientCaps() hub.Caps {
	if c.errFrames {
		return hub.CapAll
	}
	return hub.CapFD
}

// applyEnvOverrides maps MCPFD_* environment variables to config fields
// unless the corresponding flag was set explicitly. Empty values are ignored;
// the first malformed value is returned after all others were applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, min int, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			switch {
			case err != nil:
				fail(key, err)
			case n < min:
				fail(key, fmt.Errorf("%d below %d", n, min))
			default:
				*dst = n
			}
		}
	}
	unum := func(flagName, key string, dst *uint) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = uint(n)
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			switch {
			case err != nil:
				fail(key, err)
			case d < 0:
				fail(key, fmt.Errorf("negative duration %s", v))
			default:
				*dst = d
			}
		}
	}
	boolean := func(flagName, key string, dst *bool) {
		if v, ok := get(flagName, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("link", "MCPFD_LINK", &c.link)
	str("spi", "MCPFD_SPI", &c.spiDev)
	unum("spi-max-hz", "MCPFD_SPI_MAX_HZ", &c.spiMaxHz)
	boolean("spi-half-duplex", "MCPFD_SPI_HALF_DUPLEX", &c.halfDuplex)
	str("bridge", "MCPFD_BRIDGE", &c.bridgeDev)
	num("bridge-baud", "MCPFD_BRIDGE_BAUD", 1, &c.bridgeBaud)
	dur("bridge-timeout", "MCPFD_BRIDGE_TIMEOUT", &c.bridgeTO)
	num("irq-gpio", "MCPFD_IRQ_GPIO", -1, &c.irqGPIO)
	dur("irq-poll", "MCPFD_IRQ_POLL", &c.irqPoll)
	unum("osc-hz", "MCPFD_OSC_HZ", &c.oscHz)
	boolean("pll", "MCPFD_PLL", &c.pll)
	boolean("sclk-div2", "MCPFD_SCLK_DIV2", &c.clockDiv2)
	num("clkout-div", "MCPFD_CLKOUT_DIV", 0, &c.clkoutDiv)
	str("gpio0", "MCPFD_GPIO0", &c.gpio0)
	str("gpio1", "MCPFD_GPIO1", &c.gpio1)
	boolean("fd", "MCPFD_FD", &c.fd)
	unum("bitrate", "MCPFD_BITRATE", &c.bitrate)
	unum("data-bitrate", "MCPFD_DATA_BITRATE", &c.dataBitrate)
	unum("sample-point", "MCPFD_SAMPLE_POINT", &c.samplePoint)
	unum("data-sample-point", "MCPFD_DATA_SAMPLE_POINT", &c.dataSample)
	num("tx-fifos", "MCPFD_TX_FIFOS", 1, &c.txFifos)
	boolean("one-shot", "MCPFD_ONE_SHOT", &c.oneShot)
	boolean("listen-only", "MCPFD_LISTEN_ONLY", &c.listenOnly)
	boolean("loopback", "MCPFD_LOOPBACK", &c.loopback)
	boolean("non-iso", "MCPFD_NON_ISO", &c.nonISO)
	boolean("bulk-fd-read", "MCPFD_BULK_FD_READ", &c.bulkFDRead)
	boolean("bulk-release", "MCPFD_BULK_RELEASE", &c.bulkRelease)
	if v, ok := get("restart-ms", "MCPFD_RESTART_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.restart = time.Duration(ms) * time.Millisecond
		} else if err != nil {
			fail("MCPFD_RESTART_MS", err)
		} else {
			fail("MCPFD_RESTART_MS", fmt.Errorf("negative delay %d", ms))
		}
	}
	num("tx-queue", "MCPFD_TX_QUEUE", 1, &c.txQueue)
	boolean("echo", "MCPFD_ECHO", &c.echo)

	str("listen", "MCPFD_LISTEN", &c.listenAddr)
	str("log-format", "MCPFD_LOG_FORMAT", &c.logFormat)
	str("log-level", "MCPFD_LOG_LEVEL", &c.logLevel)
	// an empty value disables metrics, so it is honored
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("MCPFD_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	num("hub-buffer", "MCPFD_HUB_BUFFER", 1, &c.hubBuffer)
	str("hub-policy", "MCPFD_HUB_POLICY", &c.hubPolicy)
	dur("log-metrics-interval", "MCPFD_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	str("can-if", "MCPFD_CAN_IF", &c.canIf)
	boolean("error-frames", "MCPFD_ERROR_FRAMES", &c.errFrames)
	num("max-clients", "MCPFD_MAX_CLIENTS", 0, &c.maxClients)
	dur("handshake-timeout", "MCPFD_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "MCPFD_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	boolean("mdns-enable", "MCPFD_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "MCPFD_MDNS_NAME", &c.mdnsName)
	return firstErr
}
