package mcp2517fd

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/logging"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/spi"
)

// Power switches a supply (controller regulator or bus transceiver).
type Power interface {
	Enable() error
	Disable() error
}

// Queue is the upstream send queue as seen by the dispatcher. Stop and Wake
// must not block.
type Queue interface {
	Stop()
	Wake()
}

type nopPower struct{}

func (nopPower) Enable() error  { return nil }
func (nopPower) Disable() error { return nil }

type nopQueue struct{}

func (nopQueue) Stop() {}
func (nopQueue) Wake() {}

// IRQState tracks the interrupt handler for the debug snapshot.
type IRQState uint8

const (
	IRQIdle IRQState = iota
	IRQRunning
	IRQHandled
)

func (s IRQState) String() string {
	switch s {
	case IRQRunning:
		return "running"
	case IRQHandled:
		return "handled"
	default:
		return "idle"
	}
}

// txQueueState follows the upstream queue through a burst.
type txQueueState uint8

const (
	txQueueStopped txQueueState = iota // sentinel slot taken
	txQueueRunning
	txQueueRestart // sentinel completed, reset at end of pass
)

// txState is the per-slot bookkeeping of the dispatcher.
type txState struct {
	submitted FifoMask
	pending   FifoMask
	processed FifoMask
	queue     txQueueState
	tefAddr   uint16
	echo      [FifoCount]can.Frame
	held      FifoMask
}

func (t *txState) reset() {
	t.submitted, t.pending, t.processed = 0, 0, 0
	t.queue = txQueueRunning
}

// inflight is every slot taken since the last full drain.
func (t *txState) inflight() FifoMask { return t.submitted | t.pending }

// ConfigRegs caches the configuration registers as last written or read.
type ConfigRegs struct {
	CON    uint32 `json:"con"`
	ECCCON uint32 `json:"ecccon"`
	OSC    uint32 `json:"osc"`
	IOCON  uint32 `json:"iocon"`
	TDC    uint32 `json:"tdc"`
	TSCON  uint32 `json:"tscon"`
	NBTCFG uint32 `json:"nbtcfg"`
	DBTCFG uint32 `json:"dbtcfg"`
}

// passState accumulates one drain pass.
type passState struct {
	intClear    uint32
	bdiag1Clear uint32
	err         errorFrame
	next        BusState
}

// delivery is a frame handed to the host after the device lock is released.
type delivery struct {
	frame can.Frame
	echo  bool
}

// sleepFn is swapped by tests.
var sleepFn = time.Sleep

// Device drives one controller. Submit and HandleInterrupt may be called from
// different goroutines; a mutex serializes register access and slot state.
type Device struct {
	mu   sync.Mutex
	cfg  Config
	regs *Regs
	log  *slog.Logger

	power       Power
	transceiver Power
	queue       Queue
	onRx        func(can.Frame)
	onEcho      func(can.Frame)

	layout  Layout
	tx      txState
	mode    Mode
	cregs   ConfigRegs
	status  Status
	state   BusState
	started bool
	quit    atomic.Bool

	stats      Stats
	fifoUsage  [FifoCount]uint64
	irqCalls   uint64
	irqLoops   uint64
	irqState   IRQState
	rxOverflow uint64

	pass    passState
	records []Record
	out     []delivery
	ram     []byte
	txBuf   [txHeaderSize + can.MaxFDLen]byte
}

// New validates cfg and binds it to a link. The controller is not touched
// until Open.
func New(conn spi.Conn, cfg Config, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := ComputeLayout(cfg.Class(), cfg.TxFifos)
	if err != nil {
		return nil, err
	}
	setupHz, _ := cfg.SPISpeeds()
	d := &Device{
		cfg:         cfg,
		regs:        NewRegs(conn, setupHz),
		log:         logging.L(),
		power:       nopPower{},
		transceiver: nopPower{},
		queue:       nopQueue{},
		layout:      layout,
		mode:        ModeSleep,
		state:       BusStopped,
		ram:         make([]byte, RAMSize),
		records:     make([]Record, 0, FifoCount),
	}
	for _, o := range opts {
		o(d)
	}
	d.tx.queue = txQueueRunning
	return d, nil
}

// Config returns the configuration the device was built with.
func (d *Device) Config() Config { return d.cfg }

// Layout returns the FIFO partition. Addresses are valid after Start.
func (d *Device) Layout() Layout {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.layout
}

// Regs exposes the register layer for diagnostics. Callers must not use it
// while the device is started.
func (d *Device) Regs() *Regs { return d.regs }

// State returns the current bus state.
func (d *Device) State() BusState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a copy of the interface counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// BerrCounter returns the error counters from the last status read.
func (d *Device) BerrCounter() (tec, rec uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.TEC(), d.status.REC()
}

// Open powers the controller and probes it. On success the controller is
// left asleep with interrupts disabled.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.power.Enable(); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	err := d.probe()
	if errors.Is(err, ErrNoDevice) {
		d.log.Warn("probe_retry", "error", err)
		err = d.probe()
	}
	if err != nil {
		_ = d.power.Disable()
		return err
	}
	d.hwSleep()
	d.log.Info("probe_ok", "osc_hz", d.cfg.OscHz, "can_clock_hz", d.cfg.CANClockHz(), "class", d.cfg.Class().String())
	return nil
}

// Close puts the controller to sleep and removes power.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.stopLocked()
	}
	return d.power.Disable()
}

// Start brings the controller from sleep into its normal operating mode.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if err := d.transceiver.Enable(); err != nil {
		return fmt.Errorf("transceiver on: %w", err)
	}
	if err := d.start(); err != nil {
		d.hwSleep()
		_ = d.transceiver.Disable()
		return err
	}
	d.quit.Store(false)
	d.started = true
	d.state = BusActive
	d.tx = txState{queue: txQueueRunning, tefAddr: d.layout.TefStart}
	d.queue.Wake()
	metrics.SetBusState(int(BusActive))
	d.log.Info("device_started", "mode", d.cfg.normalMode().String(),
		"rx_fifos", d.layout.RxCount, "tx_fifos", d.layout.TxCount, "payload", d.layout.Payload)
	return nil
}

// Stop quiesces the controller. In-flight frames are dropped and counted as
// transmit errors.
func (d *Device) Stop() {
	d.quit.Store(true)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.stopLocked()
	}
}

func (d *Device) stopLocked() {
	d.quit.Store(true)
	d.queue.Stop()
	_ = d.disableInterrupts(SpeedSetup)
	d.clean()
	d.hwSleep()
	_ = d.transceiver.Disable()
	d.started = false
	d.state = BusStopped
	metrics.SetBusState(int(BusStopped))
}

// clean drops the echo of every frame still in flight.
func (d *Device) clean() {
	for f := d.layout.TxStart; f <= d.layout.TxLast(); f++ {
		if d.tx.pending.Test(f) && !d.tx.processed.Test(f) {
			d.stats.TxErrors++
		}
		d.tx.held.Clear(f)
	}
	d.tx.reset()
}
