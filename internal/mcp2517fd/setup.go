package mcp2517fd

import (
	"fmt"
	"time"
)

// probe checks that an MCP2517FD answers and leaves it in configuration mode.
func (d *Device) probe() error {
	sleepFn(ostDelay)
	// blind reset; only honored in configuration mode
	_ = d.regs.Reset(SpeedSetup)
	sleepFn(ostDelay)

	osc, err := d.regs.Read(RegOSC, SpeedSetup)
	if err != nil {
		return err
	}
	switch osc & (OscOSCRDY | OscOSCDIS) {
	case OscOSCRDY:
	case OscOSCDIS:
		if err := d.hwWake(); err != nil {
			return err
		}
		_ = d.regs.Reset(SpeedSetup)
		sleepFn(ostDelay)
	default:
		if osc&(OscPLLEN|OscPLLRDY) == OscPLLEN {
			d.log.Error("probe_pll_not_ready", "osc", fmt.Sprintf("%#08x", osc),
				"hint", "a power cycle may be required")
		}
		return fmt.Errorf("%w: osc %#08x", ErrNoDevice, osc)
	}

	con, err := d.regs.Read(RegCON, SpeedSetup)
	if err != nil {
		return err
	}
	if con&ConDefaultMask != ConDefault {
		// reset only works in configuration mode, so force it first
		if err := d.regs.Write(RegCON, ConDefault, SpeedSetup); err != nil {
			return err
		}
		sleepFn(ostDelay)
		_ = d.regs.Reset(SpeedSetup)
		sleepFn(ostDelay)
		if con, err = d.regs.Read(RegCON, SpeedSetup); err != nil {
			return err
		}
		d.log.Debug("probe_con", "con", fmt.Sprintf("%#08x", con))
		if con&ConDefaultMask != ConDefault {
			return fmt.Errorf("%w: con %#08x", ErrNoDevice, con)
		}
	}
	d.mode = ModeConfig
	return d.disableInterrupts(SpeedSetup)
}

func (d *Device) disableInterrupts(s Speed) error {
	d.status.INT = 0
	return d.regs.Write(RegINT, 0, s)
}

func (d *Device) enableInterrupts(s Speed) error {
	d.status.INT = IntEnabled
	return d.regs.Write(RegINT, IntEnabled, s)
}

// hwSleep disables interrupts and requests sleep mode. Errors are ignored:
// it runs on teardown paths.
func (d *Device) hwSleep() {
	_ = d.disableInterrupts(SpeedSetup)
	d.mode = ModeSleep
	d.cregs.CON = d.cregs.CON&^ConREQOPMask | uint32(ModeSleep)<<ConREQOPShift
	_ = d.regs.Write(RegCON, d.cregs.CON, SpeedSetup)
}

// hwWake restarts the oscillator of a sleeping controller.
func (d *Device) hwWake() error {
	if d.mode != ModeSleep {
		return nil
	}
	if err := d.regs.Write(RegOSC, d.cregs.OSC, SpeedSetup); err != nil {
		return err
	}
	if err := d.pollOsc(OscOSCRDY, OscOSCRDY|OscOSCDIS); err != nil {
		return err
	}
	d.mode = ModeConfig
	return nil
}

// pollOsc reads OSC until the bits under mask equal want.
func (d *Device) pollOsc(want, mask uint32) error {
	deadline := time.Now().Add(oscLockTimeout)
	for {
		v, err := d.regs.Read(RegOSC, SpeedSetup)
		if err != nil {
			return err
		}
		d.cregs.OSC = v
		if v&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			d.log.Error("osc_timeout", "osc", fmt.Sprintf("%#08x", v), "want", fmt.Sprintf("%#08x", want))
			return fmt.Errorf("%w: osc %#08x", ErrClockTimeout, v)
		}
	}
}

// start runs the full bring-up from sleep to normal mode with interrupts
// armed.
func (d *Device) start() error {
	if err := d.hwWake(); err != nil {
		return err
	}
	if err := d.probe(); err != nil {
		return fmt.Errorf("probe failed on a device that answered before: %w", err)
	}
	if err := d.setup(); err != nil {
		return err
	}
	if err := d.writeBitTiming(); err != nil {
		return err
	}
	if err := d.setNormalMode(); err != nil {
		return err
	}
	return d.enableInterrupts(SpeedSetup)
}

func (d *Device) setupOsc() error {
	val, waitFor := d.cfg.oscValue()
	if err := d.regs.Write(RegOSC, val, SpeedSetup); err != nil {
		return err
	}
	if err := d.pollOsc(waitFor, waitFor); err != nil {
		return err
	}
	d.regs.SetSpeeds(d.cfg.SPISpeeds())
	return nil
}

// setup programs clocks, pins, time base and CON, then the FIFOs.
func (d *Device) setup() error {
	if err := d.setupOsc(); err != nil {
		return err
	}
	d.cregs.ECCCON = EccconECCEN
	d.cregs.IOCON = d.cfg.ioconValue()
	d.cregs.TDC = TdcEDGFLTEN
	d.cregs.TSCON = TsconTBCEN | (d.cfg.CANClockHz()/1_000_000)&TsconTBCPREMask
	for _, w := range []struct {
		reg uint16
		val uint32
	}{
		{RegECCCON, d.cregs.ECCCON},
		{RegIOCON, d.cregs.IOCON},
		{RegTDC, d.cregs.TDC},
		{RegTBC, 0},
		{RegTSCON, d.cregs.TSCON},
	} {
		if err := d.regs.Write(w.reg, w.val, SpeedSetup); err != nil {
			return err
		}
	}
	con, clamped := d.cfg.conValue()
	if clamped {
		d.log.Warn("bw_sharing_clamped", "configured", d.cfg.BWSharing, "used", minBWSharing)
	}
	d.cregs.CON = con
	return d.setupFifos()
}

// setupFifos clears the filters, configures TEF, TX and RX FIFOs and reads
// back the RAM address the controller assigned to each. Addresses are only
// valid outside configuration mode, so the controller visits internal
// loopback for the read-back.
func (d *Device) setupFifos() error {
	l := &d.layout
	for i := 0; i < FifoCount; i++ {
		if err := d.regs.Write(RegFLTOBJ(i), 0, SpeedSetup); err != nil {
			return err
		}
		if err := d.regs.Write(RegFLTMASK(i), 0, SpeedSetup); err != nil {
			return err
		}
		if err := d.regs.WriteMasked(RegFLTCON(i), 0, fltconFifoMask(i)|fltconEnable(i), SpeedSetup); err != nil {
			return err
		}
	}
	if err := d.regs.Write(RegTEFCON, l.tefcon(), SpeedSetup); err != nil {
		return err
	}
	for f := l.TxStart; f <= l.TxLast(); f++ {
		if err := d.regs.Write(RegFIFOCON(f), l.txFifocon(f, d.cfg.OneShot), SpeedSetup); err != nil {
			return err
		}
	}
	for i := 0; i < l.RxCount; i++ {
		f := l.RxStart + Fifo(i)
		if err := d.regs.Write(RegFIFOCON(f), l.rxFifoconBase(f)|FifoconFRESET, SpeedSetup); err != nil {
			return err
		}
		// FLTOBJ and FLTMASK are zero: filter i matches everything into f
		route := fltconEnable(i) | fltconRoute(i, f)
		if err := d.regs.WriteMasked(RegFLTCON(i), route, fltconEnable(i)|fltconFifoMask(i), SpeedSetup); err != nil {
			return err
		}
	}

	if err := d.requestMode(ModeInternalLoopback); err != nil {
		return err
	}
	tef, err := d.readAddr(RegTEFUA)
	if err != nil {
		return err
	}
	l.TefStart = tef
	l.TefEnd = tef + uint16(l.TxCount*tefEntrySize) - 1
	for f := l.RxStart; f <= l.TxLast(); f++ {
		a, err := d.readAddr(RegFIFOUA(f))
		if err != nil {
			return err
		}
		l.Fifos[f].Addr = a
	}
	if err := d.requestMode(ModeConfig); err != nil {
		return err
	}
	if err := l.checkAddrs(); err != nil {
		return err
	}
	d.log.Info("fifo_layout", "class", l.Class.String(),
		"rx_start", int(l.RxStart), "rx_count", l.RxCount,
		"tx_start", int(l.TxStart), "tx_count", l.TxCount,
		"tef_start", l.TefStart, "tef_end", l.TefEnd, "ram_used", l.UsedRAM())
	return nil
}

func (d *Device) readAddr(reg uint16) (uint16, error) {
	v, err := d.regs.Read(reg, SpeedSetup)
	if err != nil {
		return 0, err
	}
	if v >= RAMSize {
		return 0, fmt.Errorf("%w: ram address %#x from %#03x", ErrProtocol, v, reg)
	}
	return uint16(v), nil
}

// requestMode writes CON with REQOP set to m.
func (d *Device) requestMode(m Mode) error {
	con := d.cregs.CON&^ConREQOPMask | uint32(m)<<ConREQOPShift
	return d.regs.Write(RegCON, con, SpeedSetup)
}

func (d *Device) writeBitTiming() error {
	d.cregs.NBTCFG = d.cfg.Nominal.Register()
	if err := d.regs.Write(RegNBTCFG, d.cregs.NBTCFG, SpeedSetup); err != nil {
		return err
	}
	if !d.cfg.FD {
		return nil
	}
	d.cregs.DBTCFG = d.cfg.Data.Register()
	return d.regs.Write(RegDBTCFG, d.cregs.DBTCFG, SpeedSetup)
}

func (d *Device) setNormalMode() error {
	m := d.cfg.normalMode()
	d.cregs.CON = d.cregs.CON&^ConREQOPMask | uint32(m)<<ConREQOPShift
	if err := d.regs.Write(RegCON, d.cregs.CON, SpeedSetup); err != nil {
		return err
	}
	d.mode = m
	return nil
}
