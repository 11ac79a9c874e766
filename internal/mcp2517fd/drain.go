package mcp2517fd

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/irq"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// HandleInterrupt drains the controller until no enabled interrupt flag is
// left. One call serves one interrupt assertion. It returns ErrBusOff when
// the pass took the controller off the bus.
func (d *Device) HandleInterrupt() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrStopped
	}
	d.irqCalls++
	d.irqState = IRQRunning
	d.mu.Unlock()
	metrics.IncIRQCall()

	var err error
	for !d.quit.Load() {
		var more, wake, busOff bool
		d.mu.Lock()
		more, wake, busOff, err = d.drainPass()
		out := d.out
		d.out = nil
		d.mu.Unlock()

		d.deliver(out)
		if wake {
			d.queue.Wake()
		}
		if busOff {
			err = ErrBusOff
		}
		if err != nil || !more {
			break
		}
	}

	d.mu.Lock()
	d.irqState = IRQHandled
	d.mu.Unlock()
	return err
}

func (d *Device) deliver(out []delivery) {
	for _, o := range out {
		switch {
		case o.echo && d.onEcho != nil:
			d.onEcho(o.frame)
		case !o.echo && d.onRx != nil:
			d.onRx(o.frame)
		}
	}
}

// drainPass reads the status block and handles it once. more is false when
// the controller is quiescent.
func (d *Device) drainPass() (more, wake, busOff bool, err error) {
	d.irqLoops++
	metrics.IncIRQLoop()
	var b [statusBlockSize]byte
	if err = d.regs.ReadBlock(RegINT, b[:], SpeedOperational); err != nil {
		return false, false, false, err
	}
	d.status.decode(b[:])
	if !d.status.pending() {
		return false, false, false, nil
	}
	err = d.handleStatus()
	if d.tx.queue == txQueueRestart {
		d.tx.reset()
		wake = true
	}
	return err == nil, wake, d.state == BusOff && d.quit.Load(), err
}

// handleStatus runs every per-cause handler for the current status block.
func (d *Device) handleStatus() error {
	d.pass = passState{next: d.state}
	d.records = d.records[:0]
	intf := d.status.INT

	// Records are queued only after their FIFO or TEF entry was released, so
	// they are delivered even when a later read fails.
	err := d.collectEvents(intf)
	d.mergeRecords()
	if err != nil {
		return err
	}

	if d.status.RXOVIF != 0 {
		if err := d.handleRxOverflow(FifoMask(d.status.RXOVIF)); err != nil {
			return err
		}
	}
	if intf&IntMODIF != 0 {
		if err := d.handleModeChange(); err != nil {
			return err
		}
	}
	if intf&IntECCIF != 0 {
		if err := d.handleECC(); err != nil {
			return err
		}
	}
	if intf&IntSERRIF != 0 {
		d.handleSystemError(intf)
	}
	if intf&IntIVMIF != 0 {
		d.pass.err.prot(can.CAN_ERR_PROT_FORM)
		d.pass.intClear |= IntIVMIF
		d.stats.RxFrameErrors++
		d.stats.RxErrors++
	}
	if intf&IntCERRIF != 0 {
		d.handleBusError()
	}

	d.evalCounters()
	d.commitState()
	if !d.pass.err.empty() {
		d.out = append(d.out, delivery{frame: d.pass.err.frame(&d.status)})
	}
	if d.state == BusOff {
		d.enterBusOff()
	}

	if d.pass.intClear != 0 {
		if err := d.regs.WriteMasked(RegINT, 0, d.pass.intClear, SpeedOperational); err != nil {
			return err
		}
	}
	if d.pass.bdiag1Clear != 0 {
		if err := d.regs.WriteMasked(RegBDIAG1, 0, d.pass.bdiag1Clear, SpeedOperational); err != nil {
			return err
		}
	}
	return nil
}

// collectEvents queues the RX and completion records of the pass.
func (d *Device) collectEvents(intf uint32) error {
	if intf&IntRXIF != 0 {
		if err := d.collectRx(FifoMask(d.status.RXIF)); err != nil {
			return err
		}
	}
	if intf&IntTEFIF != 0 {
		return d.processTEF()
	}
	return nil
}

func (d *Device) handleRxOverflow(mask FifoMask) error {
	for f := Fifo(0); f < FifoCount; f++ {
		if !mask.Test(f) {
			continue
		}
		if err := d.regs.WriteMasked(RegFIFOSTA(f), 0, FifostaRXOVIF, SpeedOperational); err != nil {
			return err
		}
		d.stats.RxOverErrors++
		d.stats.RxErrors++
		d.rxOverflow++
		metrics.IncRxOverflow()
		d.pass.err.ctrl(can.CAN_ERR_CRTL_RX_OVERFLOW)
	}
	return nil
}

func (d *Device) handleModeChange() error {
	d.pass.intClear |= IntMODIF
	con, err := d.regs.ReadMasked(RegCON, ConOPMODMask, SpeedOperational)
	if err != nil {
		return err
	}
	d.cregs.CON = d.cregs.CON&^ConOPMODMask | con&ConOPMODMask
	mode := Mode((con & ConOPMODMask) >> ConOPMODShift)
	if mode == d.mode {
		d.log.Warn("mode_change", "mode", mode.String(), "note", "already active")
		return nil
	}
	d.log.Error("mode_change", "from", d.mode.String(), "to", mode.String())
	d.mode = mode
	return nil
}

func (d *Device) handleECC() error {
	d.pass.err.ctrl(can.CAN_ERR_CRTL_UNSPEC)
	d.pass.intClear |= IntECCIF
	val, err := d.regs.Read(RegECCSTAT, SpeedOperational)
	if err != nil {
		return err
	}
	kind := "single"
	if val&EccstatDEDIF != 0 {
		kind = "double"
	}
	d.log.Error("ecc_error", "kind", kind, "addr", (val&EccstatERRADDRMask)>>EccstatERRADDRShift)
	metrics.IncError(metrics.ErrECC)
	return d.regs.Write(RegECCSTAT, 0, SpeedOperational)
}

// handleSystemError tells a TX assembly underflow (reported together with a
// mode change or ECC error) from an RX assembly overflow.
func (d *Device) handleSystemError(intf uint32) {
	d.pass.err.ctrl(can.CAN_ERR_CRTL_UNSPEC)
	d.pass.intClear |= IntSERRIF
	if intf&(IntMODIF|IntECCIF) != 0 {
		d.log.Warn("tx_mab_underflow")
		d.stats.TxFifoErrors++
		d.stats.TxErrors++
		return
	}
	d.log.Warn("rx_mab_overflow")
	d.stats.RxDropped++
	d.stats.RxErrors++
}

var bdiag1Classes = []struct {
	mask uint32
	prot uint8
}{
	{Bdiag1DBIT0ERR | Bdiag1NBIT0ERR, can.CAN_ERR_PROT_BIT0},
	{Bdiag1DBIT1ERR | Bdiag1NBIT1ERR, can.CAN_ERR_PROT_BIT1},
	{Bdiag1DSTUFERR | Bdiag1NSTUFERR, can.CAN_ERR_PROT_STUFF},
	{Bdiag1DFORMERR | Bdiag1NFORMERR, can.CAN_ERR_PROT_FORM},
}

// handleBusError classifies BDIAG1 and marks the bits it consumed.
func (d *Device) handleBusError() {
	p := &d.pass
	p.err.id |= can.CAN_ERR_BUSERROR
	p.intClear |= IntCERRIF
	d.stats.BusErrors++
	metrics.IncBusError()
	bd := d.status.BDIAG1
	for _, c := range bdiag1Classes {
		if bd&c.mask != 0 {
			p.err.prot(c.prot)
			p.bdiag1Clear |= c.mask
		}
	}
	if bd&Bdiag1NACKERR != 0 {
		p.err.id |= can.CAN_ERR_ACK
		p.bdiag1Clear |= Bdiag1NACKERR
	}
	d.log.Debug("bus_error", "bdiag1", bd)
}

// enterBusOff stops transmission, drops the frames still in flight and parks
// the controller. Restart is up to the caller (Stop then Start).
func (d *Device) enterBusOff() {
	if d.quit.Load() {
		return
	}
	d.queue.Stop()
	d.clean()
	d.quit.Store(true)
	d.stats.BusOffCount++
	metrics.IncBusOff()
	d.log.Error("bus_off", "tec", d.status.TEC(), "rec", d.status.REC())
	d.hwSleep()
}

// Backoff bounds between failed interrupt passes.
const (
	minBackoff = 20 * time.Millisecond
	maxBackoff = 500 * time.Millisecond
)

// Run waits on src and drains the controller for every assertion until ctx is
// done, the device is stopped or the bus goes off. Transport errors are
// logged and retried after an exponential backoff.
func (d *Device) Run(ctx context.Context, src irq.Source) error {
	backoff := minBackoff
	for {
		if err := src.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrIRQ)
			return err
		}
		err := d.HandleInterrupt()
		switch {
		case err == nil:
			backoff = minBackoff
			continue
		case errors.Is(err, ErrBusOff):
			return err
		case errors.Is(err, ErrStopped):
			return nil
		}
		d.log.Error("irq_pass_failed", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
