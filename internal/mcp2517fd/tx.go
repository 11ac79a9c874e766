package mcp2517fd

import (
	"fmt"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// Transmit slots are handed out from the highest TX FIFO downwards. The FIFO
// index is also the hardware priority, so frames queued in one burst leave
// the controller in submission order. Taking the lowest slot (TxStart) stops
// the upstream queue until its completion shows every slot drained.

// nextSlot picks the FIFO for the next frame.
func (d *Device) nextSlot() (Fifo, bool) {
	f := d.layout.TxLast()
	if low, ok := d.tx.inflight().Lowest(); ok {
		f = low - 1
	}
	return f, f >= d.layout.TxStart
}

// Submit queues fr for transmission. It returns ErrQueueStopped while the
// device waits for a full drain, ErrBusOff after bus-off and ErrTxBusy if no
// slot is free although the queue runs (the slot discipline was violated).
// FD frames are refused with ErrFDFrame unless the device runs in FD mode.
func (d *Device) Submit(fr can.Frame) error {
	if fr.IsFD() && !d.cfg.FD {
		return ErrFDFrame
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.quit.Load() {
		if d.state == BusOff {
			return ErrBusOff
		}
		return ErrStopped
	}
	if d.state == BusOff {
		d.queue.Stop()
		return ErrBusOff
	}
	if d.tx.queue != txQueueRunning {
		return ErrQueueStopped
	}
	f, ok := d.nextSlot()
	if !ok {
		d.queue.Stop()
		d.log.Error("tx_no_slot", "submitted", fmt.Sprintf("%#08x", uint32(d.tx.submitted)),
			"pending", fmt.Sprintf("%#08x", uint32(d.tx.pending)))
		return ErrTxBusy
	}
	sentinel := f == d.layout.TxStart
	if sentinel {
		d.tx.queue = txQueueStopped
		d.queue.Stop()
	}
	d.tx.submitted.Mark(f)
	d.fifoUsage[f]++

	if err := d.writeTx(f, fr); err != nil {
		d.tx.submitted.Clear(f)
		if sentinel {
			d.tx.queue = txQueueRunning
			d.queue.Wake()
		}
		d.stats.TxErrors++
		metrics.IncError(metrics.ErrSubmit)
		return err
	}
	d.tx.echo[f] = fr
	d.tx.held.Mark(f)
	d.tx.pending.Mark(f)
	return nil
}

// writeTx loads the object into FIFO f and requests transmission.
func (d *Device) writeTx(f Fifo, fr can.Frame) error {
	h, n := EncodeTx(fr, f, fr.IsFD())
	obj := d.txBuf[:txHeaderSize+align4(n)]
	txObject(obj, h, fr.Data[:n])
	if err := d.regs.WriteBlock(FIFOData(d.layout.Addr(f)), obj, SpeedOperational); err != nil {
		return err
	}
	const trigger = FifoconTXREQ | FifoconUINC
	return d.regs.WriteMasked(RegFIFOCON(f), trigger, trigger, SpeedOperational)
}
