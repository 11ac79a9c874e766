package mcp2517fd

import "fmt"

// processTEF consumes the completion entries owed by the controller: every
// slot submitted but not yet processed, minus those still requesting
// transmission.
func (d *Device) processTEF() error {
	open := d.tx.pending &^ d.tx.processed
	count := open.Count() - FifoMask(d.status.TXREQ).Count()
	if count <= 0 {
		d.log.Error("tef_unexpected_count", "count", count,
			"pending", fmt.Sprintf("%#08x", uint32(d.tx.pending)),
			"processed", fmt.Sprintf("%#08x", uint32(d.tx.processed)),
			"txreq", fmt.Sprintf("%#08x", d.status.TXREQ))
		return fmt.Errorf("%w: tef count %d", ErrProtocol, count)
	}
	for i := 0; i < count; i++ {
		addr := d.tx.tefAddr
		buf := d.ram[addr : addr+tefEntrySize]
		if err := d.regs.ReadBlock(FIFOData(addr), buf, SpeedOperational); err != nil {
			return err
		}
		if err := d.regs.WriteMasked(RegTEFCON, TefconUINC, TefconUINC, SpeedOperational); err != nil {
			return err
		}
		rec := DecodeTEF(buf)
		d.tx.tefAddr += tefEntrySize
		if d.tx.tefAddr > d.layout.TefEnd {
			d.tx.tefAddr = d.layout.TefStart
		}
		if !d.layout.TxMask.Test(rec.Fifo) {
			return fmt.Errorf("%w: tef entry for fifo %d", ErrProtocol, rec.Fifo)
		}
		d.records = append(d.records, rec)
		d.tx.processed.Mark(rec.Fifo)
		if rec.Fifo == d.layout.TxStart {
			d.tx.queue = txQueueRestart
		}
	}
	return nil
}
