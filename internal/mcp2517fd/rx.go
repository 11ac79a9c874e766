package mcp2517fd

import (
	"encoding/binary"
)

// useBulkRead selects the bulk strategy. Classic payloads always use it.
func (d *Device) useBulkRead() bool { return !d.cfg.FD || d.cfg.BulkFDRead }

// collectRx reads every ready RX FIFO in ready and queues the records.
func (d *Device) collectRx(ready FifoMask) error {
	ready &= d.layout.RxMask
	if ready.Empty() {
		return nil
	}
	if d.useBulkRead() {
		return d.readBulk(ready)
	}
	return d.readEach(ready)
}

// readEach reads header plus 8 bytes, fetches the rest only for long frames
// and releases each FIFO on its own.
func (d *Device) readEach(ready FifoMask) error {
	const minSize = tsHeaderSize + minPayload
	for f := d.layout.RxStart; f < d.layout.RxEnd(); f++ {
		if !ready.Test(f) {
			continue
		}
		addr := d.layout.Addr(f)
		buf := d.ram[addr : int(addr)+d.layout.RxObjectSize()]
		if err := d.regs.ReadBlock(FIFOData(addr), buf[:minSize], SpeedOperational); err != nil {
			return err
		}
		h, _ := decodeTS(buf)
		if n := rxLen(h, d.layout.Payload); n > minPayload {
			rest := buf[minSize : tsHeaderSize+n]
			if err := d.regs.ReadBlock(FIFOData(addr+minSize), rest, SpeedOperational); err != nil {
				return err
			}
		}
		if err := d.releaseEach(f, 1); err != nil {
			return err
		}
		d.queueRx(f, buf)
	}
	return nil
}

// readBulk reads each contiguous run of ready FIFOs in one transfer.
func (d *Device) readBulk(ready FifoMask) error {
	stride := d.layout.RxObjectSize()
	for _, run := range d.rxRuns(ready) {
		addr := d.layout.Addr(run.Start)
		buf := d.ram[addr : int(addr)+run.N*stride]
		if err := d.regs.ReadBlock(FIFOData(addr), buf, SpeedOperational); err != nil {
			return err
		}
		var err error
		if d.cfg.BulkRelease {
			err = d.releaseRun(run)
		} else {
			err = d.releaseEach(run.Start, run.N)
		}
		if err != nil {
			return err
		}
		for i := 0; i < run.N; i++ {
			d.queueRx(run.Start+Fifo(i), buf[i*stride:])
		}
	}
	return nil
}

// rxRuns splits ready into runs that are contiguous both in index and in RAM.
func (d *Device) rxRuns(ready FifoMask) []Run {
	stride := uint16(d.layout.RxObjectSize())
	var out []Run
	for _, r := range ready.Runs(d.layout.RxStart, d.layout.RxEnd()) {
		start := r.Start
		for i := 1; i < r.N; i++ {
			f := r.Start + Fifo(i)
			if d.layout.Addr(f) != d.layout.Addr(f-1)+stride {
				out = append(out, Run{Start: start, N: int(f - start)})
				start = f
			}
		}
		out = append(out, Run{Start: start, N: int(r.Start+Fifo(r.N)) - int(start)})
	}
	return out
}

func (d *Device) queueRx(f Fifo, obj []byte) {
	rec := DecodeRx(obj, d.layout.Payload)
	rec.Fifo = f
	d.records = append(d.records, rec)
	d.fifoUsage[f]++
}

// releaseEach acknowledges n FIFOs from start with one narrow write each.
func (d *Device) releaseEach(start Fifo, n int) error {
	for f := start; f < start+Fifo(n); f++ {
		if err := d.regs.WriteMasked(RegFIFOCON(f), FifoconUINC, FifoconUINC, SpeedOperational); err != nil {
			return err
		}
	}
	return nil
}

// releaseRun acknowledges a run with one write spanning all its FIFOCON
// registers. The bytes in between rewrite FIFOCON with its configured value
// and clear the status flags.
func (d *Device) releaseRun(run Run) error {
	const first = 1 // UINC lives in byte 1
	var buf [FifoCount * fifoconSpacing]byte
	for i := 0; i < run.N; i++ {
		f := run.Start + Fifo(i)
		binary.LittleEndian.PutUint32(buf[i*fifoconSpacing:], d.layout.rxFifoconBase(f)|FifoconUINC)
	}
	n := 1 + (run.N-1)*fifoconSpacing
	return d.regs.WriteBlock(RegFIFOCON(run.Start)+first, buf[first:first+n], SpeedOperational)
}
