package mcp2517fd

import (
	"slices"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// tsCompare orders hardware timestamps across counter wraparound.
func tsCompare(a, b uint32) int {
	switch diff := int32(a - b); {
	case diff < 0:
		return -1
	case diff > 0:
		return 1
	}
	return 0
}

// SortRecords orders records by timestamp; equal timestamps keep read order.
func SortRecords(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int { return tsCompare(a.Timestamp, b.Timestamp) })
}

// mergeRecords sorts the pass's records and turns them into deliveries:
// completions release the held echo, RX records become host frames.
func (d *Device) mergeRecords() {
	SortRecords(d.records)
	for i := range d.records {
		rec := &d.records[i]
		if rec.Completion {
			d.complete(rec)
			continue
		}
		d.stats.RxPackets++
		d.stats.RxBytes += uint64(rec.Frame.Len)
		metrics.IncRx(int(rec.Frame.Len))
		d.out = append(d.out, delivery{frame: rec.Frame})
	}
	d.records = d.records[:0]
}

func (d *Device) complete(rec *Record) {
	n := can.DLCToLen(rec.Header.DLC())
	d.stats.TxPackets++
	d.stats.TxBytes += uint64(n)
	metrics.IncTx(int(n))
	if !d.tx.held.Test(rec.Fifo) {
		return
	}
	d.tx.held.Clear(rec.Fifo)
	d.out = append(d.out, delivery{frame: d.tx.echo[rec.Fifo], echo: true})
}
