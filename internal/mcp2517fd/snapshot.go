package mcp2517fd

// Snapshot is a read-only view of driver and controller state for
// diagnostics. Register values are the ones last read or written; nothing
// here touches the bus.
type Snapshot struct {
	State      string `json:"state"`
	Mode       string `json:"mode"`
	SPISetupHz uint32 `json:"spi_setup_speed_hz"`
	SPIHz      uint32 `json:"spi_speed_hz"`

	IRQCalls uint64 `json:"irq_calls"`
	IRQLoops uint64 `json:"irq_loops"`
	IRQState string `json:"irq_state"`

	Status struct {
		INT    uint32 `json:"intf"`
		RXIF   uint32 `json:"rx_if"`
		TXIF   uint32 `json:"tx_if"`
		RXOVIF uint32 `json:"rx_ovif"`
		TXATIF uint32 `json:"tx_atif"`
		TXREQ  uint32 `json:"tx_req"`
		TREC   uint32 `json:"trec"`
		BDIAG0 uint32 `json:"bdiag0"`
		BDIAG1 uint32 `json:"bdiag1"`
	} `json:"status"`
	Regs ConfigRegs `json:"config"`

	RX struct {
		Start    int    `json:"fifo_start"`
		Count    int    `json:"fifo_count"`
		Mask     uint32 `json:"fifo_mask"`
		Overflow uint64 `json:"overflow"`
	} `json:"rx"`
	TX struct {
		Start       int    `json:"fifo_start"`
		Count       int    `json:"fifo_count"`
		Mask        uint32 `json:"fifo_mask"`
		Pending     uint32 `json:"pending_mask"`
		Submitted   uint32 `json:"submitted_mask"`
		Processed   uint32 `json:"processed_mask"`
		QueueStatus int    `json:"queue_status"`
		TEFAddr     uint16 `json:"tef_address"`
	} `json:"tx"`

	PayloadSize int               `json:"payload_size"`
	FifoUsage   [FifoCount]uint64 `json:"fifo_usage"`
	FifoAddress [FifoCount]uint16 `json:"fifo_address"`
	Stats       Stats             `json:"stats"`
}

// Snapshot copies the current state.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s Snapshot
	s.State = d.state.String()
	s.Mode = d.mode.String()
	s.SPISetupHz, s.SPIHz = d.regs.Speeds()
	s.IRQCalls, s.IRQLoops, s.IRQState = d.irqCalls, d.irqLoops, d.irqState.String()

	st := d.status
	s.Status.INT, s.Status.RXIF, s.Status.TXIF = st.INT, st.RXIF, st.TXIF
	s.Status.RXOVIF, s.Status.TXATIF, s.Status.TXREQ = st.RXOVIF, st.TXATIF, st.TXREQ
	s.Status.TREC, s.Status.BDIAG0, s.Status.BDIAG1 = st.TREC, st.BDIAG0, st.BDIAG1
	s.Regs = d.cregs

	l := &d.layout
	s.RX.Start, s.RX.Count, s.RX.Mask, s.RX.Overflow = int(l.RxStart), l.RxCount, uint32(l.RxMask), d.rxOverflow
	s.TX.Start, s.TX.Count, s.TX.Mask = int(l.TxStart), l.TxCount, uint32(l.TxMask)
	s.TX.Pending = uint32(d.tx.pending)
	s.TX.Submitted = uint32(d.tx.submitted)
	s.TX.Processed = uint32(d.tx.processed)
	s.TX.QueueStatus = int(d.tx.queue)
	s.TX.TEFAddr = d.tx.tefAddr

	s.PayloadSize = l.Payload
	s.FifoUsage = d.fifoUsage
	for f := range l.Fifos {
		s.FifoAddress[f] = l.Fifos[f].Addr
	}
	s.Stats = d.stats
	return s
}
