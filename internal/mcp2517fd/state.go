package mcp2517fd

import (
	"encoding/binary"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// BusState is the CAN error state. Active..BusOff only escalate while the
// device runs.
type BusState uint8

const (
	BusActive BusState = iota
	BusWarning
	BusPassive
	BusOff
	BusStopped
	BusSleeping
)

var busStateNames = [...]string{"error-active", "error-warning", "error-passive", "bus-off", "stopped", "sleeping"}

func (s BusState) String() string {
	if int(s) < len(busStateNames) {
		return busStateNames[s]
	}
	return "unknown"
}

// Stats mirrors the interface counters a network device keeps.
type Stats struct {
	RxPackets     uint64
	RxBytes       uint64
	RxErrors      uint64
	RxDropped     uint64
	RxOverErrors  uint64
	RxFrameErrors uint64
	TxPackets     uint64
	TxBytes       uint64
	TxErrors      uint64
	TxFifoErrors  uint64

	BusErrors    uint64
	ErrorWarning uint64
	ErrorPassive uint64
	BusOffCount  uint64
}

// statusBlockSize covers INT through BDIAG1, read in one burst.
const statusBlockSize = 36

// Status is the interrupt status block.
type Status struct {
	INT    uint32
	RXIF   uint32
	TXIF   uint32
	RXOVIF uint32
	TXATIF uint32
	TXREQ  uint32
	TREC   uint32
	BDIAG0 uint32
	BDIAG1 uint32
}

func (s *Status) decode(b []byte) {
	w := func(i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }
	s.INT, s.RXIF, s.TXIF = w(0), w(1), w(2)
	s.RXOVIF, s.TXATIF, s.TXREQ = w(3), w(4), w(5)
	s.TREC, s.BDIAG0, s.BDIAG1 = w(6), w(7), w(8)
}

// pending reports whether an enabled interrupt flag is raised.
func (s *Status) pending() bool { return s.INT&(s.INT>>IntIEShift) != 0 }

// TEC returns the transmit error counter.
func (s *Status) TEC() uint8 { return uint8((s.TREC & TrecTECMask) >> TrecTECShift) }

// REC returns the receive error counter.
func (s *Status) REC() uint8 { return uint8(s.TREC & TrecRECMask) }

// errorFrame accumulates the synthetic error record of one pass.
type errorFrame struct {
	id   uint32
	data [can.CAN_ERR_DLC]byte
}

func (e *errorFrame) ctrl(bits uint8) {
	e.id |= can.CAN_ERR_CRTL
	e.data[can.ErrDataCtrl] |= bits
}

func (e *errorFrame) prot(bits uint8) {
	e.id |= can.CAN_ERR_PROT
	e.data[can.ErrDataProt] |= bits
}

func (e *errorFrame) empty() bool { return e.id == 0 }

func (e *errorFrame) frame(st *Status) can.Frame {
	fr := can.NewErrorFrame()
	fr.CANID |= e.id
	copy(fr.Data[:], e.data[:])
	fr.Data[can.ErrDataTxErr] = st.TEC()
	fr.Data[can.ErrDataRxErr] = st.REC()
	return fr
}

// escalate raises next to s.
func escalate(next *BusState, s BusState) {
	if s > *next {
		*next = s
	}
}

// evalCounters folds the TREC threshold bits into the pass.
func (d *Device) evalCounters() {
	trec := d.status.TREC
	p := &d.pass
	if trec&TrecTXWARN != 0 {
		escalate(&p.next, BusWarning)
		p.err.ctrl(can.CAN_ERR_CRTL_TX_WARNING)
	}
	if trec&TrecRXWARN != 0 {
		escalate(&p.next, BusWarning)
		p.err.ctrl(can.CAN_ERR_CRTL_RX_WARNING)
	}
	if trec&TrecTXBP != 0 {
		escalate(&p.next, BusPassive)
		p.err.ctrl(can.CAN_ERR_CRTL_TX_PASSIVE)
	}
	if trec&TrecRXBP != 0 {
		escalate(&p.next, BusPassive)
		p.err.ctrl(can.CAN_ERR_CRTL_RX_PASSIVE)
	}
	if trec&TrecTXBO != 0 {
		escalate(&p.next, BusOff)
		p.err.id |= can.CAN_ERR_BUSOFF
	}
}

// commitState applies the escalated state and counts the transitions.
func (d *Device) commitState() {
	old, next := d.state, d.pass.next
	if old > BusOff || next <= old {
		return
	}
	if old == BusActive && next >= BusWarning {
		d.stats.ErrorWarning++
	}
	if old <= BusWarning && next >= BusPassive {
		d.stats.ErrorPassive++
	}
	d.state = next
	metrics.SetBusState(int(next))
	d.log.Warn("bus_state", "from", old.String(), "to", next.String(),
		"tec", d.status.TEC(), "rec", d.status.REC())
}
