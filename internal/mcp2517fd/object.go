package mcp2517fd

import (
	"encoding/binary"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// Object id word.
const (
	objSIDMask  = 0x7FF
	objEIDShift = 11
	objEIDMask  = 0x3FFFF << objEIDShift
)

// Object flags word.
const (
	objDLCMask  = 0xF
	objIDE      = 1 << 4
	objRTR      = 1 << 5
	objBRS      = 1 << 6
	objFDF      = 1 << 7
	objESI      = 1 << 8
	objSEQShift = 9
	objSEQMask  = 0x7F << objSEQShift
)

// Sizes in FIFO RAM.
const (
	txHeaderSize = 8  // id + flags
	tsHeaderSize = 12 // id + flags + timestamp (RX and TEF)
	tefEntrySize = tsHeaderSize
	minPayload   = 8
)

// The 29-bit CAN identifier splits into an 11-bit base (top bits) and an
// 18-bit extension; the controller stores them the other way round.
const (
	effSIDShift = 18
	effEIDMask  = 0x3FFFF
)

// ObjectHeader is the id/flags pair shared by TX, RX and TEF objects.
type ObjectHeader struct {
	ID    uint32
	Flags uint32
}

// DLC returns the data length code.
func (h ObjectHeader) DLC() uint8 { return uint8(h.Flags & objDLCMask) }

// Seq returns the SEQ field (the originating TX FIFO for TEF entries).
func (h ObjectHeader) Seq() Fifo { return Fifo((h.Flags & objSEQMask) >> objSEQShift) }

// IsFD reports the FDF flag.
func (h ObjectHeader) IsFD() bool { return h.Flags&objFDF != 0 }

// CANID converts the controller id back to a SocketCAN style identifier.
func (h ObjectHeader) CANID() uint32 {
	sid := h.ID & objSIDMask
	eid := (h.ID & objEIDMask) >> objEIDShift
	var id uint32
	if h.Flags&objIDE != 0 {
		id = eid | sid<<effSIDShift | can.CAN_EFF_FLAG
	} else {
		id = sid
	}
	if h.Flags&objRTR != 0 {
		id |= can.CAN_RTR_FLAG
	}
	return id
}

// headerID splits a SocketCAN identifier into the controller layout and the
// IDE/RTR flags.
func headerID(canID uint32) (id, flags uint32) {
	if canID&can.CAN_EFF_FLAG != 0 {
		sid := (canID & can.CAN_EFF_MASK) >> effSIDShift
		eid := canID & effEIDMask
		id = eid<<objEIDShift | sid
		flags = objIDE
	} else {
		id = canID & can.CAN_SFF_MASK
	}
	if canID&can.CAN_RTR_FLAG != 0 {
		flags |= objRTR
	}
	return id, flags
}

// EncodeTx builds the TX object header for fr, tagging it with seq. fd selects
// FD framing; classic frames are capped at 8 bytes. It returns the header and
// the payload length actually carried.
func EncodeTx(fr can.Frame, seq Fifo, fd bool) (ObjectHeader, int) {
	id, flags := headerID(fr.CANID)
	var n uint8
	if fd {
		dlc := can.LenToDLC(fr.Len)
		n = can.DLCToLen(dlc)
		flags |= uint32(dlc) | objFDF
		if fr.Flags&can.CANFD_BRS != 0 {
			flags |= objBRS
		}
		if fr.Flags&can.CANFD_ESI != 0 {
			flags |= objESI
		}
	} else {
		n = fr.Len
		if n > can.MaxClassicLen {
			n = can.MaxClassicLen
		}
		flags |= uint32(n)
	}
	flags |= uint32(seq) << objSEQShift & objSEQMask
	return ObjectHeader{ID: id, Flags: flags}, int(n)
}

// txObject serializes header and payload into dst, padding the payload to a
// 4-byte multiple as FIFO RAM requires. It returns the bytes used.
func txObject(dst []byte, h ObjectHeader, payload []byte) int {
	binary.LittleEndian.PutUint32(dst[0:4], h.ID)
	binary.LittleEndian.PutUint32(dst[4:8], h.Flags)
	n := align4(len(payload))
	copy(dst[txHeaderSize:], payload)
	clear(dst[txHeaderSize+len(payload) : txHeaderSize+n])
	return txHeaderSize + n
}

func align4(n int) int { return (n + 3) &^ 3 }

// Record is one timestamped object read during a drain pass: either a
// received frame or a transmit completion.
type Record struct {
	Header     ObjectHeader
	Timestamp  uint32
	Completion bool
	Fifo       Fifo // RX FIFO it came from, or the TX FIFO it completes
	Frame      can.Frame
}

// decodeTS parses the common id/flags/timestamp prefix.
func decodeTS(b []byte) (ObjectHeader, uint32) {
	return ObjectHeader{
		ID:    binary.LittleEndian.Uint32(b[0:4]),
		Flags: binary.LittleEndian.Uint32(b[4:8]),
	}, binary.LittleEndian.Uint32(b[8:12])
}

// rxLen is the payload length of an RX object, capped at maxPayload.
func rxLen(h ObjectHeader, maxPayload int) int {
	n := int(can.DLCToLen(h.DLC()))
	if !h.IsFD() && n > can.MaxClassicLen {
		n = can.MaxClassicLen
	}
	if n > maxPayload {
		n = maxPayload
	}
	return n
}

// DecodeRx parses one RX object (header, timestamp, payload) from b.
func DecodeRx(b []byte, maxPayload int) Record {
	h, ts := decodeTS(b)
	n := rxLen(h, maxPayload)
	var fr can.Frame
	fr.CANID = h.CANID()
	fr.Len = uint8(n)
	if h.IsFD() {
		fr.Flags |= can.CANFD_FDF
		if h.Flags&objBRS != 0 {
			fr.Flags |= can.CANFD_BRS
		}
		if h.Flags&objESI != 0 {
			fr.Flags |= can.CANFD_ESI
		}
	}
	if fr.CANID&can.CAN_RTR_FLAG == 0 {
		copy(fr.Data[:n], b[tsHeaderSize:])
	}
	return Record{Header: h, Timestamp: ts, Frame: fr}
}

// DecodeTEF parses one transmit event entry.
func DecodeTEF(b []byte) Record {
	h, ts := decodeTS(b)
	return Record{Header: h, Timestamp: ts, Completion: true, Fifo: h.Seq()}
}
