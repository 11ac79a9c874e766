package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
	CAN_ERR_MASK = 0x1FFFFFFF
)

// CAN-FD frame flags (struct canfd_frame.flags).
const (
	CANFD_BRS = 0x01 // bit rate switch
	CANFD_ESI = 0x02 // error state indicator of the transmitter
	CANFD_FDF = 0x04 // frame is FD even if Len <= 8
)

// Payload limits.
const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

// Frame is the CAN / CAN-FD frame holder used across the gateway.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8 classic, 0..64 FD); only the first Len bytes are valid.
// Flags carries CANFD_* bits; a frame with CANFD_FDF set or Len > 8 is FD.
type Frame struct {
	CANID uint32
	Len   uint8
	Flags uint8
	Data  [64]byte
}

// IsFD reports whether the frame needs FD framing.
func (f Frame) IsFD() bool { return f.Flags&CANFD_FDF != 0 || f.Len > MaxClassicLen }

// IsExtended reports whether the identifier is 29 bit.
func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// IsError reports whether this is a synthetic error frame.
func (f Frame) IsError() bool { return f.CANID&CAN_ERR_FLAG != 0 }

// ID returns the bare identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.IsExtended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len, g.Flags = f.CANID, f.Len, f.Flags
	copy(g.Data[:], f.Data[:])
	return g
}
