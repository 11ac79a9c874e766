package can

// Error frame classes, OR-ed into the identifier of a frame carrying CAN_ERR_FLAG
// (values from <linux/can/error.h>).
const (
	CAN_ERR_TX_TIMEOUT = 0x00000001
	CAN_ERR_LOSTARB    = 0x00000002
	CAN_ERR_CRTL       = 0x00000004
	CAN_ERR_PROT       = 0x00000008
	CAN_ERR_TRX        = 0x00000010
	CAN_ERR_ACK        = 0x00000020
	CAN_ERR_BUSOFF     = 0x00000040
	CAN_ERR_BUSERROR   = 0x00000080
	CAN_ERR_RESTARTED  = 0x00000100
)

// Error frame payload length.
const CAN_ERR_DLC = 8

// data[1]: controller problem details.
const (
	CAN_ERR_CRTL_UNSPEC      = 0x00
	CAN_ERR_CRTL_RX_OVERFLOW = 0x01
	CAN_ERR_CRTL_TX_OVERFLOW = 0x02
	CAN_ERR_CRTL_RX_WARNING  = 0x04
	CAN_ERR_CRTL_TX_WARNING  = 0x08
	CAN_ERR_CRTL_RX_PASSIVE  = 0x10
	CAN_ERR_CRTL_TX_PASSIVE  = 0x20
	CAN_ERR_CRTL_ACTIVE      = 0x40
)

// data[2]: protocol violation type.
const (
	CAN_ERR_PROT_UNSPEC   = 0x00
	CAN_ERR_PROT_BIT      = 0x01
	CAN_ERR_PROT_FORM     = 0x02
	CAN_ERR_PROT_STUFF    = 0x04
	CAN_ERR_PROT_BIT0     = 0x08
	CAN_ERR_PROT_BIT1     = 0x10
	CAN_ERR_PROT_OVERLOAD = 0x20
	CAN_ERR_PROT_ACTIVE   = 0x40
	CAN_ERR_PROT_TX       = 0x80
)

// Error frame data byte indexes.
const (
	ErrDataLostArb = 0
	ErrDataCtrl    = 1
	ErrDataProt    = 2
	ErrDataProtLoc = 3
	ErrDataTrx     = 4
	ErrDataTxErr   = 6
	ErrDataRxErr   = 7
)

// NewErrorFrame returns an empty error frame with CAN_ERR_FLAG and CAN_ERR_DLC set.
func NewErrorFrame() Frame {
	return Frame{CANID: CAN_ERR_FLAG, Len: CAN_ERR_DLC}
}
