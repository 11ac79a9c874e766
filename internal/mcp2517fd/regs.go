package mcp2517fd

// Command opcodes, top nibble of the 16-bit command word.
const (
	OpReset     uint16 = 0x0000
	OpRead      uint16 = 0x3000
	OpWrite     uint16 = 0x2000
	OpReadCRC   uint16 = 0xB000
	OpWriteCRC  uint16 = 0xA000
	OpWriteSafe uint16 = 0xC000

	addrMask = 0x0FFF
)

// Address spaces.
const (
	sfrBase    = 0xE00 // controller configuration
	canSFRBase = 0x000 // CAN module
	ramBase    = 0x400 // FIFO RAM window
	RAMSize    = 2048
)

// Controller SFRs.
const (
	RegOSC     uint16 = sfrBase + 0x00
	RegIOCON   uint16 = sfrBase + 0x04
	RegCRC     uint16 = sfrBase + 0x08
	RegECCCON  uint16 = sfrBase + 0x0C
	RegECCSTAT uint16 = sfrBase + 0x10
)

// CAN module SFRs.
const (
	RegCON    uint16 = canSFRBase + 0x00
	RegNBTCFG uint16 = canSFRBase + 0x04
	RegDBTCFG uint16 = canSFRBase + 0x08
	RegTDC    uint16 = canSFRBase + 0x0C
	RegTBC    uint16 = canSFRBase + 0x10
	RegTSCON  uint16 = canSFRBase + 0x14
	RegVEC    uint16 = canSFRBase + 0x18
	RegINT    uint16 = canSFRBase + 0x1C
	RegRXIF   uint16 = canSFRBase + 0x20
	RegTXIF   uint16 = canSFRBase + 0x24
	RegRXOVIF uint16 = canSFRBase + 0x28
	RegTXATIF uint16 = canSFRBase + 0x2C
	RegTXREQ  uint16 = canSFRBase + 0x30
	RegTREC   uint16 = canSFRBase + 0x34
	RegBDIAG0 uint16 = canSFRBase + 0x38
	RegBDIAG1 uint16 = canSFRBase + 0x3C
	RegTEFCON uint16 = canSFRBase + 0x40
	RegTEFSTA uint16 = canSFRBase + 0x44
	RegTEFUA  uint16 = canSFRBase + 0x48
	RegTXQCON uint16 = canSFRBase + 0x50
	RegTXQSTA uint16 = canSFRBase + 0x54
	RegTXQUA  uint16 = canSFRBase + 0x58
)

// RegFIFOCON is the control register of FIFO x (1..31).
func RegFIFOCON(x Fifo) uint16 { return canSFRBase + 0x5C + 12*(uint16(x)-1) }

// RegFIFOSTA is the status register of FIFO x.
func RegFIFOSTA(x Fifo) uint16 { return canSFRBase + 0x60 + 12*(uint16(x)-1) }

// RegFIFOUA is the user address register of FIFO x.
func RegFIFOUA(x Fifo) uint16 { return canSFRBase + 0x64 + 12*(uint16(x)-1) }

// fifoconSpacing is the distance between consecutive FIFOCON registers.
const fifoconSpacing = 12

// Filters: four 8-bit filter control fields share one FLTCON word.
func RegFLTCON(x int) uint16  { return canSFRBase + 0x1D0 + uint16(x&0x1C) }
func RegFLTOBJ(x int) uint16  { return canSFRBase + 0x1F0 + 8*uint16(x) }
func RegFLTMASK(x int) uint16 { return canSFRBase + 0x1F4 + 8*uint16(x) }

func fltconShift(x int) uint           { return uint(x&3) * 8 }
func fltconFifoMask(x int) uint32      { return 0x1F << fltconShift(x) }
func fltconEnable(x int) uint32        { return 1 << (7 + fltconShift(x)) }
func fltconRoute(x int, f Fifo) uint32 { return uint32(f) << fltconShift(x) }

// FIFOData maps a FIFO RAM offset into the register address space.
func FIFOData(off uint16) uint16 { return ramBase + off }

// OSC bits.
const (
	OscPLLEN        = 1 << 0
	OscOSCDIS       = 1 << 2
	OscSCLKDIV      = 1 << 4
	OscCLKODIVShift = 5
	OscCLKODIVMask  = 3 << OscCLKODIVShift
	OscPLLRDY       = 1 << 8
	OscOSCRDY       = 1 << 10
	OscSCLKRDY      = 1 << 12

	clkoDiv1  = 0
	clkoDiv2  = 1
	clkoDiv4  = 2
	clkoDiv10 = 3
)

// IOCON bits.
const (
	IoconTRIS0   = 1 << 0
	IoconTRIS1   = 1 << 1
	IoconXSTBYEN = 1 << 6
	IoconLAT0    = 1 << 8
	IoconLAT1    = 1 << 9
	IoconGPIO0   = 1 << 16
	IoconGPIO1   = 1 << 17
	IoconPM0     = 1 << 24
	IoconPM1     = 1 << 25
	IoconTXCANOD = 1 << 28
	IoconSOF     = 1 << 29
	IoconINTOD   = 1 << 30
)

// ECC bits.
const (
	EccconECCEN = 1 << 0

	EccstatSECIF        = 1 << 1
	EccstatDEDIF        = 1 << 2
	EccstatERRADDRShift = 8
	EccstatERRADDRMask  = 0xFFF << EccstatERRADDRShift
)

// CON bits.
const (
	ConDNCNTMask  = 0x1F
	ConISOCRCEN   = 1 << 5
	ConPXEDIS     = 1 << 6
	ConWAKFIL     = 1 << 8
	ConWFTShift   = 9
	ConWFTMask    = 3 << ConWFTShift
	ConBUSY       = 1 << 11
	ConBRSDIS     = 1 << 12
	ConRTXAT      = 1 << 16
	ConESIGM      = 1 << 17
	ConSERR2LOM   = 1 << 18
	ConSTEF       = 1 << 19
	ConTXQEN      = 1 << 20
	ConOPMODShift = 21
	ConOPMODMask  = 7 << ConOPMODShift
	ConREQOPShift = 24
	ConREQOPMask  = 7 << ConREQOPShift
	ConABAT       = 1 << 27
	ConTXBWSShift = 28
	ConTXBWSMask  = 0xF << ConTXBWSShift
)

// Mode is the controller operating mode (CON.OPMOD / CON.REQOP).
type Mode uint8

const (
	ModeMixed Mode = iota
	ModeSleep
	ModeInternalLoopback
	ModeListenOnly
	ModeConfig
	ModeExternalLoopback
	ModeCAN20
	ModeRestricted
)

var modeNames = [8]string{
	"can2.0+canfd",
	"sleep",
	"internal loopback",
	"listen only",
	"config",
	"external loopback",
	"can2.0",
	"restricted",
}

func (m Mode) String() string { return modeNames[m&7] }

// ConDefault is CON after reset; ConDefaultMask selects the fields checked by probe.
const (
	ConDefault = ConISOCRCEN | ConPXEDIS | ConWAKFIL | (3 << ConWFTShift) |
		ConSTEF | ConTXQEN |
		uint32(ModeConfig)<<ConOPMODShift | uint32(ModeConfig)<<ConREQOPShift
	ConDefaultMask = ConDNCNTMask | ConISOCRCEN | ConPXEDIS | ConWAKFIL | ConWFTMask |
		ConBUSY | ConBRSDIS | ConRTXAT | ConESIGM | ConSERR2LOM | ConSTEF | ConTXQEN |
		ConOPMODMask | ConREQOPMask | ConABAT | ConTXBWSMask
)

// TDC / TSCON.
const (
	TdcEDGFLTEN = 1 << 25

	TsconTBCPREMask = 0x3FF
	TsconTBCEN      = 1 << 16
)

// NBTCFG / DBTCFG field layout.
const (
	btSJWShift   = 0
	btTSEG2Shift = 8
	btTSEG1Shift = 16
	btBRPShift   = 24
)

// INT flag bits; the matching enable bit is the flag shifted by IntIEShift.
const (
	IntTXIF     = 1 << 0
	IntRXIF     = 1 << 1
	IntTBCIF    = 1 << 2
	IntMODIF    = 1 << 3
	IntTEFIF    = 1 << 4
	IntECCIF    = 1 << 8
	IntSPICRCIF = 1 << 9
	IntTXATIF   = 1 << 10
	IntRXOVIF   = 1 << 11
	IntSERRIF   = 1 << 12
	IntCERRIF   = 1 << 13
	IntWAKIF    = 1 << 14
	IntIVMIF    = 1 << 15

	IntIEShift = 16

	// IntEnabled is the interrupt set armed in normal operation.
	IntEnabled = (IntTEFIF | IntRXIF | IntMODIF | IntSERRIF | IntIVMIF | IntCERRIF | IntECCIF) << IntIEShift
)

// TREC bits.
const (
	TrecRECMask  = 0xFF
	TrecTECShift = 8
	TrecTECMask  = 0xFF << TrecTECShift
	TrecEWARN    = 1 << 16
	TrecRXWARN   = 1 << 17
	TrecTXWARN   = 1 << 18
	TrecRXBP     = 1 << 19
	TrecTXBP     = 1 << 20
	TrecTXBO     = 1 << 21
)

// BDIAG1 bits.
const (
	Bdiag1NBIT0ERR = 1 << 16
	Bdiag1NBIT1ERR = 1 << 17
	Bdiag1NACKERR  = 1 << 18
	Bdiag1NSTUFERR = 1 << 19
	Bdiag1NFORMERR = 1 << 20
	Bdiag1NCRCERR  = 1 << 21
	Bdiag1TXBOERR  = 1 << 23
	Bdiag1DBIT0ERR = 1 << 24
	Bdiag1DBIT1ERR = 1 << 25
	Bdiag1DFORMERR = 1 << 27
	Bdiag1DSTUFERR = 1 << 28
	Bdiag1DCRCERR  = 1 << 29
	Bdiag1ESI      = 1 << 30
	Bdiag1DLCMM    = 1 << 31
)

// TEFCON bits.
const (
	TefconTEFNEIE    = 1 << 0
	TefconTEFHIE     = 1 << 1
	TefconTEFFIE     = 1 << 2
	TefconTEFOVIE    = 1 << 3
	TefconTEFTSEN    = 1 << 5
	TefconUINC       = 1 << 8
	TefconFRESET     = 1 << 10
	TefconFSIZEShift = 24
)

// FIFOCON bits.
const (
	FifoconTFNRFNIE    = 1 << 0
	FifoconTFHRFHIE    = 1 << 1
	FifoconTFERFFIE    = 1 << 2
	FifoconRXOVIE      = 1 << 3
	FifoconTXATIE      = 1 << 4
	FifoconRXTSEN      = 1 << 5
	FifoconRTREN       = 1 << 6
	FifoconTXEN        = 1 << 7
	FifoconUINC        = 1 << 8
	FifoconTXREQ       = 1 << 9
	FifoconFRESET      = 1 << 10
	FifoconTXPRIShift  = 16
	FifoconTXPRIMask   = 0x1F << FifoconTXPRIShift
	FifoconTXATShift   = 21
	FifoconFSIZEShift  = 24
	FifoconPLSIZEShift = 29

	txatOneShot   = 0
	txatThree     = 1
	txatUnlimited = 2

	plsize8  = 0
	plsize64 = 7
)

// FIFOSTA bits.
const (
	FifostaTFNRFNIF = 1 << 0
	FifostaTFHRFHIF = 1 << 1
	FifostaTFERFFIF = 1 << 2
	FifostaRXOVIF   = 1 << 3
	FifostaTXATIF   = 1 << 4
)

// RegisterNames maps symbolic names to fixed register addresses.
var RegisterNames = map[string]uint16{
	"osc": RegOSC, "iocon": RegIOCON, "crc": RegCRC, "ecccon": RegECCCON, "eccstat": RegECCSTAT,
	"con": RegCON, "nbtcfg": RegNBTCFG, "dbtcfg": RegDBTCFG, "tdc": RegTDC, "tbc": RegTBC,
	"tscon": RegTSCON, "vec": RegVEC, "int": RegINT, "rxif": RegRXIF, "txif": RegTXIF,
	"rxovif": RegRXOVIF, "txatif": RegTXATIF, "txreq": RegTXREQ, "trec": RegTREC,
	"bdiag0": RegBDIAG0, "bdiag1": RegBDIAG1, "tefcon": RegTEFCON, "tefsta": RegTEFSTA,
	"tefua": RegTEFUA, "txqcon": RegTXQCON, "txqsta": RegTXQSTA, "txqua": RegTXQUA,
}
