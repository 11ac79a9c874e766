package can

var dlcToLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen maps a 4-bit data length code to the FD payload length.
func DLCToLen(dlc uint8) uint8 { return dlcToLen[dlc&0x0F] }

// LenToDLC maps a payload length to the smallest DLC that can carry it.
// Lengths above 64 map to 15.
func LenToDLC(n uint8) uint8 {
	switch {
	case n <= 8:
		return n
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}

// ValidFDLen reports whether n is one of the lengths an FD DLC can express.
func ValidFDLen(n uint8) bool { return n <= 64 && DLCToLen(LenToDLC(n)) == n }
