package can

import "testing"

func TestDLCRoundTrip(t *testing.T) {
	for dlc := uint8(0); dlc < 16; dlc++ {
		if got := LenToDLC(DLCToLen(dlc)); got != dlc {
			t.Fatalf("dlc %d: round trip gave %d", dlc, got)
		}
	}
}

func TestLenToDLCRoundsUp(t *testing.T) {
	cases := []struct{ n, dlc uint8 }{{9, 9}, {13, 10}, {33, 14}, {49, 15}, {64, 15}, {200, 15}}
	for _, c := range cases {
		if got := LenToDLC(c.n); got != c.dlc {
			t.Fatalf("len %d: want dlc %d got %d", c.n, c.dlc, got)
		}
	}
	if ValidFDLen(13) || !ValidFDLen(12) {
		t.Fatalf("ValidFDLen mismatch")
	}
}

func TestFrameHelpers(t *testing.T) {
	f := Frame{CANID: 0x123 | CAN_EFF_FLAG, Len: 12}
	if !f.IsExtended() || !f.IsFD() || f.ID() != 0x123 {
		t.Fatalf("unexpected helpers result: %+v", f)
	}
	e := NewErrorFrame()
	if !e.IsError() || e.Len != CAN_ERR_DLC {
		t.Fatalf("bad error frame %+v", e)
	}
}
