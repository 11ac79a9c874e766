package mcp2517fd

import "fmt"

// BitTiming is a bit-time split in time quanta. TSeg1 includes the
// propagation segment.
type BitTiming struct {
	BRP   uint32
	TSeg1 uint32
	TSeg2 uint32
	SJW   uint32
}

type btLimits struct {
	name               string
	tseg1Min, tseg1Max uint32
	tseg2Min, tseg2Max uint32
	sjwMax             uint32
	brpMax             uint32
}

var (
	nominalLimits = btLimits{name: "nominal", tseg1Min: 2, tseg1Max: 256, tseg2Min: 1, tseg2Max: 128, sjwMax: 128, brpMax: 256}
	dataLimits    = btLimits{name: "data", tseg1Min: 1, tseg1Max: 32, tseg2Min: 1, tseg2Max: 16, sjwMax: 16, brpMax: 256}
)

func (bt BitTiming) validate(l btLimits) error {
	switch {
	case bt.BRP < 1 || bt.BRP > l.brpMax:
		return fmt.Errorf("%w: %s brp %d", ErrConfig, l.name, bt.BRP)
	case bt.TSeg1 < l.tseg1Min || bt.TSeg1 > l.tseg1Max:
		return fmt.Errorf("%w: %s tseg1 %d", ErrConfig, l.name, bt.TSeg1)
	case bt.TSeg2 < l.tseg2Min || bt.TSeg2 > l.tseg2Max:
		return fmt.Errorf("%w: %s tseg2 %d", ErrConfig, l.name, bt.TSeg2)
	case bt.SJW < 1 || bt.SJW > l.sjwMax || bt.SJW > bt.TSeg2:
		return fmt.Errorf("%w: %s sjw %d", ErrConfig, l.name, bt.SJW)
	}
	return nil
}

// Register packs the timing into NBTCFG/DBTCFG layout (fields stored minus one).
func (bt BitTiming) Register() uint32 {
	return (bt.SJW-1)<<btSJWShift |
		(bt.TSeg2-1)<<btTSEG2Shift |
		(bt.TSeg1-1)<<btTSEG1Shift |
		(bt.BRP-1)<<btBRPShift
}

// Bitrate is the resulting rate for clockHz.
func (bt BitTiming) Bitrate(clockHz uint32) uint32 {
	tq := bt.BRP * (1 + bt.TSeg1 + bt.TSeg2)
	if tq == 0 {
		return 0
	}
	return clockHz / tq
}

// CalcBitTiming finds the smallest prescaler giving an exact bitrate with
// the sample point closest to samplePoint (per mille, e.g. 875). data selects
// the data-phase limits.
func CalcBitTiming(clockHz, bitrate, samplePoint uint32, data bool) (BitTiming, error) {
	l := nominalLimits
	if data {
		l = dataLimits
	}
	if bitrate == 0 || clockHz%bitrate != 0 && clockHz/bitrate < 4 {
		return BitTiming{}, fmt.Errorf("%w: bitrate %d", ErrConfig, bitrate)
	}
	for brp := uint32(1); brp <= l.brpMax; brp++ {
		if clockHz%(brp*bitrate) != 0 {
			continue
		}
		tq := clockHz / (brp * bitrate)
		if tq < 1+l.tseg1Min+l.tseg2Min || tq > 1+l.tseg1Max+l.tseg2Max {
			continue
		}
		// sample point sits after sync + tseg1
		sp := (tq*samplePoint + 500) / 1000
		tseg1 := sp - 1
		tseg2 := tq - 1 - tseg1
		if tseg2 < l.tseg2Min {
			tseg2 = l.tseg2Min
			tseg1 = tq - 1 - tseg2
		}
		if tseg2 > l.tseg2Max {
			tseg2 = l.tseg2Max
			tseg1 = tq - 1 - tseg2
		}
		if tseg1 < l.tseg1Min || tseg1 > l.tseg1Max {
			continue
		}
		sjw := min(tseg2, l.sjwMax)
		return BitTiming{BRP: brp, TSeg1: tseg1, TSeg2: tseg2, SJW: sjw}, nil
	}
	return BitTiming{}, fmt.Errorf("%w: no exact timing for %d bit/s at %d Hz", ErrConfig, bitrate, clockHz)
}
