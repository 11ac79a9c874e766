package serial

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// Bridge envelope:
//
//	2D D4 LEN_HI LEN_LO DATA... CHK
//
// LEN counts DATA plus the checksum byte. CHK = 0x2D + LEN_HI + LEN_LO + sum(DATA) (mod 256).
//
// Request DATA:  INS_XFER | speed_hz(4, BE) | mosi bytes
// Response DATA: INS_RESP | status | miso bytes (same count as mosi)
const (
	pre0 = 0x2D
	pre1 = 0xD4

	insXfer = 0x53
	insResp = 0x73

	statusOK = 0x00

	// MaxPayload bounds one chip-select window. It covers a full bulk read of
	// the controller's message RAM plus the command word.
	MaxPayload = 4096
)

var (
	ErrPayloadTooLarge = errors.New("bridge payload too large")
	ErrBridgeStatus    = errors.New("bridge reported failure")
)

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

func envelope(data []byte) []byte {
	n := len(data) + 1
	frame := make([]byte, 4+len(data)+1)
	frame[0] = pre0
	frame[1] = pre1
	binary.BigEndian.PutUint16(frame[2:4], uint16(n))
	sum := byte(pre0) + frame[2] + frame[3]
	for i, b := range data {
		frame[4+i] = b
		sum += b
	}
	frame[len(frame)-1] = sum
	return frame
}

// EncodeTransfer builds the request for one chip-select window.
func EncodeTransfer(speedHz uint32, mosi []byte) ([]byte, error) {
	if len(mosi) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	data := make([]byte, 5+len(mosi))
	data[0] = insXfer
	binary.BigEndian.PutUint32(data[1:5], speedHz)
	copy(data[5:], mosi)
	return envelope(data), nil
}

// encodeResponse is the bridge side of the protocol; tests use it to play the
// bridge firmware.
func encodeResponse(status byte, miso []byte) []byte {
	data := make([]byte, 2+len(miso))
	data[0] = insResp
	data[1] = status
	copy(data[2:], miso)
	return envelope(data)
}

// DecodeResponse scans in for one complete response and returns its MISO
// bytes. ok is false when more input is needed. Garbage and corrupt frames are
// skipped and counted as malformed.
func DecodeResponse(in *bytes.Buffer) (miso []byte, ok bool, err error) {
	const (
		minLn = 2 + 1 // INS + status + checksum
		maxLn = 2 + MaxPayload + 1
	)
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 2 {
			return nil, false, nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next chunk starts with the second preamble byte
			last := data[len(data)-1]
			in.Reset()
			_ = in.WriteByte(last)
			return nil, false, nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		if len(data) < 4 {
			return nil, false, nil
		}
		ln := int(binary.BigEndian.Uint16(data[2:4]))
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 4 + ln
		if len(data) < req {
			return nil, false, nil
		}
		sum := byte(pre0) + data[2] + data[3]
		for _, b := range data[4 : req-1] {
			sum += b
		}
		if sum != data[req-1] || data[4] != insResp {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		status := data[5]
		out := make([]byte, req-1-6)
		copy(out, data[6:req-1])
		in.Next(req)
		if status != statusOK {
			return nil, true, ErrBridgeStatus
		}
		return out, true, nil
	}
}
