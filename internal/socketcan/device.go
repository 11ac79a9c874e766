//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// struct canfd_frame offsets; struct can_frame shares the first 8 bytes
// header with the length byte at 4 (flags at 5 for FD).
const (
	offID    = 0
	offLen   = 4
	offFlags = 5
	offData  = 8

	// canfdMTU is sizeof(struct canfd_frame); x/sys/unix does not export it.
	canfdMTU = 72
)

type Device struct {
	fd   int
	fd64 bool
}

// Open binds a raw socket to iface. With fd set the socket accepts CAN-FD
// frames; kernels without FD support fall back to classic frames.
func Open(iface string, fd bool) (*Device, error) {
	s, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	on := 0
	if fd {
		on = 1
	}
	if err := unix.SetsockoptInt(s, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, on); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(s)
			return nil, fmt.Errorf("set CAN FD frames: %w", err)
		}
		fd = false
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(s)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(s, sa); err != nil {
		_ = unix.Close(s)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: s, fd64: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic or FD frame from the raw CAN socket.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [canfdMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	// Fields are in host byte order; little-endian on every supported target.
	fr.CANID = binary.LittleEndian.Uint32(buf[offID:])
	fr.Flags = 0
	switch n {
	case unix.CAN_MTU:
		fr.Len = min(buf[offLen], can.MaxClassicLen)
	case canfdMTU:
		fr.Len = min(buf[offLen], can.MaxFDLen)
		fr.Flags = buf[offFlags] | can.CANFD_FDF
	default:
		return fmt.Errorf("short read: %d", n)
	}
	copy(fr.Data[:], buf[offData:offData+int(fr.Len)])
	return nil
}

// WriteFrame writes fr, as an FD frame when it needs FD framing.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [canfdMTU]byte
	binary.LittleEndian.PutUint32(buf[offID:], fr.CANID)
	mtu := unix.CAN_MTU
	n := fr.Len
	if fr.IsFD() && d.fd64 {
		mtu = canfdMTU
		buf[offFlags] = fr.Flags &^ can.CANFD_FDF
	} else if n > can.MaxClassicLen {
		n = can.MaxClassicLen
	}
	buf[offLen] = n
	copy(buf[offData:], fr.Data[:n])
	_, err := unix.Write(d.fd, buf[:mtu])
	return err
}
