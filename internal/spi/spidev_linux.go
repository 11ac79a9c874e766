//go:build linux

package spi

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spi_ioc_transfer from <linux/spi/spidev.h>.
type iocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

const (
	spiIOCMagic = 'k'

	iocWrite     = 1
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func iow(nr, size uintptr) uintptr {
	return iocWrite<<iocDirShift | size<<iocSizeShift | spiIOCMagic<<iocTypeShift | nr<<iocNRShift
}

func iocMessage(n int) uintptr {
	return iow(0, uintptr(n)*unsafe.Sizeof(iocTransfer{}))
}

var (
	iocWrMode        = iow(1, 1)
	iocWrBitsPerWord = iow(3, 1)
	iocWrMaxSpeedHz  = iow(4, 4)
)

// Options for a spidev link.
type Options struct {
	Mode       uint8  // SPI mode 0..3; the controller uses mode 0
	MaxSpeedHz uint32 // device default speed
	HalfDuplex bool   // set for controllers that cannot do full duplex
}

// Device is a /dev/spidevB.C link.
type Device struct {
	mu     sync.Mutex
	fd     int
	opts   Options
	closed bool
}

// Open opens and configures a spidev node.
func Open(path string, opts Options) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	mode := opts.Mode
	if err := ioctlPtr(fd, iocWrMode, unsafe.Pointer(&mode)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("spi mode: %w", err)
	}
	bits := uint8(8)
	if err := ioctlPtr(fd, iocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("spi bits per word: %w", err)
	}
	if opts.MaxSpeedHz != 0 {
		speed := opts.MaxSpeedHz
		if err := ioctlPtr(fd, iocWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("spi max speed: %w", err)
		}
	}
	return &Device{fd: fd, opts: opts}, nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// HalfDuplex reports the configured capability.
func (d *Device) HalfDuplex() bool { return d.opts.HalfDuplex }

// Transfer runs all segments as one SPI_IOC_MESSAGE.
func (d *Device) Transfer(speedHz uint32, xfers ...Transfer) error {
	if len(xfers) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	msgs := make([]iocTransfer, len(xfers))
	tx := make([][]byte, len(xfers))
	rx := make([][]byte, len(xfers))
	for i, x := range xfers {
		n := x.Len()
		if n == 0 {
			continue
		}
		tx[i] = x.W
		if len(tx[i]) < n {
			tx[i] = make([]byte, n)
			copy(tx[i], x.W)
		}
		msgs[i] = iocTransfer{
			txBuf:       uint64(uintptr(unsafe.Pointer(&tx[i][0]))),
			length:      uint32(n),
			speedHz:     speedHz,
			bitsPerWord: 8,
		}
		if len(x.R) > 0 {
			rx[i] = x.R
			if len(rx[i]) < n {
				rx[i] = make([]byte, n)
			}
			msgs[i].rxBuf = uint64(uintptr(unsafe.Pointer(&rx[i][0])))
		}
	}
	err := ioctlPtr(d.fd, iocMessage(len(msgs)), unsafe.Pointer(&msgs[0]))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	for i, x := range xfers {
		if len(x.R) > 0 && len(rx[i]) != len(x.R) {
			copy(x.R, rx[i])
		}
	}
	if err != nil {
		return fmt.Errorf("spi transfer: %w", err)
	}
	return nil
}

// Close releases the device node.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}
