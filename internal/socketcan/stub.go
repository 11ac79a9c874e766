//go:build !linux

package socketcan

import "errors"

var (
	// ErrTxOverflow matches the linux writer's error so callers classify
	// queue drops the same way on every platform.
	ErrTxOverflow = errors.New("socketcan tx overflow")
	// ErrUnsupported is returned where no AF_CAN sockets exist.
	ErrUnsupported = errors.New("socketcan: not supported on this platform")
)
