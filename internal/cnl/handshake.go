package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is the greeting both peers send once after connecting.
const Hello = "CANNELLONIv1"

// ErrBadHello reports a peer greeting other than Hello.
var ErrBadHello = errors.New("bad hello")

// Handshake sends Hello and expects the same back. It gives up at the earlier
// of timeout and the ctx deadline, or when ctx is cancelled. The connection
// deadline is cleared on success only.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	// Cancellation expires the deadline so blocked IO returns at once.
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, Hello)
		wrote <- err
	}()

	var buf [len(Hello)]byte
	_, err := io.ReadFull(c, buf[:])
	if err == nil && string(buf[:]) != Hello {
		err = fmt.Errorf("%w: %q", ErrBadHello, buf[:])
	}
	if err == nil {
		err = <-wrote
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("handshake: %w", err)
	}
	if !stop() {
		return ctx.Err()
	}
	return c.SetDeadline(time.Time{})
}
