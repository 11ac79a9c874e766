//go:build linux

package irq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// sysfsRoot is a test hook.
var sysfsRoot = "/sys/class/gpio"

// GPIO waits for edges on a sysfs GPIO line. The controller INT pin is active
// low, so the line is configured for falling edges.
type GPIO struct {
	fd   int
	pin  int
	poll time.Duration
}

// OpenGPIO exports pin (if needed) and arms edge detection.
func OpenGPIO(pin int) (*GPIO, error) {
	dir := filepath.Join(sysfsRoot, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(sysfsRoot, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("gpio export %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o644); err != nil {
		return nil, fmt.Errorf("gpio %d direction: %w", pin, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "edge"), []byte("falling"), 0o644); err != nil {
		return nil, fmt.Errorf("gpio %d edge: %w", pin, err)
	}
	fd, err := unix.Open(filepath.Join(dir, "value"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio %d value: %w", pin, err)
	}
	g := &GPIO{fd: fd, pin: pin, poll: 100 * time.Millisecond}
	g.ack()
	return g, nil
}

// ack consumes the current value so the next poll waits for a new edge.
func (g *GPIO) ack() (low bool) {
	var b [2]byte
	_, _ = unix.Seek(g.fd, 0, 0)
	n, _ := unix.Read(g.fd, b[:])
	return n > 0 && b[0] == '0'
}

// Wait returns on a falling edge, or immediately while the line is still low
// (level semantics: the controller keeps INT asserted until drained).
func (g *GPIO) Wait(ctx context.Context) error {
	if g.ack() {
		return nil
	}
	fds := []unix.PollFd{{Fd: int32(g.fd), Events: unix.POLLPRI | unix.POLLERR}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(g.poll/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("gpio %d poll: %w", g.pin, err)
		}
		if n > 0 {
			g.ack()
			return nil
		}
	}
}

func (g *GPIO) Close() error { return unix.Close(g.fd) }
