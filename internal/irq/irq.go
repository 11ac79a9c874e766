// Package irq provides interrupt sources that wake the controller drain loop.
package irq

import (
	"context"
	"time"
)

// Source blocks until the controller may have pending interrupts.
type Source interface {
	Wait(ctx context.Context) error
	Close() error
}

// Ticker is a polling source for boards without the INT line wired.
type Ticker struct {
	interval time.Duration
	t        *time.Ticker
}

// NewTicker returns a source that fires every interval.
func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Ticker{interval: interval, t: time.NewTicker(interval)}
}

func (s *Ticker) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.t.C:
		return nil
	}
}

func (s *Ticker) Close() error { s.t.Stop(); return nil }

// Chan is a source fed by a channel; a send is one interrupt.
type Chan chan struct{}

func (c Chan) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c:
		return nil
	}
}

func (c Chan) Close() error { return nil }

// Fire signals one interrupt without blocking; a pending signal absorbs it.
func (c Chan) Fire() {
	select {
	case c <- struct{}{}:
	default:
	}
}
