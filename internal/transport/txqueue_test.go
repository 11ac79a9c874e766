package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

var (
	errSendFail = errors.New("send fail")
	errBusy     = errors.New("busy")
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// TestTxQueueSuccess verifies frames are sent in order and hooks fire.
func TestTxQueueSuccess(t *testing.T) {
	var mu sync.Mutex
	var ids []uint32
	var after atomic.Int64
	q := NewTxQueue(context.Background(), 4, func(fr can.Frame) error {
		mu.Lock()
		ids = append(ids, fr.CANID)
		mu.Unlock()
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer q.Close()
	for i := 0; i < 3; i++ {
		if err := q.SendFrame(can.Frame{CANID: uint32(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	if !waitFor(t, 200*time.Millisecond, func() bool { return after.Load() == 3 }) {
		t.Fatalf("expected 3 after hooks, got %d", after.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if id != uint32(i) {
			t.Fatalf("out of order: %v", ids)
		}
	}
}

// TestTxQueueOverflowWhileStopped ensures OnDrop fires once the buffer is full.
func TestTxQueueOverflowWhileStopped(t *testing.T) {
	var sent atomic.Int64
	errOverflow := errors.New("overflow")
	q := NewTxQueue(context.Background(), 1, func(can.Frame) error { sent.Add(1); return nil },
		Hooks{OnDrop: func() error { return errOverflow }})
	defer q.Close()
	q.Stop()
	if err := q.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	if err := q.SendFrame(can.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != 0 || q.Len() != 1 {
		t.Fatalf("stopped queue sent=%d len=%d", sent.Load(), q.Len())
	}
	q.Wake()
	if !waitFor(t, 200*time.Millisecond, func() bool { return sent.Load() == 1 }) {
		t.Fatalf("frame not sent after wake")
	}
}

// TestTxQueueRetryAcrossWake holds a refused frame until Wake and resends it
// before anything queued behind it.
func TestTxQueueRetryAcrossWake(t *testing.T) {
	var mu sync.Mutex
	var got []uint32
	var busy atomic.Bool
	busy.Store(true)
	var q *TxQueue
	q = NewTxQueue(context.Background(), 4, func(fr can.Frame) error {
		if busy.Load() {
			q.Stop()
			return errBusy
		}
		mu.Lock()
		got = append(got, fr.CANID)
		mu.Unlock()
		return nil
	}, Hooks{Retry: func(err error) bool { return errors.Is(err, errBusy) }})
	defer q.Close()

	_ = q.SendFrame(can.Frame{CANID: 1})
	_ = q.SendFrame(can.Frame{CANID: 2})
	if !waitFor(t, 200*time.Millisecond, q.Stopped) {
		t.Fatalf("queue not stopped by refusing sender")
	}
	busy.Store(false)
	q.Wake()
	if !waitFor(t, 200*time.Millisecond, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 2 }) {
		t.Fatalf("frames not resent after wake")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("order after retry: %v", got)
	}
}

// TestTxQueueSendError triggers OnError hook for non-retryable errors.
func TestTxQueueSendError(t *testing.T) {
	var errs atomic.Int64
	q := NewTxQueue(context.Background(), 2, func(can.Frame) error { return errSendFail },
		Hooks{OnError: func(error) { errs.Add(1) }, Retry: func(err error) bool { return errors.Is(err, errBusy) }})
	defer q.Close()
	_ = q.SendFrame(can.Frame{})
	_ = q.SendFrame(can.Frame{})
	if !waitFor(t, 200*time.Millisecond, func() bool { return errs.Load() == 2 }) {
		t.Fatalf("expected 2 error hook invocations, got %d", errs.Load())
	}
}

// TestTxQueueClose stops processing further frames.
func TestTxQueueClose(t *testing.T) {
	var sent atomic.Int64
	q := NewTxQueue(context.Background(), 2, func(can.Frame) error { sent.Add(1); return nil }, Hooks{})
	_ = q.SendFrame(can.Frame{})
	q.Close()
	countAfterClose := sent.Load()
	if err := q.SendFrame(can.Frame{CANID: 123}); !errors.Is(err, ErrTxQueueClosed) {
		t.Fatalf("expected ErrTxQueueClosed, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != countAfterClose {
		t.Fatalf("frame processed after close: before=%d after=%d", countAfterClose, sent.Load())
	}
}

// TestTxQueueCloseWhileRetrying must not hang on a frame waiting for Wake.
func TestTxQueueCloseWhileRetrying(t *testing.T) {
	var tries atomic.Int64
	q := NewTxQueue(context.Background(), 1, func(can.Frame) error { tries.Add(1); return errBusy },
		Hooks{Retry: func(error) bool { return true }})
	_ = q.SendFrame(can.Frame{})
	waitFor(t, 100*time.Millisecond, func() bool { return tries.Load() > 0 })
	done := make(chan struct{})
	go func() { q.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on retrying frame")
	}
}

func TestTxQueueCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		q := NewTxQueue(context.Background(), 1, func(can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- q.SendFrame(can.Frame{})
		}()
		time.Sleep(1 * time.Millisecond)
		q.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrTxQueueClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
