package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

// TxQueue is the upstream send queue in front of the controller. Producers
// (TCP clients, the SocketCAN mirror) enqueue without blocking; a single
// worker hands frames to send in order.
//
// The consumer side can be stopped and woken from outside: the controller
// stops it when its last transmit slot is taken and wakes it once every slot
// has completed. While stopped, frames accumulate in the buffer; when the
// buffer is full SendFrame returns the OnDrop error.
//
//	q := NewTxQueue(ctx, buf, dev.Submit, hooks)
//	q.SendFrame(frame)
//	q.Close()
type TxQueue struct {
	mu      sync.Mutex
	ch      chan can.Frame
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	send    func(can.Frame) error
	hooks   Hooks
	closed  atomic.Bool
	stopped atomic.Bool
}

// Hooks customize TxQueue behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error and the frame is dropped.
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
	// Retry reports whether a failed frame is held and resent after the next
	// Wake instead of being dropped.
	Retry func(error) bool
}

var (
	// ErrTxQueueClosed is returned by SendFrame after Close.
	ErrTxQueueClosed = errors.New("tx queue closed")
	// ErrTxOverflow is the usual OnDrop result for the controller queue.
	ErrTxOverflow = errors.New("can tx queue overflow")
)

// NewTxQueue constructs a running TxQueue with a buffer of buf frames.
func NewTxQueue(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *TxQueue {
	ctx, cancel := context.WithCancel(parent)
	q := &TxQueue{
		ch:     make(chan can.Frame, buf),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *TxQueue) loop() {
	defer q.wg.Done()
	for {
		if q.stopped.Load() {
			if !q.waitWake() {
				return
			}
			continue
		}
		select {
		case fr, ok := <-q.ch:
			if !ok {
				return
			}
			if !q.deliver(fr) {
				return
			}
		case <-q.wake:
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *TxQueue) waitWake() bool {
	select {
	case <-q.wake:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// deliver sends fr, holding it across stop/wake cycles while Retry says so.
// It returns false when the queue shuts down.
func (q *TxQueue) deliver(fr can.Frame) bool {
	for {
		err := q.send(fr)
		if err == nil {
			if q.hooks.OnAfter != nil {
				q.hooks.OnAfter()
			}
			return true
		}
		if q.hooks.Retry == nil || !q.hooks.Retry(err) {
			if q.hooks.OnError != nil {
				q.hooks.OnError(err)
			}
			return true
		}
		if !q.waitWake() {
			return false
		}
		for q.stopped.Load() {
			if !q.waitWake() {
				return false
			}
		}
	}
}

// SendFrame queues a frame or returns the drop error if the buffer is full.
func (q *TxQueue) SendFrame(fr can.Frame) error {
	if q.closed.Load() {
		return ErrTxQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrTxQueueClosed
	}
	select {
	case q.ch <- fr:
		return nil
	default:
		if q.hooks.OnDrop != nil {
			return q.hooks.OnDrop()
		}
		return nil
	}
}

// Stop pauses the worker after the frame in hand. It never blocks.
func (q *TxQueue) Stop() {
	q.stopped.Store(true)
	q.nudge()
}

// Wake resumes a stopped worker. It never blocks.
func (q *TxQueue) Wake() {
	q.stopped.Store(false)
	q.nudge()
}

// nudge makes an idle worker re-check the stopped flag.
func (q *TxQueue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stopped reports whether the worker is paused.
func (q *TxQueue) Stopped() bool { return q.stopped.Load() }

// Len is the number of queued frames.
func (q *TxQueue) Len() int { return len(q.ch) }

// Close stops the worker and waits for it to exit. Queued frames are dropped.
func (q *TxQueue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.cancel()
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}
