// Package hub fans frames drained from the controller out to TCP clients.
package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/logging"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // lose the frame, keep the client
	PolicyKick                           // disconnect the client
)

var ErrPolicy = errors.New("unknown backpressure policy")

// ParsePolicy accepts "drop" or "kick".
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("%w: %q", ErrPolicy, s)
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Caps are the frame kinds a client can take.
type Caps uint8

const (
	CapFD Caps = 1 << iota // frames longer than 8 bytes or with FD flags
	CapErrFrames           // synthetic error frames

	CapAll = CapFD | CapErrFrames
)

type Client struct {
	Out    chan can.Frame
	Closed chan struct{}
	Caps   Caps

	lagged    atomic.Uint64
	closeOnce sync.Once
}

// NewClient returns a client with an outbound queue of buf frames.
func NewClient(buf int, caps Caps) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{}), Caps: caps}
}

// Accepts reports whether fr may be queued to the client.
func (c *Client) Accepts(fr *can.Frame) bool {
	if fr.IsError() && c.Caps&CapErrFrames == 0 {
		return false
	}
	if fr.IsFD() && c.Caps&CapFD == 0 {
		return false
	}
	return true
}

// Lagged counts frames this client lost to a full queue.
func (c *Client) Lagged() uint64 { return c.lagged.Load() }

// Close signals the client is closed (idempotent).
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters c and closes it; safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(n)
	if ok && n == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues fr to every client that accepts it without blocking. A
// full queue is handled per Policy.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	deepest, total := 0, 0
	for _, c := range clients {
		if !c.Accepts(&fr) {
			metrics.IncHubFiltered()
			continue
		}
		select {
		case c.Out <- fr:
		default:
			c.lagged.Add(1)
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // the server's writer notices and unregisters
			} else {
				metrics.IncHubDrop()
			}
		}
		d := len(c.Out)
		deepest = max(deepest, d)
		total += d
	}
	metrics.SetQueueDepth(deepest, total/len(clients))
}

// Snapshot copies the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
