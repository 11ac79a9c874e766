package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
	"github.com/kstaniek/go-mcpfd/internal/cnl"
	"github.com/kstaniek/go-mcpfd/internal/hub"
	"github.com/kstaniek/go-mcpfd/internal/logging"
	"github.com/kstaniek/go-mcpfd/internal/metrics"
	"github.com/kstaniek/go-mcpfd/internal/transport"
)

// SendFunc hands a client frame to the controller send queue.
type SendFunc func(can.Frame) error

// Server accepts cannelloni clients. Frames from clients go to Send; frames
// broadcast on Hub go to every client whose capabilities allow them.
type Server struct {
	mu    sync.RWMutex
	addr  string
	Hub   *hub.Hub
	Codec transport.FrameDecoder // *cnl.Codec implements
	Send  SendFunc

	frameFilter func(*can.Frame) bool
	clientCaps  hub.Caps

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener

	clientsMu sync.RWMutex
	clients   map[uint64]*client
	wg        sync.WaitGroup
	nextID    atomic.Uint64

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalQueueOverflow atomic.Uint64
	totalSubmitErrors  atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuffer     = 512
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[uint64]*client),
		logger:           logging.L(),
		clientCaps:       hub.CapAll,
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption            { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption                { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.FrameDecoder) ServerOption { return func(s *Server) { s.Codec = c } }
func WithSend(send SendFunc) ServerOption             { return func(s *Server) { s.Send = send } }

// WithFrameFilter drops client frames for which fn returns false before they
// reach Send.
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

// WithClientCaps sets the frame kinds pushed to every new client.
func WithClientCaps(c hub.Caps) ServerOption { return func(s *Server) { s.clientCaps = c } }

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve listens and accepts clients until ctx ends. It returns nil on
// cancellation.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			s.setError(wrap)
			return wrap
		}
		s.totalAccepted.Add(1)
		// The handshake runs off the accept loop so a slow client cannot
		// stall others.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.admit(ctx, conn)
		}()
	}
}

// admit performs the hello exchange, applies the client limit and starts the
// client's IO loops.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1)
	log := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		log.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	c := s.newClient(id, conn, log)
	s.totalConnected.Add(1)
	log.Info("client_connected")
	s.wg.Add(2)
	go func() { defer s.wg.Done(); c.writeLoop(ctx.Done()) }()
	go func() { defer s.wg.Done(); c.readLoop(ctx.Done()) }()
}

// newClient registers a client with the hub and the server.
func (s *Server) newClient(id uint64, conn net.Conn, log *slog.Logger) *client {
	bufSize := defaultClientBuffer
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		bufSize = s.Hub.OutBufSize
	}
	c := &client{
		id:        id,
		srv:       s,
		conn:      conn,
		log:       log,
		connected: time.Now(),
		hc:        hub.NewClient(bufSize, s.clientCaps),
	}
	if s.Hub != nil {
		s.Hub.Add(c.hc)
		metrics.SetHubClients(s.Hub.Count())
	}
	s.clientsMu.Lock()
	s.clients[id] = c
	s.clientsMu.Unlock()
	return c
}

// dropClient unregisters c. It is idempotent.
func (s *Server) dropClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	if s.Hub != nil {
		s.Hub.Remove(c.hc)
		metrics.SetHubClients(s.Hub.Count())
	}
	s.totalDisconnected.Add(1)
}

// Clients describes the connected clients, oldest first.
func (s *Server) Clients() []ClientInfo {
	s.clientsMu.RLock()
	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.info())
	}
	s.clientsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown closes the listener and every client, then waits for the client
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.RLock()
	for _, c := range s.clients {
		_ = c.conn.Close()
	}
	s.clientsMu.RUnlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"queue_overflow", s.totalQueueOverflow.Load(),
			"submit_errors", s.totalSubmitErrors.Load())
		return nil
	}
}
