package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcpfd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the controller's RX FIFOs.",
	})
	CANRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_bytes_total",
		Help: "Total payload bytes received from the bus.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames confirmed sent through the transmit event FIFO.",
	})
	CANTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_bytes_total",
		Help: "Total payload bytes confirmed sent.",
	})
	CANRxOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_overflow_total",
		Help: "Total RX FIFO overflows reported by the controller.",
	})
	CANBusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_errors_total",
		Help: "Total bus error interrupts.",
	})
	CANBusOff = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_off_total",
		Help: "Total transitions into bus-off.",
	})
	CANBusState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_bus_state",
		Help: "Bus state: 0 active, 1 warning, 2 passive, 3 bus-off, 4 stopped, 5 sleeping.",
	})
	SPITransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spi_transfers_total",
		Help: "Total register transfers issued to the controller.",
	})
	IRQCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irq_calls_total",
		Help: "Total interrupt assertions handled.",
	})
	IRQLoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irq_loops_total",
		Help: "Total status block reads inside the interrupt drain loop.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN mirror interface.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN mirror interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubFilteredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_filtered_frames_total",
		Help: "Total CAN frames skipped for clients lacking FD or error-frame capability.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
	debugMu     sync.RWMutex
	debugFn     func() any
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrTCPAccept      = "tcp_accept"
	ErrHandshake      = "handshake"
	ErrSPITransfer    = "spi_transfer"
	ErrBridgeWrite    = "bridge_write"
	ErrBridgeRead     = "bridge_read"
	ErrBridgeTimeout  = "bridge_timeout"
	ErrSubmit         = "can_submit"
	ErrQueueOverflow  = "can_tx_overflow"
	ErrIRQ            = "irq"
	ErrECC            = "ecc"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
)

// StartHTTP serves Prometheus metrics at /metrics, readiness at /ready and
// the controller snapshot at /debug/mcpfd.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	mux.HandleFunc("/debug/mcpfd", DebugHandler)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// DebugHandler writes the registered debug snapshot as JSON.
func DebugHandler(w http.ResponseWriter, r *http.Request) {
	debugMu.RLock()
	fn := debugFn
	debugMu.RUnlock()
	if fn == nil {
		http.Error(w, "no device", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fn()); err != nil {
		logging.L().Warn("debug_encode_error", "error", err)
	}
}

// SetDebugFunc registers the snapshot source served at /debug/mcpfd.
func SetDebugFunc(fn func() any) { debugMu.Lock(); debugFn = fn; debugMu.Unlock() }

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx       uint64
	localCANTx       uint64
	localOverflow    uint64
	localBusErrors   uint64
	localBusOff      uint64
	localSPI         uint64
	localIRQCalls    uint64
	localIRQLoops    uint64
	localSocketCANTx uint64
	localSocketCANRx uint64
	localTCPRx       uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubFiltered uint64
	localHubReject   uint64
	localErrors      uint64
	localHubClients  uint64
	localFanout      uint64
	localMalformed   uint64
	localQDMax       uint64
	localQDAvg       uint64
	localBusState    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx         uint64
	CANTx         uint64
	RxOverflows   uint64
	BusErrors     uint64
	BusOff        uint64
	BusState      uint64
	SPITransfers  uint64
	IRQCalls      uint64
	IRQLoops      uint64
	SocketCANRx   uint64
	SocketCANTx   uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubFiltered   uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:         atomic.LoadUint64(&localCANRx),
		CANTx:         atomic.LoadUint64(&localCANTx),
		RxOverflows:   atomic.LoadUint64(&localOverflow),
		BusErrors:     atomic.LoadUint64(&localBusErrors),
		BusOff:        atomic.LoadUint64(&localBusOff),
		BusState:      atomic.LoadUint64(&localBusState),
		SPITransfers:  atomic.LoadUint64(&localSPI),
		IRQCalls:      atomic.LoadUint64(&localIRQCalls),
		IRQLoops:      atomic.LoadUint64(&localIRQLoops),
		SocketCANRx:   atomic.LoadUint64(&localSocketCANRx),
		SocketCANTx:   atomic.LoadUint64(&localSocketCANTx),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubFiltered:   atomic.LoadUint64(&localHubFiltered),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

// IncRx counts one frame of n payload bytes received from the bus.
func IncRx(n int) {
	CANRxFrames.Inc()
	CANRxBytes.Add(float64(n))
	atomic.AddUint64(&localCANRx, 1)
}

// IncTx counts one completed transmission.
func IncTx(n int) {
	CANTxFrames.Inc()
	CANTxBytes.Add(float64(n))
	atomic.AddUint64(&localCANTx, 1)
}

func IncRxOverflow() {
	CANRxOverflows.Inc()
	atomic.AddUint64(&localOverflow, 1)
}

func IncBusError() {
	CANBusErrors.Inc()
	atomic.AddUint64(&localBusErrors, 1)
}

func IncBusOff() {
	CANBusOff.Inc()
	atomic.AddUint64(&localBusOff, 1)
}

// SetBusState publishes the numeric bus state.
func SetBusState(s int) {
	CANBusState.Set(float64(s))
	atomic.StoreUint64(&localBusState, uint64(s))
}

func IncSPITransfer() {
	SPITransfers.Inc()
	atomic.AddUint64(&localSPI, 1)
}

func IncIRQCall() {
	IRQCalls.Inc()
	atomic.AddUint64(&localIRQCalls, 1)
}

func IncIRQLoop() {
	IRQLoops.Inc()
	atomic.AddUint64(&localIRQLoops, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubFiltered() {
	HubFilteredFrames.Inc()
	atomic.AddUint64(&localHubFiltered, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSPITransfer, ErrBridgeWrite, ErrBridgeRead, ErrBridgeTimeout,
		ErrSubmit, ErrQueueOverflow, ErrIRQ, ErrECC,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
