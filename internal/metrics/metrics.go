package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	BusRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Total CAN frames read from the bus backend.",
	})
	BusTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Total CAN frames written to the bus backend.",
	})
	AcceptedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proto_accepted_frames_total",
		Help: "Frames addressed to this node and queued for dispatch.",
	})
	FilteredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proto_filtered_frames_total",
		Help: "Frames ignored because they were not addressed to this node.",
	})
	OverflowDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proto_overflow_drops_total",
		Help: "Frames dropped because a receive ring buffer was full.",
	})
	Dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proto_dispatched_total",
		Help: "Commands dispatched to a handler, by command.",
	}, []string{"command"})
	Unhandled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proto_unhandled_total",
		Help: "Received commands with no registered handler.",
	})
	FlashBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iap_flash_blocks_written_total",
		Help: "Program blocks written to the firmware partition.",
	})
	RejectedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iap_rejected_chunks_total",
		Help: "Data chunks dropped (wrong length, wrong state, missing payload).",
	})
	Sessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iap_sessions_started_total",
		Help: "Update sessions started (update-start requests honored).",
	})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iap_session_state",
		Help: "Current update session state (0 idle, 1 awaiting length, 2 streaming, 3 failed).",
	})
	SessionOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iap_session_offset_bytes",
		Help: "Bytes flushed to flash in the current session.",
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
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrGatewayDial    = "gateway_dial"
	ErrGatewayRead    = "gateway_read"
	ErrGatewayWrite   = "gateway_write"
	ErrTxBusy         = "tx_busy"
	ErrTxTimeout      = "tx_timeout"
	ErrFlash          = "flash"
	ErrEvents         = "events"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localBusRx      uint64
	localBusTx      uint64
	localAccepted   uint64
	localFiltered   uint64
	localOverflow   uint64
	localDispatched uint64
	localUnhandled  uint64
	localBlocks     uint64
	localRejected   uint64
	localSessions   uint64
	localErrors     uint64
	localMalformed  uint64
	localState      uint64
	localOffset     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BusRx          uint64
	BusTx          uint64
	Accepted       uint64
	Filtered       uint64
	OverflowDrops  uint64
	Dispatched     uint64
	Unhandled      uint64
	FlashBlocks    uint64
	RejectedChunks uint64
	Sessions       uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
	SessionState   uint64
	SessionOffset  uint64
}

func Snap() Snapshot {
	return Snapshot{
		BusRx:          atomic.LoadUint64(&localBusRx),
		BusTx:          atomic.LoadUint64(&localBusTx),
		Accepted:       atomic.LoadUint64(&localAccepted),
		Filtered:       atomic.LoadUint64(&localFiltered),
		OverflowDrops:  atomic.LoadUint64(&localOverflow),
		Dispatched:     atomic.LoadUint64(&localDispatched),
		Unhandled:      atomic.LoadUint64(&localUnhandled),
		FlashBlocks:    atomic.LoadUint64(&localBlocks),
		RejectedChunks: atomic.LoadUint64(&localRejected),
		Sessions:       atomic.LoadUint64(&localSessions),
		Errors:         atomic.LoadUint64(&localErrors),
		Malformed:      atomic.LoadUint64(&localMalformed),
		SessionState:   atomic.LoadUint64(&localState),
		SessionOffset:  atomic.LoadUint64(&localOffset),
	}
}

// Wrapper helpers to keep call sites simple.
func IncBusRx() {
	BusRxFrames.Inc()
	atomic.AddUint64(&localBusRx, 1)
}

func IncBusTx() {
	BusTxFrames.Inc()
	atomic.AddUint64(&localBusTx, 1)
}

// IncAccepted is called from the receive path for every queued frame.
func IncAccepted() {
	AcceptedFrames.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncFiltered() {
	FilteredFrames.Inc()
	atomic.AddUint64(&localFiltered, 1)
}

func IncOverflow() {
	OverflowDrops.Inc()
	atomic.AddUint64(&localOverflow, 1)
}

// IncDispatched counts a handled command; label is the command name.
func IncDispatched(command string) {
	Dispatched.WithLabelValues(command).Inc()
	atomic.AddUint64(&localDispatched, 1)
}

func IncUnhandled() {
	Unhandled.Inc()
	atomic.AddUint64(&localUnhandled, 1)
}

func IncFlashBlock() {
	FlashBlocks.Inc()
	atomic.AddUint64(&localBlocks, 1)
}

func IncRejectedChunk() {
	RejectedChunks.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncSession() {
	Sessions.Inc()
	atomic.AddUint64(&localSessions, 1)
}

// SetSession records the session state and flushed offset.
func SetSession(state int, offset uint32) {
	SessionState.Set(float64(state))
	SessionOffset.Set(float64(offset))
	atomic.StoreUint64(&localState, uint64(state))
	atomic.StoreUint64(&localOffset, uint64(offset))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialRead, ErrSerialWrite,
		ErrSocketCANRead, ErrSocketCANWrite,
		ErrGatewayDial, ErrGatewayRead, ErrGatewayWrite,
		ErrTxBusy, ErrTxTimeout, ErrFlash, ErrEvents,
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
