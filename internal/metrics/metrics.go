package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/lorenzodimauro97/klipper/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_rx_frames_total",
		Help: "Total data frames accepted on the node's assigned identifier.",
	})
	RxDroppedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_rx_dropped_bytes_total",
		Help: "Total payload bytes dropped because the receive window was full.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_tx_frames_total",
		Help: "Total data frames transmitted on the node's data identifier.",
	})
	TxDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_tx_dropped_messages_total",
		Help: "Total outgoing messages dropped for lack of transmit buffer space.",
	})
	TxDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_tx_discards_total",
		Help: "Total transmit buffer discards while the node had no assigned address.",
	})
	Dispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_messages_dispatched_total",
		Help: "Total complete command messages handed to the dispatcher.",
	})
	AdminCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canbus_admin_commands_total",
		Help: "Admin channel commands processed, by command name.",
	}, []string{"cmd"})
	AdminResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_admin_responses_total",
		Help: "Total identity responses emitted on the admin response identifier.",
	})
	Collisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_address_collisions_total",
		Help: "Total detected address collisions (self-eviction events).",
	})
	Malformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbus_malformed_total",
		Help: "Total ignored malformed or unrecognized admin frames and command blocks.",
	})
	AssignedAddress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canbus_assigned_address",
		Help: "Currently assigned bus address (0 = unassigned).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	NodeInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canbus_node_info",
		Help: "Node identity (value is always 1).",
	}, []string{"uuid"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Admin command label values (stable, bounded cardinality).
const (
	CmdQueryUnassigned = "query_unassigned"
	CmdQuery           = "query"
	CmdSetID           = "set_canid"
	CmdReboot          = "reboot"
)

// Error label constants.
const (
	ErrDriverSend   = "driver_send"
	ErrDriverRead   = "driver_read"
	ErrDriverFilter = "driver_filter"
	ErrDriverReboot = "driver_reboot"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
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
	localRxFrames   uint64
	localRxDropped  uint64
	localTxFrames   uint64
	localTxDropped  uint64
	localTxDiscards uint64
	localDispatched uint64
	localAdminCmds  uint64
	localAdminResp  uint64
	localCollisions uint64
	localMalformed  uint64
	localErrors     uint64
	localAssignedID uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames        uint64
	RxDroppedBytes  uint64
	TxFrames        uint64
	TxDroppedMsgs   uint64
	TxDiscards      uint64
	Dispatched      uint64
	AdminCommands   uint64
	AdminResponses  uint64
	Collisions      uint64
	Malformed       uint64
	Errors          uint64
	AssignedAddress uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:        atomic.LoadUint64(&localRxFrames),
		RxDroppedBytes:  atomic.LoadUint64(&localRxDropped),
		TxFrames:        atomic.LoadUint64(&localTxFrames),
		TxDroppedMsgs:   atomic.LoadUint64(&localTxDropped),
		TxDiscards:      atomic.LoadUint64(&localTxDiscards),
		Dispatched:      atomic.LoadUint64(&localDispatched),
		AdminCommands:   atomic.LoadUint64(&localAdminCmds),
		AdminResponses:  atomic.LoadUint64(&localAdminResp),
		Collisions:      atomic.LoadUint64(&localCollisions),
		Malformed:       atomic.LoadUint64(&localMalformed),
		Errors:          atomic.LoadUint64(&localErrors),
		AssignedAddress: atomic.LoadUint64(&localAssignedID),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRxFrame() {
	RxFrames.Inc()
	atomic.AddUint64(&localRxFrames, 1)
}

func AddRxDroppedBytes(n int) {
	if n <= 0 {
		return
	}
	RxDroppedBytes.Add(float64(n))
	atomic.AddUint64(&localRxDropped, uint64(n))
}

func IncTxFrame() {
	TxFrames.Inc()
	atomic.AddUint64(&localTxFrames, 1)
}

func IncTxDroppedMessage() {
	TxDroppedMessages.Inc()
	atomic.AddUint64(&localTxDropped, 1)
}

func IncTxDiscard() {
	TxDiscards.Inc()
	atomic.AddUint64(&localTxDiscards, 1)
}

func IncDispatched() {
	Dispatched.Inc()
	atomic.AddUint64(&localDispatched, 1)
}

func IncAdminCommand(cmd string) {
	AdminCommands.WithLabelValues(cmd).Inc()
	atomic.AddUint64(&localAdminCmds, 1)
}

func IncAdminResponse() {
	AdminResponses.Inc()
	atomic.AddUint64(&localAdminResp, 1)
}

func IncCollision() {
	Collisions.Inc()
	atomic.AddUint64(&localCollisions, 1)
}

func IncMalformed() {
	Malformed.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetAssignedAddress records the node's current bus address.
func SetAssignedAddress(id uint32) {
	AssignedAddress.Set(float64(id))
	atomic.StoreUint64(&localAssignedID, uint64(id))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register the label series so first increments are cheap.
	for _, lbl := range []string{ErrDriverSend, ErrDriverRead, ErrDriverFilter, ErrDriverReboot} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, lbl := range []string{CmdQueryUnassigned, CmdQuery, CmdSetID, CmdReboot} {
		AdminCommands.WithLabelValues(lbl).Add(0)
	}
}

// SetNodeInfo records the node identity series once the UUID is known.
func SetNodeInfo(uuid string) {
	NodeInfo.WithLabelValues(uuid).Set(1)
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
