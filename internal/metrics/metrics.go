package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-carbus/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	LinkRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN data frames read from links.",
	})
	LinkTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to links.",
	})
	ErrorFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_error_frames_total",
		Help: "Kernel error frames by error class.",
	}, []string{"class"})
	ISOTPRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_rx_messages_total",
		Help: "Total ISO-TP messages delivered to consumers with result N_OK.",
	})
	ISOTPTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_tx_messages_total",
		Help: "Total ISO-TP messages confirmed sent with result N_OK.",
	})
	ISOTPResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_results_total",
		Help: "ISO-TP transfer outcomes by direction and result code.",
	}, []string{"direction", "result"})
	ISOTPActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "isotp_active_sessions",
		Help: "Current number of in-flight segmented transfers.",
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
		Help: "Total rejected malformed frames (bad size, bad length, bad PCI, bad serial line).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrLinkRead   = "link_read"
	ErrLinkWrite  = "link_write"
	ErrLinkPoll   = "link_poll"
	ErrSerialRead = "serial_read"
	ErrSerialNack = "serial_nack"
	ErrISOTPWrite = "isotp_write"
	ErrBind       = "bind"
	ErrLoopPanic  = "loop_panic"
)

// Handler returns the mux serving /metrics and /ready.
func Handler() http.Handler {
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
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
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
	localRx        uint64
	localTx        uint64
	localErrFrames uint64
	localISOTPRx   uint64
	localISOTPTx   uint64
	localAborts    uint64
	localSessions  int64
	localErrors    uint64
	localMalformed uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames    uint64
	TxFrames    uint64
	ErrorFrames uint64
	ISOTPRx     uint64
	ISOTPTx     uint64
	ISOTPAborts uint64 // transfers that ended with a result other than N_OK
	Sessions    int64
	Errors      uint64 // sum across error labels
	Malformed   uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:    atomic.LoadUint64(&localRx),
		TxFrames:    atomic.LoadUint64(&localTx),
		ErrorFrames: atomic.LoadUint64(&localErrFrames),
		ISOTPRx:     atomic.LoadUint64(&localISOTPRx),
		ISOTPTx:     atomic.LoadUint64(&localISOTPTx),
		ISOTPAborts: atomic.LoadUint64(&localAborts),
		Sessions:    atomic.LoadInt64(&localSessions),
		Errors:      atomic.LoadUint64(&localErrors),
		Malformed:   atomic.LoadUint64(&localMalformed),
	}
}

// IncRx increments link receive counters.
func IncRx() {
	LinkRxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

// IncTx increments link transmit counters.
func IncTx() {
	LinkTxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

// IncErrorFrame counts one error frame under each class it carries.
func IncErrorFrame(classes []string) {
	for _, c := range classes {
		ErrorFrames.WithLabelValues(c).Inc()
	}
	atomic.AddUint64(&localErrFrames, 1)
}

// ObserveResult records the outcome of one ISO-TP transfer.
// direction is "rx" or "tx"; result is the result code name.
func ObserveResult(direction, result string, ok bool) {
	ISOTPResults.WithLabelValues(direction, result).Inc()
	switch {
	case !ok:
		atomic.AddUint64(&localAborts, 1)
	case direction == "rx":
		ISOTPRxMessages.Inc()
		atomic.AddUint64(&localISOTPRx, 1)
	default:
		ISOTPTxMessages.Inc()
		atomic.AddUint64(&localISOTPTx, 1)
	}
}

// AddSessions adjusts the active session gauge by delta.
func AddSessions(delta int) {
	ISOTPActiveSessions.Add(float64(delta))
	atomic.AddInt64(&localSessions, int64(delta))
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
		ErrLinkRead, ErrLinkWrite, ErrLinkPoll, ErrSerialRead, ErrSerialNack, ErrISOTPWrite, ErrBind, ErrLoopPanic,
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
