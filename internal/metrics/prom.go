package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "nfrx_bridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nfrx_bridge_calls_total",
			Help: "Worker calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nfrx_bridge_call_duration_seconds",
			Help:    "Time from send to settlement of a worker call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nfrx_bridge_pending_requests",
			Help: "Requests awaiting a response",
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nfrx_bridge_notifications_total",
			Help: "Notifications received from the worker",
		},
		[]string{"method", "routed"},
	)

	decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nfrx_bridge_decode_failures_total",
			Help: "Inbound lines that could not be decoded",
		},
	)

	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nfrx_bridge_reconnect_attempts_total",
			Help: "Reconnection attempts by result",
		},
		[]string{"result"},
	)

	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nfrx_bridge_connection_state",
			Help: "Connection state (0 uninitialized, 1 healthy, 2 degraded, 3 reconnecting, 4 failed)",
		},
	)

	suspendGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nfrx_bridge_suspend_gaps_total",
			Help: "Monitor ticks that detected a host suspend/resume gap",
		},
	)
)

// MaxMethodLabels bounds the distinct method label values; later methods are
// counted as "other".
const MaxMethodLabels = 64

const otherMethod = "other"

type methodLabels struct {
	mu   sync.Mutex
	max  int
	seen map[string]struct{}
}

func newMethodLabels(max int) *methodLabels {
	return &methodLabels{max: max, seen: make(map[string]struct{})}
}

func (l *methodLabels) label(method string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[method]; ok {
		return method
	}
	if len(l.seen) >= l.max {
		return otherMethod
	}
	l.seen[method] = struct{}{}
	return method
}

var methods = newMethodLabels(MaxMethodLabels)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, calls, callDuration, pending, notifications, decodeFailures, reconnectAttempts, connectionState, suspendGaps)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordCall counts one settled call attempt and observes its duration.
func RecordCall(method, outcome string, d time.Duration) {
	method = methods.label(method)
	calls.WithLabelValues(method, outcome).Inc()
	callDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetPending sets the number of in-flight requests.
func SetPending(n int) {
	pending.Set(float64(n))
}

// RecordNotification counts an inbound notification. Unrouted methods are
// worker-chosen and share the "other" label.
func RecordNotification(method string, routed bool) {
	if !routed {
		notifications.WithLabelValues(otherMethod, "false").Inc()
		return
	}
	notifications.WithLabelValues(methods.label(method), "true").Inc()
}

// RecordDecodeFailure counts a malformed inbound line.
func RecordDecodeFailure() {
	decodeFailures.Inc()
}

// RecordReconnectAttempt counts a reconnection attempt. result is success, failure or exhausted.
func RecordReconnectAttempt(result string) {
	reconnectAttempts.WithLabelValues(result).Inc()
}

// SetConnectionState records the numeric connection state.
func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

// RecordSuspendGap counts a detected suspend/resume gap.
func RecordSuspendGap() {
	suspendGaps.Inc()
}
