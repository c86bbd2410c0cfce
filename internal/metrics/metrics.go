// Package metrics provides Prometheus metrics for the livesync server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Reconciliation metrics
	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_pass_duration_seconds",
			Help:    "Time to refresh, rebuild, diff and apply one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	passesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_passes_total",
			Help: "Total reconciliation passes",
		},
		[]string{"result"},
	)

	patchOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_patch_ops_total",
			Help: "Total patch operations applied to the instance tree",
		},
		[]string{"kind"},
	)

	passErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_pass_errors_total",
			Help: "Non-fatal errors reported during reconciliation passes",
		},
		[]string{"stage"},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_tree_instances",
			Help: "Number of instances in the live tree",
		},
	)

	mirrorItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_mirror_items",
			Help: "Number of files and directories held in the filesystem mirror",
		},
	)

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_watcher_events_total",
			Help: "Raw filesystem notifications received",
		},
	)

	watcherBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_watcher_batches_total",
			Help: "Debounced batches emitted by the watcher",
		},
	)

	watcherOverflowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_watcher_overflows_total",
			Help: "Notification queue overflows that forced a full rescan",
		},
	)

	// Broadcaster metrics
	queueHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_queue_head_sequence",
			Help: "Sequence number of the newest change message",
		},
	)

	queueRetained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_queue_retained_messages",
			Help: "Number of change messages currently retained",
		},
	)

	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_subscriptions_active",
			Help: "Number of registered change subscriptions",
		},
	)

	resyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_resyncs_total",
			Help: "Reads answered with a resync because the cursor left the retained window",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_auth_attempts_total",
			Help: "Bearer token checks",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPass records one reconciliation pass.
func RecordPass(duration time.Duration, success bool) {
	passDuration.Observe(duration.Seconds())
	result := "success"
	if !success {
		result = "error"
	}
	passesTotal.WithLabelValues(result).Inc()
}

// RecordPatch records the ops of an applied patch set.
func RecordPatch(adds, removes, updates int) {
	patchOpsTotal.WithLabelValues("add").Add(float64(adds))
	patchOpsTotal.WithLabelValues("remove").Add(float64(removes))
	patchOpsTotal.WithLabelValues("update").Add(float64(updates))
}

// RecordPassError records a non-fatal error at the given pipeline stage.
func RecordPassError(stage string) {
	passErrorsTotal.WithLabelValues(stage).Inc()
}

// SetTreeSize sets the current instance count.
func SetTreeSize(size int) {
	treeSize.Set(float64(size))
}

// SetMirrorItems sets the current mirror item count.
func SetMirrorItems(count int) {
	mirrorItems.Set(float64(count))
}

// RecordWatcherEvent records a raw filesystem notification.
func RecordWatcherEvent() {
	watcherEventsTotal.Inc()
}

// RecordWatcherBatch records an emitted batch.
func RecordWatcherBatch() {
	watcherBatchesTotal.Inc()
}

// RecordWatcherOverflow records a notification overflow.
func RecordWatcherOverflow() {
	watcherOverflowsTotal.Inc()
}

// SetQueueState sets the broadcaster head and retained message count.
func SetQueueState(head uint64, retained int) {
	queueHead.Set(float64(head))
	queueRetained.Set(float64(retained))
}

// SetSubscriptionsActive sets the number of registered subscriptions.
func SetSubscriptionsActive(count int) {
	subscriptionsActive.Set(float64(count))
}

// RecordResync records a resync answer.
func RecordResync() {
	resyncsTotal.Inc()
}

// RecordAuthAttempt records a bearer token check.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	http.NewResponseController(rw.ResponseWriter).Flush()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
