// Package metrics provides Prometheus metrics for the relay and sync clients.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Relay connection metrics
	relayState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaysync_relay_state",
			Help: "Relay client state (0=disconnected, 1=connecting, 2=connected, 3=exhausted)",
		},
	)

	relayConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_relay_connect_attempts_total",
			Help: "Relay connection attempts by result",
		},
		[]string{"result"},
	)

	relayReconnectDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaysync_relay_reconnect_delay_seconds",
			Help:    "Backoff applied before relay reconnect attempts",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60},
		},
	)

	relayMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_relay_messages_sent_total",
			Help: "Messages written to the relay by type",
		},
		[]string{"type"},
	)

	relayMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_relay_messages_received_total",
			Help: "Messages read from the relay by type",
		},
		[]string{"type"},
	)

	relayMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_relay_messages_dropped_total",
			Help: "Inbound messages dropped by reason",
		},
		[]string{"reason"},
	)

	relayHandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_relay_handler_errors_total",
			Help: "Message handler failures by message type",
		},
		[]string{"type"},
	)

	// Sync metrics
	syncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_sync_passes_total",
			Help: "Sync passes by result",
		},
		[]string{"result"},
	)

	syncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaysync_sync_pass_duration_seconds",
			Help:    "Duration of a full sync pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncFileOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_sync_file_operations_total",
			Help: "File operations performed by sync passes",
		},
		[]string{"op", "status"},
	)

	syncBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaysync_sync_bytes_total",
			Help: "Bytes transferred by direction",
		},
		[]string{"direction"},
	)

	manifestEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaysync_manifest_entries",
			Help: "Number of files tracked in the sync manifest",
		},
	)

	// Remote backend metrics
	remoteOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaysync_remote_operation_duration_seconds",
			Help:    "Remote backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "status"},
	)
)

// SetRelayState records the relay state as its numeric value.
func SetRelayState(state int) {
	relayState.Set(float64(state))
}

// RecordConnectAttempt records one dial attempt.
func RecordConnectAttempt(success bool) {
	relayConnectAttempts.WithLabelValues(statusLabel(success)).Inc()
}

// RecordReconnectDelay records a backoff wait.
func RecordReconnectDelay(d time.Duration) {
	relayReconnectDelay.Observe(d.Seconds())
}

// RecordMessageSent records an outbound message.
func RecordMessageSent(msgType string) {
	relayMessagesSent.WithLabelValues(msgType).Inc()
}

// RecordMessageReceived records an inbound message.
func RecordMessageReceived(msgType string) {
	relayMessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMessageDropped records an inbound message that was not dispatched.
func RecordMessageDropped(reason string) {
	relayMessagesDropped.WithLabelValues(reason).Inc()
}

// RecordHandlerError records a failed or panicking handler.
func RecordHandlerError(msgType string) {
	relayHandlerErrors.WithLabelValues(msgType).Inc()
}

// RecordSyncPass records a finished sync pass.
func RecordSyncPass(duration time.Duration, success bool) {
	syncPasses.WithLabelValues(statusLabel(success)).Inc()
	syncPassDuration.Observe(duration.Seconds())
}

// RecordFileOp records one per-file operation (upload, download, ...).
func RecordFileOp(op string, success bool) {
	syncFileOps.WithLabelValues(op, statusLabel(success)).Inc()
}

// RecordBytes records transferred bytes ("up" or "down").
func RecordBytes(direction string, n int64) {
	if n > 0 {
		syncBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// SetManifestEntries sets the manifest size gauge.
func SetManifestEntries(n int) {
	manifestEntries.Set(float64(n))
}

// RecordRemoteOperation records a backend call.
func RecordRemoteOperation(backend, op string, duration time.Duration, success bool) {
	remoteOpDuration.WithLabelValues(backend, op, statusLabel(success)).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
