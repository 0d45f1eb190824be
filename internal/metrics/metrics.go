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
	// PendingRequests tracks live entries per pending-request registry
	PendingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbridge_pending_requests",
			Help: "Number of outstanding correlated requests",
		},
		[]string{"registry"},
	)

	// RequestOutcomes counts how correlated requests were settled
	RequestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_request_outcomes_total",
			Help: "Total number of settled correlated requests by outcome",
		},
		[]string{"registry", "outcome"},
	)

	// RequestDuration tracks time from register to settlement
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbridge_request_duration_seconds",
			Help:    "Correlated request duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"registry"},
	)

	// StateTransitions counts agent-loop state transitions
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_state_transitions_total",
			Help: "Total number of agent-loop state transitions",
		},
		[]string{"from", "to"},
	)

	// RecordsEmitted counts output multiplexer emissions
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_records_emitted_total",
			Help: "Total number of NDJSON records emitted",
		},
		[]string{"source"},
	)

	// ParseErrors counts dropped malformed messages
	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_parse_errors_total",
			Help: "Total number of malformed messages dropped",
		},
		[]string{"channel"},
	)

	// ExtensionActive is 1 while an extension service is activated
	ExtensionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbridge_extension_active",
			Help: "Whether an extension service is currently active",
		},
	)

	// ActivationDuration tracks how long extension activation takes
	ActivationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbridge_activation_duration_seconds",
			Help:    "Extension activation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetPending sets the live entry count of a registry
func SetPending(registry string, count int) {
	PendingRequests.WithLabelValues(registry).Set(float64(count))
}

// RecordRequestOutcome records how a correlated request settled
func RecordRequestOutcome(registry, outcome string, durationSeconds float64) {
	RequestOutcomes.WithLabelValues(registry, outcome).Inc()
	RequestDuration.WithLabelValues(registry).Observe(durationSeconds)
}

// RecordTransition records an agent-loop state change
func RecordTransition(from, to string) {
	StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordEmit records one emitted output record
func RecordEmit(source string) {
	RecordsEmitted.WithLabelValues(source).Inc()
}

// RecordParseError records a dropped malformed message
func RecordParseError(channel string) {
	ParseErrors.WithLabelValues(channel).Inc()
}

// RecordActivation records an activation attempt and flips the active gauge
func RecordActivation(status string, durationSeconds float64) {
	ActivationDuration.WithLabelValues(status).Observe(durationSeconds)
	if status == "success" {
		ExtensionActive.Set(1)
	}
}

// RecordDispose clears the active gauge
func RecordDispose() {
	ExtensionActive.Set(0)
}
