// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Poll cycle metrics
	PollCycles        *prometheus.CounterVec
	ReadBatchDuration prometheus.Histogram

	// Register read metrics
	ParameterReads     *prometheus.CounterVec
	ReadRetries        prometheus.Counter
	ConnectivityChecks prometheus.Counter
	ImplausibleValues  *prometheus.CounterVec

	// Link metrics
	LinkState         prometheus.Gauge
	LinkReconnects    prometheus.Counter
	LinkProbeFailures prometheus.Counter

	// MQTT metrics
	SessionUp         prometheus.Gauge
	MessagesPublished *prometheus.CounterVec
	PublishErrors     prometheus.Counter
	DiscoveryBatches  prometheus.Counter
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		// Poll cycle metrics
		PollCycles: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles by outcome",
		}, []string{"outcome"}),
		ReadBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "polling",
			Name:      "read_batch_duration_seconds",
			Help:      "Duration of one full register batch read",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),

		// Register read metrics
		ParameterReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "parameter_reads_total",
			Help:      "Total parameter read results by field and status",
		}, []string{"field", "status"}),
		ReadRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "read_retries_total",
			Help:      "Total register read retry attempts",
		}),
		ConnectivityChecks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "connectivity_checks_total",
			Help:      "Diagnostic link checks triggered by consecutive read timeouts",
		}),
		ImplausibleValues: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "implausible_values_total",
			Help:      "Decoded values outside their advisory plausibility range",
		}, []string{"field"}),

		// Link metrics
		LinkState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "link",
			Name:      "state",
			Help:      "Current link state (0 idle, 1 connecting, 2 connected, 3 backoff, 4 failed)",
		}),
		LinkReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Total link reconnect sequences started",
		}),
		LinkProbeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "link",
			Name:      "probe_failures_total",
			Help:      "Total failed link liveness probes",
		}),

		// MQTT metrics
		SessionUp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "session_up",
			Help:      "Whether the broker session is currently connected (0 or 1)",
		}),
		MessagesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total MQTT messages handed to the broker client by kind",
		}, []string{"kind"}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "publish_errors_total",
			Help:      "Total asynchronous publish failures reported by the broker client",
		}),
		DiscoveryBatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "discovery_batches_total",
			Help:      "Total discovery batches published after (re)connection",
		}),
	}

	return r
}

// RecordPollCycle records one completed poll cycle.
func (r *Registry) RecordPollCycle(outcome string, duration float64) {
	r.PollCycles.WithLabelValues(outcome).Inc()
	r.ReadBatchDuration.Observe(duration)
}

// RecordParameterRead records one parameter read result.
func (r *Registry) RecordParameterRead(field string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	r.ParameterReads.WithLabelValues(field, status).Inc()
}

// RecordReadRetry records one register read retry attempt.
func (r *Registry) RecordReadRetry() {
	r.ReadRetries.Inc()
}

// RecordConnectivityCheck records a timeout-triggered diagnostic link check.
func (r *Registry) RecordConnectivityCheck() {
	r.ConnectivityChecks.Inc()
}

// RecordImplausibleValue records a value outside its advisory range.
func (r *Registry) RecordImplausibleValue(field string) {
	r.ImplausibleValues.WithLabelValues(field).Inc()
}

// SetLinkState updates the link state gauge.
func (r *Registry) SetLinkState(state int32) {
	r.LinkState.Set(float64(state))
}

// RecordLinkReconnect records the start of a reconnect sequence.
func (r *Registry) RecordLinkReconnect() {
	r.LinkReconnects.Inc()
}

// RecordLinkProbeFailure records a failed liveness probe.
func (r *Registry) RecordLinkProbeFailure() {
	r.LinkProbeFailures.Inc()
}

// SetSessionUp updates the broker session gauge.
func (r *Registry) SetSessionUp(up bool) {
	if up {
		r.SessionUp.Set(1)
	} else {
		r.SessionUp.Set(0)
	}
}

// RecordPublish records one message handed to the broker client.
func (r *Registry) RecordPublish(kind string) {
	r.MessagesPublished.WithLabelValues(kind).Inc()
}

// RecordPublishError records an asynchronous publish failure.
func (r *Registry) RecordPublishError() {
	r.PublishErrors.Inc()
}

// RecordDiscoveryBatch records a published discovery batch.
func (r *Registry) RecordDiscoveryBatch() {
	r.DiscoveryBatches.Inc()
}
