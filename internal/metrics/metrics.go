// Package metrics exposes bus counters through Prometheus. All record
// helpers are safe to call before Init; they become no-ops, so library
// users who never wire metrics pay only a nil check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BusMetrics wraps the prometheus collectors for the connection layer.
type BusMetrics struct {
	registry *prometheus.Registry

	messagesPosted  prometheus.Counter
	postRetries     prometheus.Counter
	postFailures    *prometheus.CounterVec
	negotiations    *prometheus.CounterVec
	signals         *prometheus.CounterVec
	dispatches      prometheus.Counter
	dispatchReruns  prometheus.Counter
	connectionState prometheus.Gauge
	postSeconds     prometheus.Histogram
}

var busMetrics *BusMetrics

// Init initializes the metrics subsystem under the given namespace.
func Init(namespace string) {
	if namespace == "" {
		namespace = "hvbus"
	}
	registry := prometheus.NewRegistry()
	m := &BusMetrics{
		registry: registry,
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_posted_total",
			Help: "Control messages successfully posted to the host",
		}),
		postRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "post_retries_total",
			Help: "Transient post failures that were retried",
		}),
		postFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "post_failures_total",
			Help: "Posts that failed fatally, by status",
		}, []string{"status"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "negotiation_attempts_total",
			Help: "Handshake attempts, by requested version and outcome",
		}, []string{"version", "outcome"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total",
			Help: "Host event signals, by call path",
		}, []string{"path"}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatches_total",
			Help: "Channel callback dispatches",
		}),
		dispatchReruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_reruns_total",
			Help: "Dispatcher reschedules due to more pending ring data",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected",
		}),
		postSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "post_duration_seconds",
			Help:    "Wall time of PostMessage including retries",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
	registry.MustRegister(
		m.messagesPosted, m.postRetries, m.postFailures, m.negotiations,
		m.signals, m.dispatches, m.dispatchReruns, m.connectionState,
		m.postSeconds,
	)
	busMetrics = m
}

// Handler returns the exposition handler, or nil before Init.
func Handler() http.Handler {
	if busMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(busMetrics.registry, promhttp.HandlerOpts{})
}

func RecordMessagePosted() {
	if busMetrics != nil {
		busMetrics.messagesPosted.Inc()
	}
}

func RecordPostRetry() {
	if busMetrics != nil {
		busMetrics.postRetries.Inc()
	}
}

func RecordPostFailure(status string) {
	if busMetrics != nil {
		busMetrics.postFailures.WithLabelValues(status).Inc()
	}
}

func RecordPostDuration(seconds float64) {
	if busMetrics != nil {
		busMetrics.postSeconds.Observe(seconds)
	}
}

func RecordNegotiation(version, outcome string) {
	if busMetrics != nil {
		busMetrics.negotiations.WithLabelValues(version, outcome).Inc()
	}
}

func RecordSignal(path string) {
	if busMetrics != nil {
		busMetrics.signals.WithLabelValues(path).Inc()
	}
}

func RecordDispatch() {
	if busMetrics != nil {
		busMetrics.dispatches.Inc()
	}
}

func RecordDispatchRerun() {
	if busMetrics != nil {
		busMetrics.dispatchReruns.Inc()
	}
}

func SetConnectionState(state int) {
	if busMetrics != nil {
		busMetrics.connectionState.Set(float64(state))
	}
}
