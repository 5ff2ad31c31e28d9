// Package metrics exposes the indexer's Prometheus metrics.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fareindexer/internal/indexer"
	"fareindexer/internal/model"
	"fareindexer/internal/queue"
)

// Metrics holds every collector. It implements queue.Recorder and
// indexer.Recorder.
type Metrics struct {
	ListenerState       prometheus.Gauge
	ListenerTransitions *prometheus.CounterVec
	Transactions        *prometheus.CounterVec
	EventsDecoded       *prometheus.CounterVec
	Jobs                *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	DependencyMisses    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

var (
	_ queue.Recorder   = (*Metrics)(nil)
	_ indexer.Recorder = (*Metrics)(nil)
)

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ListenerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fare_listener_state",
			Help: "Listener state: 0 stopped, 1 subscribing, 2 live",
		}),

		ListenerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fare_listener_transitions_total",
			Help: "Listener state transitions",
		}, []string{"state"}),

		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fare_transactions_total",
			Help: "Transactions handled by the listener",
		}, []string{"result"}),

		EventsDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fare_events_decoded_total",
			Help: "Domain events decoded and dispatched",
		}, []string{"kind"}),

		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fare_jobs_total",
			Help: "Job deliveries by class and result",
		}, []string{"class", "result"}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fare_job_duration_seconds",
			Help:    "Handler time per job delivery",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"class"}),

		DependencyMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fare_dependency_misses_total",
			Help: "Deliveries retried because an upstream entity was not visible",
		}, []string{"class", "kind", "dependency"}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) StateChanged(state indexer.State) {
	m.ListenerState.Set(float64(state))
	m.ListenerTransitions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) TransactionHandled(result string) {
	m.Transactions.WithLabelValues(result).Inc()
}

func (m *Metrics) EventDecoded(kind model.EventKind) {
	m.EventsDecoded.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) JobFinished(class queue.Class, result string, elapsed time.Duration) {
	m.Jobs.WithLabelValues(string(class), result).Inc()
	m.JobDuration.WithLabelValues(string(class)).Observe(elapsed.Seconds())
}

func (m *Metrics) DependencyMissed(class queue.Class, outcome queue.Outcome) {
	m.DependencyMisses.WithLabelValues(string(class), outcome.Label(), dependencyLabel(outcome.Dependency)).Inc()
}

// dependencyLabel drops the trailing identifier: "qk config <hash>" becomes
// "qk config".
func dependencyLabel(dependency string) string {
	fields := strings.Fields(dependency)
	if len(fields) < 2 {
		return dependency
	}
	return strings.Join(fields[:len(fields)-1], " ")
}
