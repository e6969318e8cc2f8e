// Package metrics exposes the mirror's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const acceptedLabel = "accepted"

type Metrics struct {
	registry *prometheus.Registry

	// Intake
	TransactionsSeen prometheus.Counter
	IntentsDecoded   prometheus.Counter
	DuplicateDrops   prometheus.Counter
	Decisions        *prometheus.CounterVec

	// Submission
	Outcomes       *prometheus.CounterVec
	Attempts       prometheus.Histogram
	LandingLatency prometheus.Histogram
	InFlight       prometheus.Gauge
	Halted         prometheus.Gauge
	PriorityFee    prometheus.Gauge

	// Gateway
	RPCCallLatency    *prometheus.HistogramVec
	EndpointRotations prometheus.Counter
	StreamReconnects  *prometheus.CounterVec

	// Ledger
	FailureRatio prometheus.Gauge
	SinkDropped  prometheus.Counter
	SinkErrors   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "swapmirror"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TransactionsSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "transactions_seen_total",
			Help:      "Transactions delivered by the leader subscriptions",
		}),
		IntentsDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "intents_decoded_total",
			Help:      "Leader swaps decoded into intents",
		}),
		DuplicateDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "duplicate_transactions_total",
			Help:      "Transactions dropped because their signature was already seen",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "decisions_total",
			Help:      "Risk gate decisions by reject reason, or accepted",
		}, []string{"reason"}),

		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "outcomes_total",
			Help:      "Terminal copy outcomes by state and failure kind",
		}, []string{"state", "kind"}),
		Attempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "attempts_per_outcome",
			Help:      "Submission attempts spent per outcome",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		LandingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "landing_latency_seconds",
			Help:      "Time from acceptance to the terminal outcome",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "in_flight_submissions",
			Help:      "Copies currently holding a submission permit",
		}),
		Halted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "halted",
			Help:      "1 once the emergency halt flag is raised",
		}),
		PriorityFee: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "priority",
			Name:      "base_fee_micro_lamports",
			Help:      "Latest base priority fee quote",
		}),

		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rpc_call_latency_seconds",
			Help:      "RPC call latency by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		EndpointRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "endpoint_rotations_total",
			Help:      "Times the gateway advanced to the next RPC endpoint",
		}),
		StreamReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "stream_reconnects_total",
			Help:      "Subscription reconnects by stream",
		}, []string{"stream"}),

		FailureRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "failure_ratio",
			Help:      "Failed outcomes over the readiness window",
		}),
		SinkDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "sink_dropped_total",
			Help:      "Outcomes dropped because the sink queue was full",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "sink_errors_total",
			Help:      "Outcomes the sink failed to write",
		}),
	}
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The helpers below are safe on a nil *Metrics so components can run
// without instrumentation.

func (m *Metrics) ObserveDecision(decision domain.Decision) {
	if m == nil {
		return
	}
	reason := acceptedLabel
	if !decision.Accepted() {
		reason = string(decision.Reason)
	}
	m.Decisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveOutcome(outcome domain.Outcome) {
	if m == nil {
		return
	}
	kind := string(outcome.Kind)
	if kind == "" {
		kind = "none"
	}
	m.Outcomes.WithLabelValues(string(outcome.State), kind).Inc()
	m.Attempts.Observe(float64(outcome.Attempts))
	m.LandingLatency.Observe(outcome.Latency.Seconds())
}

func (m *Metrics) ObserveRPC(method string, seconds float64) {
	if m == nil {
		return
	}
	m.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) EndpointRotated() {
	if m == nil {
		return
	}
	m.EndpointRotations.Inc()
}

func (m *Metrics) StreamReconnected(stream string) {
	if m == nil {
		return
	}
	m.StreamReconnects.WithLabelValues(stream).Inc()
}

func (m *Metrics) IntentDecoded() {
	if m == nil {
		return
	}
	m.IntentsDecoded.Inc()
}

func (m *Metrics) TransactionSeen(duplicate bool) {
	if m == nil {
		return
	}
	m.TransactionsSeen.Inc()
	if duplicate {
		m.DuplicateDrops.Inc()
	}
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) SetHalted() {
	if m == nil {
		return
	}
	m.Halted.Set(1)
}

func (m *Metrics) SetPriorityFee(base uint64) {
	if m == nil {
		return
	}
	m.PriorityFee.Set(float64(base))
}

func (m *Metrics) SetFailureRatio(ratio float64) {
	if m == nil {
		return
	}
	m.FailureRatio.Set(ratio)
}

func (m *Metrics) SinkDrop() {
	if m == nil {
		return
	}
	m.SinkDropped.Inc()
}

func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}
