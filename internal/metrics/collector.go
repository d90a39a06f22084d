// Package metrics exposes Prometheus metrics for pinhole-agent: rule
// lifecycle counts, reaper activity, and RPC traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "pinhole"
)

// Label names.
const (
	labelProcedure = "procedure"
	labelCode      = "code"
)

// Collector holds all pinhole-agent Prometheus metrics.
type Collector struct {
	// ActiveRulesGauge tracks the number of currently active pin-hole rules.
	ActiveRulesGauge prometheus.Gauge

	// RulesAdded counts rule activations accepted by the Rule Manager.
	RulesAdded prometheus.Counter

	// RulesRemoved counts rule deactivations accepted by the Rule Manager.
	RulesRemoved prometheus.Counter

	// ReaperExpired counts rules removed by the reaper for exceeding
	// the idle rule timeout.
	ReaperExpired prometheus.Counter

	// ReaperRuns counts completed reaper passes.
	ReaperRuns prometheus.Counter

	// PeerRejections counts RPC calls rejected by the peer authenticator.
	PeerRejections prometheus.Counter

	// MonitorSubscribers tracks the number of active MonitorSessions
	// stream subscribers.
	MonitorSubscribers prometheus.Gauge

	// MonitorLaggedSnapshots counts snapshots dropped for a slow
	// MonitorSessions subscriber.
	MonitorLaggedSnapshots prometheus.Counter

	// RPCRequests counts RPC calls by procedure and result code.
	RPCRequests *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveRulesGauge,
		c.RulesAdded,
		c.RulesRemoved,
		c.ReaperExpired,
		c.ReaperRuns,
		c.PeerRejections,
		c.MonitorSubscribers,
		c.MonitorLaggedSnapshots,
		c.RPCRequests,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ActiveRulesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "active",
			Help:      "Number of currently active pin-hole rules.",
		}),

		RulesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "added_total",
			Help:      "Total rule activations accepted by the rule manager.",
		}),

		RulesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "removed_total",
			Help:      "Total rule deactivations accepted by the rule manager.",
		}),

		ReaperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "expired_total",
			Help:      "Total rules removed by the reaper for exceeding the idle timeout.",
		}),

		ReaperRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "runs_total",
			Help:      "Total completed reaper passes.",
		}),

		PeerRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "peer_rejections_total",
			Help:      "Total RPC calls rejected by the peer authenticator.",
		}),

		MonitorSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "monitor_subscribers",
			Help:      "Number of active MonitorSessions stream subscribers.",
		}),

		MonitorLaggedSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "monitor_lagged_snapshots_total",
			Help:      "Total snapshots dropped for a slow MonitorSessions subscriber.",
		}),

		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC requests by procedure and result code.",
		}, []string{labelProcedure, labelCode}),
	}
}

// RuleAdded increments RulesAdded; the active rules gauge is set only by
// ActiveRules. Satisfies rules.MetricsReporter.
func (c *Collector) RuleAdded() {
	c.RulesAdded.Inc()
}

// RuleRemoved increments RulesRemoved. Satisfies rules.MetricsReporter.
func (c *Collector) RuleRemoved() {
	c.RulesRemoved.Inc()
}

// ActiveRules sets the active rules gauge to n. Satisfies
// rules.MetricsReporter.
func (c *Collector) ActiveRules(n int) {
	c.ActiveRulesGauge.Set(float64(n))
}

// RecordReap increments ReaperRuns and adds expired to ReaperExpired.
func (c *Collector) RecordReap(expired int) {
	c.ReaperRuns.Inc()
	c.ReaperExpired.Add(float64(expired))
}

// RecordPeerRejection increments PeerRejections.
func (c *Collector) RecordPeerRejection() {
	c.PeerRejections.Inc()
}

// RecordRPC increments the per-procedure, per-code request counter.
func (c *Collector) RecordRPC(procedure, code string) {
	c.RPCRequests.WithLabelValues(procedure, code).Inc()
}
