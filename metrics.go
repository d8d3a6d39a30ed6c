package expedientes

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for decisions and workflow transitions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	RuleCacheTotal   *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	SecurityLogFails prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expedientes_access_decisions_total",
				Help: "Access decisions by outcome, reason and permission bit",
			},
			[]string{"allowed", "reason", "bit"},
		),
		RuleCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expedientes_rule_cache_total",
				Help: "Contextual rule cache lookups by result",
			},
			[]string{"result"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expedientes_workflow_transitions_total",
				Help: "Document workflow operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		SecurityLogFails: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "expedientes_security_log_failures_total",
				Help: "Security events that could not be persisted",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.DecisionsTotal, m.RuleCacheTotal, m.TransitionsTotal, m.SecurityLogFails)
	}
	return m
}

func (m *Metrics) decision(d *Decision) {
	if m == nil || d == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(strconv.FormatBool(d.Allowed), string(d.Reason), d.Bit.Name()).Inc()
}

func (m *Metrics) cache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.RuleCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.RuleCacheTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) transition(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.TransitionsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) securityLogFailed() {
	if m == nil {
		return
	}
	m.SecurityLogFails.Inc()
}
