// Package metrics defines the Prometheus counters for agent operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Metrics holds the agent counters.
type Metrics struct {
	Operations     *prometheus.CounterVec
	PolicyDenials  *prometheus.CounterVec
	DraftsCreated  prometheus.Counter
	DraftsConsumed prometheus.Counter
	DraftFailures  *prometheus.CounterVec
	MessagesSent   prometheus.Counter
}

// New registers the counters with reg. A nil reg yields unregistered
// counters, which is what tests and one-shot commands use.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmail_operations_total",
				Help: "Agent operations by name and outcome",
			},
			[]string{"operation", "outcome"},
		),
		PolicyDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmail_policy_denials_total",
				Help: "Operations rejected by organization policy",
			},
			[]string{"rule"},
		),
		DraftsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentmail_drafts_created_total",
				Help: "Drafts staged for confirmation",
			},
		),
		DraftsConsumed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentmail_drafts_consumed_total",
				Help: "Drafts confirmed and consumed",
			},
		),
		DraftFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmail_draft_failures_total",
				Help: "Draft confirmations rejected by reason",
			},
			[]string{"reason"},
		),
		MessagesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentmail_messages_sent_total",
				Help: "Messages handed to the SMTP server",
			},
		),
	}
}

// Observe counts one finished operation.
func (m *Metrics) Observe(operation, outcome string) {
	m.Operations.WithLabelValues(operation, outcome).Inc()
}
