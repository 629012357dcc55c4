package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistersCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Observe("search", OutcomeOK)
	m.Observe("search", OutcomeOK)
	m.Observe("send", OutcomeDenied)
	m.PolicyDenials.WithLabelValues("external_domain").Inc()
	m.MessagesSent.Inc()

	assert.Equal(t, 2.0, counterValue(t, m.Operations.WithLabelValues("search", OutcomeOK)))
	assert.Equal(t, 1.0, counterValue(t, m.Operations.WithLabelValues("send", OutcomeDenied)))
	assert.Equal(t, 1.0, counterValue(t, m.MessagesSent))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "agentmail_operations_total")
	assert.Contains(t, names, "agentmail_policy_denials_total")
	assert.Contains(t, names, "agentmail_messages_sent_total")
}

func TestNewWithoutRegistry(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.DraftsCreated.Inc()
	assert.Equal(t, 1.0, counterValue(t, a.DraftsCreated))
	assert.Equal(t, 0.0, counterValue(t, b.DraftsCreated))
}
