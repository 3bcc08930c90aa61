package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AlertFired("critical")
	m.AlertFired("critical")
	m.NotificationDelivered("slack", false)
	m.QueueDropped()
	m.HealthCheck("healthy", 20*time.Millisecond)
	m.HealthCheck("skipped", 0)
	m.Rollback("auto")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsFired.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("slack", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("auto")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["rolloutguard_rollout_health_checks_total"])
	assert.True(t, names["go_goroutines"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RuleEvaluated("ok")
		m.AlertFired("warning")
		m.AlertResolved()
		m.SetActiveAlerts(3)
		m.NotificationDelivered("email", true)
		m.QueueDropped()
		m.SetQueueDepth(1)
		m.HealthCheck("failed", time.Second)
		m.Rollback("manual")
	})
}
