// Package observability holds the control plane's own Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rolloutguard"

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	ruleEvaluations   *prometheus.CounterVec
	alertsFired       *prometheus.CounterVec
	alertsResolved    prometheus.Counter
	alertsActive      prometheus.Gauge
	notifications     *prometheus.CounterVec
	queueDropped      prometheus.Counter
	queueDepth        prometheus.Gauge
	healthChecks      *prometheus.CounterVec
	healthCheckTiming prometheus.Histogram
	rollbacks         *prometheus.CounterVec
}

// New registers the control-plane metrics on reg. Go runtime and process
// collectors are registered alongside them.
func New(reg prometheus.Registerer) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		ruleEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "rule_evaluations_total",
			Help:      "Alert rule evaluations by result.",
		}, []string{"result"}),
		alertsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_fired_total",
			Help:      "Alerts fired by severity.",
		}, []string{"severity"}),
		alertsResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_resolved_total",
			Help:      "Alerts resolved automatically or manually.",
		}),
		alertsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_active",
			Help:      "Alerts currently firing or acknowledged.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		queueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "queue_dropped_total",
			Help:      "Notifications dropped because the dispatch queue was full.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Notifications waiting in the dispatch queue.",
		}),
		healthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "health_checks_total",
			Help:      "Rollout health check cycles by outcome.",
		}, []string{"outcome"}),
		healthCheckTiming: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "health_check_duration_seconds",
			Help:      "Duration of rollout health check cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "rollbacks_total",
			Help:      "Rollbacks by trigger.",
		}, []string{"trigger"}),
	}
}

func (m *Metrics) RuleEvaluated(result string) {
	if m == nil {
		return
	}
	m.ruleEvaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertFired(severity string) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(severity).Inc()
}

func (m *Metrics) AlertResolved() {
	if m == nil {
		return
	}
	m.alertsResolved.Inc()
}

func (m *Metrics) SetActiveAlerts(n int) {
	if m == nil {
		return
	}
	m.alertsActive.Set(float64(n))
}

func (m *Metrics) NotificationDelivered(channel string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// HealthCheck records one controller cycle. outcome is healthy, degraded, skipped or failed.
func (m *Metrics) HealthCheck(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		m.healthCheckTiming.Observe(took.Seconds())
	}
}

func (m *Metrics) Rollback(trigger string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(trigger).Inc()
}
