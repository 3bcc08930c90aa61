package ruleset

import (
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/metrics"
)

// DefaultRules is the rule set installed when nothing is persisted yet.
func DefaultRules() []model.AlertRule {
	return []model.AlertRule{
		{
			ID:          "high_error_count",
			Name:        "High Error Count",
			Description: "Voice agent error count exceeded 50",
			Severity:    model.SeverityWarning,
			Condition:   model.Condition{Metric: metrics.ErrorsTotal, Operator: model.OpGT, Threshold: 50},
			Annotations: map[string]string{"runbook": "Check upstream LLM and TTS providers for elevated error responses."},
			Enabled:     true,
		},
		{
			ID:          "high_latency_p95",
			Name:        "High Response Latency (p95)",
			Description: "p95 response latency is above 3s",
			Severity:    model.SeverityWarning,
			Condition:   model.Condition{Metric: metrics.ResponseLatencyMs, Operator: model.OpGT, Threshold: 3000},
			Enabled:     true,
		},
		{
			ID:          "critical_latency_p99",
			Name:        "Critical Response Latency (p99)",
			Description: "p99 response latency is above 5s",
			Severity:    model.SeverityCritical,
			Condition: model.Condition{
				Metric:      metrics.ResponseLatencyMs,
				Operator:    model.OpGT,
				Threshold:   5000,
				Aggregation: model.AggMax,
			},
			NotificationChannels: []string{"slack", "pagerduty"},
			Enabled:              true,
		},
		{
			ID:                   "circuit_breaker_open",
			Name:                 "Circuit Breaker Open",
			Description:          "At least one dependency circuit breaker is open",
			Severity:             model.SeverityCritical,
			Condition:            model.Condition{Metric: metrics.CircuitBreakerOpen, Operator: model.OpGT, Threshold: 0},
			NotificationChannels: []string{"slack", "pagerduty"},
			Enabled:              true,
		},
		{
			ID:          "failed_calls",
			Name:        "Failed Calls",
			Description: "More than 10 voice calls failed",
			Severity:    model.SeverityWarning,
			Condition:   model.Condition{Metric: metrics.CallsFailedTotal, Operator: model.OpGT, Threshold: 10},
			Enabled:     true,
		},
	}
}
