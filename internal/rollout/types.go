// Package rollout runs the closed-loop health controller of a staged feature rollout.
package rollout

import (
	"errors"
	"time"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

var (
	// ErrNoNextStage is returned when advancing past the last stage.
	ErrNoNextStage = errors.New("rollout has no next stage")
	// ErrStoreUnavailable wraps rollout store read failures.
	ErrStoreUnavailable = errors.New("rollout store unavailable")
	// ErrUnknownStage is returned for a stage name outside the stage table.
	ErrUnknownStage = errors.New("unknown rollout stage")
)

type Stage string

const (
	StageDisabled      Stage = "disabled"
	StageCanary        Stage = "canary"
	StageEarlyAdopters Stage = "early_adopters"
	StageExpansion     Stage = "expansion"
	StageMajority      Stage = "majority"
	StageComplete      Stage = "complete"
)

// stageOrder is the fixed linear progression.
var stageOrder = []Stage{StageDisabled, StageCanary, StageEarlyAdopters, StageExpansion, StageMajority, StageComplete}

// Next returns the stage after s.
func (s Stage) Next() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

func (s Stage) Valid() bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// Status is the rollout state owned by the Store.
type Status struct {
	Feature         string             `json:"feature"`
	CurrentStage    Stage              `json:"currentStage"`
	Percentage      int                `json:"percentage"`
	Enabled         bool               `json:"enabled"`
	EnabledTenants  []string           `json:"enabledTenants"`
	DisabledTenants []string           `json:"disabledTenants"`
	StageStartedAt  time.Time          `json:"stageStartedAt"`
	LastHealthCheck *HealthCheckResult `json:"lastHealthCheck,omitempty"`
}

type IssueType string

const (
	IssueErrorRate       IssueType = "error_rate"
	IssueLatencyP95      IssueType = "latency_p95"
	IssueCircuitBreakers IssueType = "circuit_breakers"
	IssueFailedCallRate  IssueType = "failed_call_rate"
)

// Issue is one deviation found by a health check. Severity is warning or critical.
type Issue struct {
	Type      IssueType      `json:"type"`
	Severity  model.Severity `json:"severity"`
	Message   string         `json:"message"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Blocking  bool           `json:"blocking"`
	Escalated bool           `json:"escalated,omitempty"`
}

// MetricsSummary is the health input collected over the trailing window.
type MetricsSummary struct {
	Window              time.Duration `json:"window"`
	Requests            float64       `json:"requests"`
	Errors              float64       `json:"errors"`
	ErrorRate           float64       `json:"errorRate"`
	P95LatencyMs        float64       `json:"p95LatencyMs"`
	CircuitBreakersOpen float64       `json:"circuitBreakersOpen"`
	TotalCalls          float64       `json:"totalCalls"`
	FailedCalls         float64       `json:"failedCalls"`
	FailedCallRate      float64       `json:"failedCallRate"`
	CollectedAt         time.Time     `json:"collectedAt"`
}

type HealthCheckResult struct {
	Stage          Stage          `json:"stage"`
	Percentage     int            `json:"percentage"`
	Healthy        bool           `json:"healthy"`
	ShouldRollback bool           `json:"shouldRollback"`
	CanAdvance     bool           `json:"canAdvance"`
	NextStage      Stage          `json:"nextStage,omitempty"`
	Issues         []Issue        `json:"issues"`
	Metrics        MetricsSummary `json:"metrics"`
	CheckedAt      time.Time      `json:"checkedAt"`
	// Skipped names why the cycle did no evaluation; empty for a full check.
	Skipped string `json:"skipped,omitempty"`
}

func (r HealthCheckResult) criticalIssues() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == model.SeverityCritical {
			out = append(out, is)
		}
	}
	return out
}

type Action string

const (
	ActionRollback       Action = "rollback"
	ActionAdvance        Action = "advance"
	ActionTenantOverride Action = "tenant_override"
)

type HistoryEntry struct {
	ID             string    `json:"id"`
	Feature        string    `json:"feature"`
	Action         Action    `json:"action"`
	FromStage      Stage     `json:"fromStage"`
	ToStage        Stage     `json:"toStage"`
	FromPercentage int       `json:"fromPercentage"`
	ToPercentage   int       `json:"toPercentage"`
	Reason         string    `json:"reason"`
	Actor          string    `json:"actor"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ActionResult reports a rollback, advance or tenant override. Failures are
// reported here instead of returned as errors.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failed(err error, msg string) ActionResult {
	return ActionResult{Success: false, Message: msg, Error: err.Error()}
}
