package ruleset

import (
	"context"
	"errors"
	"time"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/metrics"
)

var (
	// ErrRuleNotFound is returned when an operation names an unknown rule id.
	ErrRuleNotFound = errors.New("alert rule not found")
	// ErrRuleExists is returned when adding a rule whose id is already taken.
	ErrRuleExists = errors.New("alert rule already exists")
	// ErrInvalidRule indicates a rule is incomplete or uses unsupported values.
	ErrInvalidRule = errors.New("invalid alert rule")
)

// MetricSource is the read side of the metrics registry.
type MetricSource interface {
	GetMetric(name string, labels metrics.Labels) (metrics.Metric, bool)
	Series(name string) []metrics.Metric
}

// NotifyFunc receives fired and resolved alerts together with the rule's channel list.
// It runs on the evaluating goroutine after engine locks are released and must not block.
type NotifyFunc func(alert model.Alert, channels []string)

// Store persists rules and the archive of resolved alerts. Rules are returned in insertion order.
type Store interface {
	ListRules(ctx context.Context) ([]model.AlertRule, error)
	SaveRule(ctx context.Context, r model.AlertRule) error
	DeleteRule(ctx context.Context, id string) error

	ArchiveAlert(ctx context.Context, a model.Alert) error
	ListAlertHistory(ctx context.Context, limit int) ([]model.Alert, error)
}

type Config struct {
	EvaluationInterval  time.Duration
	DeduplicationWindow time.Duration
	RepeatInterval      time.Duration
	MaxActiveAlerts     int
	SweepInterval       time.Duration
	HistoryLimit        int
	LoadDefaultRules    bool
}

func DefaultConfig() Config {
	return Config{
		EvaluationInterval:  30 * time.Second,
		DeduplicationWindow: 5 * time.Minute,
		RepeatInterval:      15 * time.Minute,
		MaxActiveAlerts:     100,
		SweepInterval:       5 * time.Minute,
		HistoryLimit:        1000,
		LoadDefaultRules:    true,
	}
}

// alertState is per dedup key bookkeeping; it outlives the alerts it tracks.
type alertState struct {
	lastFiredAt        time.Time
	lastResolvedAt     *time.Time
	consecutiveFirings int
	acknowledgedAt     *time.Time
	acknowledgedBy     string
}

// ManualAlert is the input for an operator-created alert.
type ManualAlert struct {
	Name                 string            `json:"name" binding:"required"`
	Description          string            `json:"description"`
	Severity             model.Severity    `json:"severity" binding:"required"`
	Value                float64           `json:"value"`
	Threshold            float64           `json:"threshold"`
	Labels               map[string]string `json:"labels,omitempty"`
	Annotations          map[string]string `json:"annotations,omitempty"`
	NotificationChannels []string          `json:"notificationChannels,omitempty"`
}
