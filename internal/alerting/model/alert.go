// Package model holds the value types shared by the alert engine, the
// notification dispatcher and the rollout controller.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Severity is ordered info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering weight of a severity; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is the same as or more severe than min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

type Status string

const (
	StatusFiring       Status = "firing"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Active reports whether the alert still holds its dedup key.
func (s Status) Active() bool { return s == StatusFiring || s == StatusAcknowledged }

type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNEQ Operator = "neq"
)

func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

// Aggregation selects which histogram statistic a rule compares; empty means p95.
type Aggregation string

const (
	AggNone Aggregation = ""
	AggAvg  Aggregation = "avg"
	AggMax  Aggregation = "max"
	AggRate Aggregation = "rate"
)

func (a Aggregation) Valid() bool {
	switch a {
	case AggNone, AggAvg, AggMax, AggRate:
		return true
	}
	return false
}

// Duration marshals as a Go duration string ("5m") and also accepts a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseFlexibleDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func parseFlexibleDuration(v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		if t == "" {
			return 0, nil
		}
		if d, err := time.ParseDuration(t); err == nil {
			return d, nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("invalid duration %q", t)
	default:
		return 0, fmt.Errorf("invalid duration %v", v)
	}
}

// Condition compares one metric against a threshold.
type Condition struct {
	Metric      string      `json:"metric" yaml:"metric"`
	Operator    Operator    `json:"operator" yaml:"operator"`
	Threshold   float64     `json:"threshold" yaml:"threshold"`
	Aggregation Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Window      Duration    `json:"window,omitempty" yaml:"window,omitempty"`
}

type AlertRule struct {
	ID                   string            `json:"id" yaml:"id"`
	Name                 string            `json:"name" yaml:"name"`
	Description          string            `json:"description" yaml:"description"`
	Severity             Severity          `json:"severity" yaml:"severity"`
	Condition            Condition         `json:"condition" yaml:"condition"`
	Labels               map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations          map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Enabled              bool              `json:"enabled" yaml:"enabled"`
	NotificationChannels []string          `json:"notificationChannels,omitempty" yaml:"notificationChannels,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate engine state.
func (r AlertRule) Clone() AlertRule {
	out := r
	out.Labels = CloneLabels(r.Labels)
	out.Annotations = CloneLabels(r.Annotations)
	out.NotificationChannels = append([]string(nil), r.NotificationChannels...)
	return out
}

// ManualRuleID is the rule id carried by operator-created alerts.
const ManualRuleID = "manual"

type Alert struct {
	ID             string            `json:"id"`
	RuleID         string            `json:"ruleId"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Severity       Severity          `json:"severity"`
	Status         Status            `json:"status"`
	FiredAt        time.Time         `json:"firedAt"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string            `json:"acknowledgedBy,omitempty"`
	Value          float64           `json:"value"`
	Threshold      float64           `json:"threshold"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
}

func (a Alert) Clone() Alert {
	out := a
	out.Labels = CloneLabels(a.Labels)
	out.Annotations = CloneLabels(a.Annotations)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return out
}

// LabelKey returns labels sorted by key and joined as "k=v,k=v".
func LabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ",")
}

// DedupKey identifies the single active alert allowed per rule and label set.
func DedupKey(ruleID string, labels map[string]string) string {
	return ruleID + ":" + LabelKey(labels)
}

func CloneLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
