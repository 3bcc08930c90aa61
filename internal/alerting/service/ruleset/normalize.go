package ruleset

import (
	"fmt"
	"math"
	"strings"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

// NormalizeLabels returns a new map with keys lowercased and trimmed, values trimmed,
// and empty keys or values removed. It does not mutate the input map.
func NormalizeLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	result := make(map[string]string, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// normalizeRule canonicalizes a rule in place before validation.
func normalizeRule(r *model.AlertRule) {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.Severity = model.Severity(strings.ToLower(strings.TrimSpace(string(r.Severity))))
	r.Condition.Metric = strings.TrimSpace(r.Condition.Metric)
	r.Condition.Operator = model.Operator(strings.ToLower(strings.TrimSpace(string(r.Condition.Operator))))
	r.Condition.Aggregation = model.Aggregation(strings.ToLower(strings.TrimSpace(string(r.Condition.Aggregation))))
	r.Labels = NormalizeLabels(r.Labels)
	channels := r.NotificationChannels[:0:0]
	for _, c := range r.NotificationChannels {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			channels = append(channels, c)
		}
	}
	r.NotificationChannels = channels
}

func validateRule(r *model.AlertRule) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	case r.ID == model.ManualRuleID:
		return fmt.Errorf("%w: id %q is reserved", ErrInvalidRule, model.ManualRuleID)
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	case !r.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	case r.Condition.Metric == "":
		return fmt.Errorf("%w: condition.metric is required", ErrInvalidRule)
	case !r.Condition.Operator.Valid():
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, r.Condition.Operator)
	case !r.Condition.Aggregation.Valid():
		return fmt.Errorf("%w: unknown aggregation %q", ErrInvalidRule, r.Condition.Aggregation)
	case math.IsNaN(r.Condition.Threshold) || math.IsInf(r.Condition.Threshold, 0):
		return fmt.Errorf("%w: threshold must be finite", ErrInvalidRule)
	case r.Condition.Window < 0:
		return fmt.Errorf("%w: window must not be negative", ErrInvalidRule)
	}
	return nil
}
