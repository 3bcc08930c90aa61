package ruleset

import (
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/metrics"
)

// EvaluateCondition applies op to (value, threshold). Unknown operators never match.
func EvaluateCondition(value float64, op model.Operator, threshold float64) bool {
	switch op {
	case model.OpGT:
		return value > threshold
	case model.OpGTE:
		return value >= threshold
	case model.OpLT:
		return value < threshold
	case model.OpLTE:
		return value <= threshold
	case model.OpEQ:
		return value == threshold
	case model.OpNEQ:
		return value != threshold
	default:
		return false
	}
}

// extractValue reads the value a rule compares. The exact label set is tried first;
// counters and gauges then fall back to summing every series carrying the rule's labels.
// An empty histogram reads as missing.
func extractValue(src MetricSource, cond model.Condition, labels map[string]string) (float64, bool) {
	m, ok := src.GetMetric(cond.Metric, labels)
	if !ok {
		return sumMatching(src.Series(cond.Metric), labels)
	}
	switch v := m.Value.(type) {
	case metrics.CounterValue:
		return v.Value, true
	case metrics.GaugeValue:
		return v.Value, true
	case metrics.HistogramValue:
		if v.Count == 0 {
			return 0, false
		}
		return histogramStat(v, cond.Aggregation), true
	default:
		return 0, false
	}
}

// histogramStat maps an aggregation onto a histogram statistic. rate is the raw
// observation count, not a per-second rate.
func histogramStat(v metrics.HistogramValue, agg model.Aggregation) float64 {
	switch agg {
	case model.AggAvg:
		return v.Avg()
	case model.AggMax:
		return v.Percentiles.P99
	case model.AggRate:
		return float64(v.Count)
	default:
		return v.Percentiles.P95
	}
}

func sumMatching(series []metrics.Metric, labels map[string]string) (float64, bool) {
	var (
		total float64
		found bool
	)
	for _, m := range series {
		if !containsLabels(m.Labels, labels) {
			continue
		}
		switch v := m.Value.(type) {
		case metrics.CounterValue:
			total += v.Value
		case metrics.GaugeValue:
			total += v.Value
		case metrics.HistogramValue:
			return 0, false
		}
		found = true
	}
	return total, found
}

func containsLabels(have metrics.Labels, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
