package rollout

import (
	"fmt"
	"time"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

type reading struct {
	issue       IssueType
	label, unit string
	value       float64
	goMax, noGo float64
}

func readings(def StageDefinition, m MetricsSummary) []reading {
	return []reading{
		{IssueErrorRate, "error rate", "", m.ErrorRate, def.GoCriteria.MaxErrorRate, def.NoGoCriteria.MaxErrorRate},
		{IssueLatencyP95, "p95 latency", "ms", m.P95LatencyMs, def.GoCriteria.MaxP95LatencyMs, def.NoGoCriteria.MaxP95LatencyMs},
		{IssueCircuitBreakers, "open circuit breakers", "", m.CircuitBreakersOpen, def.GoCriteria.MaxCircuitBreakersOpen, def.NoGoCriteria.MaxCircuitBreakersOpen},
		{IssueFailedCallRate, "failed call rate", "", m.FailedCallRate, def.GoCriteria.MaxFailedCallRate, def.NoGoCriteria.MaxFailedCallRate},
	}
}

// classify compares a summary with the stage criteria. Breaching no-go is a
// blocking critical issue; breaching only go is a warning.
func classify(def StageDefinition, m MetricsSummary) []Issue {
	var issues []Issue
	for _, r := range readings(def, m) {
		switch {
		case r.value > r.noGo:
			issues = append(issues, Issue{
				Type:      r.issue,
				Severity:  model.SeverityCritical,
				Message:   fmt.Sprintf("%s %s exceeds no-go threshold %s", r.label, formatReading(r.value, r.unit), formatReading(r.noGo, r.unit)),
				Value:     r.value,
				Threshold: r.noGo,
				Blocking:  true,
			})
		case r.value > r.goMax:
			issues = append(issues, Issue{
				Type:      r.issue,
				Severity:  model.SeverityWarning,
				Message:   fmt.Sprintf("%s %s exceeds go threshold %s", r.label, formatReading(r.value, r.unit), formatReading(r.goMax, r.unit)),
				Value:     r.value,
				Threshold: r.goMax,
			})
		}
	}
	return issues
}

func formatReading(v float64, unit string) string {
	if unit != "" {
		return fmt.Sprintf("%.0f%s", v, unit)
	}
	if v < 1 {
		return fmt.Sprintf("%.2f%%", v*100)
	}
	return fmt.Sprintf("%g", v)
}

type streakKey struct {
	issue IssueType
	stage Stage
}

type streak struct {
	count   int
	firstAt time.Time
}

// escalator tracks consecutive warnings per (issue, stage). Callers hold the
// controller lock.
type escalator struct {
	maxConsecutive int
	maxDuration    time.Duration
	streaks        map[streakKey]*streak
}

func newEscalator(maxConsecutive int, maxDuration time.Duration) *escalator {
	return &escalator{maxConsecutive: maxConsecutive, maxDuration: maxDuration, streaks: map[streakKey]*streak{}}
}

// apply counts this cycle's warnings, promotes persistent ones to critical and
// clears every streak that saw no warning.
func (e *escalator) apply(stage Stage, issues []Issue, now time.Time) []Issue {
	seen := map[streakKey]bool{}
	for i := range issues {
		is := &issues[i]
		if is.Severity != model.SeverityWarning {
			continue
		}
		key := streakKey{is.Type, stage}
		seen[key] = true
		s, ok := e.streaks[key]
		if !ok {
			s = &streak{firstAt: now}
			e.streaks[key] = s
		}
		s.count++
		lasted := now.Sub(s.firstAt)
		if (e.maxConsecutive > 0 && s.count >= e.maxConsecutive) || (e.maxDuration > 0 && lasted >= e.maxDuration) {
			is.Severity = model.SeverityCritical
			is.Escalated = true
			is.Message = fmt.Sprintf("%s (escalated after %d consecutive warnings over %s)", is.Message, s.count, lasted.Round(time.Second))
		}
	}
	for key := range e.streaks {
		if !seen[key] {
			delete(e.streaks, key)
		}
	}
	return issues
}

func (e *escalator) reset() {
	e.streaks = map[streakKey]*streak{}
}

func (e *escalator) len() int {
	return len(e.streaks)
}
