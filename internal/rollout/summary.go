package rollout

import (
	"context"
	"sync"
	"time"

	"github.com/qiniu/rolloutguard/internal/metrics"
	"github.com/rs/zerolog/log"
)

// MetricsReader is the read side of the metrics registry.
type MetricsReader interface {
	Sum(name string) float64
	Series(name string) []metrics.Metric
}

type counterSample struct {
	at                                time.Time
	requests, errors, calls, failures float64
}

// Summarizer turns cumulative registry counters into rates over a trailing
// window. Each call records a sample; the newest sample at least one window
// old is the baseline. Without one, cumulative totals are used.
type Summarizer struct {
	reader   MetricsReader
	callLogs CallLogAggregator
	window   time.Duration

	mu      sync.Mutex
	samples []counterSample
}

func NewSummarizer(reader MetricsReader, callLogs CallLogAggregator, window time.Duration) *Summarizer {
	if callLogs == nil {
		callLogs = NoopCallLogAggregator{}
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Summarizer{reader: reader, callLogs: callLogs, window: window}
}

func (s *Summarizer) Summarize(ctx context.Context, now time.Time) MetricsSummary {
	cur := counterSample{
		at:       now,
		requests: s.reader.Sum(metrics.RequestsTotal),
		errors:   s.reader.Sum(metrics.ErrorsTotal),
		calls:    s.reader.Sum(metrics.CallsTotal),
		failures: s.reader.Sum(metrics.CallsFailedTotal),
	}
	delta := s.deltaSince(cur)

	sum := MetricsSummary{
		Window:              s.window,
		Requests:            delta.requests,
		Errors:              delta.errors,
		P95LatencyMs:        s.p95Latency(),
		CircuitBreakersOpen: s.reader.Sum(metrics.CircuitBreakerOpen),
		CollectedAt:         now,
	}
	sum.ErrorRate = ratio(delta.errors, delta.requests)

	agg, err := s.callLogs.Aggregate(ctx, now.Add(-s.window))
	if err != nil {
		log.Warn().Err(err).Msg("call log aggregate unavailable, using registry counters")
	}
	if err == nil && agg.Total > 0 {
		sum.TotalCalls, sum.FailedCalls = float64(agg.Total), float64(agg.Failed)
	} else {
		sum.TotalCalls, sum.FailedCalls = delta.calls, delta.failures
	}
	sum.FailedCallRate = ratio(sum.FailedCalls, sum.TotalCalls)
	return sum
}

func (s *Summarizer) deltaSince(cur counterSample) counterSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := cur.at.Add(-s.window)
	base := -1
	for i, smp := range s.samples {
		if smp.at.After(cutoff) {
			break
		}
		base = i
	}
	out := cur
	if base >= 0 {
		b := s.samples[base]
		// A counter going backwards means the registry was reset.
		if cur.requests >= b.requests && cur.errors >= b.errors && cur.calls >= b.calls && cur.failures >= b.failures {
			out.requests -= b.requests
			out.errors -= b.errors
			out.calls -= b.calls
			out.failures -= b.failures
		}
		s.samples = s.samples[base:]
	}
	s.samples = append(s.samples, cur)
	return out
}

// p95Latency is the worst p95 across the latency histogram's series.
func (s *Summarizer) p95Latency() float64 {
	var worst float64
	for _, m := range s.reader.Series(metrics.ResponseLatencyMs) {
		if h, ok := m.Value.(metrics.HistogramValue); ok && h.Count > 0 && h.Percentiles.P95 > worst {
			worst = h.Percentiles.P95
		}
	}
	return worst
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}
