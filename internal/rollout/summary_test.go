package rollout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/qiniu/rolloutguard/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCallLogs struct {
	agg   CallAggregate
	err   error
	since time.Time
}

func (f *fakeCallLogs) Aggregate(_ context.Context, since time.Time) (CallAggregate, error) {
	f.since = since
	return f.agg, f.err
}

func TestSummarizer_RatesFromRegistry(t *testing.T) {
	reg := metrics.NewRegistry()
	require.NoError(t, reg.IncrementCounter(metrics.RequestsTotal, 200, nil))
	require.NoError(t, reg.IncrementCounter(metrics.ErrorsTotal, 6, nil))
	require.NoError(t, reg.IncrementCounter(metrics.CallsTotal, 40, nil))
	require.NoError(t, reg.IncrementCounter(metrics.CallsFailedTotal, 2, nil))
	require.NoError(t, reg.SetGauge(metrics.CircuitBreakerOpen, 1, metrics.Labels{"dependency": "llm"}))
	require.NoError(t, reg.SetGauge(metrics.CircuitBreakerOpen, 1, metrics.Labels{"dependency": "tts"}))
	for i := 1; i <= 100; i++ {
		require.NoError(t, reg.ObserveHistogram(metrics.ResponseLatencyMs, float64(i*10), nil))
	}

	s := NewSummarizer(reg, nil, 5*time.Minute)
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	sum := s.Summarize(context.Background(), now)

	assert.InDelta(t, 0.03, sum.ErrorRate, 1e-9)
	assert.InDelta(t, 0.05, sum.FailedCallRate, 1e-9)
	assert.Equal(t, float64(2), sum.CircuitBreakersOpen)
	assert.Greater(t, sum.P95LatencyMs, 900.0)
	assert.Equal(t, 5*time.Minute, sum.Window)
	assert.Equal(t, now, sum.CollectedAt)
}

func TestSummarizer_NoTrafficIsZero(t *testing.T) {
	s := NewSummarizer(metrics.NewRegistry(), nil, time.Minute)
	sum := s.Summarize(context.Background(), time.Now())
	assert.Zero(t, sum.ErrorRate)
	assert.Zero(t, sum.FailedCallRate)
	assert.Zero(t, sum.P95LatencyMs)
}

func TestSummarizer_TrailingWindowDelta(t *testing.T) {
	reg := metrics.NewRegistry()
	s := NewSummarizer(reg, nil, 5*time.Minute)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

	// An old burst of errors.
	require.NoError(t, reg.IncrementCounter(metrics.RequestsTotal, 100, nil))
	require.NoError(t, reg.IncrementCounter(metrics.ErrorsTotal, 50, nil))
	first := s.Summarize(ctx, t0)
	assert.InDelta(t, 0.5, first.ErrorRate, 1e-9)

	// Clean traffic after the window has passed.
	require.NoError(t, reg.IncrementCounter(metrics.RequestsTotal, 100, nil))
	second := s.Summarize(ctx, t0.Add(6*time.Minute))
	assert.Equal(t, float64(100), second.Requests)
	assert.Zero(t, second.ErrorRate)
}

func TestSummarizer_CounterResetUsesTotals(t *testing.T) {
	reg := metrics.NewRegistry()
	s := NewSummarizer(reg, nil, time.Minute)
	ctx := context.Background()
	t0 := time.Now()

	require.NoError(t, reg.IncrementCounter(metrics.RequestsTotal, 500, nil))
	s.Summarize(ctx, t0)
	reg.Reset()
	require.NoError(t, reg.IncrementCounter(metrics.RequestsTotal, 10, nil))
	require.NoError(t, reg.IncrementCounter(metrics.ErrorsTotal, 1, nil))

	sum := s.Summarize(ctx, t0.Add(2*time.Minute))
	assert.Equal(t, float64(10), sum.Requests)
	assert.InDelta(t, 0.1, sum.ErrorRate, 1e-9)
}

func TestSummarizer_FailedCallRateSource(t *testing.T) {
	tests := []struct {
		name     string
		logs     *fakeCallLogs
		wantRate float64
	}{
		{"call logs win when they report calls", &fakeCallLogs{agg: CallAggregate{Total: 50, Failed: 10}}, 0.2},
		{"empty call log falls back to counters", &fakeCallLogs{}, 0.1},
		{"call log error falls back to counters", &fakeCallLogs{err: errors.New("timeout")}, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := metrics.NewRegistry()
			require.NoError(t, reg.IncrementCounter(metrics.CallsTotal, 20, nil))
			require.NoError(t, reg.IncrementCounter(metrics.CallsFailedTotal, 2, nil))
			s := NewSummarizer(reg, tt.logs, 5*time.Minute)
			now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

			sum := s.Summarize(context.Background(), now)
			assert.InDelta(t, tt.wantRate, sum.FailedCallRate, 1e-9)
			assert.Equal(t, now.Add(-5*time.Minute), tt.logs.since)
		})
	}
}

type fakeRow struct {
	vals []int64
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		*(d.(*int64)) = r.vals[i]
	}
	return nil
}

type fakeQuerier struct {
	row  fakeRow
	sql  string
	args []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.sql, q.args = sql, args
	return q.row
}

func TestPgCallLogAggregator(t *testing.T) {
	since := time.Date(2025, 3, 3, 11, 55, 0, 0, time.UTC)
	q := &fakeQuerier{row: fakeRow{vals: []int64{120, 9}}}
	agg, err := NewPgCallLogAggregator(q).Aggregate(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, CallAggregate{Total: 120, Failed: 9}, agg)
	assert.Contains(t, q.sql, "FROM call_logs")
	assert.Equal(t, []any{since}, q.args)

	q.row = fakeRow{err: errors.New("relation does not exist")}
	_, err = NewPgCallLogAggregator(q).Aggregate(context.Background(), since)
	assert.ErrorContains(t, err, "aggregate call logs")
}
