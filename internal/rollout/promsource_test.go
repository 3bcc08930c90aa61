package rollout

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers instant queries by the first registered substring the query contains.
func fakePrometheus(t *testing.T, answers map[string]string) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		q := r.Form.Get("query")
		mu.Lock()
		seen = append(seen, q)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		for needle, v := range answers {
			if strings.Contains(q, needle) {
				if v == "error" {
					w.WriteHeader(http.StatusBadRequest)
					fmt.Fprint(w, `{"status":"error","errorType":"bad_data","error":"parse error"}`)
					return
				}
				fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"%s"]}]}}`, v)
				return
			}
		}
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestPrometheusSource_Summarize(t *testing.T) {
	srv, seen := fakePrometheus(t, map[string]string{
		"voice_agent_requests_total":     "200",
		"voice_agent_errors_total":       "10",
		"voice_agent_calls_failed_total": "3",
		"voice_agent_calls_total":        "30",
		"histogram_quantile":             "2400",
		"voice_agent_circuit_breaker":    "1",
	})
	src, err := NewPrometheusSource(PrometheusOptions{Address: srv.URL, Selector: `{service_name="voice-agent"}`},
		5*time.Minute, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	sum := src.Summarize(context.Background(), now)
	assert.Equal(t, 200.0, sum.Requests)
	assert.InDelta(t, 0.05, sum.ErrorRate, 1e-9)
	assert.Equal(t, 2400.0, sum.P95LatencyMs)
	assert.Equal(t, 1.0, sum.CircuitBreakersOpen)
	assert.InDelta(t, 0.1, sum.FailedCallRate, 1e-9)
	assert.Equal(t, now, sum.CollectedAt)

	require.Len(t, *seen, 6)
	for _, q := range *seen {
		assert.Contains(t, q, `{service_name="voice-agent"}`)
	}
	assert.Contains(t, strings.Join(*seen, "\n"), "sum(increase(voice_agent_requests_total{service_name=\"voice-agent\"}[5m]))")
}

func TestPrometheusSource_NoDataAndNaN(t *testing.T) {
	srv, _ := fakePrometheus(t, map[string]string{"histogram_quantile": "NaN"})
	src, err := NewPrometheusSource(PrometheusOptions{Address: srv.URL}, time.Minute, nil, nil)
	require.NoError(t, err)

	sum := src.Summarize(context.Background(), time.Now())
	assert.Zero(t, sum.Requests)
	assert.Zero(t, sum.ErrorRate)
	assert.Zero(t, sum.P95LatencyMs)
}

func TestPrometheusSource_FallsBackOnQueryError(t *testing.T) {
	srv, _ := fakePrometheus(t, map[string]string{"histogram_quantile": "error"})
	fallback := staticSummary{MetricsSummary{Requests: 7}}
	src, err := NewPrometheusSource(PrometheusOptions{Address: srv.URL}, time.Minute, nil, fallback)
	require.NoError(t, err)

	sum := src.Summarize(context.Background(), time.Now())
	assert.Equal(t, 7.0, sum.Requests)
}

func TestPrometheusSource_PrefersCallLogs(t *testing.T) {
	srv, _ := fakePrometheus(t, map[string]string{"voice_agent_calls_total": "100"})
	src, err := NewPrometheusSource(PrometheusOptions{Address: srv.URL}, time.Minute,
		fixedCallLogs{CallAggregate{Total: 20, Failed: 5}}, nil)
	require.NoError(t, err)

	sum := src.Summarize(context.Background(), time.Now())
	assert.Equal(t, 20.0, sum.TotalCalls)
	assert.InDelta(t, 0.25, sum.FailedCallRate, 1e-9)
}

type staticSummary struct{ m MetricsSummary }

func (s staticSummary) Summarize(context.Context, time.Time) MetricsSummary { return s.m }

type fixedCallLogs struct{ agg CallAggregate }

func (f fixedCallLogs) Aggregate(context.Context, time.Time) (CallAggregate, error) { return f.agg, nil }
