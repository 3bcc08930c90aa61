package rollout

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/qiniu/rolloutguard/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PrometheusSource builds the metrics summary with PromQL against a Prometheus
// server that scrapes the agents. When any query fails the fallback source is used.
type PrometheusSource struct {
	api      v1.API
	window   time.Duration
	selector string
	timeout  time.Duration
	callLogs CallLogAggregator
	fallback SummarySource
}

type PrometheusOptions struct {
	Address string
	// Selector is a label matcher list without braces, e.g. `service_name="voice-agent"`.
	Selector     string
	QueryTimeout time.Duration
}

func NewPrometheusSource(o PrometheusOptions, window time.Duration, callLogs CallLogAggregator, fallback SummarySource) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: o.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 10 * time.Second
	}
	if callLogs == nil {
		callLogs = NoopCallLogAggregator{}
	}
	return &PrometheusSource{
		api:      v1.NewAPI(client),
		window:   window,
		selector: strings.Trim(o.Selector, "{} "),
		timeout:  o.QueryTimeout,
		callLogs: callLogs,
		fallback: fallback,
	}, nil
}

// series renders name{selector}.
func (p *PrometheusSource) series(name string) string {
	if p.selector == "" {
		return name
	}
	return name + "{" + p.selector + "}"
}

func (p *PrometheusSource) increase(name string) string {
	return fmt.Sprintf("sum(increase(%s[%s]))", p.series(name), promModel.Duration(p.window))
}

func (p *PrometheusSource) queries() map[string]string {
	return map[string]string{
		"requests": p.increase(metrics.RequestsTotal),
		"errors":   p.increase(metrics.ErrorsTotal),
		"calls":    p.increase(metrics.CallsTotal),
		"failures": p.increase(metrics.CallsFailedTotal),
		"p95": fmt.Sprintf("histogram_quantile(0.95, sum by (le) (rate(%s[%s])))",
			p.series(metrics.ResponseLatencyMs+"_bucket"), promModel.Duration(p.window)),
		"breakers": fmt.Sprintf("sum(%s)", p.series(metrics.CircuitBreakerOpen)),
	}
}

func (p *PrometheusSource) Summarize(ctx context.Context, now time.Time) MetricsSummary {
	values, err := p.queryAll(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("prometheus summary unavailable, using local registry")
		if p.fallback != nil {
			return p.fallback.Summarize(ctx, now)
		}
		return MetricsSummary{Window: p.window, CollectedAt: now}
	}

	sum := MetricsSummary{
		Window:              p.window,
		Requests:            values["requests"],
		Errors:              values["errors"],
		P95LatencyMs:        values["p95"],
		CircuitBreakersOpen: values["breakers"],
		CollectedAt:         now,
	}
	sum.ErrorRate = ratio(sum.Errors, sum.Requests)

	agg, err := p.callLogs.Aggregate(ctx, now.Add(-p.window))
	if err != nil {
		log.Warn().Err(err).Msg("call log aggregate unavailable, using prometheus counters")
	}
	if err == nil && agg.Total > 0 {
		sum.TotalCalls, sum.FailedCalls = float64(agg.Total), float64(agg.Failed)
	} else {
		sum.TotalCalls, sum.FailedCalls = values["calls"], values["failures"]
	}
	sum.FailedCallRate = ratio(sum.FailedCalls, sum.TotalCalls)
	return sum
}

func (p *PrometheusSource) queryAll(ctx context.Context, now time.Time) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	qs := p.queries()
	results := make(map[string]float64, len(qs))
	type kv struct {
		key string
		val float64
	}
	out := make(chan kv, len(qs))

	g, gctx := errgroup.WithContext(ctx)
	for key, q := range qs {
		key, q := key, q
		g.Go(func() error {
			v, err := p.scalar(gctx, q, now)
			if err != nil {
				return fmt.Errorf("query %s: %w", key, err)
			}
			out <- kv{key, v}
			return nil
		})
	}
	err := g.Wait()
	close(out)
	if err != nil {
		return nil, err
	}
	for r := range out {
		results[r.key] = r.val
	}
	return results, nil
}

// scalar runs an instant query and reduces it to one value. No data and NaN read as 0.
func (p *PrometheusSource) scalar(ctx context.Context, query string, ts time.Time) (float64, error) {
	result, warnings, err := p.api.Query(ctx, query, ts)
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		log.Debug().Strs("warnings", warnings).Str("query", query).Msg("prometheus query warnings")
	}
	var v float64
	switch r := result.(type) {
	case promModel.Vector:
		for _, s := range r {
			v += float64(s.Value)
		}
	case *promModel.Scalar:
		v = float64(r.Value)
	default:
		return 0, fmt.Errorf("unexpected result type: %T", result)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, nil
	}
	return v, nil
}
