package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

// Well-known metric names registered at startup.
const (
	CallsTotal          = "voice_agent_calls_total"
	CallsFailedTotal    = "voice_agent_calls_failed_total"
	RequestsTotal       = "voice_agent_requests_total"
	ErrorsTotal         = "voice_agent_errors_total"
	ActiveCalls         = "voice_agent_active_calls"
	CircuitBreakerOpen  = "voice_agent_circuit_breaker_open"
	ResponseLatencyMs   = "voice_agent_response_latency_ms"
	CallDurationSeconds = "voice_agent_call_duration_seconds"
)

var (
	LatencyBucketsMs       = []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000}
	CallDurationBucketsSec = []float64{5, 15, 30, 60, 120, 300, 600}
)

type seriesState interface {
	kind() Kind
}

type counterState struct{ v float64 }

func (*counterState) kind() Kind { return KindCounter }

type gaugeState struct{ v float64 }

func (*gaugeState) kind() Kind { return KindGauge }

func (*histogram) kind() Kind { return KindHistogram }

type series struct {
	labels Labels
	state  seriesState
}

type family struct {
	name   string
	help   string
	kind   Kind
	bounds []float64
	series map[string]*series
}

// Registry is an in-memory store of labeled counters, gauges and histograms.
// Series are created on first use; histogram families must be registered first
// because their bucket layout is fixed at registration.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	now      func() time.Time
}

type Option func(*Registry)

// WithClock overrides the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		families: make(map[string]*family),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.families = make(map[string]*family)
	r.register(CallsTotal, "Total voice calls handled", KindCounter, nil)
	r.register(CallsFailedTotal, "Voice calls that ended in failure", KindCounter, nil)
	r.register(RequestsTotal, "Agent requests processed", KindCounter, nil)
	r.register(ErrorsTotal, "Agent requests that returned an error", KindCounter, nil)
	r.register(ActiveCalls, "Calls currently in progress", KindGauge, nil)
	r.register(CircuitBreakerOpen, "Open circuit breakers by dependency", KindGauge, nil)
	r.register(ResponseLatencyMs, "Agent response latency in milliseconds", KindHistogram, LatencyBucketsMs)
	r.register(CallDurationSeconds, "Call duration in seconds", KindHistogram, CallDurationBucketsSec)
}

func (r *Registry) register(name, help string, kind Kind, bounds []float64) *family {
	f := &family{
		name:   name,
		help:   help,
		kind:   kind,
		bounds: append([]float64(nil), bounds...),
		series: make(map[string]*series),
	}
	r.families[name] = f
	return f
}

// RegisterCounter declares a counter family. Re-registering the same kind is a no-op.
func (r *Registry) RegisterCounter(name, help string) error {
	return r.declare(name, help, KindCounter, nil)
}

func (r *Registry) RegisterGauge(name, help string) error {
	return r.declare(name, help, KindGauge, nil)
}

// RegisterHistogram declares a histogram family with fixed bucket upper bounds.
func (r *Registry) RegisterHistogram(name, help string, buckets []float64) error {
	return r.declare(name, help, KindHistogram, buckets)
}

// checkNames rejects names outside [a-zA-Z_:][a-zA-Z0-9_:]* and reserved "__" labels.
func checkNames(name string, labels Labels) error {
	if !model.LegacyValidation.IsValidMetricName(name) {
		return fmt.Errorf("metric %q: %w", name, ErrInvalidName)
	}
	for k := range labels {
		if !model.LegacyValidation.IsValidLabelName(k) || strings.HasPrefix(k, "__") {
			return fmt.Errorf("label %q on %s: %w", k, name, ErrInvalidName)
		}
	}
	return nil
}

func (r *Registry) declare(name, help string, kind Kind, bounds []float64) error {
	if err := checkNames(name, nil); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.kind != kind {
			return fmt.Errorf("register %s as %s: %w", name, kind, ErrKindMismatch)
		}
		return nil
	}
	r.register(name, help, kind, bounds)
	return nil
}

// familyFor returns the family for name, auto-registering counters and gauges.
// Caller holds the write lock.
func (r *Registry) familyFor(name string, kind Kind) (*family, error) {
	f, ok := r.families[name]
	if !ok {
		if kind == KindHistogram {
			return nil, fmt.Errorf("observe %s: %w", name, ErrUnknownHistogram)
		}
		f = r.register(name, fmt.Sprintf("Auto-registered %s", kind), kind, nil)
		log.Debug().Str("metric", name).Str("kind", kind.String()).Msg("auto-registered metric")
		return f, nil
	}
	if f.kind != kind {
		return nil, fmt.Errorf("%s is a %s, not a %s: %w", name, f.kind, kind, ErrKindMismatch)
	}
	return f, nil
}

func (f *family) seriesFor(labels Labels) *series {
	key := labels.Key()
	if s, ok := f.series[key]; ok {
		return s
	}
	s := &series{labels: labels.clone()}
	switch f.kind {
	case KindCounter:
		s.state = &counterState{}
	case KindGauge:
		s.state = &gaugeState{}
	case KindHistogram:
		s.state = newHistogram(f.bounds)
	}
	f.series[key] = s
	return s
}

// IncrementCounter adds delta to a counter. Negative deltas are rejected to keep counters monotonic.
func (r *Registry) IncrementCounter(name string, delta float64, labels Labels) error {
	if err := checkNames(name, labels); err != nil {
		return err
	}
	if delta < 0 {
		log.Warn().Str("metric", name).Float64("delta", delta).Msg("ignoring negative counter increment")
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.familyFor(name, KindCounter)
	if err != nil {
		return err
	}
	switch st := f.seriesFor(labels).state.(type) {
	case *counterState:
		st.v += delta
	default:
		return fmt.Errorf("counter %s: %w", name, ErrKindMismatch)
	}
	return nil
}

// SetGauge sets a gauge, flooring at zero.
func (r *Registry) SetGauge(name string, value float64, labels Labels) error {
	return r.updateGauge(name, labels, func(float64) float64 { return value })
}

func (r *Registry) IncrementGauge(name string, delta float64, labels Labels) error {
	return r.updateGauge(name, labels, func(cur float64) float64 { return cur + delta })
}

// DecrementGauge subtracts delta; the gauge never drops below zero.
func (r *Registry) DecrementGauge(name string, delta float64, labels Labels) error {
	return r.updateGauge(name, labels, func(cur float64) float64 { return cur - delta })
}

func (r *Registry) updateGauge(name string, labels Labels, fn func(float64) float64) error {
	if err := checkNames(name, labels); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.familyFor(name, KindGauge)
	if err != nil {
		return err
	}
	switch st := f.seriesFor(labels).state.(type) {
	case *gaugeState:
		v := fn(st.v)
		if v < 0 {
			v = 0
		}
		st.v = v
	default:
		return fmt.Errorf("gauge %s: %w", name, ErrKindMismatch)
	}
	return nil
}

// ObserveHistogram records one value into a registered histogram.
func (r *Registry) ObserveHistogram(name string, value float64, labels Labels) error {
	if err := checkNames(name, labels); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.familyFor(name, KindHistogram)
	if err != nil {
		return err
	}
	switch st := f.seriesFor(labels).state.(type) {
	case *histogram:
		st.observe(value)
	default:
		return fmt.Errorf("histogram %s: %w", name, ErrKindMismatch)
	}
	return nil
}

// GetMetric returns a copy of one series.
func (r *Registry) GetMetric(name string, labels Labels) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	if !ok {
		return Metric{}, false
	}
	s, ok := f.series[labels.Key()]
	if !ok {
		return Metric{}, false
	}
	return f.metricOf(s), true
}

func (f *family) metricOf(s *series) Metric {
	m := Metric{Name: f.name, Help: f.help, Labels: s.labels.clone()}
	switch st := s.state.(type) {
	case *counterState:
		m.Value = CounterValue{Value: st.v}
	case *gaugeState:
		m.Value = GaugeValue{Value: st.v}
	case *histogram:
		m.Value = st.value()
	}
	return m
}

// Kind reports the registered kind of a family.
func (r *Registry) Kind(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	if !ok {
		return 0, false
	}
	return f.kind, true
}

func (r *Registry) GetCounterValue(name string, labels Labels) float64 {
	m, ok := r.GetMetric(name, labels)
	if !ok {
		return 0
	}
	if v, ok := m.Value.(CounterValue); ok {
		return v.Value
	}
	return 0
}

func (r *Registry) GetGaugeValue(name string, labels Labels) float64 {
	m, ok := r.GetMetric(name, labels)
	if !ok {
		return 0
	}
	if v, ok := m.Value.(GaugeValue); ok {
		return v.Value
	}
	return 0
}

func (r *Registry) GetHistogramStats(name string, labels Labels) (HistogramValue, bool) {
	m, ok := r.GetMetric(name, labels)
	if !ok {
		return HistogramValue{}, false
	}
	v, ok := m.Value.(HistogramValue)
	return v, ok
}

// Series returns every labeled series of a family, ordered by label key.
func (r *Registry) Series(name string) []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	if !ok {
		return nil
	}
	return f.sortedMetrics()
}

func (f *family) sortedMetrics() []Metric {
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.metricOf(f.series[k]))
	}
	return out
}

// Sum adds the scalar readings of every series in a counter or gauge family.
func (r *Registry) Sum(name string) float64 {
	var total float64
	for _, m := range r.Series(name) {
		switch v := m.Value.(type) {
		case CounterValue:
			total += v.Value
		case GaugeValue:
			total += v.Value
		case HistogramValue:
		}
	}
	return total
}

// Snapshot copies every series of every family, ordered by name then labels.
func (r *Registry) Snapshot() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for n := range r.families {
		names = append(names, n)
	}
	sort.Strings(names)
	var out []Metric
	for _, n := range names {
		out = append(out, r.families[n].sortedMetrics()...)
	}
	return out
}

// Reset drops every series and restores the default families.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerDefaults()
}
