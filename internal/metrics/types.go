package metrics

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrUnknownHistogram is returned when observing a histogram that was never registered.
	ErrUnknownHistogram = errors.New("histogram not registered")
	// ErrKindMismatch is returned when a name is used with a kind other than the one it was registered with.
	ErrKindMismatch = errors.New("metric registered with a different kind")
	// ErrInvalidName is returned for metric or label names the Prometheus exposition format cannot carry.
	ErrInvalidName = errors.New("invalid metric or label name")
)

// Kind discriminates the three metric shapes held by the registry.
type Kind int

const (
	KindCounter Kind = iota + 1
	KindGauge
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels identifies one series inside a metric family.
type Labels map[string]string

// Key returns the canonical "k=v,k=v" form with keys sorted.
func (l Labels) Key() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
	}
	return b.String()
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Value is the read-side sum type: CounterValue, GaugeValue or HistogramValue.
type Value interface {
	Kind() Kind
}

type CounterValue struct {
	Value float64 `json:"value"`
}

func (CounterValue) Kind() Kind { return KindCounter }

type GaugeValue struct {
	Value float64 `json:"value"`
}

func (GaugeValue) Kind() Kind { return KindGauge }

// Bucket is a cumulative histogram bucket.
type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// Percentiles are recomputed on every observation from the retained samples.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type HistogramValue struct {
	Count       uint64      `json:"count"`
	Sum         float64     `json:"sum"`
	Buckets     []Bucket    `json:"buckets"`
	Percentiles Percentiles `json:"percentiles"`
}

func (HistogramValue) Kind() Kind { return KindHistogram }

// Avg returns sum/count, or 0 for an empty histogram.
func (h HistogramValue) Avg() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / float64(h.Count)
}

// Metric is a point-in-time copy of one labeled series.
type Metric struct {
	Name   string `json:"name"`
	Help   string `json:"help"`
	Labels Labels `json:"labels"`
	Value  Value  `json:"value"`
}

// Float returns the scalar reading of a counter or gauge. Histograms report their count.
func (m Metric) Float() float64 {
	switch v := m.Value.(type) {
	case CounterValue:
		return v.Value
	case GaugeValue:
		return v.Value
	case HistogramValue:
		return float64(v.Count)
	default:
		return 0
	}
}
