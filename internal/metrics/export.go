package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Describe sends nothing, which makes the registry an unchecked collector:
// families appear at runtime through auto-registration.
func (r *Registry) Describe(chan<- *prometheus.Desc) {}

// Collect converts every series into a const metric.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, m := range r.Snapshot() {
		ch <- toPrometheus(m)
	}
}

func toPrometheus(m Metric) prometheus.Metric {
	names := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]string, len(names))
	for i, k := range names {
		values[i] = m.Labels[k]
	}
	desc := prometheus.NewDesc(m.Name, m.Help, names, nil)

	var (
		pm  prometheus.Metric
		err error
	)
	switch v := m.Value.(type) {
	case CounterValue:
		pm, err = prometheus.NewConstMetric(desc, prometheus.CounterValue, v.Value, values...)
	case GaugeValue:
		pm, err = prometheus.NewConstMetric(desc, prometheus.GaugeValue, v.Value, values...)
	case HistogramValue:
		buckets := make(map[float64]uint64, len(v.Buckets))
		for _, b := range v.Buckets {
			buckets[b.UpperBound] = b.Count
		}
		pm, err = prometheus.NewConstHistogram(desc, v.Count, v.Sum, buckets, values...)
	default:
		err = fmt.Errorf("metric %s has no value", m.Name)
	}
	if err != nil {
		return prometheus.NewInvalidMetric(desc, err)
	}
	return pm
}

// ExportPrometheus renders the current state in the Prometheus text exposition format.
func (r *Registry) ExportPrometheus() (string, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(r); err != nil {
		return "", fmt.Errorf("register collector: %w", err)
	}
	families, gatherErr := reg.Gather()
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if gatherErr != nil {
		return buf.String(), fmt.Errorf("gather metrics: %w", gatherErr)
	}
	return buf.String(), nil
}

// SnapshotEntry is the JSON form of one series.
type SnapshotEntry struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Help   string `json:"help"`
	Labels Labels `json:"labels"`
	Value  Value  `json:"value"`
}

// JSONSnapshot is the document produced by ExportJSON.
type JSONSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Metrics   []SnapshotEntry `json:"metrics"`
}

func (r *Registry) JSONSnapshot() JSONSnapshot {
	snap := r.Snapshot()
	out := JSONSnapshot{
		Timestamp: r.now().UTC(),
		Metrics:   make([]SnapshotEntry, 0, len(snap)),
	}
	for _, m := range snap {
		out.Metrics = append(out.Metrics, SnapshotEntry{
			Name:   m.Name,
			Type:   m.Value.Kind().String(),
			Help:   m.Help,
			Labels: m.Labels,
			Value:  m.Value,
		})
	}
	return out
}

func (r *Registry) ExportJSON() ([]byte, error) {
	return json.Marshal(r.JSONSnapshot())
}
