package metrics

import "sort"

// MaxHistogramSamples bounds the raw values retained per histogram series.
const MaxHistogramSamples = 10000

// histogram keeps cumulative bucket counts plus a FIFO ring of raw samples
// used to recompute percentiles after every observation.
type histogram struct {
	bounds  []float64
	counts  []uint64
	count   uint64
	sum     float64
	samples []float64
	limit   int
	next    int
	pct     Percentiles
}

func newHistogram(bounds []float64) *histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &histogram{
		bounds: b,
		counts: make([]uint64, len(b)),
		limit:  MaxHistogramSamples,
	}
}

func (h *histogram) observe(v float64) {
	h.count++
	h.sum += v
	for i, ub := range h.bounds {
		if v <= ub {
			h.counts[i]++
		}
	}
	if len(h.samples) < h.limit {
		h.samples = append(h.samples, v)
	} else {
		h.samples[h.next] = v
		h.next = (h.next + 1) % h.limit
	}
	// O(n log n) per observation; bounded by the sample limit.
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	h.pct = Percentiles{
		P50: percentileAt(sorted, 0.50),
		P75: percentileAt(sorted, 0.75),
		P90: percentileAt(sorted, 0.90),
		P95: percentileAt(sorted, 0.95),
		P99: percentileAt(sorted, 0.99),
	}
}

// percentileAt indexes the sorted slice at floor(len*p), clamped to the last element.
func percentileAt(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (h *histogram) value() HistogramValue {
	buckets := make([]Bucket, len(h.bounds))
	for i, ub := range h.bounds {
		buckets[i] = Bucket{UpperBound: ub, Count: h.counts[i]}
	}
	return HistogramValue{
		Count:       h.count,
		Sum:         h.sum,
		Buckets:     buckets,
		Percentiles: h.pct,
	}
}
