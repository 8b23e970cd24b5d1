package stats

import (
	"math"
	"sort"
	"sync"
)

// Histogram counts observations into exponentially spaced buckets. Values
// above the last bound land in an overflow bucket. Readers work on a copy
// taken under the lock so exposition never blocks Observe for long.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // len(bounds)+1, the last one is the overflow
	sum    float64
	n      uint64
	lo, hi float64
}

// NewHistogram creates a histogram with buckets upper bounds growing
// geometrically from first to last.
func NewHistogram(buckets int, first, last float64) *Histogram {
	if buckets < 2 {
		buckets = 20
	}
	h := &Histogram{
		bounds: exponentialBounds(first, last, buckets),
		counts: make([]uint64, buckets+1),
	}
	h.clear()
	return h
}

// NewLatencyHistogram covers 100µs to 10s in seconds
func NewLatencyHistogram() *Histogram {
	return NewHistogram(16, 0.0001, 10.0)
}

func exponentialBounds(first, last float64, n int) []float64 {
	bounds := make([]float64, n)
	step := math.Pow(last/first, 1/float64(n-1))
	for i, b := 0, first; i < n; i, b = i+1, b*step {
		bounds[i] = b
	}
	return bounds
}

func (h *Histogram) clear() {
	clear(h.counts)
	h.sum, h.n = 0, 0
	h.lo, h.hi = math.Inf(1), 0
}

// Observe records one value
func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)

	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.n++
	h.lo = math.Min(h.lo, v)
	h.hi = math.Max(h.hi, v)
	h.mu.Unlock()
}

// Reset drops every observation
func (h *Histogram) Reset() {
	h.mu.Lock()
	h.clear()
	h.mu.Unlock()
}

type histogramSnapshot struct {
	bounds []float64
	counts []uint64
	sum    float64
	n      uint64
	lo, hi float64
}

func (h *Histogram) snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		bounds: h.bounds,
		counts: append([]uint64(nil), h.counts...),
		sum:    h.sum,
		n:      h.n,
		lo:     h.lo,
		hi:     h.hi,
	}
}

// Percentile estimates the value below which p percent (0-100) of the
// observations fall, as the midpoint of the bucket holding that rank.
func (h *Histogram) Percentile(p float64) float64 {
	return h.snapshot().percentile(p)
}

func (s histogramSnapshot) percentile(p float64) float64 {
	if s.n == 0 {
		return 0
	}
	rank := uint64(math.Max(1, math.Ceil(float64(s.n)*p/100)))

	var seen uint64
	for i, c := range s.counts {
		seen += c
		if seen < rank {
			continue
		}
		switch {
		case i == len(s.bounds):
			return s.hi
		case i == 0:
			return s.bounds[0] / 2
		default:
			return (s.bounds[i-1] + s.bounds[i]) / 2
		}
	}
	return s.hi
}

// Stats returns count, sum and the observed range
func (h *Histogram) Stats() HistogramStats {
	s := h.snapshot()
	st := HistogramStats{Count: int64(s.n), Sum: s.sum, Max: s.hi}
	if s.n > 0 {
		st.Min = s.lo
		st.Avg = s.sum / float64(s.n)
	}
	return st
}

// cumulative returns the bucket bounds with the running count at each, the
// shape of a Prometheus histogram. The overflow is only part of the total.
func (h *Histogram) cumulative() ([]float64, []int64, float64, int64) {
	s := h.snapshot()
	running := make([]int64, len(s.bounds))
	var total int64
	for i := range s.bounds {
		total += int64(s.counts[i])
		running[i] = total
	}
	return s.bounds, running, s.sum, int64(s.n)
}

// HistogramStats summarizes a histogram
type HistogramStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}
