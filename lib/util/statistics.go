package util

import (
	"math"
	"sort"
	"sync"
)

// ----------------------------------------------------------------------------
// Summary statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, standard deviation, minimum and maximum of values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	min, max := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	mean := sum / float64(len(values))

	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	minMaxRatio := 1.0
	if max > 0 {
		minMaxRatio = min / max
	}

	return Stats{
		StdDeviation: math.Sqrt(sumSquaredDiffs / float64(len(values))),
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  minMaxRatio,
	}
}

type DistributionStats struct {
	Stats
	// Evenness is 1 for identical values and approaches 0 for very skewed ones
	Evenness float64 `json:"evenness"`
}

// NewDistributionStats computes how evenly values are distributed.
// It combines the coefficient of variation and the min/max ratio.
func NewDistributionStats(values []float64) DistributionStats {
	stats := NewStats(values)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return DistributionStats{
		Stats:    stats,
		Evenness: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// Histogram
// ----------------------------------------------------------------------------

// Histogram counts integer samples in buckets with fixed upper bounds.
// The last bucket collects everything above the largest bound.
type Histogram struct {
	mutex  sync.RWMutex
	bounds []int
	counts []int64
	count  int64
	sum    int64
}

// NewHistogram creates a histogram with the given inclusive upper bucket bounds.
func NewHistogram(bounds ...int) *Histogram {
	b := append([]int(nil), bounds...)
	sort.Ints(b)
	return &Histogram{
		bounds: b,
		counts: make([]int64, len(b)+1),
	}
}

// NewExponentialHistogram creates a histogram with bounds 1, 2, 4, ... up to 2^(n-1).
func NewExponentialHistogram(n int) *Histogram {
	bounds := make([]int, n)
	for i := range bounds {
		bounds[i] = 1 << i
	}
	return NewHistogram(bounds...)
}

// AddSample adds a sample to the histogram
//
// Thread-safe: This method is safe for concurrent use
func (h *Histogram) AddSample(v int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	i := sort.SearchInts(h.bounds, v)
	h.counts[i]++
	h.count++
	h.sum += int64(v)
}

// Count returns the total number of samples
//
// Thread-safe: This method is safe for concurrent use
func (h *Histogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// Mean returns the exact mean of all samples
//
// Thread-safe: This method is safe for concurrent use
func (h *Histogram) Mean() float64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.count == 0 {
		return 0
	}
	return float64(h.sum) / float64(h.count)
}

// Percentile returns the upper bound of the bucket containing the given percentile (0-100).
// Samples in the overflow bucket are reported as twice the largest bound.
//
// Thread-safe: This method is safe for concurrent use
func (h *Histogram) Percentile(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	var cumulative int64
	for i, c := range h.counts {
		cumulative += c
		if cumulative >= target && c > 0 {
			if i < len(h.bounds) {
				return h.bounds[i]
			}
			break
		}
	}
	if len(h.bounds) == 0 {
		return 0
	}
	return h.bounds[len(h.bounds)-1] * 2
}

// Buckets returns the bucket bounds and the share of samples (in percent) per bucket.
// The share slice has one more element than the bounds slice (overflow bucket).
//
// Thread-safe: This method is safe for concurrent use
func (h *Histogram) Buckets() ([]int, []float64) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	shares := make([]float64, len(h.counts))
	if h.count == 0 {
		return h.bounds, shares
	}
	for i, c := range h.counts {
		shares[i] = float64(c) * 100.0 / float64(h.count)
	}
	return h.bounds, shares
}
