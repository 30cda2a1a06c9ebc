package stats

import (
	"sort"
)

// Rolling maintains a fixed-size numeric window with a running sum. Avg, Min
// and Max are O(n) over the populated slice; P95 sorts a copy of the populated
// slice on demand. The window never reallocates after construction.
type Rolling struct {
	window []float64
	head   int
	count  int
	sum    float64
}

// NewRolling creates a rolling window of the given size. Size < 1 is treated
// as 1.
func NewRolling(size int) *Rolling {
	if size < 1 {
		size = 1
	}
	return &Rolling{window: make([]float64, size)}
}

// Add records a sample, evicting the oldest when the window is full.
func (r *Rolling) Add(v float64) {
	if r.count == len(r.window) {
		r.sum -= r.window[r.head]
	} else {
		r.count++
	}
	r.window[r.head] = v
	r.sum += v
	r.head = (r.head + 1) % len(r.window)
}

// Len returns the number of populated samples.
func (r *Rolling) Len() int { return r.count }

// Avg returns the mean of the window, or 0 when empty.
func (r *Rolling) Avg() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

// Min returns the smallest sample, or 0 when empty.
func (r *Rolling) Min() float64 {
	if r.count == 0 {
		return 0
	}
	min := r.window[r.idx(0)]
	for i := 1; i < r.count; i++ {
		if v := r.window[r.idx(i)]; v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest sample, or 0 when empty.
func (r *Rolling) Max() float64 {
	if r.count == 0 {
		return 0
	}
	max := r.window[r.idx(0)]
	for i := 1; i < r.count; i++ {
		if v := r.window[r.idx(i)]; v > max {
			max = v
		}
	}
	return max
}

// P95 returns the 95th-percentile sample, or 0 when empty. Only the populated
// slice is copied and sorted.
func (r *Rolling) P95() float64 {
	if r.count == 0 {
		return 0
	}
	sorted := make([]float64, r.count)
	for i := 0; i < r.count; i++ {
		sorted[i] = r.window[r.idx(i)]
	}
	sort.Float64s(sorted)
	idx := int(float64(r.count) * 0.95)
	if idx >= r.count {
		idx = r.count - 1
	}
	return sorted[idx]
}

// idx maps a logical position (0 = oldest) to a physical window index.
func (r *Rolling) idx(i int) int {
	start := r.head - r.count
	return (start + i + len(r.window)) % len(r.window)
}
