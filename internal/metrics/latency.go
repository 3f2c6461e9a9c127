// Package metrics collects the simulator's Prometheus metrics and live run statistics.
package metrics

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// DefaultReservoirSize is the number of submit latencies kept for percentile
// estimation. 10000 keeps the p99 error below 1%.
const DefaultReservoirSize = 10000

// latencyBuckets are the upper bounds of the submit latency histogram; the
// last bucket is open.
var latencyBuckets = []struct {
	upper time.Duration
	label string
}{
	{10 * time.Millisecond, "0-10ms"},
	{50 * time.Millisecond, "10-50ms"},
	{250 * time.Millisecond, "50-250ms"},
	{time.Second, "250ms-1s"},
	{0, "1s+"},
}

// LatencyReservoir summarizes submit latencies in bounded memory: exact
// count, sum, min and max plus a uniform sample (Vitter's algorithm R) for
// percentiles. It is safe for concurrent use.
type LatencyReservoir struct {
	mu sync.Mutex

	count    int64
	sum      time.Duration
	min, max time.Duration
	buckets  []int64

	sample []time.Duration
	size   int
	rng    *rand.Rand
}

// NewLatencyReservoir keeps at most size samples; size <= 0 uses
// DefaultReservoirSize.
func NewLatencyReservoir(size int) *LatencyReservoir {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &LatencyReservoir{
		buckets: make([]int64, len(latencyBuckets)),
		sample:  make([]time.Duration, 0, size),
		size:    size,
		rng:     rand.New(rand.NewPCG(1, 2)),
	}
}

// Observe records one latency.
func (r *LatencyReservoir) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	r.sum += d
	if r.count == 1 || d < r.min {
		r.min = d
	}
	if d > r.max {
		r.max = d
	}
	r.buckets[bucketOf(d)]++

	if len(r.sample) < r.size {
		r.sample = append(r.sample, d)
		return
	}
	if j := r.rng.Int64N(r.count); j < int64(r.size) {
		r.sample[j] = d
	}
}

func bucketOf(d time.Duration) int {
	last := len(latencyBuckets) - 1
	for i, b := range latencyBuckets[:last] {
		if d < b.upper {
			return i
		}
	}
	return last
}

// Count returns the number of observed latencies.
func (r *LatencyReservoir) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats returns the summary in milliseconds, or nil before the first sample.
func (r *LatencyReservoir) Stats() *types.LatencyStats {
	r.mu.Lock()
	if r.count == 0 {
		r.mu.Unlock()
		return nil
	}
	sorted := slices.Clone(r.sample)
	stats := &types.LatencyStats{
		Count:   int(r.count),
		Min:     ms(r.min),
		Max:     ms(r.max),
		Avg:     ms(r.sum) / float64(r.count),
		Buckets: make([]types.LatencyBucket, len(latencyBuckets)),
	}
	for i, b := range latencyBuckets {
		stats.Buckets[i] = types.LatencyBucket{Label: b.label, Count: int(r.buckets[i])}
	}
	r.mu.Unlock()

	// sorting happens outside the lock so Observe is never blocked by it
	slices.Sort(sorted)
	stats.P50 = ms(quantile(sorted, 0.50))
	stats.P75 = ms(quantile(sorted, 0.75))
	stats.P90 = ms(quantile(sorted, 0.90))
	stats.P95 = ms(quantile(sorted, 0.95))
	stats.P99 = ms(quantile(sorted, 0.99))
	return stats
}

// Reset forgets every sample.
func (r *LatencyReservoir) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count, r.sum, r.min, r.max = 0, 0, 0, 0
	clear(r.buckets)
	r.sample = r.sample[:0]
}

// quantile interpolates linearly between the two closest ranks of sorted.
func quantile(sorted []time.Duration, q float64) time.Duration {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[lo+1]-sorted[lo]))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
