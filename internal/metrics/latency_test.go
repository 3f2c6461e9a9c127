package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyReservoirSummary(t *testing.T) {
	r := NewLatencyReservoir(0)
	for i := 0; i < 100; i++ {
		r.Observe(time.Duration(i) * time.Millisecond)
	}

	stats := r.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, 100, stats.Count)
	assert.Zero(t, stats.Min)
	assert.Equal(t, 99.0, stats.Max)
	assert.InDelta(t, 49.5, stats.Avg, 1e-9)
	// every sample fits the reservoir so the quantiles are exact
	assert.InDelta(t, 49.5, stats.P50, 1e-9)
	assert.InDelta(t, 98.01, stats.P99, 1e-3)
}

func TestLatencyReservoirEmpty(t *testing.T) {
	assert.Nil(t, NewLatencyReservoir(10).Stats())
}

func TestLatencyReservoirBuckets(t *testing.T) {
	r := NewLatencyReservoir(10)
	for _, d := range []time.Duration{
		time.Millisecond, 9 * time.Millisecond,
		10 * time.Millisecond,
		100 * time.Millisecond,
		999 * time.Millisecond,
		time.Second, 5 * time.Second,
	} {
		r.Observe(d)
	}

	got := map[string]int{}
	for _, b := range r.Stats().Buckets {
		got[b.Label] = b.Count
	}
	assert.Equal(t, map[string]int{"0-10ms": 2, "10-50ms": 1, "50-250ms": 1, "250ms-1s": 1, "1s+": 2}, got)
}

func TestLatencyReservoirBoundedMemory(t *testing.T) {
	r := NewLatencyReservoir(50)
	for i := 0; i < 10_000; i++ {
		r.Observe(time.Duration(i) * time.Microsecond)
	}
	assert.Len(t, r.sample, 50)

	stats := r.Stats()
	assert.Equal(t, 10_000, stats.Count)
	assert.Equal(t, 9.999, stats.Max, "max is exact, not sampled")
	assert.GreaterOrEqual(t, stats.P50, stats.Min)
	assert.LessOrEqual(t, stats.P50, stats.Max)
}

func TestLatencyReservoirConcurrent(t *testing.T) {
	r := NewLatencyReservoir(100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Observe(time.Millisecond)
				if i%100 == 0 {
					r.Stats()
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 8000, r.Count())
}

func TestLatencyReservoirReset(t *testing.T) {
	r := NewLatencyReservoir(10)
	r.Observe(3 * time.Millisecond)
	r.Reset()
	assert.Zero(t, r.Count())
	assert.Nil(t, r.Stats())

	r.Observe(7 * time.Millisecond)
	assert.Equal(t, 7.0, r.Stats().Min)
}

func BenchmarkLatencyReservoirObserve(b *testing.B) {
	r := NewLatencyReservoir(0)
	for i := 0; b.Loop(); i++ {
		r.Observe(time.Duration(i%1000) * time.Microsecond)
	}
}
