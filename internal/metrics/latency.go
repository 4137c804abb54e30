// Package metrics provides run counters, latency summaries and Prometheus metrics.
package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gateway-fm/nearload/pkg/types"
)

// DefaultReservoirSize is the number of samples kept for percentile estimation.
const DefaultReservoirSize = 10000

// StreamingLatencyStats summarizes latency samples in bounded memory.
// Percentiles are estimated from a uniform reservoir sample (Algorithm R).
type StreamingLatencyStats struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir []float64
	size      int
	rng       *rand.Rand
}

// NewStreamingLatencyStats creates a summary with the default reservoir size.
func NewStreamingLatencyStats() *StreamingLatencyStats {
	return NewStreamingLatencyStatsWithSize(DefaultReservoirSize)
}

// NewStreamingLatencyStatsWithSize creates a summary keeping at most size samples.
func NewStreamingLatencyStatsWithSize(size int) *StreamingLatencyStats {
	return &StreamingLatencyStats{
		min:       math.MaxFloat64,
		reservoir: make([]float64, 0, size),
		size:      size,
		rng:       rand.New(rand.NewPCG(1, 2)),
	}
}

// Add records a latency sample in milliseconds. Safe for concurrent use.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.min = min(s.min, latencyMs)
	s.max = max(s.max, latencyMs)

	if len(s.reservoir) < s.size {
		s.reservoir = append(s.reservoir, latencyMs)
		return
	}
	if j := s.rng.Int64N(s.count); j < int64(s.size) {
		s.reservoir[j] = latencyMs
	}
}

// GetStats returns the summary, or nil when no samples were recorded.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	sorted := slices.Clone(s.reservoir)
	slices.Sort(sorted)

	return &types.LatencyStats{
		Count: s.count,
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Reset clears all samples.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
}
