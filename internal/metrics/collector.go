package metrics

import (
	"sync/atomic"
	"time"

	"github.com/gateway-fm/nearload/pkg/types"
)

// Snapshot contains a point-in-time view of the run counters.
type Snapshot struct {
	Submitted    uint64
	Succeeded    uint64
	Failed       uint64
	SubmitErrors uint64
	Unresolved   uint64 // Accepted but outcome never collected
	Pending      int    // Submitted hashes whose outcome is not yet known
	InFlight     int64
	PeakInFlight int64
	StatePatches uint64
	PatchRejects uint64
}

// Collector is the interface for run metrics collection.
type Collector interface {
	// RecordSubmitted marks a call as handed to the node.
	RecordSubmitted(callType types.CallType, txHash string, at time.Time)
	// RecordOutcome records the terminal outcome of a call.
	RecordOutcome(callType types.CallType, outcome types.Outcome)
	// RecordStatePatch records a sandbox state patch request.
	RecordStatePatch(success bool)
	// AddInFlight adjusts the number of submissions awaiting an outcome.
	AddInFlight(delta int64)
	// RecordBatchTiming records the two intervals of a batch.
	RecordBatchTiming(timing types.BatchTiming)

	Snapshot() Snapshot
	GetLatencyStats() *types.LatencyStats
	Reset()
}

// MemoryCollector is an in-memory Collector that optionally mirrors into Prometheus.
type MemoryCollector struct {
	submitted    UCounter
	succeeded    UCounter
	failed       UCounter
	submitErrors UCounter
	unresolved   UCounter
	patches      UCounter
	patchRejects UCounter

	inFlight     Counter
	peakInFlight atomic.Int64

	latency *StreamingLatencyStats
	tracker *SubmissionTracker
	prom    *PrometheusMetrics
}

var _ Collector = (*MemoryCollector)(nil)

// NewMemoryCollector creates a collector. prom may be nil.
func NewMemoryCollector(prom *PrometheusMetrics) *MemoryCollector {
	return &MemoryCollector{
		latency: NewStreamingLatencyStats(),
		tracker: NewSubmissionTracker(),
		prom:    prom,
	}
}

// RecordSubmitted marks a call as handed to the node.
func (c *MemoryCollector) RecordSubmitted(_ types.CallType, txHash string, at time.Time) {
	c.submitted.Inc()
	if txHash != "" {
		c.tracker.Set(txHash, at)
	}
}

// RecordOutcome records the terminal outcome of a call.
func (c *MemoryCollector) RecordOutcome(callType types.CallType, o types.Outcome) {
	switch o.Status {
	case types.OutcomeSuccess:
		c.succeeded.Inc()
	case types.OutcomeFailure:
		c.failed.Inc()
	case types.OutcomeSubmitError:
		c.submitErrors.Inc()
	case types.OutcomeSubmitted:
		c.unresolved.Inc()
	}

	// Fire-and-forget submissions stay tracked until they expire
	if o.TxHash != "" && o.Status != types.OutcomeSubmitted {
		c.tracker.GetAndDelete(o.TxHash)
	}

	if o.Latency > 0 && o.Status != types.OutcomeSubmitError {
		c.latency.Add(float64(o.Latency.Microseconds()) / 1000)
	}
	if c.prom != nil {
		c.prom.RecordOutcome(string(callType), string(o.Status), o.Latency.Seconds())
	}
}

// RecordStatePatch records a sandbox state patch request.
func (c *MemoryCollector) RecordStatePatch(success bool) {
	if success {
		c.patches.Inc()
	} else {
		c.patchRejects.Inc()
	}
	if c.prom != nil {
		c.prom.RecordStatePatch(success)
	}
}

// AddInFlight adjusts the number of submissions awaiting an outcome.
func (c *MemoryCollector) AddInFlight(delta int64) {
	n := c.inFlight.Add(delta)
	AtomicMax(&c.peakInFlight, n)
	if c.prom != nil {
		c.prom.SetInFlight(n)
	}
}

// RecordBatchTiming records the two intervals of a batch.
func (c *MemoryCollector) RecordBatchTiming(timing types.BatchTiming) {
	if c.prom != nil {
		c.prom.SetBatchDuration("construction", timing.Construction.Seconds())
		c.prom.SetBatchDuration("execution", timing.Execution.Seconds())
	}
}

// Snapshot returns the current counters.
func (c *MemoryCollector) Snapshot() Snapshot {
	return Snapshot{
		Submitted:    c.submitted.Load(),
		Succeeded:    c.succeeded.Load(),
		Failed:       c.failed.Load(),
		SubmitErrors: c.submitErrors.Load(),
		Unresolved:   c.unresolved.Load(),
		Pending:      c.tracker.Size(),
		InFlight:     c.inFlight.Load(),
		PeakInFlight: c.peakInFlight.Load(),
		StatePatches: c.patches.Load(),
		PatchRejects: c.patchRejects.Load(),
	}
}

// GetLatencyStats returns the outcome latency summary.
func (c *MemoryCollector) GetLatencyStats() *types.LatencyStats {
	return c.latency.GetStats()
}

// Reset clears all counters for a new run.
func (c *MemoryCollector) Reset() {
	c.submitted.Reset()
	c.succeeded.Reset()
	c.failed.Reset()
	c.submitErrors.Reset()
	c.unresolved.Reset()
	c.patches.Reset()
	c.patchRejects.Reset()
	c.inFlight.Reset()
	c.peakInFlight.Store(0)
	c.latency.Reset()
	c.tracker.Reset()
	if c.prom != nil {
		c.prom.Reset()
	}
}
