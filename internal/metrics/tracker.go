package metrics

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTrackerTTL bounds how long an unresolved submission is remembered.
const DefaultTrackerTTL = 10 * time.Minute

// SubmissionTracker remembers when transactions were submitted until their
// outcome is observed. Entries expire after a TTL so fire-and-forget
// submissions cannot grow memory without bound.
type SubmissionTracker struct {
	times *gocache.Cache
}

// NewSubmissionTracker creates a tracker with the default TTL.
func NewSubmissionTracker() *SubmissionTracker {
	return NewSubmissionTrackerWithTTL(DefaultTrackerTTL)
}

// NewSubmissionTrackerWithTTL creates a tracker whose entries expire after ttl.
func NewSubmissionTrackerWithTTL(ttl time.Duration) *SubmissionTracker {
	return &SubmissionTracker{times: gocache.New(ttl, ttl/2)}
}

// Set records when a transaction was submitted.
func (t *SubmissionTracker) Set(txHash string, sentTime time.Time) {
	t.times.SetDefault(txHash, sentTime)
}

// Get returns the submission time of a transaction.
func (t *SubmissionTracker) Get(txHash string) (time.Time, bool) {
	v, ok := t.times.Get(txHash)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// GetAndDelete returns the submission time and forgets the transaction.
func (t *SubmissionTracker) GetAndDelete(txHash string) (time.Time, bool) {
	sent, ok := t.Get(txHash)
	if ok {
		t.times.Delete(txHash)
	}
	return sent, ok
}

// Size returns the number of unexpired tracked transactions.
func (t *SubmissionTracker) Size() int {
	return len(t.times.Items())
}

// Reset forgets every transaction.
func (t *SubmissionTracker) Reset() {
	t.times.Flush()
}
