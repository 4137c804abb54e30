package metrics

import "sync/atomic"

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *atomic.Int64, val int64) int64 {
	for {
		current := addr.Load()
		if val <= current {
			return current
		}
		if addr.CompareAndSwap(current, val) {
			return val
		}
	}
}

// Counter is a signed atomic counter that never drops below zero.
type Counter struct {
	value atomic.Int64
}

// Add adds delta and returns the new value. Negative deltas saturate at zero.
func (c *Counter) Add(delta int64) int64 {
	if delta >= 0 {
		return c.value.Add(delta)
	}
	return c.SubSaturating(-delta)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return c.value.Load()
}

// Reset sets the counter to 0.
func (c *Counter) Reset() {
	c.value.Store(0)
}

// SubSaturating subtracts delta, saturating at 0.
func (c *Counter) SubSaturating(delta int64) int64 {
	for {
		current := c.value.Load()
		next := max(current-delta, 0)
		if c.value.CompareAndSwap(current, next) {
			return next
		}
	}
}

// UCounter is an unsigned atomic counter.
type UCounter struct {
	value atomic.Uint64
}

// Inc increments by 1.
func (c *UCounter) Inc() uint64 {
	return c.value.Add(1)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return c.value.Load()
}

// Reset sets to 0.
func (c *UCounter) Reset() {
	c.value.Store(0)
}
