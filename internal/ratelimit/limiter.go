// Package ratelimit paces call launches at a fixed rate.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter issues permits no faster than the configured rate.
// A burst of one keeps permits evenly spaced.
type Limiter struct {
	lim *rate.Limiter
}

// New creates a Limiter issuing ratePerSec permits per second.
// Non-positive rates are clamped to one per second.
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(ratePerSec), 1)}
}

// Wait blocks until a permit is available or ctx is done.
// A cancelled wait does not consume a permit.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}
