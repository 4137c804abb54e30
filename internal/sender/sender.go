// Package sender provides concurrent call submission with backpressure.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/nearload/internal/ratelimit"
	"github.com/gateway-fm/nearload/internal/txbuilder"
	"github.com/gateway-fm/nearload/pkg/types"
)

// ErrAtCapacity is returned when the sender cannot accept more calls.
var ErrAtCapacity = errors.New("sender at capacity")

// DefaultCapacity bounds SendAsync when Capacity is not set.
const DefaultCapacity = 500

// Executor turns one call descriptor into an outcome.
// A non-nil error means the call never reached the contract.
type Executor interface {
	Execute(ctx context.Context, call txbuilder.Call) (types.Outcome, error)
}

// Sender fans call descriptors out to an Executor.
type Sender struct {
	executor      Executor
	semaphore     chan struct{}
	concurrency   int
	submitTimeout time.Duration
	failFast      bool
	limiter       *ratelimit.Limiter
	logger        *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Executor Executor
	// Capacity bounds fire-and-forget sends through SendAsync (default: 500).
	Capacity int
	// Concurrency bounds in-flight calls in SubmitAll. Zero or less launches
	// every call before awaiting any result.
	Concurrency int
	// SubmitTimeout bounds each call. Zero means no per-call timeout.
	SubmitTimeout time.Duration
	// FailFast aborts a batch on the first submission error. Otherwise
	// submission errors become submit-error outcomes.
	FailFast bool
	// Limiter paces launches. Nil means unpaced.
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		executor:      cfg.Executor,
		semaphore:     make(chan struct{}, capacity),
		concurrency:   cfg.Concurrency,
		submitTimeout: cfg.SubmitTimeout,
		failFast:      cfg.FailFast,
		limiter:       cfg.Limiter,
		logger:        logger,
	}
}

// SendAsync executes a call asynchronously.
// Returns true if the call was queued, false if at capacity.
// The callback is called with the result (on a goroutine).
func (s *Sender) SendAsync(ctx context.Context, call txbuilder.Call, callback func(types.Outcome, error)) bool {
	select {
	case s.semaphore <- struct{}{}: // Acquired semaphore
		go func() {
			defer func() { <-s.semaphore }() // Release semaphore

			out, err := s.execute(ctx, call)
			if callback != nil {
				callback(out, err)
			}
		}()
		return true

	default:
		return false // At capacity
	}
}

// TrySend attempts to queue a call.
// Returns ErrAtCapacity if the sender cannot accept more calls.
// Otherwise returns nil immediately (actual result comes via callback).
func (s *Sender) TrySend(ctx context.Context, call txbuilder.Call, callback func(types.Outcome, error)) error {
	if s.SendAsync(ctx, call, callback) {
		return nil
	}
	return ErrAtCapacity
}

// Available returns the number of available send slots.
func (s *Sender) Available() int {
	return cap(s.semaphore) - len(s.semaphore)
}

// Capacity returns the total send capacity.
func (s *Sender) Capacity() int {
	return cap(s.semaphore)
}

// InFlight returns the number of calls currently being sent through SendAsync.
func (s *Sender) InFlight() int {
	return len(s.semaphore)
}

func (s *Sender) execute(ctx context.Context, call txbuilder.Call) (types.Outcome, error) {
	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()
	}
	return s.executor.Execute(ctx, call)
}

// SubmitAll executes every call and returns one outcome per call in
// completion order, plus the time from first launch to last outcome.
//
// With FailFast the first submission error stops further launches and is
// returned; calls already in flight run to completion and their outcomes are
// still returned. Without it, SubmitAll returns exactly len(calls) outcomes.
func (s *Sender) SubmitAll(ctx context.Context, calls []txbuilder.Call) ([]types.Outcome, time.Duration, error) {
	if len(calls) == 0 {
		return []types.Outcome{}, 0, nil
	}

	results := make(chan types.Outcome, len(calls))

	// launchCtx stops the launch loop; in-flight calls keep the parent ctx
	launchCtx, stopLaunching := context.WithCancel(ctx)
	defer stopLaunching()

	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}

	start := time.Now()
	var launchErr error
	for i, call := range calls {
		if s.limiter != nil {
			if err := s.limiter.Wait(launchCtx); err != nil {
				launchErr = err
				break
			}
		}
		if launchCtx.Err() != nil {
			launchErr = launchCtx.Err()
			break
		}
		g.Go(func() error {
			// A bounded g.Go may have waited out a fail-fast stop
			if launchCtx.Err() != nil {
				return nil
			}
			out, err := s.execute(ctx, call)
			results <- out
			if err != nil {
				if s.failFast {
					stopLaunching()
					return fmt.Errorf("call %d (%s): %w", i, call.Type, err)
				}
				s.logger.Debug("submission failed", slog.Int("index", i), slog.String("error", err.Error()))
			}
			return nil
		})
	}

	err := g.Wait()
	elapsed := time.Since(start)
	close(results)

	outcomes := make([]types.Outcome, 0, len(calls))
	for out := range results {
		outcomes = append(outcomes, out)
	}

	if err != nil {
		return outcomes, elapsed, err
	}
	if launchErr != nil {
		return outcomes, elapsed, fmt.Errorf("launched %d of %d calls: %w", len(outcomes), len(calls), launchErr)
	}
	return outcomes, elapsed, nil
}

// Run builds n call descriptors and submits them, timing the two phases
// separately. A build error aborts before anything is submitted.
func (s *Sender) Run(ctx context.Context, n int, build func(i int) (txbuilder.Call, error)) (types.BatchResult, error) {
	start := time.Now()
	calls := make([]txbuilder.Call, n)
	for i := range calls {
		call, err := build(i)
		if err != nil {
			return types.BatchResult{}, fmt.Errorf("build call %d: %w", i, err)
		}
		calls[i] = call
	}
	construction := time.Since(start)

	outcomes, execution, err := s.SubmitAll(ctx, calls)
	result := types.BatchResult{
		Outcomes: outcomes,
		Timing: types.BatchTiming{
			Construction: construction,
			Execution:    execution,
		},
	}

	s.logger.Info("batch complete",
		slog.Int("calls", n),
		slog.Int("outcomes", len(outcomes)),
		slog.Duration("construction", construction),
		slog.Duration("execution", execution),
	)
	return result, err
}
