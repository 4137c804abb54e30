// Package runner orchestrates scenario runs: provisioning, submission,
// verification and persistence.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/nearload/internal/account"
	"github.com/gateway-fm/nearload/internal/contract"
	"github.com/gateway-fm/nearload/internal/execnode"
	"github.com/gateway-fm/nearload/internal/metrics"
	"github.com/gateway-fm/nearload/internal/patcher"
	"github.com/gateway-fm/nearload/internal/pipeline"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/statekey"
	"github.com/gateway-fm/nearload/internal/storage"
	"github.com/gateway-fm/nearload/internal/txbuilder"
	"github.com/gateway-fm/nearload/internal/verification"
	"github.com/gateway-fm/nearload/pkg/types"
)

var (
	// ErrRunInProgress is returned when a run is started while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoStorage is returned by history queries when persistence is disabled.
	ErrNoStorage = errors.New("run history is not persisted")
	// ErrNoWasm is returned by scenarios that deploy without a contract artifact.
	ErrNoWasm = errors.New("no contract wasm configured")
)

// LoadOptions are the defaults of the load scenario.
type LoadOptions struct {
	Calls         int
	Concurrency   int // 0 launches every call at once
	SubmitTimeout time.Duration
	Mode          types.SubmitMode
	Amount        string
	RateLimit     int // Launches per second, 0 unpaced
	FailFast      bool
	VerifySample  int
}

// Config for creating a Runner.
type Config struct {
	Client     rpc.Client
	Accounts   *account.Manager
	Metrics    *metrics.MemoryCollector
	Prometheus *metrics.PrometheusMetrics // Optional
	Storage    storage.Storage            // Optional
	// Capabilities of the target node. Nil skips local capability checks.
	Capabilities *execnode.NodeCapabilities
	Wasm         []byte
	Prefix       statekey.Prefix
	RPCURL       string
	Load         LoadOptions
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Runner runs one scenario at a time and exposes its live state.
type Runner struct {
	client   rpc.Client
	accounts *account.Manager
	metrics  *metrics.MemoryCollector
	prom     *metrics.PrometheusMetrics
	store    storage.Storage
	caps     *execnode.NodeCapabilities
	wasm     []byte
	prefix   statekey.Prefix
	rpcURL   string
	defaults LoadOptions
	logger   *slog.Logger

	builders *txbuilder.Registry
	pipeline *pipeline.Pipeline
	deployer *contract.Deployer
	patcher  *patcher.Patcher
	verifier *verification.Verifier

	mu       sync.RWMutex
	current  *storage.Run
	planned  int
	started  time.Time
	timing   types.BatchTiming
	lastErr  string

	verifyProgress string
	cancel   context.CancelFunc
	finished chan struct{}
}

// New creates a Runner and the components it drives.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewMemoryCollector(cfg.Prometheus)
	}
	prefix := cfg.Prefix
	if len(prefix) == 0 {
		prefix = statekey.DefaultFTAccountsPrefix
	}
	defaults := cfg.Load
	if defaults.Calls <= 0 {
		defaults.Calls = DefaultCalls
	}
	if defaults.Mode == "" {
		defaults.Mode = types.ModeSync
	}
	if defaults.Amount == "" {
		defaults.Amount = txbuilder.DefaultTransferAmount
	}

	p := pipeline.New(pipeline.Config{
		Client:       cfg.Client,
		Signers:      cfg.Accounts,
		Metrics:      collector,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	r := &Runner{
		client:   cfg.Client,
		accounts: cfg.Accounts,
		metrics:  collector,
		prom:     cfg.Prometheus,
		store:    cfg.Storage,
		caps:     cfg.Capabilities,
		wasm:     cfg.Wasm,
		prefix:   prefix,
		rpcURL:   cfg.RPCURL,
		defaults: defaults,
		logger:   logger,
		builders: txbuilder.NewDefaultRegistry(0),
		pipeline: p,
		deployer: contract.NewDeployer(contract.Config{
			Client:       cfg.Client,
			Executor:     p,
			Accounts:     cfg.Accounts,
			Capabilities: cfg.Capabilities,
			Logger:       logger,
		}),
		verifier: verification.NewVerifier(cfg.Client, logger),
	}
	if defaults.VerifySample > 0 {
		r.verifier.WithSampleSize(defaults.VerifySample)
	}

	var recorder patcher.Recorder
	if cfg.Storage != nil {
		recorder = cfg.Storage
	}
	r.patcher = patcher.New(patcher.Config{
		Client:       cfg.Client,
		Capabilities: cfg.Capabilities,
		Metrics:      collector,
		Recorder:     recorder,
		Logger:       logger,
	})
	return r
}

// Patcher returns the state patcher used by scenarios.
func (r *Runner) Patcher() *patcher.Patcher {
	return r.patcher
}

// Run executes a scenario to completion and returns the persisted run.
// A scenario error is also recorded on the returned run.
func (r *Runner) Run(ctx context.Context, req types.StartRunRequest) (*storage.Run, error) {
	run, ctx, err := r.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	err = r.execute(ctx, run, req)
	r.finish(run, err)
	return run, err
}

// Start launches a scenario in the background and returns its run id.
func (r *Runner) Start(req types.StartRunRequest) (string, error) {
	run, ctx, err := r.begin(context.Background(), req)
	if err != nil {
		return "", err
	}
	go func() {
		err := r.execute(ctx, run, req)
		r.finish(run, err)
	}()
	return run.ID, nil
}

// Stop cancels the active run, if any, and waits for it to finish.
func (r *Runner) Stop() {
	r.mu.RLock()
	cancel, finished := r.cancel, r.finished
	r.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-finished
}

func (r *Runner) begin(ctx context.Context, req types.StartRunRequest) (*storage.Run, context.Context, error) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil, nil, ErrRunInProgress
	}

	r.metrics.Reset()
	if r.prom != nil {
		r.prom.Reset()
	}

	run := &storage.Run{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		StartedAt: time.Now(),
		Status:    types.StatusProvisioning,
		Accounts:  []storage.AccountInfo{{ID: r.accounts.Root().ID, Role: storage.AccountRoleRoot}},
	}
	ctx, cancel := context.WithCancel(ctx)
	r.current = run
	r.planned = 0
	r.started = run.StartedAt
	r.timing = types.BatchTiming{}
	r.lastErr = ""
	r.verifyProgress = ""
	r.cancel = cancel
	r.finished = make(chan struct{})
	r.setStatusLocked(types.StatusProvisioning)
	r.mu.Unlock()

	env := r.snapshotEnvironment(ctx, req)
	r.update(run, func(run *storage.Run) { run.Environment = env })
	if r.store != nil {
		if err := r.store.CreateRun(ctx, run); err != nil {
			r.logger.Warn("failed to persist run", slog.String("error", err.Error()))
		}
	}

	r.logger.Info("run started", slog.String("runId", run.ID), slog.String("kind", string(run.Kind)))
	return run, ctx, nil
}

func (r *Runner) execute(ctx context.Context, run *storage.Run, req types.StartRunRequest) error {
	// Another client may have used the root or a reused dev key since the last run
	if err := r.accounts.ResyncAll(ctx, r.client); err != nil {
		return fmt.Errorf("resync nonces: %w", err)
	}

	switch req.Kind {
	case types.RunKindLoad:
		return r.runLoad(ctx, run, r.loadOptions(req))
	case types.RunKindPassiveRegistration:
		return r.runPassiveRegistration(ctx, run, r.loadOptions(req))
	case types.RunKindGasLimit:
		_, err := r.runGasLimit(ctx, run)
		return err
	default:
		return fmt.Errorf("unknown run kind %q", req.Kind)
	}
}

func (r *Runner) finish(run *storage.Run, runErr error) {
	now := time.Now()

	r.mu.Lock()
	run.CompletedAt = &now
	if runErr != nil {
		run.Status = types.StatusError
		run.ErrorMessage = runErr.Error()
		r.lastErr = runErr.Error()
	} else {
		run.Status = types.StatusCompleted
	}
	r.setStatusLocked(run.Status)
	cancel, finished := r.cancel, r.finished
	r.cancel = nil
	r.finished = nil
	r.mu.Unlock()

	cancel()
	if r.store != nil {
		// The run context is gone; persist with a fresh one
		ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.store.CompleteRun(ctx, run); err != nil {
			r.logger.Warn("failed to persist run completion", slog.String("error", err.Error()))
		}
		done()
	}
	close(finished)

	if runErr != nil {
		r.logger.Error("run failed", slog.String("runId", run.ID), slog.String("error", runErr.Error()))
		return
	}
	r.logger.Info("run completed",
		slog.String("runId", run.ID),
		slog.Int("succeeded", run.Succeeded),
		slog.Int("failed", run.Failed),
		slog.Int64("constructionMs", run.ConstructionMs),
		slog.Int64("executionMs", run.ExecutionMs),
	)
}

func (r *Runner) setStatus(status types.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatusLocked(status)
}

func (r *Runner) setStatusLocked(status types.RunStatus) {
	if r.current != nil {
		r.current.Status = status
	}
	if r.prom != nil {
		r.prom.SetRunStatus(string(status))
	}
}

func (r *Runner) loadOptions(req types.StartRunRequest) LoadOptions {
	opts := r.defaults
	if req.Calls > 0 {
		opts.Calls = req.Calls
	}
	if req.Concurrency != nil {
		opts.Concurrency = *req.Concurrency
	}
	if req.Mode != "" {
		opts.Mode = req.Mode
	}
	if req.Amount != "" {
		opts.Amount = req.Amount
	}
	if req.RateLimit > 0 {
		opts.RateLimit = req.RateLimit
	}
	return opts
}

func (r *Runner) snapshotEnvironment(ctx context.Context, req types.StartRunRequest) *storage.EnvironmentSnapshot {
	opts := r.loadOptions(req)
	env := &storage.EnvironmentSnapshot{
		RPCURL:        r.rpcURL,
		NodeKind:      r.caps.String(),
		StoragePrefix: r.prefix.String(),
		Concurrency:   opts.Concurrency,
		SubmitMode:    opts.Mode,
	}
	status, err := r.client.Status(ctx)
	if err != nil {
		r.logger.Warn("failed to read node status", slog.String("error", err.Error()))
		return env
	}
	env.ChainID = status.ChainID
	env.NodeVersion = status.Version.Version
	env.ProtocolVersion = status.ProtocolVersion
	return env
}

// GetMetrics returns the live view of the current or last run.
func (r *Runner) GetMetrics() types.RunMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := types.RunMetrics{Status: types.StatusIdle}
	if r.current == nil {
		return m
	}
	snap := r.metrics.Snapshot()
	m.RunID = r.current.ID
	m.Kind = r.current.Kind
	m.Status = r.current.Status
	m.Contract = r.current.Contract
	m.CallsPlanned = r.planned
	m.CallsSubmitted = snap.Submitted
	m.CallsSucceeded = snap.Succeeded
	m.CallsFailed = snap.Failed
	m.SubmitErrors = snap.SubmitErrors
	m.CallsUnresolved = snap.Unresolved
	m.PendingOutcomes = snap.Pending
	m.InFlight = snap.InFlight
	m.PeakInFlight = snap.PeakInFlight
	m.StatePatchCount = snap.StatePatches
	m.ConstructionMs = r.timing.Construction.Milliseconds()
	m.ExecutionMs = r.timing.Execution.Milliseconds()
	m.Latency = r.metrics.GetLatencyStats()
	m.Error = r.lastErr
	m.VerificationProgress = r.verifyProgress
	if r.current.CompletedAt != nil {
		m.ElapsedMs = r.current.CompletedAt.Sub(r.started).Milliseconds()
	} else {
		m.ElapsedMs = time.Since(r.started).Milliseconds()
	}
	return m
}

// ListRuns returns persisted runs, favorites first.
func (r *Runner) ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if r.store == nil {
		return nil, ErrNoStorage
	}
	return r.store.ListRuns(ctx, limit, offset)
}

// GetRunDetail returns a run with its state patches, or nil if unknown.
func (r *Runner) GetRunDetail(ctx context.Context, id string) (*storage.RunDetail, error) {
	if r.store == nil {
		return nil, ErrNoStorage
	}
	run, err := r.store.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	patches, err := r.store.ListPatches(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storage.RunDetail{Run: run, Patches: patches}, nil
}

// GetRunCalls returns the call log of a run.
func (r *Runner) GetRunCalls(ctx context.Context, id string, limit, offset int) (*storage.PaginatedCallLogs, error) {
	if r.store == nil {
		return nil, ErrNoStorage
	}
	return r.store.GetCallLogs(ctx, id, limit, offset)
}

// DeleteRun deletes a persisted run.
func (r *Runner) DeleteRun(ctx context.Context, id string) error {
	if r.store == nil {
		return ErrNoStorage
	}
	return r.store.DeleteRun(ctx, id)
}

// UpdateRunMetadata renames or (un)favorites a persisted run.
func (r *Runner) UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error {
	if r.store == nil {
		return ErrNoStorage
	}
	return r.store.UpdateRunMetadata(ctx, id, update)
}

// DumpState lists a contract's storage rows under prefix.
func (r *Runner) DumpState(ctx context.Context, contractID types.AccountID, prefix []byte) ([]rpc.StateItem, error) {
	return r.patcher.Dump(ctx, contractID, prefix)
}

// CheckRPC verifies the node answers status requests.
func (r *Runner) CheckRPC(ctx context.Context) error {
	_, err := r.client.Status(ctx)
	return err
}
