package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/nearload/internal/account"
	"github.com/gateway-fm/nearload/internal/contract"
	"github.com/gateway-fm/nearload/internal/ratelimit"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/sender"
	"github.com/gateway-fm/nearload/internal/statekey"
	"github.com/gateway-fm/nearload/internal/storage"
	"github.com/gateway-fm/nearload/internal/txbuilder"
	"github.com/gateway-fm/nearload/internal/verification"
	"github.com/gateway-fm/nearload/pkg/types"
)

// DefaultCalls is the load scenario batch size.
const DefaultCalls = 2000

// notRegistered is the token contract panic for an account without a balance row.
const notRegistered = "is not registered"

// GasLimitObservation is the chunk header read before and after a deployment.
type GasLimitObservation struct {
	Before rpc.ChunkHeader `json:"before"`
	After  rpc.ChunkHeader `json:"after"`
}

// Changed reports whether the gas limit moved across the deployment.
func (o GasLimitObservation) Changed() bool {
	return o.Before.GasLimit != o.After.GasLimit
}

// update mutates the active run under the runner lock.
func (r *Runner) update(run *storage.Run, fn func(run *storage.Run)) {
	r.mu.Lock()
	fn(run)
	r.mu.Unlock()
}

// persist saves intermediate run state; failures are logged only.
func (r *Runner) persist(ctx context.Context, run *storage.Run) {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	snapshot := *run
	r.mu.RUnlock()
	if err := r.store.UpdateRun(ctx, &snapshot); err != nil {
		r.logger.Warn("failed to persist run", slog.String("runId", run.ID), slog.String("error", err.Error()))
	}
}

func (r *Runner) deployToken(ctx context.Context, run *storage.Run) (*contract.Deployment, error) {
	if len(r.wasm) == 0 {
		return nil, ErrNoWasm
	}
	dep, err := r.deployer.DeployFT(ctx, r.wasm, "", func(step string, done, total int) {
		r.logger.Info("provisioning", slog.String("step", step), slog.Int("done", done), slog.Int("total", total))
	})
	if err != nil {
		return nil, err
	}
	r.update(run, func(run *storage.Run) {
		run.Contract = dep.Contract.ID
		run.Accounts = append(run.Accounts,
			storage.AccountInfo{ID: dep.Contract.ID, Role: storage.AccountRoleContract},
			storage.AccountInfo{ID: dep.Owner, Role: storage.AccountRoleOwner},
		)
	})
	return dep, nil
}

func (r *Runner) createReceiver(ctx context.Context, run *storage.Run) (*account.Account, error) {
	receiver, err := r.deployer.CreateDevAccount(ctx)
	if err != nil {
		return nil, err
	}
	r.update(run, func(run *storage.Run) {
		run.Accounts = append(run.Accounts, storage.AccountInfo{ID: receiver.ID, Role: storage.AccountRoleReceiver})
	})
	return receiver, nil
}

func (r *Runner) transfer(ctx context.Context, dep *contract.Deployment, receiver types.AccountID, amount string) (types.Outcome, error) {
	builder, err := r.builders.Get(types.CallTypeFTTransfer)
	if err != nil {
		return types.Outcome{}, err
	}
	call, err := builder.Build(txbuilder.CallParams{
		Contract: dep.Contract.ID,
		Signer:   dep.Owner,
		Account:  receiver,
		Amount:   amount,
		Mode:     types.ModeSync,
	})
	if err != nil {
		return types.Outcome{}, err
	}
	return r.pipeline.Execute(ctx, call)
}

// runLoad deploys and initializes the token, registers one receiver and
// submits opts.Calls transfers to it concurrently.
func (r *Runner) runLoad(ctx context.Context, run *storage.Run, opts LoadOptions) error {
	dep, err := r.deployToken(ctx, run)
	if err != nil {
		return err
	}
	receiver, err := r.createReceiver(ctx, run)
	if err != nil {
		return err
	}
	if err := r.deployer.RegisterReceiver(ctx, dep.Contract.ID, dep.Owner, receiver.ID); err != nil {
		return err
	}
	r.persist(ctx, run)

	// Provisioning traffic is not part of the batch
	r.metrics.Reset()
	r.mu.Lock()
	r.planned = opts.Calls
	r.setStatusLocked(types.StatusRunning)
	r.mu.Unlock()

	var limiter *ratelimit.Limiter
	if opts.RateLimit > 0 {
		limiter = ratelimit.New(float64(opts.RateLimit))
	}
	s := sender.New(sender.Config{
		Executor:      r.pipeline,
		Concurrency:   opts.Concurrency,
		SubmitTimeout: opts.SubmitTimeout,
		FailFast:      opts.FailFast,
		Limiter:       limiter,
		Logger:        r.logger,
	})

	builder, err := r.builders.Get(types.CallTypeFTTransfer)
	if err != nil {
		return err
	}
	res, batchErr := s.Run(ctx, opts.Calls, func(int) (txbuilder.Call, error) {
		return builder.Build(txbuilder.CallParams{
			Contract: dep.Contract.ID,
			Signer:   dep.Owner,
			Account:  receiver.ID,
			Amount:   opts.Amount,
			Mode:     opts.Mode,
		})
	})
	r.metrics.RecordBatchTiming(res.Timing)

	summary := verification.Tally(res.Outcomes)
	r.update(run, func(run *storage.Run) {
		r.timing = res.Timing
		run.Calls = opts.Calls
		run.Succeeded = summary.Succeeded
		run.Failed = summary.Failed
		run.Submitted = summary.Submitted
		run.SubmitErrors = summary.SubmitErrors
		run.GasBurnt = summary.GasBurnt
		run.FailureReasons = summary.Reasons
		run.ConstructionMs = res.Timing.Construction.Milliseconds()
		run.ExecutionMs = res.Timing.Execution.Milliseconds()
		run.LatencyStats = r.metrics.GetLatencyStats()
	})
	r.persistCalls(run.ID, res.Outcomes)

	if batchErr != nil {
		return batchErr
	}
	if err := summary.Check(opts.Calls); err != nil {
		return err
	}

	r.setStatus(types.StatusVerifying)
	result := r.verifier.VerifyRun(ctx, opts.Calls, res.Outcomes, dep.Owner, r.reportVerification)
	r.update(run, func(run *storage.Run) {
		run.Verification = result
	})
	return nil
}

func (r *Runner) reportVerification(p verification.VerificationProgress) {
	r.mu.Lock()
	r.verifyProgress = p.Message
	r.mu.Unlock()
	r.logger.Debug("verification progress", slog.String("phase", string(p.Phase)), slog.Int("sampled", p.Sampled), slog.Int("total", p.Total))
}

func (r *Runner) persistCalls(runID string, outcomes []types.Outcome) {
	if r.store == nil || len(outcomes) == 0 {
		return
	}
	logs := make([]storage.CallLogEntry, len(outcomes))
	for i, o := range outcomes {
		logs[i] = storage.CallLogEntry{
			TxHash:    o.TxHash,
			CallType:  types.CallTypeFTTransfer,
			Status:    o.Status,
			Failure:   o.Failure,
			LatencyMs: o.Latency.Milliseconds(),
			GasBurnt:  o.GasBurnt,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.store.BulkInsertCallLogs(ctx, runID, logs); err != nil {
		r.logger.Warn("failed to persist call logs", slog.String("runId", runID), slog.String("error", err.Error()))
	}
}

// runPassiveRegistration shows that a zero-balance row written by a state
// patch registers an account without any contract call.
func (r *Runner) runPassiveRegistration(ctx context.Context, run *storage.Run, opts LoadOptions) error {
	dep, err := r.deployToken(ctx, run)
	if err != nil {
		return err
	}
	receiver, err := r.createReceiver(ctx, run)
	if err != nil {
		return err
	}
	r.persist(ctx, run)

	r.metrics.Reset()
	r.mu.Lock()
	r.planned = 2
	r.setStatusLocked(types.StatusRunning)
	r.mu.Unlock()

	var outcomes []types.Outcome
	defer func() {
		summary := verification.Tally(outcomes)
		r.update(run, func(run *storage.Run) {
			run.Calls = len(outcomes)
			run.Succeeded = summary.Succeeded
			run.Failed = summary.Failed
			run.GasBurnt = summary.GasBurnt
			run.FailureReasons = summary.Reasons
			run.LatencyStats = r.metrics.GetLatencyStats()
		})
		r.persistCalls(run.ID, outcomes)
	}()

	before, err := r.transfer(ctx, dep, receiver.ID, opts.Amount)
	if err != nil {
		return fmt.Errorf("transfer before patch: %w", err)
	}
	outcomes = append(outcomes, before)
	if err := verification.ExpectFailureContaining(before, notRegistered); err != nil {
		return err
	}
	r.logger.Info("unregistered transfer rejected", slog.String("tx", before.TxHash), slog.String("failure", before.Failure))

	if err := r.patcher.WithRunID(run.ID).Register(ctx, dep.Contract.ID, r.prefix, receiver.ID); err != nil {
		return err
	}
	key := r.prefix.Key(receiver.ID)
	value, ok, err := r.patcher.Read(ctx, dep.Contract.ID, key)
	if err != nil {
		return fmt.Errorf("read back %s: %w", statekey.FormatKey(key), err)
	}
	if !ok || !bytes.Equal(value, statekey.ZeroBalance()) {
		return fmt.Errorf("row %s was not written by the patch", statekey.FormatKey(key))
	}

	after, err := r.transfer(ctx, dep, receiver.ID, opts.Amount)
	if err != nil {
		return fmt.Errorf("transfer after patch: %w", err)
	}
	outcomes = append(outcomes, after)
	if err := verification.ExpectSuccess(after); err != nil {
		return err
	}

	return r.checkBalance(ctx, dep.Contract.ID, receiver.ID, opts.Amount)
}

func (r *Runner) checkBalance(ctx context.Context, contractID, holder types.AccountID, want string) error {
	raw, err := r.client.CallFunction(ctx, contractID, "ft_balance_of", txbuilder.FTBalanceOfArgs(holder))
	if err != nil {
		return fmt.Errorf("ft_balance_of %s: %w", holder, err)
	}
	got, err := txbuilder.ParseBalance(raw)
	if err != nil {
		return err
	}
	if got.Dec() != want {
		return fmt.Errorf("balance of %s is %s, want %s", holder, got.Dec(), want)
	}
	r.logger.Info("receiver balance confirmed", slog.String("account", holder.String()), slog.String("balance", got.Dec()))
	return nil
}

// ObserveGasLimit reads the shard 0 chunk header of the latest final block.
func (r *Runner) ObserveGasLimit(ctx context.Context) (rpc.ChunkHeader, error) {
	block, err := r.client.Block(ctx, "final")
	if err != nil {
		return rpc.ChunkHeader{}, fmt.Errorf("failed to fetch block: %w", err)
	}
	chunk, err := r.client.Chunk(ctx, block.Header.Hash, 0)
	if err != nil {
		return rpc.ChunkHeader{}, fmt.Errorf("failed to fetch chunk: %w", err)
	}
	return chunk.Header, nil
}

// runGasLimit observes the chunk gas limit around a contract deployment.
func (r *Runner) runGasLimit(ctx context.Context, run *storage.Run) (*GasLimitObservation, error) {
	if len(r.wasm) == 0 {
		return nil, ErrNoWasm
	}
	before, err := r.ObserveGasLimit(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Info("chunk gas limit",
		slog.Uint64("gasLimit", before.GasLimit),
		slog.Uint64("heightIncluded", before.HeightIncluded),
	)

	deployed, err := r.deployer.DevDeploy(ctx, r.wasm)
	if err != nil {
		return nil, err
	}
	r.update(run, func(run *storage.Run) {
		run.Contract = deployed.ID
		run.Accounts = append(run.Accounts, storage.AccountInfo{ID: deployed.ID, Role: storage.AccountRoleContract})
	})

	after, err := r.ObserveGasLimit(ctx)
	if err != nil {
		return nil, err
	}
	obs := &GasLimitObservation{Before: before, After: after}
	if obs.Changed() {
		r.logger.Warn("chunk gas limit changed across deployment",
			slog.Uint64("before", before.GasLimit),
			slog.Uint64("after", after.GasLimit),
		)
	} else {
		r.logger.Info("chunk gas limit",
			slog.Uint64("gasLimit", after.GasLimit),
			slog.Uint64("heightIncluded", after.HeightIncluded),
		)
	}
	r.update(run, func(run *storage.Run) {
		if run.Environment != nil {
			run.Environment.ChunkGasLimit = after.GasLimit
		}
	})
	return obs, nil
}
