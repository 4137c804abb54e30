// Package patcher writes contract storage rows directly through
// sandbox_patch_state, bypassing contract execution.
//
// Patches are not atomic with concurrent transaction submission. Callers
// sequence a patch before the calls that depend on it.
package patcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/nearload/internal/execnode"
	"github.com/gateway-fm/nearload/internal/metrics"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/statekey"
	"github.com/gateway-fm/nearload/internal/storage"
	"github.com/gateway-fm/nearload/pkg/types"
)

// ErrPatchRejected is returned when the node refuses a state patch, either
// because it does not expose the method or because the handler failed.
var ErrPatchRejected = errors.New("state patch rejected")

// Recorder persists patch attempts.
type Recorder interface {
	RecordPatch(ctx context.Context, patch *storage.PatchRecord) error
}

// Config for creating a Patcher.
type Config struct {
	Client rpc.Client
	// Capabilities of the target node. Nil skips the local check and lets
	// the node decide.
	Capabilities *execnode.NodeCapabilities
	Metrics      metrics.Collector
	Recorder     Recorder
	Logger       *slog.Logger
}

// Patcher issues state patches. Safe for concurrent use.
type Patcher struct {
	client   rpc.Client
	caps     *execnode.NodeCapabilities
	metrics  metrics.Collector
	recorder Recorder
	runID    string
	logger   *slog.Logger
}

// New creates a new Patcher.
func New(cfg Config) *Patcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{
		client:   cfg.Client,
		caps:     cfg.Capabilities,
		metrics:  cfg.Metrics,
		recorder: cfg.Recorder,
		logger:   logger,
	}
}

// WithRunID returns a copy of the patcher whose records carry runID.
func (p *Patcher) WithRunID(runID string) *Patcher {
	cp := *p
	cp.runID = runID
	return &cp
}

// Patch writes value at key in contract's storage.
func (p *Patcher) Patch(ctx context.Context, contract types.AccountID, key, value []byte) error {
	if p.caps != nil && !p.caps.SupportsStatePatch {
		err := fmt.Errorf("%w: %s node does not support sandbox_patch_state", ErrPatchRejected, p.caps)
		p.record(ctx, contract, key, value, err)
		return err
	}

	err := p.client.SandboxPatchState(ctx, []rpc.StateRecord{{Data: rpc.DataRecord{
		AccountID: contract,
		DataKey:   key,
		Value:     value,
	}}})
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			err = fmt.Errorf("%w: %w", ErrPatchRejected, err)
		} else {
			err = fmt.Errorf("failed to patch state of %s: %w", contract, err)
		}
	}
	p.record(ctx, contract, key, value, err)
	if err != nil {
		return err
	}

	p.logger.Debug("state patched",
		slog.String("contract", contract.String()),
		slog.String("key", statekey.FormatKey(key)),
		slog.Int("valueLen", len(value)))
	return nil
}

// Register marks account as registered with a zero balance in the
// contract's accounts map.
func (p *Patcher) Register(ctx context.Context, contract types.AccountID, prefix statekey.Prefix, account types.AccountID) error {
	if err := p.Patch(ctx, contract, prefix.Key(account), statekey.ZeroBalance()); err != nil {
		return fmt.Errorf("register %s: %w", account, err)
	}
	p.logger.Info("account registered by state patch",
		slog.String("contract", contract.String()),
		slog.String("account", account.String()),
		slog.String("prefix", prefix.String()))
	return nil
}

// Read returns the value stored at exactly key. ok is false when no row exists.
func (p *Patcher) Read(ctx context.Context, contract types.AccountID, key []byte) (value []byte, ok bool, err error) {
	items, err := p.client.ViewState(ctx, contract, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state of %s: %w", contract, err)
	}
	for _, item := range items {
		if bytes.Equal(item.Key, key) {
			return item.Value, true, nil
		}
	}
	return nil, false, nil
}

// Dump lists every row of contract's storage under prefix, ordered by key.
func (p *Patcher) Dump(ctx context.Context, contract types.AccountID, prefix []byte) ([]rpc.StateItem, error) {
	items, err := p.client.ViewState(ctx, contract, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to dump state of %s: %w", contract, err)
	}
	rpc.SortStateItems(items)
	return items, nil
}

func (p *Patcher) record(ctx context.Context, contract types.AccountID, key, value []byte, patchErr error) {
	if p.metrics != nil {
		p.metrics.RecordStatePatch(patchErr == nil)
	}
	if p.recorder == nil {
		return
	}
	rec := &storage.PatchRecord{
		RunID:    p.runID,
		Contract: contract,
		Key:      hexutil.Encode(key),
		Value:    hexutil.Encode(value),
		Applied:  patchErr == nil,
	}
	if patchErr != nil {
		rec.Error = patchErr.Error()
	}
	// The patch outcome stands regardless of bookkeeping
	if err := p.recorder.RecordPatch(ctx, rec); err != nil {
		p.logger.Warn("failed to record state patch", slog.String("error", err.Error()))
	}
}
