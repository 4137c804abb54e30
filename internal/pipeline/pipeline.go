// Package pipeline turns call descriptors into signed transactions and
// submitted outcomes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/gateway-fm/nearload/internal/account"
	"github.com/gateway-fm/nearload/internal/metrics"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/txbuilder"
	"github.com/gateway-fm/nearload/pkg/types"
)

// Defaults for block hash reuse and outcome polling.
const (
	DefaultBlockHashTTL = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
	DefaultPollTimeout  = 60 * time.Second
)

const blockHashKey = "final"

// ErrUnknownSigner is returned when a call's signer has no local key.
var ErrUnknownSigner = errors.New("unknown signer")

// Signers resolves signing accounts by id.
type Signers interface {
	Get(id types.AccountID) (*account.Account, bool)
}

// Config for creating a Pipeline.
type Config struct {
	Client       rpc.Client
	Signers      Signers
	Metrics      metrics.Collector
	BlockHashTTL time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *slog.Logger
}

// Pipeline handles the transaction lifecycle: nonce, sign, submit, collect.
// Safe for concurrent use.
type Pipeline struct {
	client       rpc.Client
	signers      Signers
	metrics      metrics.Collector
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger

	blockHashes *gocache.Cache
	fetches     singleflight.Group
}

// New creates a new Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.BlockHashTTL
	if ttl <= 0 {
		ttl = DefaultBlockHashTTL
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}

	return &Pipeline{
		client:       cfg.Client,
		signers:      cfg.Signers,
		metrics:      cfg.Metrics,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		logger:       logger,
		blockHashes:  gocache.New(ttl, 2*ttl),
	}
}

// Execute signs and submits one call descriptor.
//
// Contract and runtime rejections are returned as failure outcomes with a nil
// error. Submission-layer problems (transport, invalid transaction, unknown
// signer) return a submit-error outcome together with the error.
func (p *Pipeline) Execute(ctx context.Context, call txbuilder.Call) (types.Outcome, error) {
	if err := call.Validate(); err != nil {
		return p.submitError(call.Type, fmt.Errorf("invalid call: %w", err))
	}
	signer, ok := p.signers.Get(call.Signer)
	if !ok {
		return p.submitError(call.Type, fmt.Errorf("%w: %s", ErrUnknownSigner, call.Signer))
	}
	return p.ExecuteActions(ctx, signer, call.Contract, call.Type, call.Mode, call.Action())
}

// ExecuteActions signs and submits a transaction with arbitrary actions.
// Provisioning uses it for account creation and deployment.
func (p *Pipeline) ExecuteActions(ctx context.Context, signer *account.Account, receiver types.AccountID,
	callType types.CallType, mode types.SubmitMode, actions ...txbuilder.Action) (types.Outcome, error) {
	blockHash, err := p.recentBlockHash(ctx)
	if err != nil {
		return p.submitError(callType, fmt.Errorf("block hash: %w", err))
	}

	n := signer.ReserveNonce()
	defer n.Rollback() // No-op once committed

	tx := &txbuilder.Transaction{
		SignerID:   signer.ID,
		PublicKey:  signer.Key.PublicKey(),
		Nonce:      n.Value(),
		ReceiverID: receiver,
		BlockHash:  blockHash,
		Actions:    actions,
	}
	signed, err := tx.Sign(signer.Key)
	if err != nil {
		return p.submitError(callType, fmt.Errorf("sign: %w", err))
	}
	txHash := signed.HashString()

	start := time.Now()
	if p.metrics != nil {
		p.metrics.AddInFlight(1)
		defer p.metrics.AddInFlight(-1)
		p.metrics.RecordSubmitted(callType, txHash, start)
	}

	outcome, err := p.submit(ctx, signed, signer.ID, mode)
	if err != nil {
		if isInvalidNonce(err) {
			// Another process used this key; move past the chain nonce
			if rerr := signer.Resync(ctx, p.client); rerr != nil {
				p.logger.Warn("nonce resync failed", slog.String("signer", string(signer.ID)), slog.String("error", rerr.Error()))
			}
		}
		return p.recordOutcome(callType, types.Outcome{
			TxHash:  txHash,
			Status:  types.OutcomeSubmitError,
			Failure: fmt.Sprintf("submit %s: %v", txHash, err),
		}, fmt.Errorf("submit %s: %w", txHash, err))
	}
	n.Commit()

	if outcome.TxHash == "" {
		outcome.TxHash = txHash
	}
	outcome.Latency = time.Since(start)

	if p.metrics != nil {
		p.metrics.RecordOutcome(callType, outcome)
	}
	if outcome.Status == types.OutcomeFailure {
		p.logger.Debug("call failed",
			slog.String("tx", txHash),
			slog.String("receiver", string(receiver)),
			slog.String("failure", outcome.Failure),
		)
	}
	return outcome, nil
}

func (p *Pipeline) submit(ctx context.Context, signed *txbuilder.SignedTransaction, sender types.AccountID, mode types.SubmitMode) (types.Outcome, error) {
	switch mode {
	case types.ModeAsync:
		hash, err := p.client.BroadcastTxAsync(ctx, signed.Bytes)
		if err != nil {
			return types.Outcome{}, err
		}
		return types.Outcome{TxHash: hash, Status: types.OutcomeSubmitted}, nil

	case types.ModeAsyncAwait:
		hash, err := p.client.BroadcastTxAsync(ctx, signed.Bytes)
		if err != nil {
			return types.Outcome{}, err
		}
		return p.await(ctx, hash, sender)

	default:
		res, err := p.client.BroadcastTxCommit(ctx, signed.Bytes)
		if rpc.HasCause(err, rpc.CauseTimeout) {
			// The node gave up waiting, the transaction may still land
			return p.await(ctx, signed.HashString(), sender)
		}
		if err != nil {
			return types.Outcome{}, err
		}
		return res.Outcome(), nil
	}
}

// await polls transaction status until the outcome is final.
func (p *Pipeline) await(ctx context.Context, txHash string, sender types.AccountID) (types.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		res, err := p.client.TxStatus(ctx, txHash, sender)
		switch {
		case err == nil && res.Status != types.OutcomeSubmitted:
			return res.Outcome(), nil
		case err != nil && !rpc.HasCause(err, rpc.CauseUnknownTransaction) && !rpc.HasCause(err, rpc.CauseTimeout):
			return types.Outcome{}, err
		}

		select {
		case <-ctx.Done():
			return types.Outcome{}, fmt.Errorf("awaiting outcome of %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RecentBlockHash returns a recent final block hash, fetched at most once per TTL.
func (p *Pipeline) RecentBlockHash(ctx context.Context) (string, error) {
	if v, ok := p.blockHashes.Get(blockHashKey); ok {
		return v.(string), nil
	}
	v, err, _ := p.fetches.Do(blockHashKey, func() (any, error) {
		if v, ok := p.blockHashes.Get(blockHashKey); ok {
			return v, nil
		}
		block, err := p.client.Block(ctx, rpc.FinalityFinal)
		if err != nil {
			return nil, err
		}
		p.blockHashes.SetDefault(blockHashKey, block.Header.Hash)
		return block.Header.Hash, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pipeline) recentBlockHash(ctx context.Context) ([32]byte, error) {
	s, err := p.RecentBlockHash(ctx)
	if err != nil {
		return [32]byte{}, err
	}
	return txbuilder.ParseBlockHash(s)
}

func (p *Pipeline) submitError(callType types.CallType, err error) (types.Outcome, error) {
	return p.recordOutcome(callType, types.Outcome{Status: types.OutcomeSubmitError, Failure: err.Error()}, err)
}

func (p *Pipeline) recordOutcome(callType types.CallType, out types.Outcome, err error) (types.Outcome, error) {
	if p.metrics != nil {
		p.metrics.RecordOutcome(callType, out)
	}
	return out, err
}

func isInvalidNonce(err error) bool {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(rpcErr.Data, "InvalidNonce") || strings.Contains(rpcErr.Message, "InvalidNonce")
}
