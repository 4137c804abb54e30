// Package contract provisions the accounts and the token contract a run needs.
package contract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/holiman/uint256"

	"github.com/gateway-fm/nearload/internal/account"
	"github.com/gateway-fm/nearload/internal/execnode"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/txbuilder"
	"github.com/gateway-fm/nearload/internal/verification"
	"github.com/gateway-fm/nearload/pkg/types"
)

// DefaultInitialBalance funds each dev account with 10 NEAR.
var DefaultInitialBalance = uint256.MustFromDecimal("10000000000000000000000000")

// ErrDevAccountsUnsupported is returned when the node does not let the
// validator key create dev accounts.
var ErrDevAccountsUnsupported = errors.New("node does not support dev accounts")

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// Executor submits transactions. *pipeline.Pipeline implements it.
type Executor interface {
	Execute(ctx context.Context, call txbuilder.Call) (types.Outcome, error)
	ExecuteActions(ctx context.Context, signer *account.Account, receiver types.AccountID,
		callType types.CallType, mode types.SubmitMode, actions ...txbuilder.Action) (types.Outcome, error)
}

// ProgressCallback is called after each provisioning step.
type ProgressCallback func(step string, done, total int)

// Deployment is a deployed and initialized token contract.
type Deployment struct {
	Contract *account.Account
	// Owner holds the minted supply and signs transfers.
	Owner  types.AccountID
	Supply string
}

// Config for creating a Deployer.
type Config struct {
	Client   rpc.Client
	Executor Executor
	Accounts *account.Manager
	// Capabilities of the target node. Nil skips the local check.
	Capabilities   *execnode.NodeCapabilities
	InitialBalance *uint256.Int
	Logger         *slog.Logger
}

// Deployer creates dev accounts and deploys contracts under the root account.
type Deployer struct {
	client   rpc.Client
	exec     Executor
	accounts *account.Manager
	caps     *execnode.NodeCapabilities
	balance  *uint256.Int
	logger   *slog.Logger
}

// NewDeployer creates a new Deployer.
func NewDeployer(cfg Config) *Deployer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	balance := cfg.InitialBalance
	if balance == nil {
		balance = DefaultInitialBalance
	}
	return &Deployer{
		client:   cfg.Client,
		exec:     cfg.Executor,
		accounts: cfg.Accounts,
		caps:     cfg.Capabilities,
		balance:  balance,
		logger:   logger,
	}
}

// LoadWasm reads a contract artifact and checks the wasm header.
func LoadWasm(path string) ([]byte, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm: %w", err)
	}
	if !bytes.HasPrefix(code, wasmMagic) {
		return nil, fmt.Errorf("%s is not a wasm module", path)
	}
	return code, nil
}

// CreateDevAccount creates, funds and keys a fresh sub-account of the root.
func (d *Deployer) CreateDevAccount(ctx context.Context) (*account.Account, error) {
	return d.createAccount(ctx, types.CallTypeCreateAccount)
}

// DevDeploy creates a dev account and deploys code to it in the same transaction.
func (d *Deployer) DevDeploy(ctx context.Context, code []byte) (*account.Account, error) {
	if len(code) == 0 {
		return nil, errors.New("empty contract code")
	}
	return d.createAccount(ctx, types.CallTypeDeploy, txbuilder.DeployContract{Code: code})
}

func (d *Deployer) createAccount(ctx context.Context, callType types.CallType, extra ...txbuilder.Action) (*account.Account, error) {
	if d.caps != nil && !d.caps.SupportsDevAccounts {
		return nil, fmt.Errorf("%w: %s", ErrDevAccountsUnsupported, d.caps)
	}
	acc, err := d.accounts.NewDevAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to generate dev account: %w", err)
	}

	actions := append([]txbuilder.Action{
		txbuilder.CreateAccount{},
		txbuilder.Transfer{Deposit: d.balance},
		txbuilder.AddKey{PublicKey: acc.Key.PublicKey()},
	}, extra...)

	out, err := d.exec.ExecuteActions(ctx, d.accounts.Root(), acc.ID, callType, types.ModeSync, actions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", acc.ID, err)
	}
	if err := verification.ExpectSuccess(out); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", acc.ID, err)
	}

	// A new key starts at a height-derived nonce
	if err := acc.Resync(ctx, d.client); err != nil {
		return nil, fmt.Errorf("failed to fetch nonce of %s: %w", acc.ID, err)
	}
	d.accounts.Add(acc)

	d.logger.Info("Dev account created",
		slog.String("account", acc.ID.String()),
		slog.Bool("deployed", len(extra) > 0),
		slog.String("tx", out.TxHash),
	)
	return acc, nil
}

// InitFT calls new_default_meta, minting supply to owner.
func (d *Deployer) InitFT(ctx context.Context, contract *account.Account, owner types.AccountID, supply string) error {
	call, err := txbuilder.NewFTInitBuilder().Build(txbuilder.CallParams{
		Contract: contract.ID,
		Signer:   contract.ID,
		Account:  owner,
		Amount:   supply,
	})
	if err != nil {
		return fmt.Errorf("failed to build init: %w", err)
	}
	out, err := d.exec.Execute(ctx, call)
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", contract.ID, err)
	}
	if err := verification.ExpectSuccess(out); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", contract.ID, err)
	}
	d.logger.Info("Token initialized", slog.String("contract", contract.ID.String()), slog.String("owner", owner.String()))
	return nil
}

// RegisterReceiver registers receiver through storage_deposit, paid by signer.
// This is the contract-side alternative to a state patch.
func (d *Deployer) RegisterReceiver(ctx context.Context, contract, signer, receiver types.AccountID) error {
	call, err := txbuilder.NewStorageDepositBuilder(0).Build(txbuilder.CallParams{
		Contract: contract,
		Signer:   signer,
		Account:  receiver,
	})
	if err != nil {
		return fmt.Errorf("failed to build storage deposit: %w", err)
	}
	out, err := d.exec.Execute(ctx, call)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", receiver, err)
	}
	if err := verification.ExpectSuccess(out); err != nil {
		return fmt.Errorf("failed to register %s: %w", receiver, err)
	}
	return nil
}

// DeployFT dev-deploys code, creates a separate owner dev account and
// initializes the token with that owner holding the whole supply.
func (d *Deployer) DeployFT(ctx context.Context, code []byte, supply string, onProgress ProgressCallback) (*Deployment, error) {
	const total = 3
	d.logger.Info("Deploying token contract...", slog.Int("codeSize", len(code)))

	contract, err := d.DevDeploy(ctx, code)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress("deploy", 1, total)
	}

	owner, err := d.CreateDevAccount(ctx)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress("owner", 2, total)
	}

	if supply == "" {
		supply = txbuilder.DefaultTotalSupply
	}
	if err := d.InitFT(ctx, contract, owner.ID, supply); err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress("init", 3, total)
	}

	return &Deployment{Contract: contract, Owner: owner.ID, Supply: supply}, nil
}
