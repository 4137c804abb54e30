// Package txbuilder builds contract call descriptors and NEAR transactions.
package txbuilder

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/gateway-fm/nearload/pkg/types"
)

// Gas and deposit constants for fungible-token calls.
const (
	// DefaultFunctionCallGas is 30 Tgas.
	DefaultFunctionCallGas uint64 = 30_000_000_000_000
	// DefaultInitGas is 100 Tgas.
	DefaultInitGas uint64 = 100_000_000_000_000

	// DefaultTotalSupply is minted to the owner by new_default_meta.
	DefaultTotalSupply = "1000000000"
	// DefaultTransferAmount is the per-call amount of the load scenario.
	DefaultTransferAmount = "42"
)

// OneYocto is the deposit ft_transfer requires as proof of a full access key.
var OneYocto = uint256.NewInt(1)

// StorageDepositAmount is the registration fee of the reference token contract (0.00125 NEAR).
var StorageDepositAmount = uint256.MustFromDecimal("1250000000000000000000")

// CallParams holds the inputs of a builder.
type CallParams struct {
	Contract types.AccountID
	Signer   types.AccountID
	// Account is the receiver of a transfer, the account a storage deposit
	// registers, or the owner of an initialized token.
	Account types.AccountID
	// Amount is a decimal u128: the transfer amount or the total supply.
	Amount string
	Mode   types.SubmitMode
}

// Builder builds calls of a specific type.
type Builder interface {
	// Type returns the call type identifier.
	Type() types.CallType

	// Gas returns the gas attached to built calls.
	Gas() uint64

	// Build creates a call descriptor.
	Build(params CallParams) (Call, error)
}

func (p CallParams) mode() types.SubmitMode {
	if p.Mode == "" {
		return types.ModeSync
	}
	return p.Mode
}

func (p CallParams) validateParties() error {
	if err := ValidateAccountID(p.Contract); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	if err := ValidateAccountID(p.Signer); err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	if err := ValidateAccountID(p.Account); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	return nil
}

// FTTransferBuilder builds ft_transfer calls.
type FTTransferBuilder struct {
	gas uint64
}

// NewFTTransferBuilder creates a builder attaching gas (0 means 30 Tgas).
func NewFTTransferBuilder(gas uint64) *FTTransferBuilder {
	if gas == 0 {
		gas = DefaultFunctionCallGas
	}
	return &FTTransferBuilder{gas: gas}
}

func (b *FTTransferBuilder) Type() types.CallType { return types.CallTypeFTTransfer }
func (b *FTTransferBuilder) Gas() uint64          { return b.gas }

// Build validates the parties and amount. Registration and balances are left
// to the contract.
func (b *FTTransferBuilder) Build(p CallParams) (Call, error) {
	if err := p.validateParties(); err != nil {
		return Call{}, err
	}
	amount, err := ParseAmount(p.Amount)
	if err != nil {
		return Call{}, err
	}
	args, err := json.Marshal(struct {
		ReceiverID types.AccountID `json:"receiver_id"`
		Amount     string          `json:"amount"`
	}{p.Account, amount.Dec()})
	if err != nil {
		return Call{}, fmt.Errorf("encode ft_transfer args: %w", err)
	}
	return Call{
		Type:     types.CallTypeFTTransfer,
		Contract: p.Contract,
		Method:   "ft_transfer",
		Signer:   p.Signer,
		Args:     args,
		Deposit:  OneYocto,
		Gas:      b.gas,
		Mode:     p.mode(),
	}, nil
}

// StorageDepositBuilder builds storage_deposit calls that register an account
// through the contract itself.
type StorageDepositBuilder struct {
	gas uint64
}

// NewStorageDepositBuilder creates a builder attaching gas (0 means 30 Tgas).
func NewStorageDepositBuilder(gas uint64) *StorageDepositBuilder {
	if gas == 0 {
		gas = DefaultFunctionCallGas
	}
	return &StorageDepositBuilder{gas: gas}
}

func (b *StorageDepositBuilder) Type() types.CallType { return types.CallTypeStorageDeposit }
func (b *StorageDepositBuilder) Gas() uint64          { return b.gas }

// Build ignores Amount: the deposit is always StorageDepositAmount.
func (b *StorageDepositBuilder) Build(p CallParams) (Call, error) {
	if err := p.validateParties(); err != nil {
		return Call{}, err
	}
	args, err := json.Marshal(struct {
		AccountID        types.AccountID `json:"account_id"`
		RegistrationOnly bool            `json:"registration_only"`
	}{p.Account, true})
	if err != nil {
		return Call{}, fmt.Errorf("encode storage_deposit args: %w", err)
	}
	return Call{
		Type:     types.CallTypeStorageDeposit,
		Contract: p.Contract,
		Method:   "storage_deposit",
		Signer:   p.Signer,
		Args:     args,
		Deposit:  StorageDepositAmount,
		Gas:      b.gas,
		Mode:     p.mode(),
	}, nil
}

// FTInitBuilder builds new_default_meta calls.
type FTInitBuilder struct{}

// NewFTInitBuilder creates an init builder.
func NewFTInitBuilder() *FTInitBuilder {
	return &FTInitBuilder{}
}

func (b *FTInitBuilder) Type() types.CallType { return types.CallTypeFTInit }
func (b *FTInitBuilder) Gas() uint64          { return DefaultInitGas }

// Build mints Amount (default 1000000000) to Account.
func (b *FTInitBuilder) Build(p CallParams) (Call, error) {
	if err := p.validateParties(); err != nil {
		return Call{}, err
	}
	supply := p.Amount
	if supply == "" {
		supply = DefaultTotalSupply
	}
	total, err := ParseAmount(supply)
	if err != nil {
		return Call{}, err
	}
	args, err := json.Marshal(struct {
		OwnerID     types.AccountID `json:"owner_id"`
		TotalSupply string          `json:"total_supply"`
	}{p.Account, total.Dec()})
	if err != nil {
		return Call{}, fmt.Errorf("encode new_default_meta args: %w", err)
	}
	return Call{
		Type:     types.CallTypeFTInit,
		Contract: p.Contract,
		Method:   "new_default_meta",
		Signer:   p.Signer,
		Args:     args,
		Gas:      DefaultInitGas,
		Mode:     p.mode(),
	}, nil
}

// FTBalanceOfArgs returns the arguments of the ft_balance_of view.
func FTBalanceOfArgs(account types.AccountID) []byte {
	args, _ := json.Marshal(map[string]types.AccountID{"account_id": account})
	return args
}

// ParseBalance parses the JSON string result of ft_balance_of.
func ParseBalance(result []byte) (*uint256.Int, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return ParseAmount(s)
}

// Registry manages builder lookup by type.
type Registry struct {
	builders map[types.CallType]Builder
}

// NewRegistry creates a new builder registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[types.CallType]Builder),
	}
}

// Register adds a builder to the registry.
func (r *Registry) Register(builder Builder) {
	r.builders[builder.Type()] = builder
}

// ErrUnknownCallType is returned by Get for unregistered types.
var ErrUnknownCallType = errors.New("unknown call type")

// Get returns a builder for the given type.
func (r *Registry) Get(callType types.CallType) (Builder, error) {
	builder, ok := r.builders[callType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCallType, callType)
	}
	return builder, nil
}

// NewDefaultRegistry creates a registry with the fungible-token builders.
func NewDefaultRegistry(gas uint64) *Registry {
	r := NewRegistry()
	r.Register(NewFTTransferBuilder(gas))
	r.Register(NewStorageDepositBuilder(gas))
	r.Register(NewFTInitBuilder())
	return r
}
