// Package rpctest provides an in-memory NEAR node for tests.
//
// Ledger implements rpc.Client. It decodes and verifies signed transactions,
// tracks access key nonces and runs a fungible-token contract whose account
// registrations live in raw storage rows, so state patches written through
// sandbox_patch_state are seen by the contract exactly as on a sandbox node.
package rpctest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"

	"github.com/gateway-fm/nearload/internal/borsh"
	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/pkg/types"
)

// DefaultGasLimit is the chunk gas limit reported by Block and Chunk.
const DefaultGasLimit uint64 = 1_000_000_000_000_000

// gasPerAction is charged for every executed action.
const gasPerAction uint64 = 2_428_000_000_000

var storageDeposit = uint256.MustFromDecimal("1250000000000000000000")

// Action is a decoded transaction action.
type Action struct {
	Kind      string // CreateAccount, DeployContract, FunctionCall, Transfer or AddKey
	Method    string
	Args      []byte
	Gas       uint64
	Deposit   *uint256.Int
	Code      []byte
	PublicKey string
}

// Tx is a decoded, signature-checked transaction.
type Tx struct {
	Hash      string
	Signer    types.AccountID
	PublicKey string
	Nonce     uint64
	Receiver  types.AccountID
	Actions   []Action
}

// accessKey accepts any unused nonce above floor, the way a transaction
// pool reorders a burst from one key before inclusion.
type accessKey struct {
	nonce uint64
	floor uint64
	used  map[uint64]bool
}

func newAccessKey(nonce uint64) *accessKey {
	return &accessKey{nonce: nonce, floor: nonce, used: make(map[uint64]bool)}
}

type ledgerAccount struct {
	keys    map[string]*accessKey
	balance *uint256.Int
	code    []byte
	ftInit  bool
	supply  *uint256.Int
	storage map[string][]byte
}

// Ledger is an in-memory node. Configure the exported knobs before use.
type Ledger struct {
	// PatchDisabled makes sandbox_patch_state answer method-not-found.
	PatchDisabled bool
	// GasLimit is the chunk gas limit, DefaultGasLimit when zero.
	GasLimit uint64
	// ExecDelay is slept before every broadcast executes.
	ExecDelay time.Duration
	// UnknownPolls is how many times TxStatus reports an async transaction
	// as unknown before returning its outcome.
	UnknownPolls int
	// SubmitHook runs before a broadcast executes. A non-nil error aborts it.
	SubmitHook func(tx Tx) error

	BlockCalls atomic.Int64
	Broadcasts atomic.Int64
	PatchCalls atomic.Int64

	inFlight atomic.Int64
	peak     atomic.Int64

	mu       sync.Mutex
	prefix   []byte
	height   uint64
	accounts map[types.AccountID]*ledgerAccount
	outcomes map[string]*rpc.ExecutionOutcome
	pending  map[string]int
	txs      []Tx
}

var _ rpc.Client = (*Ledger)(nil)

// ftAccountsPrefix is the LookupMap prefix of the reference token contract.
var ftAccountsPrefix = []byte{0x00, 0x21, 0x00, 0x00, 0x00}

// NewLedger creates an empty ledger whose token contract keeps accounts under
// the reference contract's prefix 0x0021000000.
func NewLedger() *Ledger {
	return &Ledger{
		prefix:   ftAccountsPrefix,
		height:   1,
		accounts: make(map[types.AccountID]*ledgerAccount),
		outcomes: make(map[string]*rpc.ExecutionOutcome),
		pending:  make(map[string]int),
	}
}

// SetPrefix changes the storage prefix the token contract reads.
func (l *Ledger) SetPrefix(p []byte) {
	l.mu.Lock()
	l.prefix = p
	l.mu.Unlock()
}

// AddAccount creates id with one full access key at the given nonce.
func (l *Ledger) AddAccount(id types.AccountID, pk keys.PublicKey, nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(id)
	acc.keys[pk.String()] = newAccessKey(nonce)
}

// DeployFT deploys and initializes a token contract on id, minting supply to owner.
func (l *Ledger) DeployFT(id, owner types.AccountID, supply uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(id)
	acc.code = []byte("ft")
	acc.ftInit = true
	acc.supply = uint256.NewInt(supply)
	v, _ := borsh.EncodeU128(acc.supply)
	acc.storage[l.rowKey(owner)] = v
}

// AccessKeyNonce returns the on-chain nonce of a key.
func (l *Ledger) AccessKeyNonce(id types.AccountID, pk string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return 0, false
	}
	key, ok := acc.keys[pk]
	if !ok {
		return 0, false
	}
	return key.nonce, true
}

// AccountExists reports whether id exists.
func (l *Ledger) AccountExists(id types.AccountID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[id]
	return ok
}

// HasCode reports whether id has a deployed contract.
func (l *Ledger) HasCode(id types.AccountID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	return ok && len(acc.code) > 0
}

// Registered reports whether the token contract on contract has a row for id.
func (l *Ledger) Registered(contract, id types.AccountID) bool {
	return l.FTBalance(contract, id) != nil
}

// FTBalance returns id's token balance, or nil when id is not registered.
func (l *Ledger) FTBalance(contract, id types.AccountID) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[contract]
	if !ok {
		return nil
	}
	bal, ok := l.ftBalance(acc, id)
	if !ok {
		return nil
	}
	return bal
}

// Transactions returns every executed transaction in order.
func (l *Ledger) Transactions() []Tx {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Tx, len(l.txs))
	copy(out, l.txs)
	return out
}

// Height returns the current block height.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// PeakInFlight returns the highest number of concurrent broadcasts observed.
func (l *Ledger) PeakInFlight() int64 {
	return l.peak.Load()
}

func (l *Ledger) account(id types.AccountID) *ledgerAccount {
	acc, ok := l.accounts[id]
	if !ok {
		acc = &ledgerAccount{
			keys:    make(map[string]*accessKey),
			balance: new(uint256.Int),
			storage: make(map[string][]byte),
		}
		l.accounts[id] = acc
	}
	return acc
}

func (l *Ledger) gasLimit() uint64 {
	if l.GasLimit == 0 {
		return DefaultGasLimit
	}
	return l.GasLimit
}

func blockHash(height uint64) string {
	sum := sha256.Sum256([]byte("block-" + strconv.FormatUint(height, 10)))
	return base58.Encode(sum[:])
}

func handlerError(cause, data string) *rpc.RPCError {
	return &rpc.RPCError{Code: -32000, Message: "Server error", Name: "HANDLER_ERROR", Cause: cause, Data: data}
}

func (l *Ledger) Call(_ context.Context, method string, _ any) (json.RawMessage, error) {
	return nil, &rpc.RPCError{Code: rpc.CodeMethodNotFound, Message: "Method not found", Name: "REQUEST_VALIDATION_ERROR", Cause: rpc.CauseMethodNotFound, Data: method}
}

func (l *Ledger) Status(_ context.Context) (*rpc.NodeStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := &rpc.NodeStatus{ChainID: "sandbox", ProtocolVersion: 73}
	st.Version.Version = "rpctest"
	st.SyncInfo.LatestBlockHeight = l.height
	st.SyncInfo.LatestBlockHash = blockHash(l.height)
	return st, nil
}

func (l *Ledger) Block(_ context.Context, _ string) (*rpc.Block, error) {
	l.BlockCalls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	return &rpc.Block{
		Author: "test.near",
		Header: rpc.BlockHeader{
			Height:   l.height,
			Hash:     blockHash(l.height),
			PrevHash: blockHash(l.height - 1),
			GasPrice: "100000000",
		},
		Chunks: []rpc.ChunkHeader{l.chunkHeader(0)},
	}, nil
}

func (l *Ledger) Chunk(_ context.Context, _ string, shardID uint64) (*rpc.Chunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &rpc.Chunk{Author: "test.near", Header: l.chunkHeader(shardID)}, nil
}

func (l *Ledger) chunkHeader(shardID uint64) rpc.ChunkHeader {
	return rpc.ChunkHeader{
		ChunkHash:      blockHash(l.height + 1_000_000),
		ShardID:        shardID,
		HeightCreated:  l.height,
		HeightIncluded: l.height,
		GasLimit:       l.gasLimit(),
	}
}

func (l *Ledger) ViewAccessKey(_ context.Context, id types.AccountID, pk string) (*rpc.AccessKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return nil, handlerError("UNKNOWN_ACCOUNT", fmt.Sprintf("account %s does not exist", id))
	}
	key, ok := acc.keys[pk]
	if !ok {
		return nil, handlerError("UNKNOWN_ACCESS_KEY", fmt.Sprintf("access key %s does not exist", pk))
	}
	return &rpc.AccessKey{Nonce: key.nonce, BlockHeight: l.height, BlockHash: blockHash(l.height)}, nil
}

func (l *Ledger) ViewState(_ context.Context, id types.AccountID, prefix []byte) ([]rpc.StateItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return nil, handlerError("UNKNOWN_ACCOUNT", fmt.Sprintf("account %s does not exist", id))
	}
	var items []rpc.StateItem
	for k, v := range acc.storage {
		if bytes.HasPrefix([]byte(k), prefix) {
			items = append(items, rpc.StateItem{Key: []byte(k), Value: bytes.Clone(v)})
		}
	}
	rpc.SortStateItems(items)
	return items, nil
}

func (l *Ledger) CallFunction(_ context.Context, id types.AccountID, method string, args []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok || len(acc.code) == 0 {
		return nil, handlerError("NO_CONTRACT_CODE", fmt.Sprintf("contract code for %s not found", id))
	}
	var in struct {
		AccountID types.AccountID `json:"account_id"`
	}
	_ = json.Unmarshal(args, &in)

	switch method {
	case "ft_balance_of":
		bal, ok := l.ftBalance(acc, in.AccountID)
		if !ok {
			bal = new(uint256.Int)
		}
		return json.Marshal(bal.Dec())
	case "ft_total_supply":
		supply := acc.supply
		if supply == nil {
			supply = new(uint256.Int)
		}
		return json.Marshal(supply.Dec())
	case "storage_balance_of":
		if _, ok := l.ftBalance(acc, in.AccountID); !ok {
			return []byte("null"), nil
		}
		return json.Marshal(map[string]string{"total": storageDeposit.Dec(), "available": "0"})
	default:
		return nil, handlerError("CONTRACT_EXECUTION_ERROR", "MethodNotFound: "+method)
	}
}

func (l *Ledger) SandboxPatchState(_ context.Context, records []rpc.StateRecord) error {
	l.PatchCalls.Add(1)
	if l.PatchDisabled {
		return &rpc.RPCError{Code: rpc.CodeMethodNotFound, Message: "Method not found", Name: "REQUEST_VALIDATION_ERROR", Cause: rpc.CauseMethodNotFound, Data: "sandbox_patch_state"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		acc := l.account(r.Data.AccountID)
		acc.storage[string(r.Data.DataKey)] = bytes.Clone(r.Data.Value)
	}
	return nil
}

func (l *Ledger) BroadcastTxCommit(ctx context.Context, signedTx []byte) (*rpc.ExecutionOutcome, error) {
	out, err := l.broadcast(ctx, signedTx)
	if err != nil {
		return nil, err
	}
	cp := *out
	return &cp, nil
}

func (l *Ledger) BroadcastTxAsync(ctx context.Context, signedTx []byte) (string, error) {
	out, err := l.broadcast(ctx, signedTx)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.pending[out.TxHash] = l.UnknownPolls
	l.mu.Unlock()
	return out.TxHash, nil
}

func (l *Ledger) TxStatus(_ context.Context, txHash string, _ types.AccountID) (*rpc.ExecutionOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.pending[txHash]; n > 0 {
		l.pending[txHash] = n - 1
		return nil, handlerError(rpc.CauseUnknownTransaction, "transaction "+txHash+" doesn't exist")
	}
	out, ok := l.outcomes[txHash]
	if !ok {
		return nil, handlerError(rpc.CauseUnknownTransaction, "transaction "+txHash+" doesn't exist")
	}
	cp := *out
	return &cp, nil
}

func (l *Ledger) broadcast(ctx context.Context, signedTx []byte) (*rpc.ExecutionOutcome, error) {
	l.Broadcasts.Add(1)
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}

	tx, err := DecodeTx(signedTx)
	if err != nil {
		return nil, &rpc.RPCError{Code: -32700, Message: "Parse error", Name: "REQUEST_VALIDATION_ERROR", Cause: "PARSE_ERROR", Data: err.Error()}
	}
	if l.SubmitHook != nil {
		if err := l.SubmitHook(tx); err != nil {
			return nil, err
		}
	}
	if l.ExecDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.ExecDelay):
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out, err := l.execute(tx)
	if err != nil {
		return nil, err
	}
	l.outcomes[out.TxHash] = out
	l.txs = append(l.txs, tx)
	return out, nil
}

func invalidTx(data string) *rpc.RPCError {
	return handlerError(rpc.CauseInvalidTransaction, `{"TxExecutionError":{"InvalidTxError":`+data+`}}`)
}

func (l *Ledger) execute(tx Tx) (*rpc.ExecutionOutcome, error) {
	signer, ok := l.accounts[tx.Signer]
	if !ok {
		return nil, invalidTx(fmt.Sprintf(`{"SignerDoesNotExist":{"signer_id":%q}}`, tx.Signer))
	}
	key, ok := signer.keys[tx.PublicKey]
	if !ok {
		return nil, invalidTx(`{"InvalidAccessKeyError":{"AccessKeyNotFound":{}}}`)
	}
	if tx.Nonce <= key.floor || key.used[tx.Nonce] {
		return nil, invalidTx(fmt.Sprintf(`{"InvalidNonce":{"ak_nonce":%d,"tx_nonce":%d}}`, key.nonce, tx.Nonce))
	}
	key.used[tx.Nonce] = true
	key.nonce = max(key.nonce, tx.Nonce)
	l.height++

	receiptHash := sha256.Sum256([]byte(tx.Hash + "/receipt"))
	out := &rpc.ExecutionOutcome{
		TxHash:     tx.Hash,
		Status:     types.OutcomeSuccess,
		ReceiptIDs: []string{base58.Encode(receiptHash[:])},
	}
	for i, a := range tx.Actions {
		out.GasBurnt += gasPerAction
		value, msg := l.apply(tx, a)
		if msg != "" {
			out.Status = types.OutcomeFailure
			out.Failure = fmt.Sprintf("action #%d: %s", i, msg)
			out.SuccessValue = nil
			break
		}
		out.SuccessValue = value
	}
	return out, nil
}

// apply runs one action and returns its return value or a failure message.
func (l *Ledger) apply(tx Tx, a Action) ([]byte, string) {
	switch a.Kind {
	case "CreateAccount":
		if _, ok := l.accounts[tx.Receiver]; ok {
			return nil, fmt.Sprintf(`AccountAlreadyExists {"account_id":%q}`, tx.Receiver)
		}
		l.account(tx.Receiver)
		return nil, ""
	}

	receiver, ok := l.accounts[tx.Receiver]
	if !ok {
		return nil, fmt.Sprintf(`AccountDoesNotExist {"account_id":%q}`, tx.Receiver)
	}
	switch a.Kind {
	case "Transfer":
		receiver.balance = new(uint256.Int).Add(receiver.balance, a.Deposit)
		return nil, ""
	case "AddKey":
		receiver.keys[a.PublicKey] = newAccessKey(l.height * 1_000_000)
		return nil, ""
	case "DeployContract":
		receiver.code = bytes.Clone(a.Code)
		return nil, ""
	case "FunctionCall":
		if len(receiver.code) == 0 {
			return nil, "CompilationError: CodeDoesNotExist"
		}
		return l.callFT(tx, receiver, a)
	default:
		return nil, "unsupported action " + a.Kind
	}
}

func panicked(format string, args ...any) string {
	return "Smart contract panicked: " + fmt.Sprintf(format, args...)
}

func (l *Ledger) callFT(tx Tx, contract *ledgerAccount, a Action) ([]byte, string) {
	if a.Method == "new_default_meta" {
		if contract.ftInit {
			return nil, panicked("The contract has already been initialized")
		}
		var in struct {
			OwnerID     types.AccountID `json:"owner_id"`
			TotalSupply string          `json:"total_supply"`
		}
		if err := json.Unmarshal(a.Args, &in); err != nil {
			return nil, panicked("Failed to deserialize input from JSON.")
		}
		supply, err := uint256.FromDecimal(in.TotalSupply)
		if err != nil {
			return nil, panicked("Failed to deserialize input from JSON.")
		}
		contract.ftInit = true
		contract.supply = supply
		l.setFTBalance(contract, in.OwnerID, supply)
		return nil, ""
	}
	if !contract.ftInit {
		return nil, panicked("The contract is not initialized")
	}

	switch a.Method {
	case "storage_deposit":
		var in struct {
			AccountID types.AccountID `json:"account_id"`
		}
		_ = json.Unmarshal(a.Args, &in)
		id := in.AccountID
		if id == "" {
			id = tx.Signer
		}
		if _, ok := l.ftBalance(contract, id); ok {
			return []byte(`{"total":"` + storageDeposit.Dec() + `","available":"0"}`), ""
		}
		if a.Deposit == nil || a.Deposit.Lt(storageDeposit) {
			return nil, panicked("The attached deposit is less than the minimum storage balance")
		}
		l.setFTBalance(contract, id, new(uint256.Int))
		return []byte(`{"total":"` + storageDeposit.Dec() + `","available":"0"}`), ""

	case "ft_transfer":
		if a.Deposit == nil || !a.Deposit.Eq(uint256.NewInt(1)) {
			return nil, panicked("Requires attached deposit of exactly 1 yoctoNEAR")
		}
		var in struct {
			ReceiverID types.AccountID `json:"receiver_id"`
			Amount     string          `json:"amount"`
		}
		if err := json.Unmarshal(a.Args, &in); err != nil {
			return nil, panicked("Failed to deserialize input from JSON.")
		}
		amount, err := uint256.FromDecimal(in.Amount)
		if err != nil {
			return nil, panicked("Failed to deserialize input from JSON.")
		}
		if in.ReceiverID == tx.Signer {
			return nil, panicked("The sender and receiver should be different")
		}
		if amount.IsZero() {
			return nil, panicked("The amount should be a positive number")
		}
		from, ok := l.ftBalance(contract, tx.Signer)
		if !ok {
			return nil, panicked("The account %s is not registered", tx.Signer)
		}
		to, ok := l.ftBalance(contract, in.ReceiverID)
		if !ok {
			return nil, panicked("The account %s is not registered", in.ReceiverID)
		}
		if from.Lt(amount) {
			return nil, panicked("The account doesn't have enough balance")
		}
		l.setFTBalance(contract, tx.Signer, new(uint256.Int).Sub(from, amount))
		l.setFTBalance(contract, in.ReceiverID, new(uint256.Int).Add(to, amount))
		return nil, ""

	default:
		return nil, fmt.Sprintf("MethodResolveError: MethodNotFound %s", a.Method)
	}
}

func (l *Ledger) ftBalance(contract *ledgerAccount, id types.AccountID) (*uint256.Int, bool) {
	v, ok := contract.storage[l.rowKey(id)]
	if !ok {
		return nil, false
	}
	bal, err := borsh.DecodeU128(v)
	if err != nil {
		return nil, false
	}
	return bal, true
}

func (l *Ledger) setFTBalance(contract *ledgerAccount, id types.AccountID, bal *uint256.Int) {
	v, _ := borsh.EncodeU128(bal)
	contract.storage[l.rowKey(id)] = v
}

// rowKey is the token contract's storage key for id: the raw prefix
// followed by the account id bytes.
func (l *Ledger) rowKey(id types.AccountID) string {
	return string(l.prefix) + string(id)
}
