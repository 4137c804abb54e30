package txbuilder

import (
	"crypto/sha256"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"

	"github.com/gateway-fm/nearload/internal/borsh"
	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/pkg/types"
)

// Action variant indices in the borsh Action enum.
const (
	actionCreateAccount  uint8 = 0
	actionDeployContract uint8 = 1
	actionFunctionCall   uint8 = 2
	actionTransfer       uint8 = 3
	actionAddKey         uint8 = 5
)

// accessKeyFullAccess is the FullAccess variant of AccessKeyPermission.
const accessKeyFullAccess uint8 = 1

// Action is one step of a transaction.
type Action interface {
	marshalBorsh(w *borsh.Writer) error
}

// CreateAccount creates the receiver account.
type CreateAccount struct{}

func (CreateAccount) marshalBorsh(w *borsh.Writer) error {
	w.U8(actionCreateAccount)
	return nil
}

// DeployContract deploys wasm code to the receiver.
type DeployContract struct {
	Code []byte
}

func (a DeployContract) marshalBorsh(w *borsh.Writer) error {
	w.U8(actionDeployContract)
	w.DynBytes(a.Code)
	return nil
}

// FunctionCall calls a method on the receiver contract.
type FunctionCall struct {
	Method  string
	Args    []byte
	Gas     uint64
	Deposit *uint256.Int
}

func (a FunctionCall) marshalBorsh(w *borsh.Writer) error {
	w.U8(actionFunctionCall)
	w.String(a.Method)
	w.DynBytes(a.Args)
	w.U64(a.Gas)
	return w.U128(a.Deposit)
}

// Transfer moves NEAR to the receiver.
type Transfer struct {
	Deposit *uint256.Int
}

func (a Transfer) marshalBorsh(w *borsh.Writer) error {
	w.U8(actionTransfer)
	return w.U128(a.Deposit)
}

// AddKey adds a full access key to the receiver.
type AddKey struct {
	PublicKey keys.PublicKey
}

func (a AddKey) marshalBorsh(w *borsh.Writer) error {
	w.U8(actionAddKey)
	a.PublicKey.MarshalBorsh(w)
	w.U64(0) // access key nonce
	w.U8(accessKeyFullAccess)
	return nil
}

// Transaction is an unsigned NEAR transaction.
type Transaction struct {
	SignerID   types.AccountID
	PublicKey  keys.PublicKey
	Nonce      uint64
	ReceiverID types.AccountID
	BlockHash  [32]byte
	Actions    []Action
}

// Encode returns the borsh encoding of the transaction.
func (tx *Transaction) Encode() ([]byte, error) {
	w := borsh.NewWriter(256)
	w.String(string(tx.SignerID))
	tx.PublicKey.MarshalBorsh(w)
	w.U64(tx.Nonce)
	w.String(string(tx.ReceiverID))
	w.Fixed(tx.BlockHash[:])
	w.U32(uint32(len(tx.Actions)))
	for i, a := range tx.Actions {
		if err := a.marshalBorsh(w); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}
	return w.Bytes(), nil
}

// SignedTransaction is a signed transaction ready to broadcast.
type SignedTransaction struct {
	Hash  [32]byte
	Bytes []byte
}

// HashString returns the transaction hash as the node reports it.
func (s *SignedTransaction) HashString() string {
	return base58.Encode(s.Hash[:])
}

// Sign hashes and signs the transaction with kp.
func (tx *Transaction) Sign(kp *keys.KeyPair) (*SignedTransaction, error) {
	body, err := tx.Encode()
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(body)
	sig := kp.Sign(hash[:])

	w := borsh.NewWriter(len(body) + 65)
	w.Fixed(body)
	keys.MarshalSignatureBorsh(w, sig)

	return &SignedTransaction{Hash: hash, Bytes: w.Bytes()}, nil
}

// ParseBlockHash decodes a base58 block hash.
func ParseBlockHash(s string) ([32]byte, error) {
	var hash [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return hash, fmt.Errorf("decode block hash %q: %w", s, err)
	}
	if len(raw) != len(hash) {
		return hash, fmt.Errorf("block hash has %d bytes, want %d", len(raw), len(hash))
	}
	copy(hash[:], raw)
	return hash, nil
}
