package rpctest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"

	"github.com/gateway-fm/nearload/internal/borsh"
	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/pkg/types"
)

// ErrBadSignature is returned by DecodeTx when the signature does not verify.
var ErrBadSignature = errors.New("signature does not verify")

// decoder wraps a borsh.Reader and keeps the first error.
type decoder struct {
	r   *borsh.Reader
	err error
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	v, err := d.r.U8()
	d.err = err
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	v, err := d.r.U32()
	d.err = err
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := d.r.U64()
	d.err = err
	return v
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, err := d.r.String()
	d.err = err
	return v
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	v, err := d.r.DynBytes()
	d.err = err
	return v
}

func (d *decoder) fixed(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	v, err := d.r.Fixed(n)
	d.err = err
	if err != nil {
		return make([]byte, n)
	}
	return v
}

func (d *decoder) publicKey() keys.PublicKey {
	if t := d.u8(); t != 0 && d.err == nil {
		d.err = fmt.Errorf("unsupported key type %d", t)
	}
	return keys.PublicKey(d.fixed(ed25519.PublicKeySize))
}

// DecodeTx decodes a borsh SignedTransaction and verifies its signature.
func DecodeTx(signed []byte) (Tx, error) {
	d := &decoder{r: borsh.NewReader(signed)}
	tx := Tx{
		Signer: types.AccountID(d.str()),
	}
	pk := d.publicKey()
	tx.PublicKey = pk.String()
	tx.Nonce = d.u64()
	tx.Receiver = types.AccountID(d.str())
	d.fixed(32) // block hash

	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		tx.Actions = append(tx.Actions, d.action())
	}
	if d.err != nil {
		return Tx{}, fmt.Errorf("decode transaction: %w", d.err)
	}

	body := signed[:len(signed)-d.r.Remaining()]
	if t := d.u8(); t != 0 && d.err == nil {
		d.err = fmt.Errorf("unsupported signature type %d", t)
	}
	sig := d.fixed(ed25519.SignatureSize)
	if d.err != nil {
		return Tx{}, fmt.Errorf("decode signature: %w", d.err)
	}
	if d.r.Remaining() != 0 {
		return Tx{}, fmt.Errorf("decode transaction: %d trailing bytes", d.r.Remaining())
	}

	hash := sha256.Sum256(body)
	if !ed25519.Verify(ed25519.PublicKey(pk), hash[:], sig) {
		return Tx{}, ErrBadSignature
	}
	tx.Hash = base58.Encode(hash[:])
	return tx, nil
}

func (d *decoder) action() Action {
	switch kind := d.u8(); kind {
	case 0:
		return Action{Kind: "CreateAccount"}
	case 1:
		return Action{Kind: "DeployContract", Code: d.bytes()}
	case 2:
		a := Action{Kind: "FunctionCall", Method: d.str(), Args: d.bytes(), Gas: d.u64()}
		a.Deposit = d.u128()
		return a
	case 3:
		return Action{Kind: "Transfer", Deposit: d.u128()}
	case 5:
		pk := d.publicKey()
		d.u64() // access key nonce
		if perm := d.u8(); perm != 1 && d.err == nil {
			d.err = fmt.Errorf("unsupported access key permission %d", perm)
		}
		return Action{Kind: "AddKey", PublicKey: pk.String()}
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unsupported action %d", kind)
		}
		return Action{}
	}
}

func (d *decoder) u128() *uint256.Int {
	if d.err != nil {
		return new(uint256.Int)
	}
	v, err := d.r.U128()
	d.err = err
	if err != nil {
		return new(uint256.Int)
	}
	return v
}
