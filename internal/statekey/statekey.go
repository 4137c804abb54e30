// Package statekey builds the raw storage row keys and values a NEAR
// contract's LookupMap collection uses for per-account entries.
//
// A row key is the collection prefix followed by the UTF-8 bytes of the
// account id, with no length prefix and no separator. The prefix is a
// property of the deployed contract and cannot be discovered from the node:
// a wrong prefix produces a well-formed key the contract never reads.
package statekey

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/nearload/pkg/types"
)

// Prefix is a LookupMap collection prefix.
type Prefix []byte

// DefaultFTAccountsPrefix is the accounts map prefix of the reference
// fungible-token contract (FungibleToken::new with StorageKey::FungibleToken).
var DefaultFTAccountsPrefix = Prefix{0x00, 0x21, 0x00, 0x00, 0x00}

// ParsePrefix parses a 0x-prefixed hex string.
func ParsePrefix(s string) (Prefix, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid storage prefix %q: %w", s, err)
	}
	return Prefix(b), nil
}

// String renders the prefix as 0x-prefixed hex.
func (p Prefix) String() string {
	return hexutil.Encode(p)
}

// Key returns the row key for id under this prefix.
func (p Prefix) Key(id types.AccountID) []byte {
	return Encode(p, id)
}

// Encode returns prefix ++ id. The result never aliases prefix.
func Encode(prefix []byte, id types.AccountID) []byte {
	key := make([]byte, 0, len(prefix)+len(id))
	key = append(key, prefix...)
	return append(key, id...)
}

// ZeroBalance is the row value of a registered account with no tokens.
func ZeroBalance() []byte {
	return make([]byte, 16)
}

// FormatKey renders a row key as hex for logs and persistence.
func FormatKey(key []byte) string {
	return hexutil.Encode(key)
}
