// Package account manages signing accounts and their access key nonces.
package account

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/pkg/types"
)

// Account is a NEAR account with one full-access key.
// Nonces are tracked locally so concurrent submissions never reuse one.
type Account struct {
	ID  types.AccountID
	Key *keys.KeyPair

	// next is the nonce the next transaction will carry.
	next uint64
	mu   sync.Mutex
}

// New creates an account. Call Resync before signing.
func New(id types.AccountID, key *keys.KeyPair) *Account {
	return &Account{ID: id, Key: key}
}

// FromValidatorKey creates the privileged account described by a validator key file.
func FromValidatorKey(vk *keys.ValidatorKey) *Account {
	return New(vk.AccountID, vk.Key)
}

// PublicKey returns the account's public key in "ed25519:<base58>" form.
func (a *Account) PublicKey() string {
	return a.Key.PublicKey().String()
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Idempotent.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce if it was not committed. Idempotent.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce reserves the next nonce.
// The returned Nonce MUST be either committed or rolled back.
//
//	n := acc.ReserveNonce()
//	defer n.Rollback()
//	if err := submit(n.Value()); err != nil {
//	    return err
//	}
//	n.Commit()
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	nonce := a.next
	a.next++
	a.mu.Unlock()

	return &Nonce{
		value:   nonce,
		account: a,
	}
}

// rollback returns nonce only if it was the last one issued.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == nonce+1 {
		a.next = nonce
	}
}

// Resync reads the access key nonce from the node and moves the local
// counter past it. The counter never moves backwards, so nonces reserved
// while the query was in flight stay valid.
func (a *Account) Resync(ctx context.Context, client rpc.Client) error {
	key, err := client.ViewAccessKey(ctx, a.ID, a.PublicKey())
	if err != nil {
		return fmt.Errorf("view access key of %s: %w", a.ID, err)
	}
	a.mu.Lock()
	if key.Nonce+1 > a.next {
		a.next = key.Nonce + 1
	}
	a.mu.Unlock()
	return nil
}

// PeekNonce returns the next nonce without reserving it.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
