package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/pkg/types"
)

// maxAccountIDLen is the NEAR account id length limit.
const maxAccountIDLen = 64

// resyncConcurrency bounds parallel view_access_key queries.
const resyncConcurrency = 16

// Manager tracks the privileged root account and the dev accounts created under it.
type Manager struct {
	root *Account

	mu       sync.RWMutex
	accounts map[types.AccountID]*Account
	order    []types.AccountID

	logger *slog.Logger
}

// NewManager creates a manager rooted at the given privileged account.
func NewManager(root *Account, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:     root,
		accounts: make(map[types.AccountID]*Account),
		logger:   logger,
	}
}

// Root returns the privileged account.
func (m *Manager) Root() *Account {
	return m.root
}

// NewDevAccountID returns a fresh sub-account id of the root, e.g.
// "dev-3f2a...c1.test.near".
func (m *Manager) NewDevAccountID() (types.AccountID, error) {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	id := types.AccountID("dev-" + suffix[:20] + "." + string(m.root.ID))
	if len(id) > maxAccountIDLen {
		return "", fmt.Errorf("dev account id %s exceeds %d characters", id, maxAccountIDLen)
	}
	return id, nil
}

// NewDevAccount generates a key and returns an untracked account for a fresh dev id.
// The account only exists on chain once it has been created and added.
func (m *Manager) NewDevAccount() (*Account, error) {
	id, err := m.NewDevAccountID()
	if err != nil {
		return nil, err
	}
	kp, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	return New(id, kp), nil
}

// Add starts tracking an account created on chain.
func (m *Manager) Add(acc *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.ID]; !ok {
		m.order = append(m.order, acc.ID)
	}
	m.accounts[acc.ID] = acc
}

// Get returns a tracked account. The root account is always found.
func (m *Manager) Get(id types.AccountID) (*Account, bool) {
	if id == m.root.ID {
		return m.root, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	return acc, ok
}

// Accounts returns the tracked dev accounts in creation order.
func (m *Manager) Accounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.accounts[id])
	}
	return out
}

// ResyncAll refreshes the nonces of the root and every tracked account in parallel.
func (m *Manager) ResyncAll(ctx context.Context, client rpc.Client) error {
	all := append([]*Account{m.root}, m.Accounts()...)
	m.logger.Info("Initializing account nonces", slog.Int("count", len(all)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(resyncConcurrency)
	for _, acc := range all {
		g.Go(func() error {
			if err := acc.Resync(ctx, client); err != nil {
				return err
			}
			m.logger.Debug("Account nonce initialized",
				slog.String("account", string(acc.ID)),
				slog.Uint64("nonce", acc.PeekNonce()),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.logger.Info("Account nonces initialized", slog.Int("count", len(all)))
	return nil
}
