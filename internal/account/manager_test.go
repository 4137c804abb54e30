package account

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}
	return NewManager(New("test.near", kp), slog.Default())
}

func TestNewDevAccountID(t *testing.T) {
	mgr := newTestManager(t)

	a, err := mgr.NewDevAccountID()
	if err != nil {
		t.Fatalf("NewDevAccountID: %v", err)
	}
	b, _ := mgr.NewDevAccountID()
	if a == b {
		t.Errorf("dev ids collide: %s", a)
	}
	if !strings.HasPrefix(string(a), "dev-") || !strings.HasSuffix(string(a), ".test.near") {
		t.Errorf("dev id %s not a dev sub-account of test.near", a)
	}
}

func TestNewDevAccountIDTooLong(t *testing.T) {
	kp, _ := keys.Generate()
	root := New(types.AccountID(strings.Repeat("a", 50)+".near"), kp)
	mgr := NewManager(root, nil)

	if _, err := mgr.NewDevAccountID(); err == nil {
		t.Error("expected error for over-long dev account id")
	}
}

func TestManagerAddGet(t *testing.T) {
	mgr := newTestManager(t)

	acc, err := mgr.NewDevAccount()
	if err != nil {
		t.Fatalf("NewDevAccount: %v", err)
	}
	if _, ok := mgr.Get(acc.ID); ok {
		t.Error("untracked account should not be found")
	}

	mgr.Add(acc)
	mgr.Add(acc)
	if got, ok := mgr.Get(acc.ID); !ok || got != acc {
		t.Error("tracked account not found")
	}
	if got, ok := mgr.Get("test.near"); !ok || got != mgr.Root() {
		t.Error("root account not found")
	}
	if n := len(mgr.Accounts()); n != 1 {
		t.Errorf("Accounts() has %d entries, want 1", n)
	}
}

// nonceByAccountClient returns a per-account access key nonce.
type nonceByAccountClient struct {
	rpc.Client
	mu     sync.Mutex
	nonces map[types.AccountID]uint64
	calls  int
}

func (c *nonceByAccountClient) ViewAccessKey(_ context.Context, id types.AccountID, _ string) (*rpc.AccessKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &rpc.AccessKey{Nonce: c.nonces[id]}, nil
}

func TestResyncAll(t *testing.T) {
	mgr := newTestManager(t)
	client := &nonceByAccountClient{nonces: map[types.AccountID]uint64{"test.near": 10}}

	for i := 0; i < 5; i++ {
		acc, err := mgr.NewDevAccount()
		if err != nil {
			t.Fatalf("NewDevAccount: %v", err)
		}
		client.nonces[acc.ID] = uint64(100 * (i + 1))
		mgr.Add(acc)
	}

	if err := mgr.ResyncAll(context.Background(), client); err != nil {
		t.Fatalf("ResyncAll: %v", err)
	}
	if client.calls != 6 {
		t.Errorf("ViewAccessKey called %d times, want 6", client.calls)
	}
	if got := mgr.Root().PeekNonce(); got != 11 {
		t.Errorf("root nonce = %d, want 11", got)
	}
	for i, acc := range mgr.Accounts() {
		if want := uint64(100*(i+1)) + 1; acc.PeekNonce() != want {
			t.Errorf("%s nonce = %d, want %d", acc.ID, acc.PeekNonce(), want)
		}
	}
}
