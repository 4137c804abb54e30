package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/nearload/internal/account"
	"github.com/gateway-fm/nearload/internal/keys"
	"github.com/gateway-fm/nearload/internal/metrics"
	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/rpc/rpctest"
	"github.com/gateway-fm/nearload/internal/statekey"
	"github.com/gateway-fm/nearload/internal/txbuilder"
	"github.com/gateway-fm/nearload/pkg/types"
)

const (
	testRoot     types.AccountID = "test.near"
	testContract types.AccountID = "ft.test.near"
	testReceiver types.AccountID = "alice.test.near"
)

type fixture struct {
	pipeline *Pipeline
	ledger   *rpctest.Ledger
	root     *account.Account
	metrics  *metrics.MemoryCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	ledger := rpctest.NewLedger()
	ledger.AddAccount(testRoot, kp.PublicKey(), 0)
	ledger.DeployFT(testContract, testRoot, 1_000_000)

	root := account.New(testRoot, kp)
	if err := root.Resync(context.Background(), ledger); err != nil {
		t.Fatalf("resync root: %v", err)
	}
	collector := metrics.NewMemoryCollector(nil)

	p := New(Config{
		Client:       ledger,
		Signers:      account.NewManager(root, nil),
		Metrics:      collector,
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	})
	return &fixture{pipeline: p, ledger: ledger, root: root, metrics: collector}
}

func (f *fixture) register(t *testing.T, id types.AccountID) {
	t.Helper()
	err := f.ledger.SandboxPatchState(context.Background(), []rpc.StateRecord{{Data: rpc.DataRecord{
		AccountID: testContract,
		DataKey:   statekey.DefaultFTAccountsPrefix.Key(id),
		Value:     statekey.ZeroBalance(),
	}}})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func transfer(t *testing.T, to types.AccountID, mode types.SubmitMode) txbuilder.Call {
	t.Helper()
	call, err := txbuilder.NewFTTransferBuilder(0).Build(txbuilder.CallParams{
		Contract: testContract,
		Signer:   testRoot,
		Account:  to,
		Amount:   "42",
		Mode:     mode,
	})
	if err != nil {
		t.Fatalf("build transfer: %v", err)
	}
	return call
}

func TestPipelineExecute(t *testing.T) {
	f := newFixture(t)
	f.register(t, testReceiver)

	out, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, types.ModeSync))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != types.OutcomeSuccess {
		t.Fatalf("Status = %s (%s), want success", out.Status, out.Failure)
	}
	if out.TxHash == "" {
		t.Error("expected tx hash")
	}
	if out.GasBurnt == 0 {
		t.Error("expected gas burnt")
	}

	if got := f.root.PeekNonce(); got != 2 {
		t.Errorf("PeekNonce() = %d, want 2 (nonce committed)", got)
	}
	snap := f.metrics.Snapshot()
	if snap.Submitted != 1 || snap.Succeeded != 1 {
		t.Errorf("snapshot = %+v, want 1 submitted and 1 succeeded", snap)
	}
	if snap.InFlight != 0 || snap.PeakInFlight != 1 {
		t.Errorf("in flight = %d (peak %d), want 0 (peak 1)", snap.InFlight, snap.PeakInFlight)
	}
	if snap.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after outcome", snap.Pending)
	}
}

func TestPipelineContractFailure(t *testing.T) {
	f := newFixture(t)

	out, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, types.ModeSync))
	if err != nil {
		t.Fatalf("Execute() error = %v, contract failures are outcomes", err)
	}
	if out.Status != types.OutcomeFailure {
		t.Fatalf("Status = %s, want failure", out.Status)
	}
	if !strings.Contains(out.Failure, "not registered") {
		t.Errorf("Failure = %q, want registration failure", out.Failure)
	}
	if got := f.root.PeekNonce(); got != 2 {
		t.Errorf("PeekNonce() = %d, want 2 (executed transactions consume the nonce)", got)
	}
	if snap := f.metrics.Snapshot(); snap.Failed != 1 {
		t.Errorf("Failed = %d, want 1", snap.Failed)
	}
}

func TestPipelineNonceRollbackOnSubmitFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, testReceiver)
	wantErr := errors.New("connection reset")
	f.ledger.SubmitHook = func(rpctest.Tx) error { return wantErr }

	out, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, types.ModeSync))
	if !errors.Is(err, wantErr) {
		t.Fatalf("Execute() error = %v, want %v", err, wantErr)
	}
	if out.Status != types.OutcomeSubmitError {
		t.Errorf("Status = %s, want submit-error", out.Status)
	}
	if out.TxHash == "" {
		t.Error("submit errors should carry the tx hash")
	}
	if got := f.root.PeekNonce(); got != 1 {
		t.Errorf("PeekNonce() = %d, want 1 (nonce rolled back)", got)
	}
	if snap := f.metrics.Snapshot(); snap.SubmitErrors != 1 || snap.InFlight != 0 || snap.Pending != 0 {
		t.Errorf("snapshot = %+v, want 1 submit error and nothing in flight or pending", snap)
	}
}

func TestPipelineTracksSubmissionUntilOutcome(t *testing.T) {
	tests := []struct {
		name        string
		mode        types.SubmitMode
		wantPending int
	}{
		{"sync outcome clears the hash", types.ModeSync, 0},
		{"async acceptance stays pending", types.ModeAsync, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.register(t, testReceiver)

			var during metrics.Snapshot
			f.ledger.SubmitHook = func(rpctest.Tx) error {
				during = f.metrics.Snapshot()
				return nil
			}

			if _, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, tt.mode)); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if during.Submitted != 1 || during.Pending != 1 || during.InFlight != 1 {
				t.Errorf("snapshot during broadcast = %+v, want the call submitted and pending", during)
			}
			if got := f.metrics.Snapshot().Pending; got != tt.wantPending {
				t.Errorf("Pending after Execute = %d, want %d", got, tt.wantPending)
			}
		})
	}
}

func TestPipelineInvalidNonceResyncs(t *testing.T) {
	f := newFixture(t)
	f.register(t, testReceiver)
	// Another client has used the key up to nonce 50
	kp := f.root.Key
	f.ledger.AddAccount(testRoot, kp.PublicKey(), 50)

	_, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, types.ModeSync))
	if !rpc.HasCause(err, rpc.CauseInvalidTransaction) {
		t.Fatalf("Execute() error = %v, want INVALID_TRANSACTION", err)
	}
	if got := f.root.PeekNonce(); got != 51 {
		t.Fatalf("PeekNonce() = %d, want 51 after resync", got)
	}

	out, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, types.ModeSync))
	if err != nil || !out.Succeeded() {
		t.Fatalf("retry after resync: %v %+v", err, out)
	}
}

func TestPipelineSubmitModes(t *testing.T) {
	tests := []struct {
		name       string
		mode       types.SubmitMode
		polls      int
		wantStatus types.OutcomeStatus
	}{
		{"sync", types.ModeSync, 0, types.OutcomeSuccess},
		{"async returns on acceptance", types.ModeAsync, 0, types.OutcomeSubmitted},
		{"async await polls until known", types.ModeAsyncAwait, 3, types.OutcomeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.register(t, testReceiver)
			f.ledger.UnknownPolls = tt.polls

			out, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, tt.mode))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", out.Status, tt.wantStatus)
			}
			if out.TxHash == "" {
				t.Error("expected tx hash")
			}
		})
	}
}

func TestPipelineAwaitTimeout(t *testing.T) {
	f := newFixture(t)
	f.register(t, testReceiver)
	f.ledger.UnknownPolls = 1 << 30
	f.pipeline.pollTimeout = 20 * time.Millisecond

	out, err := f.pipeline.Execute(context.Background(), transfer(t, testReceiver, types.ModeAsyncAwait))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want deadline exceeded", err)
	}
	if out.Status != types.OutcomeSubmitError {
		t.Errorf("Status = %s, want submit-error", out.Status)
	}
}

func TestPipelineRejectsBeforeSubmitting(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*txbuilder.Call)
		wantErr error
	}{
		{"unknown signer", func(c *txbuilder.Call) { c.Signer = "mallory.test.near" }, ErrUnknownSigner},
		{"invalid contract", func(c *txbuilder.Call) { c.Contract = "Not Valid" }, txbuilder.ErrInvalidAccountID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			call := transfer(t, testReceiver, types.ModeSync)
			tt.mutate(&call)

			out, err := f.pipeline.Execute(context.Background(), call)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute() error = %v, want %v", err, tt.wantErr)
			}
			if out.Status != types.OutcomeSubmitError {
				t.Errorf("Status = %s, want submit-error", out.Status)
			}
			if n := f.ledger.Broadcasts.Load(); n != 0 {
				t.Errorf("broadcasts = %d, want 0", n)
			}
		})
	}
}

func TestPipelineConcurrentExecute(t *testing.T) {
	f := newFixture(t)
	f.register(t, testReceiver)

	const n = 200
	var wg sync.WaitGroup
	outcomes := make([]types.Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.pipeline.Execute(context.Background(), transfer(t, testReceiver, types.ModeSync))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := range outcomes {
		if errs[i] != nil || !outcomes[i].Succeeded() {
			t.Fatalf("call %d: %v %+v", i, errs[i], outcomes[i])
		}
		if seen[outcomes[i].TxHash] {
			t.Fatalf("duplicate tx hash %s", outcomes[i].TxHash)
		}
		seen[outcomes[i].TxHash] = true
	}
	if got := f.root.PeekNonce(); got != n+1 {
		t.Errorf("PeekNonce() = %d, want %d", got, n+1)
	}
	if calls := f.ledger.BlockCalls.Load(); calls != 1 {
		t.Errorf("block fetches = %d, want 1 (hash cached)", calls)
	}
}

func TestRecentBlockHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h1, err := f.pipeline.RecentBlockHash(ctx)
	if err != nil {
		t.Fatalf("RecentBlockHash: %v", err)
	}
	if _, err := txbuilder.ParseBlockHash(h1); err != nil {
		t.Fatalf("hash %q does not decode: %v", h1, err)
	}
	h2, _ := f.pipeline.RecentBlockHash(ctx)
	if h1 != h2 {
		t.Errorf("cached hash changed: %s != %s", h1, h2)
	}
	if calls := f.ledger.BlockCalls.Load(); calls != 1 {
		t.Errorf("block fetches = %d, want 1", calls)
	}
}

func TestExecuteActionsCreatesAccount(t *testing.T) {
	f := newFixture(t)
	kp, _ := keys.Generate()
	const child types.AccountID = "dev-1.test.near"

	out, err := f.pipeline.ExecuteActions(context.Background(), f.root, child, "create-account", types.ModeSync,
		txbuilder.CreateAccount{},
		txbuilder.AddKey{PublicKey: kp.PublicKey()},
	)
	if err != nil || !out.Succeeded() {
		t.Fatalf("ExecuteActions: %v %+v", err, out)
	}
	if _, ok := f.ledger.AccessKeyNonce(child, kp.PublicKey().String()); !ok {
		t.Error("expected key on created account")
	}
}
