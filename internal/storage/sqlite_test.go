package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/nearload/pkg/types"
)

func TestNullString(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
	}{
		{name: "empty string returns invalid", input: "", wantValid: false},
		{name: "non-empty string returns valid", input: "hello", wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullString(tt.input)
			if got.Valid != tt.wantValid {
				t.Errorf("nullString(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if got.Valid && got.String != tt.input {
				t.Errorf("nullString(%q).String = %q", tt.input, got.String)
			}
		})
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"runs", true},
		{"gas_burnt", true},
		{"", false},
		{"runs; DROP TABLE runs", false},
		{"it's", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.input); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "storage_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "nested", "test.db")
	storage, err := NewSQLiteStorage(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		storage.Close()
		os.RemoveAll(tmpDir)
	}

	return storage, cleanup
}

func newRun(id string, startedAt time.Time) *Run {
	return &Run{
		ID:        id,
		Kind:      types.RunKindLoad,
		StartedAt: startedAt,
		Contract:  "ft.test.near",
		Calls:     2000,
		Environment: &EnvironmentSnapshot{
			RPCURL:        "http://localhost:3030",
			ChainID:       "sandbox",
			NodeKind:      "sandbox",
			StoragePrefix: "0x0021000000",
			SubmitMode:    types.ModeSync,
		},
		Accounts: []AccountInfo{
			{ID: "test.near", Role: AccountRoleRoot},
			{ID: "ft.test.near", Role: AccountRoleContract},
		},
	}
}

func TestNewSQLiteStorage(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	if storage.db == nil {
		t.Fatal("expected db to be non-nil")
	}
	// Reopening runs migrations against an existing schema
	if err := storage.migrate(); err != nil {
		t.Errorf("second migrate() error = %v", err)
	}
}

func TestColumnExists(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	if !storage.columnExists("runs", "accounts") {
		t.Error("expected runs.accounts to exist")
	}
	if storage.columnExists("runs", "no_such_column") {
		t.Error("expected runs.no_such_column to be missing")
	}
	if storage.columnExists("runs", "id' OR '1'='1") {
		t.Error("invalid identifiers must not be queried")
	}
}

func TestCreateAndGetRun(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	run := newRun("run-1", time.Now().UTC().Truncate(time.Second))
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := storage.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected run")
	}
	if got.Kind != types.RunKindLoad || got.Status != types.StatusRunning {
		t.Errorf("kind/status = %s/%s, want load/running", got.Kind, got.Status)
	}
	if got.Contract != "ft.test.near" || got.Calls != 2000 {
		t.Errorf("contract/calls = %s/%d", got.Contract, got.Calls)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, run.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be nil for a running run")
	}
	if got.Environment == nil || got.Environment.StoragePrefix != "0x0021000000" {
		t.Errorf("Environment = %+v", got.Environment)
	}
	if len(got.Accounts) != 2 || got.Accounts[1].Role != AccountRoleContract {
		t.Errorf("Accounts = %+v", got.Accounts)
	}
	if got.LatencyStats != nil || got.Verification != nil {
		t.Error("unset JSON columns should decode to nil")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	got, err := storage.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("GetRun() = %+v, want nil", got)
	}
}

func TestUpdateRun(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	run := newRun("run-1", time.Now())
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Succeeded = 10
	run.Failed = 2
	run.SubmitErrors = 1
	run.LatencyStats = &types.LatencyStats{Count: 12, Avg: 3.5}
	if err := storage.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ := storage.GetRun(ctx, "run-1")
	if got.Succeeded != 10 || got.Failed != 2 || got.SubmitErrors != 1 {
		t.Errorf("counters = %d/%d/%d, want 10/2/1", got.Succeeded, got.Failed, got.SubmitErrors)
	}
	if got.LatencyStats == nil || got.LatencyStats.Avg != 3.5 {
		t.Errorf("LatencyStats = %+v", got.LatencyStats)
	}
}

func TestCompleteRun(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	run := newRun("run-1", time.Now())
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Status = types.StatusCompleted
	run.Succeeded = 1999
	run.Failed = 1
	run.ConstructionMs = 12
	run.ExecutionMs = 3400
	run.GasBurnt = 1 << 40
	run.FailureReasons = []types.FailureReason{{Reason: "The account <account> is not registered", Count: 1}}
	run.Verification = &VerificationResult{OutcomeCountMatch: true, Expected: 2000, Total: 2000, AllChecksPass: true}
	if err := storage.CompleteRun(ctx, run); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, _ := storage.GetRun(ctx, "run-1")
	if got.Status != types.StatusCompleted || got.CompletedAt == nil {
		t.Errorf("status = %s, completedAt = %v", got.Status, got.CompletedAt)
	}
	if got.ConstructionMs != 12 || got.ExecutionMs != 3400 || got.GasBurnt != 1<<40 {
		t.Errorf("timing/gas = %d/%d/%d", got.ConstructionMs, got.ExecutionMs, got.GasBurnt)
	}
	if len(got.FailureReasons) != 1 || got.FailureReasons[0].Count != 1 {
		t.Errorf("FailureReasons = %+v", got.FailureReasons)
	}
	if got.Verification == nil || !got.Verification.AllChecksPass {
		t.Errorf("Verification = %+v", got.Verification)
	}
}

func TestCompleteRun_NotFound(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	err := storage.CompleteRun(context.Background(), &Run{ID: "missing", Status: types.StatusCompleted})
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("CompleteRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		if err := storage.CreateRun(ctx, newRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("CreateRun(%s): %v", id, err)
		}
	}

	page, err := storage.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Fatalf("total=%d len=%d, want 3/2", page.Total, len(page.Runs))
	}
	if page.Runs[0].ID != "c" || page.Runs[1].ID != "b" {
		t.Errorf("order = %s,%s, want newest first", page.Runs[0].ID, page.Runs[1].ID)
	}

	page, _ = storage.ListRuns(ctx, 2, 2)
	if len(page.Runs) != 1 || page.Runs[0].ID != "a" {
		t.Errorf("second page = %+v", page.Runs)
	}
}

func TestFavoritesSortFirst(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	storage.CreateRun(ctx, newRun("old", base))
	storage.CreateRun(ctx, newRun("new", base.Add(time.Minute)))

	fav := true
	if err := storage.UpdateRunMetadata(ctx, "old", &RunMetadataUpdate{IsFavorite: &fav}); err != nil {
		t.Fatalf("UpdateRunMetadata: %v", err)
	}

	page, _ := storage.ListRuns(ctx, 10, 0)
	if page.Runs[0].ID != "old" || !page.Runs[0].IsFavorite {
		t.Errorf("first run = %s (favorite %v), want old favorite", page.Runs[0].ID, page.Runs[0].IsFavorite)
	}
}

func TestUpdateRunMetadata(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	storage.CreateRun(ctx, newRun("run-1", time.Now()))

	name := "baseline"
	if err := storage.UpdateRunMetadata(ctx, "run-1", &RunMetadataUpdate{CustomName: &name}); err != nil {
		t.Fatalf("UpdateRunMetadata: %v", err)
	}
	got, _ := storage.GetRun(ctx, "run-1")
	if got.CustomName == nil || *got.CustomName != "baseline" {
		t.Errorf("CustomName = %v, want baseline", got.CustomName)
	}

	// No fields is a no-op, even for a missing run
	if err := storage.UpdateRunMetadata(ctx, "missing", &RunMetadataUpdate{}); err != nil {
		t.Errorf("empty update error = %v", err)
	}
	if err := storage.UpdateRunMetadata(ctx, "missing", &RunMetadataUpdate{CustomName: &name}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("missing run error = %v, want ErrRunNotFound", err)
	}
}

func TestRecordAndListPatches(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	storage.CreateRun(ctx, newRun("run-1", time.Now()))

	applied := &PatchRecord{RunID: "run-1", Contract: "ft.test.near", Key: "0x0021000000616c696365", Value: "0x00", Applied: true}
	rejected := &PatchRecord{RunID: "run-1", Contract: "ft.test.near", Key: "0x00", Value: "0x00", Error: "patch rejected"}
	standalone := &PatchRecord{Contract: "ft.test.near", Key: "0x01", Value: "0x00", Applied: true}
	for _, p := range []*PatchRecord{applied, rejected, standalone} {
		if err := storage.RecordPatch(ctx, p); err != nil {
			t.Fatalf("RecordPatch: %v", err)
		}
		if p.ID == 0 {
			t.Error("expected id to be set")
		}
	}

	patches, err := storage.ListPatches(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListPatches: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("got %d patches, want 2", len(patches))
	}
	if !patches[0].Applied || patches[1].Applied || patches[1].Error != "patch rejected" {
		t.Errorf("patches = %+v", patches)
	}

	loose, _ := storage.ListPatches(ctx, "")
	if len(loose) != 1 || loose[0].Key != "0x01" {
		t.Errorf("patches without run = %+v", loose)
	}
}

func TestBulkInsertAndGetCallLogs(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	storage.CreateRun(ctx, newRun("run-1", time.Now()))

	logs := []CallLogEntry{
		{TxHash: "hash-1", CallType: types.CallTypeFTTransfer, Status: types.OutcomeSuccess, LatencyMs: 5, GasBurnt: 100},
		{TxHash: "hash-2", CallType: types.CallTypeFTTransfer, Status: types.OutcomeFailure, Failure: "Smart contract panicked: The account bob is not registered"},
		{CallType: types.CallTypeFTTransfer, Status: types.OutcomeSubmitError, Failure: "connection refused"},
	}
	if err := storage.BulkInsertCallLogs(ctx, "run-1", logs); err != nil {
		t.Fatalf("BulkInsertCallLogs: %v", err)
	}

	page, err := storage.GetCallLogs(ctx, "run-1", 2, 0)
	if err != nil {
		t.Fatalf("GetCallLogs: %v", err)
	}
	if page.Total != 3 || len(page.Calls) != 2 {
		t.Fatalf("total=%d len=%d, want 3/2", page.Total, len(page.Calls))
	}
	if page.Calls[1].Failure != logs[1].Failure {
		t.Errorf("Failure = %q", page.Calls[1].Failure)
	}

	got, err := storage.GetCallLogByHash(ctx, "hash-1")
	if err != nil || got == nil {
		t.Fatalf("GetCallLogByHash: %v %v", got, err)
	}
	if got.GasBurnt != 100 || got.Status != types.OutcomeSuccess {
		t.Errorf("call log = %+v", got)
	}

	missing, err := storage.GetCallLogByHash(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetCallLogByHash(nope) = %v, %v, want nil, nil", missing, err)
	}
}

func TestBulkInsertCallLogs_Empty(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	if err := storage.BulkInsertCallLogs(context.Background(), "run-1", nil); err != nil {
		t.Errorf("BulkInsertCallLogs(nil) error = %v", err)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	storage.CreateRun(ctx, newRun("run-1", time.Now()))
	storage.BulkInsertCallLogs(ctx, "run-1", []CallLogEntry{{TxHash: "h", CallType: types.CallTypeFTTransfer, Status: types.OutcomeSuccess}})
	storage.RecordPatch(ctx, &PatchRecord{RunID: "run-1", Contract: "ft.test.near", Key: "0x00", Value: "0x00", Applied: true})

	if err := storage.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	if got, _ := storage.GetRun(ctx, "run-1"); got != nil {
		t.Error("run should be deleted")
	}
	if page, _ := storage.GetCallLogs(ctx, "run-1", 10, 0); page.Total != 0 {
		t.Errorf("call logs remaining = %d", page.Total)
	}
	if patches, _ := storage.ListPatches(ctx, "run-1"); len(patches) != 0 {
		t.Errorf("patches remaining = %d", len(patches))
	}
}
