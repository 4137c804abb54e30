// Package storage provides persistence for run history and state patches.
package storage

import (
	"time"

	"github.com/gateway-fm/nearload/pkg/types"
)

// Run represents a persisted scenario run with summary statistics.
type Run struct {
	ID             string              `json:"id"`
	Kind           types.RunKind       `json:"kind"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	Status         types.RunStatus     `json:"status"`
	ErrorMessage   string              `json:"errorMessage,omitempty"`
	Contract       types.AccountID     `json:"contract,omitempty"`
	Calls          int                 `json:"calls"`
	Succeeded      int                 `json:"succeeded"`
	Failed         int                 `json:"failed"`
	Submitted      int                 `json:"submitted"` // Fire-and-forget, outcome never collected
	SubmitErrors   int                 `json:"submitErrors"`
	ConstructionMs int64               `json:"constructionMs"`
	ExecutionMs    int64               `json:"executionMs"`
	GasBurnt       uint64              `json:"gasBurnt"`
	LatencyStats   *types.LatencyStats `json:"latencyStats,omitempty"`
	// Failed outcomes grouped by normalized description
	FailureReasons []types.FailureReason `json:"failureReasons,omitempty"`
	// Node and configuration captured at run start
	Environment *EnvironmentSnapshot `json:"environment,omitempty"`
	// Outcome resampling after the run
	Verification *VerificationResult `json:"verification,omitempty"`
	// Accounts created or used by the run
	Accounts []AccountInfo `json:"accounts,omitempty"`
	// User-defined metadata
	CustomName *string `json:"customName,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// AccountRole describes the role of an account in a run.
type AccountRole string

const (
	AccountRoleRoot     AccountRole = "root"     // Validator account, parent of dev accounts
	AccountRoleContract AccountRole = "contract" // Token contract account
	AccountRoleOwner    AccountRole = "owner"    // Holds the supply and signs transfers
	AccountRoleReceiver AccountRole = "receiver" // Transfer receiver
)

// AccountInfo represents a single account with its role.
type AccountInfo struct {
	ID   types.AccountID `json:"id"`
	Role AccountRole     `json:"role"`
}

// EnvironmentSnapshot captures the node and load configuration at run start.
type EnvironmentSnapshot struct {
	RPCURL          string           `json:"rpcUrl"`
	ChainID         string           `json:"chainId"`
	NodeVersion     string           `json:"nodeVersion"`
	ProtocolVersion uint32           `json:"protocolVersion"`
	NodeKind        string           `json:"nodeKind"` // "sandbox", "localnet", ...
	StoragePrefix   string           `json:"storagePrefix"`
	Concurrency     int              `json:"concurrency"`
	SubmitMode      types.SubmitMode `json:"submitMode"`
	ChunkGasLimit   uint64           `json:"chunkGasLimit,omitempty"`
}

// VerificationResult contains the post-run outcome check.
type VerificationResult struct {
	// Every planned call produced an outcome
	OutcomeCountMatch bool `json:"outcomeCountMatch"`
	Expected          int  `json:"expected"`
	Total             int  `json:"total"`

	// Outcome resampling through tx status
	Outcomes *OutcomeVerification `json:"outcomes,omitempty"`

	// Summary
	AllChecksPass bool     `json:"allChecksPass"`
	Warnings      []string `json:"warnings,omitempty"`
}

// OutcomeVerification contains the results of re-querying sampled outcomes.
type OutcomeVerification struct {
	SampleSize    int             `json:"sampleSize"`
	Confirmed     int             `json:"confirmed"`  // Node reports the same status
	Mismatched    int             `json:"mismatched"` // Node reports a different status
	Unavailable   int             `json:"unavailable"`
	AvgGasBurnt   uint64          `json:"avgGasBurnt"`
	MinGasBurnt   uint64          `json:"minGasBurnt"`
	MaxGasBurnt   uint64          `json:"maxGasBurnt"`
	Samples       []OutcomeSample `json:"samples,omitempty"`       // First 10 samples for inspection
	MismatchedTxs []OutcomeSample `json:"mismatchedTxs,omitempty"` // All mismatches (up to 100)
}

// OutcomeSample is one re-queried outcome.
type OutcomeSample struct {
	TxHash     string              `json:"txHash"`
	Recorded   types.OutcomeStatus `json:"recorded"`
	Observed   types.OutcomeStatus `json:"observed"`
	GasBurnt   uint64              `json:"gasBurnt"`
	ReceiptIDs int                 `json:"receiptIds"`
}

// RunMetadataUpdate represents an update to run metadata (name/favorite).
type RunMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// PatchRecord is one sandbox_patch_state write.
type PatchRecord struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"runId,omitempty"`
	Contract  types.AccountID `json:"contract"`
	Key       string          `json:"key"`   // 0x-prefixed hex
	Value     string          `json:"value"` // 0x-prefixed hex
	Applied   bool            `json:"applied"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CallLogEntry represents a single call outcome.
type CallLogEntry struct {
	TxHash    string              `json:"txHash"`
	CallType  types.CallType      `json:"callType"`
	Status    types.OutcomeStatus `json:"status"`
	Failure   string              `json:"failure,omitempty"`
	LatencyMs int64               `json:"latencyMs"`
	GasBurnt  uint64              `json:"gasBurnt"`
}

// RunDetail combines a run with its state patches.
type RunDetail struct {
	Run     *Run          `json:"run"`
	Patches []PatchRecord `json:"patches"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// PaginatedCallLogs represents a paginated list of call logs.
type PaginatedCallLogs struct {
	Calls  []CallLogEntry `json:"calls"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}
