// Package types contains public API types for the load generator.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// AccountID is a NEAR account identifier, e.g. "dev-1700000000-abc.test.near".
type AccountID string

// String returns the account id as a plain string.
func (a AccountID) String() string {
	return string(a)
}

// CallType identifies a kind of contract call the builder registry can produce.
type CallType string

const (
	CallTypeFTTransfer     CallType = "ft-transfer"
	CallTypeStorageDeposit CallType = "storage-deposit"
	CallTypeFTInit         CallType = "ft-init"

	// Provisioning transactions, built from raw actions
	CallTypeCreateAccount CallType = "create-account"
	CallTypeDeploy        CallType = "deploy"
)

// SubmitMode controls how a call is broadcast and whether its outcome is collected.
type SubmitMode string

const (
	// ModeSync broadcasts with broadcast_tx_commit and waits for the final outcome.
	ModeSync SubmitMode = "sync"
	// ModeAsync broadcasts with broadcast_tx_async; the outcome is never collected.
	ModeAsync SubmitMode = "async"
	// ModeAsyncAwait broadcasts with broadcast_tx_async, then polls tx status until final.
	ModeAsyncAwait SubmitMode = "async-await"
)

// OutcomeStatus classifies an execution outcome.
type OutcomeStatus string

const (
	OutcomeSuccess     OutcomeStatus = "success"
	OutcomeFailure     OutcomeStatus = "failure"      // Executed and rejected by the contract or runtime
	OutcomeSubmitted   OutcomeStatus = "submitted"    // Accepted by the node, outcome not collected
	OutcomeSubmitError OutcomeStatus = "submit-error" // Never executed (transport or tx validity error)
)

// Outcome is the terminal result of one submitted call.
type Outcome struct {
	TxHash       string        `json:"txHash,omitempty"`
	Status       OutcomeStatus `json:"status"`
	SuccessValue []byte        `json:"successValue,omitempty"`
	Failure      string        `json:"failure,omitempty"`    // Human-readable failure description
	ReceiptIDs   []string      `json:"receiptIds,omitempty"` // Receipts produced by the transaction
	GasBurnt     uint64        `json:"gasBurnt,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// Succeeded returns true if the call executed successfully.
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

// BatchTiming holds the two independently measured intervals of a batch.
type BatchTiming struct {
	Construction time.Duration `json:"construction"` // Building all call descriptors
	Execution    time.Duration `json:"execution"`    // First submission to last outcome
}

// BatchResult is the result of a concurrently submitted batch.
// Outcomes are in completion order, not input order.
type BatchResult struct {
	Outcomes []Outcome   `json:"outcomes"`
	Timing   BatchTiming `json:"timing"`
}

// RunKind identifies the scenario a run executed.
type RunKind string

const (
	RunKindLoad                RunKind = "load"
	RunKindPassiveRegistration RunKind = "passive-registration"
	RunKindGasLimit            RunKind = "gas-limit"
)

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle         RunStatus = "idle"
	StatusProvisioning RunStatus = "provisioning" // Accounts and contract are being set up
	StatusRunning      RunStatus = "running"
	StatusVerifying    RunStatus = "verifying" // Outcomes are being resampled
	StatusCompleted    RunStatus = "completed"
	StatusError        RunStatus = "error"
)

// IsActive reports whether a run is in progress.
func (s RunStatus) IsActive() bool {
	return s == StatusProvisioning || s == StatusRunning || s == StatusVerifying
}

// StartRunRequest is the request to start a scenario run.
// Zero fields fall back to the configured defaults.
type StartRunRequest struct {
	Kind  RunKind `json:"kind"`
	Calls int     `json:"calls,omitempty"`
	// Concurrency bounds in-flight calls; nil keeps the configured value
	// and 0 launches every call at once.
	Concurrency *int       `json:"concurrency,omitempty"`
	Mode        SubmitMode `json:"mode,omitempty"`
	Amount      string     `json:"amount,omitempty"`
	RateLimit   int        `json:"rateLimit,omitempty"` // Launches per second, 0 unpaced
}

// LatencyStats contains latency statistics in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// RunMetrics is the live view of the current (or last) run.
type RunMetrics struct {
	RunID           string        `json:"runId,omitempty"`
	Kind            RunKind       `json:"kind,omitempty"`
	Status          RunStatus     `json:"status"`
	Contract        AccountID     `json:"contract,omitempty"`
	CallsPlanned    int           `json:"callsPlanned"`
	CallsSubmitted  uint64        `json:"callsSubmitted"`
	CallsSucceeded  uint64        `json:"callsSucceeded"`
	CallsFailed     uint64        `json:"callsFailed"`
	SubmitErrors    uint64        `json:"submitErrors"`
	CallsUnresolved uint64        `json:"callsUnresolved"` // Accepted without a collected outcome
	PendingOutcomes int           `json:"pendingOutcomes"`
	InFlight        int64         `json:"inFlight"`
	PeakInFlight    int64         `json:"peakInFlight"`
	ConstructionMs  int64         `json:"constructionMs"`
	ExecutionMs     int64         `json:"executionMs"`
	ElapsedMs       int64         `json:"elapsedMs"`
	Latency         *LatencyStats `json:"latency,omitempty"`
	Error           string        `json:"error,omitempty"`
	StatePatchCount uint64        `json:"statePatchCount"`

	VerificationProgress string `json:"verificationProgress,omitempty"`
}

// FailureReason groups failed outcomes with the same normalized description.
type FailureReason struct {
	Reason  string `json:"reason"`
	Count   int    `json:"count"`
	Example string `json:"example"` // One full, unnormalized failure description
}
