package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gateway-fm/nearload/pkg/types"
)

// NodeStatus is the subset of the status response the load generator uses.
type NodeStatus struct {
	ChainID         string `json:"chain_id"`
	ProtocolVersion uint32 `json:"protocol_version"`
	Version         struct {
		Version string `json:"version"`
		Build   string `json:"build"`
	} `json:"version"`
	SyncInfo struct {
		LatestBlockHash   string `json:"latest_block_hash"`
		LatestBlockHeight uint64 `json:"latest_block_height"`
		Syncing           bool   `json:"syncing"`
	} `json:"sync_info"`
}

// Block is a block with its header.
type Block struct {
	Author string        `json:"author"`
	Header BlockHeader   `json:"header"`
	Chunks []ChunkHeader `json:"chunks"`
}

// BlockHeader is the subset of the block header the load generator uses.
type BlockHeader struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`
	Timestamp uint64 `json:"timestamp"`
	GasPrice  string `json:"gas_price"`
}

// ChunkHeader is the per-shard chunk header.
type ChunkHeader struct {
	ChunkHash      string `json:"chunk_hash"`
	ShardID        uint64 `json:"shard_id"`
	HeightCreated  uint64 `json:"height_created"`
	HeightIncluded uint64 `json:"height_included"`
	GasUsed        uint64 `json:"gas_used"`
	GasLimit       uint64 `json:"gas_limit"`
}

// Chunk is a chunk response.
type Chunk struct {
	Author string      `json:"author"`
	Header ChunkHeader `json:"header"`
}

// AccessKey is a view_access_key result.
type AccessKey struct {
	Nonce       uint64 `json:"nonce"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	Error       string `json:"error,omitempty"`
}

// StateItem is one raw contract storage row.
type StateItem struct {
	Key   []byte
	Value []byte
}

// StateRecord is a sandbox_patch_state record of the Data variant.
type StateRecord struct {
	Data DataRecord `json:"Data"`
}

// DataRecord writes Value at DataKey in AccountID's contract storage.
// Both byte fields serialize as standard base64.
type DataRecord struct {
	AccountID types.AccountID `json:"account_id"`
	DataKey   []byte          `json:"data_key"`
	Value     []byte          `json:"value"`
}

// ExecutionOutcome is a parsed final execution outcome.
type ExecutionOutcome struct {
	TxHash       string
	Status       types.OutcomeStatus
	SuccessValue []byte
	Failure      string
	ReceiptIDs   []string
	GasBurnt     uint64
	Logs         []string
}

// Outcome converts the parsed outcome into the public result type.
func (o *ExecutionOutcome) Outcome() types.Outcome {
	return types.Outcome{
		TxHash:       o.TxHash,
		Status:       o.Status,
		SuccessValue: o.SuccessValue,
		Failure:      o.Failure,
		ReceiptIDs:   o.ReceiptIDs,
		GasBurnt:     o.GasBurnt,
	}
}

type rawOutcome struct {
	Status      json.RawMessage `json:"status"`
	Transaction struct {
		Hash     string `json:"hash"`
		SignerID string `json:"signer_id"`
	} `json:"transaction"`
	TransactionOutcome rawOutcomeWithID   `json:"transaction_outcome"`
	ReceiptsOutcome    []rawOutcomeWithID `json:"receipts_outcome"`
}

type rawOutcomeWithID struct {
	ID      string `json:"id"`
	Outcome struct {
		Logs       []string        `json:"logs"`
		ReceiptIDs []string        `json:"receipt_ids"`
		GasBurnt   uint64          `json:"gas_burnt"`
		Status     json.RawMessage `json:"status"`
	} `json:"outcome"`
}

func parseExecutionOutcome(data json.RawMessage) (*ExecutionOutcome, error) {
	var raw rawOutcome
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}

	out := &ExecutionOutcome{
		TxHash:     raw.Transaction.Hash,
		ReceiptIDs: raw.TransactionOutcome.Outcome.ReceiptIDs,
		GasBurnt:   raw.TransactionOutcome.Outcome.GasBurnt,
		Logs:       raw.TransactionOutcome.Outcome.Logs,
	}
	if out.TxHash == "" {
		out.TxHash = raw.TransactionOutcome.ID
	}
	for _, r := range raw.ReceiptsOutcome {
		out.GasBurnt += r.Outcome.GasBurnt
		out.Logs = append(out.Logs, r.Outcome.Logs...)
	}

	if err := out.applyStatus(raw.Status); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *ExecutionOutcome) applyStatus(status json.RawMessage) error {
	// NotStarted and Started are bare strings
	var pending string
	if json.Unmarshal(status, &pending) == nil {
		o.Status = types.OutcomeSubmitted
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(status, &obj); err != nil {
		return fmt.Errorf("failed to unmarshal outcome status: %w", err)
	}

	if v, ok := obj["SuccessValue"]; ok {
		var b64 string
		if err := json.Unmarshal(v, &b64); err != nil {
			return fmt.Errorf("failed to unmarshal success value: %w", err)
		}
		value, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("failed to decode success value: %w", err)
		}
		o.Status = types.OutcomeSuccess
		o.SuccessValue = value
		return nil
	}
	if _, ok := obj["SuccessReceiptId"]; ok {
		o.Status = types.OutcomeSuccess
		return nil
	}
	if v, ok := obj["Failure"]; ok {
		o.Status = types.OutcomeFailure
		o.Failure = DescribeFailure(v)
		return nil
	}
	return fmt.Errorf("unknown outcome status: %s", string(status))
}

// DescribeFailure renders a TxExecutionError as readable text. Contract
// panics surface their message, e.g. "action #0: Smart contract panicked: ...".
// Anything else falls back to compact JSON.
func DescribeFailure(raw json.RawMessage) string {
	var failure struct {
		ActionError *struct {
			Index *int            `json:"index"`
			Kind  json.RawMessage `json:"kind"`
		} `json:"ActionError"`
		InvalidTxError json.RawMessage `json:"InvalidTxError"`
	}
	if json.Unmarshal(raw, &failure) == nil {
		switch {
		case failure.ActionError != nil:
			prefix := "action failed"
			if failure.ActionError.Index != nil {
				prefix = fmt.Sprintf("action #%d", *failure.ActionError.Index)
			}
			return prefix + ": " + describeKind(failure.ActionError.Kind)
		case len(failure.InvalidTxError) > 0:
			return "invalid transaction: " + describeKind(failure.InvalidTxError)
		}
	}
	return compact(raw)
}

// describeKind walks a nested error enum and returns the innermost string
// message, or the compact JSON when there is none.
func describeKind(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil || len(obj) != 1 {
		return compact(raw)
	}
	for name, inner := range obj {
		var msg string
		if json.Unmarshal(inner, &msg) == nil {
			if name == "ExecutionError" {
				return msg
			}
			return name + ": " + msg
		}
		// FunctionCallError only wraps the interesting variant
		if name == "FunctionCallError" {
			return describeKind(inner)
		}
		return name + " " + compact(inner)
	}
	return compact(raw)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}

// SortStateItems orders rows by key so callers get deterministic output.
func SortStateItems(items []StateItem) {
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].Key, items[j].Key) < 0
	})
}
