// Package rpc provides a NEAR JSON-RPC client with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/nearload/pkg/types"
)

// Finality values accepted by block and query methods.
const (
	FinalityFinal      = "final"
	FinalityOptimistic = "optimistic"
)

// Client is the interface for NEAR JSON-RPC communication.
// Implementations must be safe for concurrent use.
type Client interface {
	// Call makes a raw JSON-RPC call.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Status returns the node status (chain id, latest height, protocol version).
	Status(ctx context.Context) (*NodeStatus, error)

	// Block returns the block header at the given finality.
	Block(ctx context.Context, finality string) (*Block, error)

	// Chunk returns the chunk of shardID included in the given block.
	Chunk(ctx context.Context, blockHash string, shardID uint64) (*Chunk, error)

	// ViewAccessKey returns the access key nonce and the block it was read at.
	ViewAccessKey(ctx context.Context, account types.AccountID, publicKey string) (*AccessKey, error)

	// ViewState returns the raw contract storage rows whose keys start with prefix.
	ViewState(ctx context.Context, account types.AccountID, prefix []byte) ([]StateItem, error)

	// CallFunction runs a view method and returns its raw result bytes.
	CallFunction(ctx context.Context, account types.AccountID, method string, args []byte) ([]byte, error)

	// BroadcastTxCommit submits a signed transaction and waits for its final outcome.
	BroadcastTxCommit(ctx context.Context, signedTx []byte) (*ExecutionOutcome, error)

	// BroadcastTxAsync submits a signed transaction and returns its hash immediately.
	BroadcastTxAsync(ctx context.Context, signedTx []byte) (string, error)

	// TxStatus returns the outcome of a previously submitted transaction.
	TxStatus(ctx context.Context, txHash string, sender types.AccountID) (*ExecutionOutcome, error)

	// SandboxPatchState writes raw state records, bypassing contract execution.
	// Only sandbox nodes expose this method.
	SandboxPatchState(ctx context.Context, records []StateRecord) error
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// JSONRPCError represents a JSON-RPC error as returned by nearcore.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Name    string          `json:"name,omitempty"`
	Cause   *errorCause     `json:"cause,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type errorCause struct {
	Name string          `json:"name"`
	Info json.RawMessage `json:"info,omitempty"`
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	Observer       LatencyObserver
}

// LatencyObserver receives per-method call latency.
type LatencyObserver interface {
	RecordRPCLatency(method string, success bool, latencySeconds float64)
}

// DefaultClientConfig returns default configuration.
// broadcast_tx_commit blocks until the transaction is final, so the timeout
// must comfortably exceed a few block times.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	observer   LatencyObserver
	nextID     atomic.Uint64
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        4000,
		MaxIdleConnsPerHost: 2000,
		MaxConnsPerHost:     2000,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		ForceAttemptHTTP2:   false,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
		observer:   cfg.Observer,
	}
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	result, err := c.callWithRetry(ctx, method, body)
	if c.observer != nil {
		c.observer.RecordRPCLatency(method, err == nil, time.Since(start).Seconds())
	}
	return result, err
}

func (c *HTTPClient) callWithRetry(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// 429, 502, 503, 504: honour Retry-After when present
		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level errors are final
		if isRPCError(err) {
			return nil, err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		// nearcore reports some handler errors with non-200 codes but a JSON-RPC body
		var rpcResp JSONRPCResponse
		if json.Unmarshal(errBody, &rpcResp) == nil && rpcResp.Error != nil && !retryableStatus(resp.StatusCode) {
			return nil, newRPCError(rpcResp.Error)
		}

		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, newRPCError(rpcResp.Error)
	}

	return rpcResp.Result, nil
}

// RPCError is an application-level error reported by the node.
type RPCError struct {
	Code    int
	Message string
	Name    string // e.g. HANDLER_ERROR, REQUEST_VALIDATION_ERROR
	Cause   string // e.g. UNKNOWN_TRANSACTION, INVALID_TRANSACTION
	Data    string
}

func newRPCError(e *JSONRPCError) *RPCError {
	rpcErr := &RPCError{
		Code:    e.Code,
		Message: e.Message,
		Name:    e.Name,
	}
	if e.Cause != nil {
		rpcErr.Cause = e.Cause.Name
	}
	if len(e.Data) > 0 {
		var s string
		if json.Unmarshal(e.Data, &s) == nil {
			rpcErr.Data = s
		} else {
			rpcErr.Data = string(e.Data)
		}
	}
	return rpcErr
}

func (e *RPCError) Error() string {
	msg := fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
	if e.Cause != "" {
		msg += " (" + e.Cause + ")"
	}
	if e.Data != "" {
		msg += ": " + e.Data
	}
	return msg
}

// Error codes and cause names used by nearcore.
const (
	CodeMethodNotFound      = -32601
	CauseUnknownTransaction = "UNKNOWN_TRANSACTION"
	CauseMethodNotFound     = "METHOD_NOT_FOUND"
	CauseInvalidTransaction = "INVALID_TRANSACTION"
	CauseTimeout            = "TIMEOUT_ERROR"
)

// IsMethodNotFound reports whether err says the node does not expose the method.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == CodeMethodNotFound || rpcErr.Cause == CauseMethodNotFound || rpcErr.Name == CauseMethodNotFound
}

// HasCause reports whether err is an RPCError with the given cause name.
func HasCause(err error, cause string) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Cause == cause || rpcErr.Name == cause
}

func isRPCError(err error) bool {
	_, ok := err.(*RPCError)
	return ok
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	return code == 429 || code == 502 || code == 503 || code == 504
}

func isRetryableHTTPError(err error) bool {
	if httpErr, ok := err.(*HTTPStatusError); ok {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	if httpErr, ok := err.(*HTTPStatusError); ok && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// Status returns the node status.
func (c *HTTPClient) Status(ctx context.Context) (*NodeStatus, error) {
	result, err := c.Call(ctx, "status", []any{})
	if err != nil {
		return nil, err
	}

	var status NodeStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

// Block returns the block header at the given finality.
func (c *HTTPClient) Block(ctx context.Context, finality string) (*Block, error) {
	result, err := c.Call(ctx, "block", map[string]any{"finality": finality})
	if err != nil {
		return nil, err
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &block, nil
}

// Chunk returns the chunk of shardID included in the given block.
func (c *HTTPClient) Chunk(ctx context.Context, blockHash string, shardID uint64) (*Chunk, error) {
	result, err := c.Call(ctx, "chunk", map[string]any{"block_id": blockHash, "shard_id": shardID})
	if err != nil {
		return nil, err
	}

	var chunk Chunk
	if err := json.Unmarshal(result, &chunk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk: %w", err)
	}
	return &chunk, nil
}

// ViewAccessKey returns the access key nonce at final finality.
func (c *HTTPClient) ViewAccessKey(ctx context.Context, account types.AccountID, publicKey string) (*AccessKey, error) {
	result, err := c.Call(ctx, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     FinalityFinal,
		"account_id":   account,
		"public_key":   publicKey,
	})
	if err != nil {
		return nil, err
	}

	var key AccessKey
	if err := json.Unmarshal(result, &key); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access key: %w", err)
	}
	// Older nodes report query errors inside a successful result
	if key.Error != "" {
		return nil, &RPCError{Code: -32000, Message: "query failed", Data: key.Error}
	}
	return &key, nil
}

// ViewState returns contract storage rows whose keys start with prefix.
func (c *HTTPClient) ViewState(ctx context.Context, account types.AccountID, prefix []byte) ([]StateItem, error) {
	result, err := c.Call(ctx, "query", map[string]any{
		"request_type":  "view_state",
		"finality":      FinalityFinal,
		"account_id":    account,
		"prefix_base64": base64.StdEncoding.EncodeToString(prefix),
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Values []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"values"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	items := make([]StateItem, 0, len(raw.Values))
	for _, v := range raw.Values {
		key, err := base64.StdEncoding.DecodeString(v.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to decode state key: %w", err)
		}
		value, err := base64.StdEncoding.DecodeString(v.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode state value: %w", err)
		}
		items = append(items, StateItem{Key: key, Value: value})
	}
	return items, nil
}

// CallFunction runs a view method and returns its raw result bytes.
func (c *HTTPClient) CallFunction(ctx context.Context, account types.AccountID, method string, args []byte) ([]byte, error) {
	result, err := c.Call(ctx, "query", map[string]any{
		"request_type": "call_function",
		"finality":     FinalityFinal,
		"account_id":   account,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Ints  []int  `json:"result"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call result: %w", err)
	}
	if raw.Error != "" {
		return nil, &RPCError{Code: -32000, Message: "view call failed", Data: raw.Error}
	}

	// The result is a JSON array of byte values
	out := make([]byte, len(raw.Ints))
	for i, b := range raw.Ints {
		out[i] = byte(b)
	}
	return out, nil
}

// BroadcastTxCommit submits a signed transaction and waits until it is final.
func (c *HTTPClient) BroadcastTxCommit(ctx context.Context, signedTx []byte) (*ExecutionOutcome, error) {
	result, err := c.Call(ctx, "broadcast_tx_commit", []any{base64.StdEncoding.EncodeToString(signedTx)})
	if err != nil {
		return nil, err
	}
	return parseExecutionOutcome(result)
}

// BroadcastTxAsync submits a signed transaction without waiting for execution.
func (c *HTTPClient) BroadcastTxAsync(ctx context.Context, signedTx []byte) (string, error) {
	result, err := c.Call(ctx, "broadcast_tx_async", []any{base64.StdEncoding.EncodeToString(signedTx)})
	if err != nil {
		return "", err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// TxStatus returns the outcome of a previously submitted transaction.
// A transaction the node has not seen yet yields an RPCError with cause UNKNOWN_TRANSACTION.
func (c *HTTPClient) TxStatus(ctx context.Context, txHash string, sender types.AccountID) (*ExecutionOutcome, error) {
	result, err := c.Call(ctx, "tx", []any{txHash, sender})
	if err != nil {
		return nil, err
	}
	return parseExecutionOutcome(result)
}

// SandboxPatchState writes raw state records.
func (c *HTTPClient) SandboxPatchState(ctx context.Context, records []StateRecord) error {
	_, err := c.Call(ctx, "sandbox_patch_state", map[string]any{"records": records})
	return err
}
