package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "Server error", Cause: CauseUnknownTransaction, Data: "tx not found"}

	errStr := err.Error()
	want := "RPC error -32000: Server error (UNKNOWN_TRANSACTION): tx not found"
	if errStr != want {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, want)
	}

	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
	if !HasCause(err, CauseUnknownTransaction) {
		t.Error("HasCause should match the cause name")
	}
	if HasCause(errors.New("plain"), CauseUnknownTransaction) {
		t.Error("HasCause should be false for non-RPC errors")
	}
}

func TestIsMethodNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"code", &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}, true},
		{"cause", &RPCError{Code: -32000, Cause: CauseMethodNotFound}, true},
		{"other rpc error", &RPCError{Code: -32000, Cause: CauseInvalidTransaction}, false},
		{"wrapped", errors.Join(errors.New("ctx"), &RPCError{Code: CodeMethodNotFound}), true},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMethodNotFound(tt.err); got != tt.want {
				t.Errorf("IsMethodNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "502 Bad Gateway",
			err:        HTTPStatusError{StatusCode: 502},
			wantString: "HTTP 502: Bad Gateway",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
		{
			name:       "500 Internal Server Error not retryable",
			err:        HTTPStatusError{StatusCode: 500},
			wantString: "HTTP 500: Internal Server Error",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

func TestDefaultClientConfig(t *testing.T) {
	url := "http://localhost:3030"
	cfg := DefaultClientConfig(url)

	if cfg.URL != url {
		t.Errorf("URL = %q, want %q", cfg.URL, url)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 30*time.Second)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

// fakeNode answers JSON-RPC requests from a per-method handler table.
type fakeNode struct {
	t        *testing.T
	handlers map[string]func(params json.RawMessage) (any, *JSONRPCError)
	calls    atomic.Int64
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     uint64          `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		f.t.Errorf("bad request body: %v", err)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	h, ok := f.handlers[req.Method]
	if !ok {
		resp["error"] = &JSONRPCError{Code: CodeMethodNotFound, Message: "Method not found", Name: "REQUEST_VALIDATION_ERROR",
			Cause: &errorCause{Name: CauseMethodNotFound}}
	} else {
		result, rpcErr := h(req.Params)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, node *fakeNode) *HTTPClient {
	t.Helper()
	node.t = t
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL)
	cfg.Timeout = 5 * time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return NewHTTPClient(cfg)
}

func TestViewAccessKey(t *testing.T) {
	node := &fakeNode{handlers: map[string]func(json.RawMessage) (any, *JSONRPCError){
		"query": func(params json.RawMessage) (any, *JSONRPCError) {
			var p map[string]string
			_ = json.Unmarshal(params, &p)
			if p["request_type"] != "view_access_key" || p["finality"] != "final" || p["account_id"] != "test.near" {
				return nil, &JSONRPCError{Code: -32602, Message: "unexpected params"}
			}
			return map[string]any{"nonce": 41, "block_height": 9, "block_hash": "abc"}, nil
		},
	}}
	client := newTestClient(t, node)

	key, err := client.ViewAccessKey(context.Background(), "test.near", "ed25519:xyz")
	if err != nil {
		t.Fatalf("ViewAccessKey: %v", err)
	}
	if key.Nonce != 41 || key.BlockHash != "abc" {
		t.Errorf("ViewAccessKey() = %+v", key)
	}
}

func TestViewState(t *testing.T) {
	node := &fakeNode{handlers: map[string]func(json.RawMessage) (any, *JSONRPCError){
		"query": func(params json.RawMessage) (any, *JSONRPCError) {
			var p map[string]string
			_ = json.Unmarshal(params, &p)
			if p["prefix_base64"] != base64.StdEncoding.EncodeToString([]byte{0, 33}) {
				return nil, &JSONRPCError{Code: -32602, Message: "unexpected prefix " + p["prefix_base64"]}
			}
			return map[string]any{"values": []map[string]string{
				{"key": base64.StdEncoding.EncodeToString([]byte{0, 33, 'b'}), "value": base64.StdEncoding.EncodeToString([]byte{2})},
				{"key": base64.StdEncoding.EncodeToString([]byte{0, 33, 'a'}), "value": base64.StdEncoding.EncodeToString([]byte{1})},
			}}, nil
		},
	}}
	client := newTestClient(t, node)

	items, err := client.ViewState(context.Background(), "ft.test.near", []byte{0, 33})
	if err != nil {
		t.Fatalf("ViewState: %v", err)
	}
	SortStateItems(items)
	if len(items) != 2 || items[0].Key[2] != 'a' || items[1].Value[0] != 2 {
		t.Errorf("ViewState() = %+v", items)
	}
}

func TestCallFunction(t *testing.T) {
	node := &fakeNode{handlers: map[string]func(json.RawMessage) (any, *JSONRPCError){
		"query": func(json.RawMessage) (any, *JSONRPCError) {
			return map[string]any{"result": []int{'"', '4', '2', '"'}, "logs": []string{}}, nil
		},
	}}
	client := newTestClient(t, node)

	out, err := client.CallFunction(context.Background(), "ft.test.near", "ft_balance_of", []byte(`{}`))
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if string(out) != `"42"` {
		t.Errorf("CallFunction() = %q, want \"42\"", out)
	}
}

const failureOutcome = `{
  "status": {"Failure": {"ActionError": {"index": 0, "kind": {"FunctionCallError": {"ExecutionError": "Smart contract panicked: The account bob.test.near is not registered"}}}}},
  "transaction": {"hash": "HASH1", "signer_id": "alice.test.near"},
  "transaction_outcome": {"id": "HASH1", "outcome": {"gas_burnt": 100, "receipt_ids": ["R1"], "logs": [], "status": {"SuccessReceiptId": "R1"}}},
  "receipts_outcome": [{"id": "R1", "outcome": {"gas_burnt": 250, "receipt_ids": [], "logs": ["log"], "status": {"Failure": {}}}}]
}`

func TestBroadcastTxCommitFailure(t *testing.T) {
	node := &fakeNode{handlers: map[string]func(json.RawMessage) (any, *JSONRPCError){
		"broadcast_tx_commit": func(params json.RawMessage) (any, *JSONRPCError) {
			var p []string
			if err := json.Unmarshal(params, &p); err != nil || len(p) != 1 {
				return nil, &JSONRPCError{Code: -32602, Message: "want one base64 param"}
			}
			return json.RawMessage(failureOutcome), nil
		},
	}}
	client := newTestClient(t, node)

	out, err := client.BroadcastTxCommit(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("BroadcastTxCommit: %v", err)
	}
	if out.TxHash != "HASH1" {
		t.Errorf("TxHash = %q, want HASH1", out.TxHash)
	}
	if out.GasBurnt != 350 {
		t.Errorf("GasBurnt = %d, want 350", out.GasBurnt)
	}
	if !strings.Contains(out.Failure, "The account bob.test.near is not registered") {
		t.Errorf("Failure = %q", out.Failure)
	}
	if out.Outcome().Succeeded() {
		t.Error("failure outcome reported as success")
	}
}

func TestBroadcastTxCommitSuccessValue(t *testing.T) {
	node := &fakeNode{handlers: map[string]func(json.RawMessage) (any, *JSONRPCError){
		"broadcast_tx_commit": func(json.RawMessage) (any, *JSONRPCError) {
			return map[string]any{
				"final_execution_status": "FINAL",
				"status":                 map[string]string{"SuccessValue": base64.StdEncoding.EncodeToString([]byte(`"ok"`))},
				"transaction":            map[string]string{"hash": "H"},
				"transaction_outcome":    map[string]any{"id": "H", "outcome": map[string]any{"gas_burnt": 1}},
				"receipts_outcome":       []any{},
			}, nil
		},
	}}
	client := newTestClient(t, node)

	out, err := client.BroadcastTxCommit(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("BroadcastTxCommit: %v", err)
	}
	if !out.Outcome().Succeeded() || string(out.SuccessValue) != `"ok"` {
		t.Errorf("outcome = %+v", out)
	}
}

func TestTxStatusUnknown(t *testing.T) {
	node := &fakeNode{handlers: map[string]func(json.RawMessage) (any, *JSONRPCError){
		"tx": func(json.RawMessage) (any, *JSONRPCError) {
			return nil, &JSONRPCError{Code: -32000, Message: "Server error", Name: "HANDLER_ERROR",
				Cause: &errorCause{Name: CauseUnknownTransaction}, Data: json.RawMessage(`"not found"`)}
		},
	}}
	client := newTestClient(t, node)

	_, err := client.TxStatus(context.Background(), "H", "alice.test.near")
	if !HasCause(err, CauseUnknownTransaction) {
		t.Fatalf("TxStatus error = %v, want UNKNOWN_TRANSACTION", err)
	}
	// Application errors are not retried
	if got := node.calls.Load(); got != 1 {
		t.Errorf("node called %d times, want 1", got)
	}
}

func TestSandboxPatchStateMethodNotFound(t *testing.T) {
	client := newTestClient(t, &fakeNode{})

	err := client.SandboxPatchState(context.Background(), []StateRecord{{Data: DataRecord{AccountID: "ft.test.near", DataKey: []byte{0}, Value: []byte{0}}}})
	if !IsMethodNotFound(err) {
		t.Fatalf("SandboxPatchState error = %v, want method not found", err)
	}
}

func TestSandboxPatchStateEncoding(t *testing.T) {
	var got json.RawMessage
	node := &fakeNode{handlers: map[string]func(json.RawMessage) (any, *JSONRPCError){
		"sandbox_patch_state": func(params json.RawMessage) (any, *JSONRPCError) {
			got = params
			return map[string]any{}, nil
		},
	}}
	client := newTestClient(t, node)

	err := client.SandboxPatchState(context.Background(), []StateRecord{{Data: DataRecord{AccountID: "ft.test.near", DataKey: []byte{0, 33}, Value: []byte{0}}}})
	if err != nil {
		t.Fatalf("SandboxPatchState: %v", err)
	}
	want := `{"records":[{"Data":{"account_id":"ft.test.near","data_key":"ACE=","value":"AA=="}}]}`
	if string(got) != want {
		t.Errorf("params = %s, want %s", got, want)
	}
}

func TestRetryOnUnavailable(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"HASH"}`))
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	client := NewHTTPClient(cfg)

	hash, err := client.BroadcastTxAsync(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("BroadcastTxAsync: %v", err)
	}
	if hash != "HASH" || attempts.Load() != 3 {
		t.Errorf("hash = %q after %d attempts", hash, attempts.Load())
	}
}

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "contract panic",
			raw:  `{"ActionError":{"index":0,"kind":{"FunctionCallError":{"ExecutionError":"Smart contract panicked: boom"}}}}`,
			want: "action #0: Smart contract panicked: boom",
		},
		{
			name: "missing account",
			raw:  `{"ActionError":{"index":1,"kind":{"AccountDoesNotExist":{"account_id":"x.near"}}}}`,
			want: `action #1: AccountDoesNotExist {"account_id":"x.near"}`,
		},
		{
			name: "invalid tx",
			raw:  `{"InvalidTxError":{"InvalidNonce":{"tx_nonce":1,"ak_nonce":5}}}`,
			want: `invalid transaction: InvalidNonce {"tx_nonce":1,"ak_nonce":5}`,
		},
		{
			name: "unknown shape",
			raw:  `{ "Other": 1 }`,
			want: `{"Other":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DescribeFailure(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("DescribeFailure() = %q, want %q", got, tt.want)
			}
		})
	}
}
