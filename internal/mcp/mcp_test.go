package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{float64(0), "0"},
		{float64(999), "999"},
		{float64(1000), "1,000"},
		{float64(1234567), "1,234,567"},
		{float64(-1234), "-1,234"},
		{float64(1.25), "1.2"},
		{int64(1000000000000000), "1,000,000,000,000,000"},
		{uint64(42), "42"},
		{"x", "x"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShortHash(t *testing.T) {
	if got := shortHash("abc"); got != "abc" {
		t.Errorf("shortHash(abc) = %q", got)
	}
	if got := shortHash("0123456789abcdef0123"); got != "0123456789abcdef..." {
		t.Errorf("shortHash() = %q", got)
	}
}

func TestClientMethods(t *testing.T) {
	type seen struct {
		method string
		path   string
		body   string
		ctype  string
	}
	var (
		mu  sync.Mutex
		got seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = seen{r.Method, r.URL.RequestURI(), string(body), r.Header.Get("Content-Type")}
		mu.Unlock()
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Run not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (json.RawMessage, error)
		want seen
	}{
		{
			name: "get",
			call: func() (json.RawMessage, error) { return c.Get(ctx, "/v1/status") },
			want: seen{http.MethodGet, "/v1/status", "", ""},
		},
		{
			name: "post",
			call: func() (json.RawMessage, error) { return c.Post(ctx, "/v1/runs", map[string]any{"kind": "load"}) },
			want: seen{http.MethodPost, "/v1/runs", `{"kind":"load"}`, "application/json"},
		},
		{
			name: "post without body",
			call: func() (json.RawMessage, error) { return c.Post(ctx, "/v1/stop", nil) },
			want: seen{http.MethodPost, "/v1/stop", "", ""},
		},
		{
			name: "patch",
			call: func() (json.RawMessage, error) { return c.Patch(ctx, "/v1/runs/r1", map[string]any{"isFavorite": true}) },
			want: seen{http.MethodPatch, "/v1/runs/r1", `{"isFavorite":true}`, "application/json"},
		},
		{
			name: "delete",
			call: func() (json.RawMessage, error) { return c.Delete(ctx, "/v1/runs/r1") },
			want: seen{http.MethodDelete, "/v1/runs/r1", "", ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.call()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(raw) != `{"ok":true}` {
				t.Errorf("body = %s", raw)
			}
			mu.Lock()
			defer mu.Unlock()
			if got != tt.want {
				t.Errorf("request = %+v, want %+v", got, tt.want)
			}
		})
	}

	_, err := c.Get(ctx, "/missing")
	if err == nil || !strings.Contains(err.Error(), "HTTP 404: Run not found") {
		t.Errorf("error = %v, want HTTP 404 with API message", err)
	}
}

func TestFormatStatus(t *testing.T) {
	idle := formatStatus(json.RawMessage(`{"status":"idle","callsPlanned":0}`))
	if !strings.Contains(idle, "No run has been started.") {
		t.Errorf("idle status output:\n%s", idle)
	}

	running := formatStatus(json.RawMessage(`{
		"runId":"r1","kind":"load","status":"running","contract":"dev-1.test.near",
		"callsPlanned":2000,"callsSubmitted":1500,"callsSucceeded":1490,"callsFailed":10,
		"callsUnresolved":3,"pendingOutcomes":1200,"inFlight":40,"peakInFlight":64,
		"verificationProgress":"Resampling outcomes (0/100)...",
		"latency":{"count":1500,"min":1,"avg":5,"p50":4,"p95":9,"p99":12,"max":20}
	}`))
	for _, want := range []string{
		"r1", "dev-1.test.near", "2,000", "1,490", "1,200", "40 (peak 64)",
		"Resampling outcomes (0/100)...", "## Latency", "12.0ms",
	} {
		if !strings.Contains(running, want) {
			t.Errorf("status output missing %q:\n%s", want, running)
		}
	}

	if got := formatStatus(json.RawMessage(`not json`)); !strings.HasPrefix(got, "Error parsing status") {
		t.Errorf("formatStatus(invalid) = %q", got)
	}
}

func TestFormatRuns(t *testing.T) {
	empty := formatRuns(json.RawMessage(`{"runs":[],"total":0}`))
	if !strings.Contains(empty, "No runs found.") {
		t.Errorf("empty runs output:\n%s", empty)
	}

	out := formatRuns(json.RawMessage(`{"total":1,"runs":[
		{"id":"r1","kind":"passive-registration","status":"completed","calls":2,"succeeded":1,"failed":1,
		 "customName":"baseline","isFavorite":true,"startedAt":"2024-05-01T10:00:00Z"}
	]}`))
	for _, want := range []string{"### r1 (baseline) *", "passive-registration", "2024-05-01 10:00:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("runs output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatRunDetail(t *testing.T) {
	out := formatRunDetail(json.RawMessage(`{
		"run":{"id":"r1","kind":"load","status":"completed","calls":50,"succeeded":49,"failed":1,
			"failureReasons":[{"reason":"Smart contract panicked","count":1,"example":"x"}],
			"environment":{"rpcUrl":"http://localhost:3030","chainId":"sandbox","nodeKind":"sandbox","chunkGasLimit":1000000000000000},
			"verification":{"allChecksPass":true,"expected":50,"total":50,
				"outcomes":{"confirmed":10,"mismatched":0,"unavailable":0},"warnings":["slow"]}},
		"patches":[{"contract":"ft.test.near","key":"0x74","applied":false,"error":"rejected"}]
	}`))
	for _, want := range []string{
		"## Run: r1",
		"1x Smart contract panicked",
		"1,000,000,000,000,000",
		"10 confirmed, 0 mismatched, 0 unavailable",
		"  - slow",
		"ft.test.near 0x74 (rejected: rejected)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}

	if got := formatRunDetail(json.RawMessage(`{}`)); got != "Run not found" {
		t.Errorf("formatRunDetail(empty) = %q", got)
	}
}

func TestFormatRunCalls(t *testing.T) {
	var calls []string
	for i := 0; i < 25; i++ {
		calls = append(calls, `{"txHash":"4Xk9ZPZ4uNCtmv6Y1hzLqErfvWV","callType":"ft-transfer","status":"success","latencyMs":3}`)
	}
	out := formatRunCalls(json.RawMessage(`{"total":25,"calls":[` + strings.Join(calls, ",") + `]}`))
	for _, want := range []string{"Total:", "25", "4Xk9ZPZ4uNCtmv6Y...", "ft-transfer", "... and 5 more"} {
		if !strings.Contains(out, want) {
			t.Errorf("calls output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatHealth(t *testing.T) {
	out := formatHealth(json.RawMessage(`{"ready":false,"checks":[{"name":"rpc","status":"failed","latency_ms":5,"error":"connection refused"}]}`))
	if !strings.Contains(out, "NOT READY") || !strings.Contains(out, "connection refused") {
		t.Errorf("health output:\n%s", out)
	}
}
