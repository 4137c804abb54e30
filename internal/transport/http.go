// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/nearload/internal/runner"
	"github.com/gateway-fm/nearload/internal/storage"
	"github.com/gateway-fm/nearload/internal/txbuilder"
	"github.com/gateway-fm/nearload/pkg/types"
)

// Input validation constants
const (
	maxCalls       = 100000
	maxConcurrency = 10000
	maxRateLimit   = 100000 // Launches per second

	readyTimeout = 5 * time.Second
)

var validKinds = map[types.RunKind]bool{
	types.RunKindLoad:                true,
	types.RunKindPassiveRegistration: true,
	types.RunKindGasLimit:            true,
}

var validModes = map[types.SubmitMode]bool{
	types.ModeSync:       true,
	types.ModeAsync:      true,
	types.ModeAsyncAwait: true,
	"":                   true, // Configured default
}

// validateStartRequest validates the start run request parameters.
func validateStartRequest(req *types.StartRunRequest) error {
	if !validKinds[req.Kind] {
		return fmt.Errorf("invalid kind: %q (valid: load, passive-registration, gas-limit)", req.Kind)
	}
	if req.Calls < 0 {
		return fmt.Errorf("calls cannot be negative, got %d", req.Calls)
	}
	if req.Calls > maxCalls {
		return fmt.Errorf("calls exceeds maximum of %d", maxCalls)
	}
	if req.Concurrency != nil {
		if *req.Concurrency < 0 {
			return fmt.Errorf("concurrency cannot be negative, got %d", *req.Concurrency)
		}
		if *req.Concurrency > maxConcurrency {
			return fmt.Errorf("concurrency exceeds maximum of %d", maxConcurrency)
		}
	}
	if !validModes[req.Mode] {
		return fmt.Errorf("invalid mode: %q (valid: sync, async, async-await)", req.Mode)
	}
	if req.Amount != "" {
		if _, err := txbuilder.ParseAmount(req.Amount); err != nil {
			return err
		}
	}
	if req.RateLimit < 0 {
		return fmt.Errorf("rateLimit cannot be negative, got %d", req.RateLimit)
	}
	if req.RateLimit > maxRateLimit {
		return fmt.Errorf("rateLimit exceeds maximum of %d", maxRateLimit)
	}
	return nil
}

// RunnerAPI defines the runner operations the handlers need.
type RunnerAPI interface {
	Start(req types.StartRunRequest) (string, error)
	Stop()
	GetMetrics() types.RunMetrics

	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	GetRunDetail(ctx context.Context, id string) (*storage.RunDetail, error)
	GetRunCalls(ctx context.Context, id string, limit, offset int) (*storage.PaginatedCallLogs, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckRPC(ctx context.Context) error
}

var (
	_ RunnerAPI     = (*runner.Runner)(nil)
	_ HealthChecker = (*runner.Runner)(nil)
)

// Server handles HTTP requests for the nearload API.
type Server struct {
	api       RunnerAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool // "*" or empty
}

// NewServer creates a new HTTP server and starts its metrics stream.
func NewServer(api RunnerAPI, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}
	return s
}

// Close stops the metrics stream.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeStoreError maps history errors to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, prefix string, err error) {
	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		s.writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, runner.ErrNoStorage):
		s.writeJSONError(w, err.Error(), http.StatusNotImplemented)
	default:
		s.writeJSONError(w, prefix+": "+err.Error(), http.StatusInternalServerError)
	}
}

// handleStatus returns the live metrics of the current or last run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.GetMetrics())
}

// handleStop cancels the active run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.api.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleRuns lists run history (GET) or starts a run (POST).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRuns(w, r)
	case http.MethodPost:
		s.handleStartRun(w, r)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req types.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.api.Start(req)
	if err != nil {
		if errors.Is(err, runner.ErrRunInProgress) {
			s.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		s.logger.Error("Failed to start run", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "runId": id})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50, 100)
	result, err := s.api.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeStoreError(w, "Failed to list runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// parsePagination reads limit and offset, ignoring out-of-range values.
func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// handleRunDetail handles /v1/runs/{id} and /v1/runs/{id}/calls.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 {
		if parts[1] != "calls" || len(parts) > 2 {
			s.writeJSONError(w, "Not found", http.StatusNotFound)
			return
		}
		s.handleRunCalls(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.api.GetRunDetail(r.Context(), runID)
		if err != nil {
			s.writeStoreError(w, "Failed to get run", err)
			return
		}
		if detail == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.api.UpdateRunMetadata(r.Context(), runID, &update); err != nil {
			s.writeStoreError(w, "Failed to update run", err)
			return
		}
		detail, err := s.api.GetRunDetail(r.Context(), runID)
		if err != nil || detail == nil {
			s.writeJSONError(w, "Failed to get updated run", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, detail.Run)

	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeStoreError(w, "Failed to delete run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunCalls handles GET /v1/runs/{id}/calls.
func (s *Server) handleRunCalls(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := parsePagination(r, 100, 1000)
	result, err := s.api.GetRunCalls(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeStoreError(w, "Failed to get calls", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHealth handles liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness checks.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		start := time.Now()
		err := s.health.CheckRPC(ctx)
		check := ReadinessCheck{
			Name:      "rpc",
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	statusCode := http.StatusOK
	if !allHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, statusCode, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
