// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/internal/simulator"
	"github.com/gateway-fm/ethsimulator/internal/storage"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// Input validation constants
const (
	maxDurationSec = 30 * 24 * 3600 // Maximum simulated duration: 30 days
	maxCount       = 10_000_000     // Maximum number of transfer attempts

	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	defaultTxLimit      = 100
	maxTxLimit          = 1000

	stopTimeout  = 30 * time.Second
	readyTimeout = 5 * time.Second
)

// validateStartRequest validates the start request parameters.
func validateStartRequest(req *types.StartRequest) error {
	if req.DurationSeconds < 0 {
		return fmt.Errorf("durationSeconds cannot be negative, got %v", req.DurationSeconds)
	}
	if req.Count < 0 {
		return fmt.Errorf("count cannot be negative, got %d", req.Count)
	}
	if (req.DurationSeconds > 0) == (req.Count > 0) {
		return fmt.Errorf("exactly one of durationSeconds and count must be set")
	}
	if req.DurationSeconds > maxDurationSec {
		return fmt.Errorf("durationSeconds exceeds maximum of %d seconds", maxDurationSec)
	}
	if req.Count > maxCount {
		return fmt.Errorf("count exceeds maximum of %d", maxCount)
	}
	return nil
}

// SimulatorAPI defines the simulator operations the handlers need.
type SimulatorAPI interface {
	Status() types.SimulationStatus
	Start(req simulator.RunRequest) (string, error)
	Stop(ctx context.Context) error
	Ready(ctx context.Context) error

	History(ctx context.Context, limit, offset int) (*types.Page[types.RunRecord], error)
	GetRun(ctx context.Context, id string) (*types.RunRecord, error)
	Transactions(ctx context.Context, id string, limit, offset int) (*types.Page[types.TxRecord], error)
	DeleteRun(ctx context.Context, id string) error
}

var _ SimulatorAPI = (*simulator.Simulator)(nil)

// Server handles HTTP requests for the simulator.
type Server struct {
	api       SimulatorAPI
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(api SimulatorAPI, gatherer prometheus.Gatherer, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		api:       api,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}
	s.wsServer = NewWebSocketServer(api, logger, s.originAllowed)

	return s
}

// WebSocket returns the status stream server; its Run loop must be started
// for clients to receive updates.
func (s *Server) WebSocket() *WebSocketServer { return s.wsServer }

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/start", s.corsMiddleware(s.handleStart))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// originAllowed reports whether the CORS configuration admits origin.
func (s *Server) originAllowed(origin string) bool {
	return s.corsAllowAll || slices.Contains(s.corsAllowedOrigins, origin)
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
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
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, types.ErrorResponse{Error: message})
}

// errorStatus maps simulator and storage errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, simulator.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, simulator.ErrNoActiveRun):
		return http.StatusConflict
	case errors.Is(err, simulation.ErrInvalidStopCondition):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, simulator.ErrNoStorage):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleStatus returns the live simulation status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleStart starts a new simulation run.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.StartRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := s.api.Start(simulator.RequestFromAPI(req))
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("failed to start simulation", slog.String("error", err.Error()))
		}
		s.writeJSONError(w, "Failed to start simulation: "+err.Error(), status)
		return
	}

	s.writeJSON(w, http.StatusAccepted, types.StartResponse{RunID: runID})
}

// handleStop stops the active run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.api.Stop(ctx); err != nil {
		s.writeJSONError(w, "Failed to stop simulation: "+err.Error(), errorStatus(err))
		return
	}

	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// pagination parses limit and offset, falling back to the defaults for
// missing or out-of-range values.
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// handleHistory returns stored runs with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r, defaultHistoryLimit, maxHistoryLimit)
	result, err := s.api.History(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), errorStatus(err))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles /v1/history/{id} (GET, DELETE) and
// /v1/history/{id}/transactions.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), errorStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 1:
		run, err := s.api.GetRun(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), errorStatus(err))
			return
		}
		s.writeJSON(w, http.StatusOK, run)

	case len(parts) == 2 && parts[1] == "transactions" && r.Method == http.MethodGet:
		limit, offset := pagination(r, defaultTxLimit, maxTxLimit)
		result, err := s.api.Transactions(r.Context(), runID, limit, offset)
		if err != nil {
			s.writeJSONError(w, "Failed to get transactions: "+err.Error(), errorStatus(err))
			return
		}
		s.writeJSON(w, http.StatusOK, result)

	default:
		s.writeJSONError(w, "Not found", http.StatusNotFound)
	}
}

// handleHealth handles liveness probes.
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
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady reports ready when the execution client answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	start := time.Now()
	err := s.api.Ready(ctx)
	check := ReadinessCheck{
		Name:      "execution-client",
		Status:    "ok",
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = "failed"
		check.Error = err.Error()
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":  err == nil,
		"checks": []ReadinessCheck{check},
	})
}
