package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/explorer"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/model"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// Interfaces for dependencies to enable mocking

type ExplorerInterface interface {
	Open(ctx context.Context, rootID int64) (explorer.Result, error)
	Expand(ctx context.Context, nodeID int64, mode model.Mode) (explorer.Result, error)
	Resume(ctx context.Context, rootID int64) (explorer.Result, error)
	Close(ctx context.Context)
	Snapshot() graph.Snapshot
}

type StoreInterface interface {
	ReadRecentEvents(ctx context.Context, limit int) ([]*store.Event, error)
	ListSnapshots(ctx context.Context, rootID int64, limit int) ([]*store.Snapshot, error)
}

// OpenRequest starts a new graph on a root CI.
type OpenRequest struct {
	RootID int64 `json:"root_id"`
}

// ExpandRequest asks for one more hop from a node already in the graph.
// Direction is "children" or "parents".
type ExpandRequest struct {
	NodeID    int64  `json:"node_id"`
	Direction string `json:"direction"`
}

// Server encapsulates the HTTP API server
type Server struct {
	explorer ExplorerInterface
	store    StoreInterface
	server   *http.Server
	logger   *zap.Logger

	// sha256 of the bearer token; empty disables auth
	tokenHash string

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance. st may be nil, in which case
// the history endpoints answer 503.
func NewServer(exp ExplorerInterface, st StoreInterface, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		explorer: exp,
		store:    st,
		logger:   logger,
	}

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/explorer", s.withAuth(s.handleExplorer))
	mux.HandleFunc("/v1/explorer/open", s.withAuth(s.handleOpen))
	mux.HandleFunc("/v1/explorer/expand", s.withAuth(s.handleExpand))
	mux.HandleFunc("/v1/explorer/resume", s.withAuth(s.handleResume))
	mux.HandleFunc("/v1/explorer/graph", s.withAuth(s.handleGraph))
	mux.HandleFunc("/v1/events", s.withAuth(s.handleEvents))
	mux.HandleFunc("/v1/snapshots", s.withAuth(s.handleSnapshots))

	// Middleware: Logging, Panic Recovery, Security Headers
	return s.withLogging(s.withRecovery(withSecureHeaders(mux)))
}

// SetAuthToken requires "Authorization: Bearer <token>" on explorer routes.
func (s *Server) SetAuthToken(token string) {
	if token == "" {
		s.tokenHash = ""
		return
	}
	s.tokenHash = hashToken(token)
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); err != http.ErrServerClosed {
			return err
		}
	} else {
		s.logger.Info("server_starting", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.RootID <= 0 {
		writeError(w, http.StatusBadRequest, "missing_required_fields", "root_id")
		return
	}

	res, err := s.explorer.Open(r.Context(), req.RootID)
	s.respond(w, r, res, err)
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var req ExpandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.NodeID <= 0 {
		writeError(w, http.StatusBadRequest, "missing_required_fields", "node_id")
		return
	}

	var mode model.Mode
	switch req.Direction {
	case "children", "child":
		mode = model.ModeChildren
	case "parents", "parent":
		mode = model.ModeParents
	default:
		writeError(w, http.StatusBadRequest, "invalid_direction", req.Direction)
		return
	}

	res, err := s.explorer.Expand(r.Context(), req.NodeID, mode)
	s.respond(w, r, res, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.RootID <= 0 {
		writeError(w, http.StatusBadRequest, "missing_required_fields", "root_id")
		return
	}

	res, err := s.explorer.Resume(r.Context(), req.RootID)
	s.respond(w, r, res, err)
}

// handleExplorer closes the current graph on DELETE.
func (s *Server) handleExplorer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s.explorer.Close(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.explorer.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store_disabled", "")
		return
	}

	events, err := s.store.ReadRecentEvents(r.Context(), parseLimit(r, 50))
	if err != nil {
		s.logger.Error("failed_to_read_events", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	s.writeJSON(w, r, http.StatusOK, events)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store_disabled", "")
		return
	}

	var rootID int64
	if v := r.URL.Query().Get("root_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_root_id", v)
			return
		}
		rootID = id
	}

	snaps, err := s.store.ListSnapshots(r.Context(), rootID, parseLimit(r, 20))
	if err != nil {
		s.logger.Error("failed_to_list_snapshots", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}

	// Payloads can be large; the listing only carries metadata.
	out := make([]store.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		meta := *snap
		meta.Payload = nil
		out = append(out, meta)
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// respond writes an explorer result, mapping failures to HTTP status codes.
// The body always carries the graph as it stands after the call.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, res explorer.Result, err error) {
	if err == nil {
		s.writeJSON(w, r, http.StatusOK, res)
		return
	}

	status, reason := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("explorer_request_failed", zap.String("trace_id", getTraceID(r.Context())), zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, r, status, struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		explorer.Result
	}{Error: reason, Detail: err.Error(), Result: res})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, client.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, client.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, graph.ErrUnknownNode):
		return http.StatusNotFound, "unknown_node"
	case errors.Is(err, explorer.ErrNoSnapshot):
		return http.StatusNotFound, "no_snapshot"
	case errors.Is(err, graph.ErrStaleEpoch):
		return http.StatusConflict, "stale_response"
	case errors.Is(err, graph.ErrMalformedRoot), client.IsTransport(err):
		return http.StatusBadGateway, "backend_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "backend_timeout"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed_to_encode_response", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if reason != "" {
		body["reason"] = reason
	}
	_ = json.NewEncoder(w).Encode(body)
}

func parseLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			return val
		}
	}
	return def
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Middleware: Bearer token check. A server without a token accepts everything.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing_token")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid_token_format")
			return
		}

		hash := hashToken(parts[1])
		if subtle.ConstantTimeCompare([]byte(hash), []byte(s.tokenHash)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid_token")
			return
		}

		next(w, r)
	}
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic_recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal_server_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 1. Extract or Generate Trace ID
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		// 2. Inject into Context
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		// 3. Set response header
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info("http_request",
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:;")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-XSS-Protection", "1; mode=block")

		next.ServeHTTP(w, r)
	})
}
