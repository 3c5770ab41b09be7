// Package api serves the conversation HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/concierge/internal/buildinfo"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/checkpoint"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/health"
	"github.com/nugget/concierge/internal/journal"
	"github.com/nugget/concierge/internal/orchestrator"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Conversations is the orchestration surface the API exposes.
// [*orchestrator.Driver] implements it.
type Conversations interface {
	Catalog() *catalog.Catalog
	Start(ctx context.Context, id string, fields map[string]string) (*conversation.State, error)
	State(ctx context.Context, id string) (*conversation.State, error)
	Checkpoints(ctx context.Context, id string, limit int) ([]*checkpoint.Checkpoint, error)
	Send(ctx context.Context, id, text string) (*orchestrator.TurnResult, error)
	Verdict(ctx context.Context, id string, v gate.Verdict) (*orchestrator.TurnResult, error)
}

// Health reports dependency status. [*health.Monitor] implements it.
type Health interface {
	Status() []health.Status
	Healthy() bool
}

// Journal lists performed actions. [*journal.Store] implements it.
type Journal interface {
	List(conversationID string) ([]*journal.Record, error)
}

// Server is the HTTP API server.
type Server struct {
	convs   Conversations
	journal Journal
	usage   Usage
	events  Events
	health  Health
	origins []string
	logger  *slog.Logger
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithJournal enables the per-conversation action listing.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithUsage enables the token usage endpoints.
func WithUsage(u Usage) Option {
	return func(s *Server) { s.usage = u }
}

// WithEvents enables the event stream.
func WithEvents(e Events) Option {
	return func(s *Server) { s.events = e }
}

// WithHealth adds dependency status to /health.
func WithHealth(h Health) Option {
	return func(s *Server) { s.health = h }
}

// WithAllowedOrigins lists the browser origins allowed to open the
// websocket. Without it only same-host origins are accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// NewServer creates a server listening on addr.
func NewServer(addr string, convs Conversations, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{convs: convs, logger: logger}
	for _, o := range opts {
		o(s)
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A turn runs every reasoning step before it answers.
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/catalog", s.handleCatalog)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("POST /v1/conversations", s.handleStart)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleState)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/verdict", s.handleVerdict)
	mux.HandleFunc("GET /v1/conversations/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/conversations/{id}/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("GET /v1/conversations/{id}/actions", s.handleActions)
	mux.HandleFunc("GET /v1/conversations/{id}/usage", s.handleConversationUsage)
	mux.HandleFunc("GET /v1/conversations/{id}/ws", s.handleWebSocket)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. Request contexts derive from
// ctx.
func (s *Server) Start(ctx context.Context) error {
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("starting API server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w. Encode errors mean the client went
// away and are only logged.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// fail maps a driver error to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func statusFor(err error) int {
	var none *gate.NoPendingActionError
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrConversationExists), errors.As(err, &none):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleHealth answers 503 while any watched dependency is down.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"}, s.logger)
		return
	}
	status, code := "healthy", http.StatusOK
	if !s.health.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	info := buildinfo.Info()
	info["uptime"] = buildinfo.Uptime().Truncate(time.Second).String()
	writeJSON(w, http.StatusOK, info, s.logger)
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"specialists": s.convs.Catalog().Specialists(),
	}, s.logger)
}

// StartRequest opens a conversation. Both fields are optional.
type StartRequest struct {
	ID      string            `json:"id,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	st, err := s.convs.Start(r.Context(), req.ID, req.Context)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/conversations/"+st.ID)
	writeJSON(w, http.StatusCreated, st, s.logger)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.convs.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st, s.logger)
}

// MessageRequest carries one human message.
type MessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	res, err := s.convs.Send(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	var v gate.Verdict
	if err := decodeBody(w, r, &v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !v.Valid() {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown verdict kind %q", v.Kind))
		return
	}
	res, err := s.convs.Verdict(r.Context(), r.PathValue("id"), v)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cps, err := s.convs.Checkpoints(r.Context(), id, parseIntParam(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(cps) == 0 {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("conversation %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": cps,
		"count":       len(cps),
	}, s.logger)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.errorResponse(w, http.StatusNotFound, "action journal not enabled")
		return
	}
	records, err := s.journal.List(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []*journal.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": records,
		"count":   len(records),
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}
