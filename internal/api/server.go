// Package api implements Gizmo's caller-facing HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/gizmo/internal/agent"
	"github.com/nugget/gizmo/internal/buildinfo"
	"github.com/nugget/gizmo/internal/llm"
	"github.com/nugget/gizmo/internal/mcp"
	"github.com/nugget/gizmo/internal/memory"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner runs one conversational turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, stream llm.StreamCallback) (*agent.Response, error)
}

// Coach is the subset of the prompt provider the API talks to directly.
type Coach interface {
	Ping(ctx context.Context) error
	ApplyReward(ctx context.Context, feedback string, intensity float64) error
}

// Gateway is the tool gateway session as seen by the health endpoint.
// *mcp.Client implements it.
type Gateway interface {
	Ping(ctx context.Context) error
	Initialized() bool
	ServerInfo() (name, version string)
}

// Config holds the Server's collaborators.
type Config struct {
	Address string
	Port    int

	Loop    Runner
	Store   memory.Store
	Coach   Coach
	Catalog *mcp.Catalog

	// Gateway is nil when no gateway is configured.
	Gateway Gateway

	// GeminiConfigured is reported by the health endpoint.
	GeminiConfigured bool

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	loop    Runner
	store   memory.Store
	coach   Coach
	catalog *mcp.Catalog
	gateway Gateway
	gemini  bool

	logger *slog.Logger
	server *http.Server
	stats  *Stats
}

// Stats tracks turn counts and token usage since process start.
type Stats struct {
	mu           sync.Mutex
	Turns        int64 `json:"turns"`
	FailedTurns  int64 `json:"failed_turns"`
	ToolCalls    int64 `json:"tool_calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Record adds a completed turn.
func (s *Stats) Record(resp *agent.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns++
	s.ToolCalls += int64(resp.ToolCalls)
	s.InputTokens += int64(resp.InputTokens)
	s.OutputTokens += int64(resp.OutputTokens)
}

// RecordFailure counts a turn that returned no response.
func (s *Stats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailedTurns++
}

// StatsSnapshot is a copy-safe snapshot of Stats.
type StatsSnapshot struct {
	Turns        int64  `json:"turns"`
	FailedTurns  int64  `json:"failed_turns"`
	ToolCalls    int64  `json:"tool_calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Uptime       string `json:"uptime"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Turns:        s.Turns,
		FailedTurns:  s.FailedTurns,
		ToolCalls:    s.ToolCalls,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		Uptime:       buildinfo.Uptime().String(),
	}
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		loop:    cfg.Loop,
		store:   cfg.Store,
		coach:   cfg.Coach,
		catalog: cfg.Catalog,
		gateway: cfg.Gateway,
		gemini:  cfg.GeminiConfigured,
		logger:  logger.With("component", "api"),
		stats:   &Stats{},
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Turn endpoints
	mux.HandleFunc("POST /api/conversation", s.handleConversation)
	mux.HandleFunc("POST /api/conversation/stream", s.handleConversationStream)
	mux.HandleFunc("GET /api/conversation/ws", s.handleWebSocket)

	// History
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)

	// Coach feedback
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)

	// Health and introspection
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Two generation rounds plus tools
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
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

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Gizmo",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stats.Snapshot(), s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	type tool struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	tools := make([]tool, 0, s.catalog.Len())
	for _, t := range s.catalog.Tools() {
		tools = append(tools, tool{Name: t.Name, Description: t.Description})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": tools}, s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	CoachAvailable   bool   `json:"coach_available"`
	GeminiConfigured bool   `json:"gemini_configured"`
	StoreAvailable   bool   `json:"store_available"`
	Tools            int    `json:"tools"`

	// Gateway is omitted when no gateway is configured.
	Gateway *GatewayHealth `json:"gateway,omitempty"`
}

// GatewayHealth reports the tool gateway session.
type GatewayHealth struct {
	Available   bool   `json:"available"`
	Initialized bool   `json:"initialized"`
	Server      string `json:"server,omitempty"`
	Version     string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:           "healthy",
		GeminiConfigured: s.gemini,
		Tools:            s.catalog.Len(),
	}
	if s.coach != nil {
		if err := s.coach.Ping(ctx); err != nil {
			s.logger.Debug("coach health check failed", "error", err)
		} else {
			resp.CoachAvailable = true
		}
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("store health check failed", "error", err)
		} else {
			resp.StoreAvailable = true
		}
	}
	if s.gateway != nil {
		gw := &GatewayHealth{Initialized: s.gateway.Initialized()}
		gw.Server, gw.Version = s.gateway.ServerInfo()
		if err := s.gateway.Ping(ctx); err != nil {
			s.logger.Debug("gateway health check failed", "error", err)
		} else {
			gw.Available = true
		}
		resp.Gateway = gw
	}
	gatewayDown := resp.Gateway != nil && !resp.Gateway.Available
	if !resp.CoachAvailable || !resp.StoreAvailable || !resp.GeminiConfigured || gatewayDown {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
