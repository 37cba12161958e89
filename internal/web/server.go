// Package web exposes the loop over HTTP: status and history for
// dashboards, start/cancel for remote control, and a WebSocket feed of
// lifecycle events.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DrBushyTop/humanlayer-opencode/internal/buildinfo"
	"github.com/DrBushyTop/humanlayer-opencode/internal/events"
	"github.com/DrBushyTop/humanlayer-opencode/internal/history"
	"github.com/DrBushyTop/humanlayer-opencode/internal/loop"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP surface for the daemon.
type Server struct {
	address string
	port    int
	surface *loop.Surface
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
	hist    *history.Store

	upgrader websocket.Upgrader
}

// NewServer creates a web server. bus may be nil, which leaves the
// /events feed connected but silent.
func NewServer(address string, port int, surface *loop.Surface, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		surface: surface,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SetHistoryStore configures the store behind the /history endpoint.
func (s *Server) SetHistoryStore(h *history.Store) {
	s.hist = h
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /loop/start", s.handleStart)
	mux.HandleFunc("POST /loop/cancel", s.handleCancel)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // /events connections stay open
	}

	s.logger.Info("starting web server", "address", s.address, "port", s.port)
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
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "ralphd",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// statusResponse wraps the loop report so an inactive loop still
// returns a well-formed document.
type statusResponse struct {
	Active bool         `json:"active"`
	Loop   *loop.Report `json:"loop,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.surface.Snapshot()
	if err != nil {
		http.Error(w, "reading loop state: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, statusResponse{Active: report != nil, Loop: report}, s.logger)
}

// startRequest mirrors loop.StartParams on the wire.
type startRequest struct {
	SessionID         string `json:"sessionID"`
	Prompt            string `json:"prompt"`
	MaxIterations     int    `json:"maxIterations,omitempty"`
	CompletionPromise string `json:"completionPromise,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.surface.Start(r.Context(), loop.StartParams{
		SessionID:         req.SessionID,
		Prompt:            req.Prompt,
		MaxIterations:     req.MaxIterations,
		CompletionPromise: req.CompletionPromise,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	result, err := s.surface.Cancel(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		http.Error(w, "history not enabled", http.StatusNotFound)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		cycles []*history.Cycle
		err    error
	)
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		cycles, err = s.hist.Session(r.Context(), sessionID)
	} else {
		cycles, err = s.hist.Recent(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, "reading history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if cycles == nil {
		cycles = []*history.Cycle{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cycles, s.logger)
}

// handleEvents upgrades to WebSocket and forwards bus events until the
// client goes away. Slow clients lose events rather than block the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var ch <-chan events.Event
	if s.bus != nil {
		ch = s.bus.Subscribe(16)
		defer s.bus.Unsubscribe(ch)
	}

	// Reader goroutine: we never expect client messages, but reading is
	// what detects the peer closing the connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
