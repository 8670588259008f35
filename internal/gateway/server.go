// Package gateway is the server side of the terminal protocol. It accepts
// client websockets, opens SSH sessions to target hosts on their behalf and
// keeps those sessions alive across socket reconnects.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/sshdash/internal/logging"
)

type ServerOptions struct {
	// AllowedOrigins are websocket origin patterns. Empty accepts any
	// origin.
	AllowedOrigins []string
	DialTimeout    time.Duration
}

type Server struct {
	registry    *Registry
	origins     []string
	dialTimeout time.Duration
}

func NewServer(registry *Registry, opts ServerOptions) *Server {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Server{
		registry:    registry,
		origins:     opts.AllowedOrigins,
		dialTimeout: opts.DialTimeout,
	}
}

// Router returns the HTTP handler for the gateway.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)
	r.Get("/ws", s.serveWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Logger)
		r.Get("/sessions", s.listSessions)
		r.Delete("/sessions/{sessionId}", s.closeSession)
		r.Get("/logs", s.getLogs)
		r.Delete("/logs", s.clearLogs)
	})
	return r
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.origins}
	if len(s.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("[gateway] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxFrameSize)

	p := newPeer(s, conn, r.URL.Query().Get("session_id"))
	p.run(r.Context())
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": s.registry.Count(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if err := s.registry.Close(id); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
