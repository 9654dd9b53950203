package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/intake/internal/conversation"
)

// Conversation is the orchestrator as seen by the transports.
type Conversation interface {
	Start(ctx context.Context, sessionID string) (conversation.Reply, error)
	HandleTurn(ctx context.Context, sessionID, text string) (conversation.Reply, error)
	Close(ctx context.Context, sessionID, reason string) error
	Describe(ctx context.Context, sessionID string) (conversation.Description, error)
}

// Stats feeds the status endpoint.
type Stats interface {
	Live() int
}

// StatusCounter is implemented by stores that can count sessions by status.
type StatusCounter interface {
	CountByStatus(ctx context.Context, since time.Time) (map[string]int, error)
}

type Server struct {
	router  *chi.Mux
	conv    Conversation
	stats   Stats
	counter StatusCounter
	logger  *slog.Logger
	http    *http.Server
}

// NewServer wires the routes. counter may be nil. When apiToken is set every
// /api/v1 route requires it as a bearer token.
func NewServer(port int, apiToken string, conv Conversation, stats Stats, counter StatusCounter, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		conv:    conv,
		stats:   stats,
		counter: counter,
		logger:  logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/intake/status", s.status)
		r.Post("/sessions", s.createSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.describeSession)
			r.Delete("/", s.closeSession)
			r.Post("/turns", s.postTurn)
			r.Get("/ws", s.sessionWS)
		})
	})

	return s
}

// Start serves until Shutdown is called. After Shutdown it returns at once.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"agent":         "intake",
		"status":        "ok",
		"live_sessions": s.stats.Live(),
	}
	if s.counter != nil {
		counts, err := s.counter.CountByStatus(r.Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			s.logger.Warn("failed to count sessions", "error", err)
		} else {
			body["sessions_24h"] = counts
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
