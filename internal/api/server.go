package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/generation"
	"github.com/MikeSquared-Agency/parley/internal/persist"
	"github.com/MikeSquared-Agency/parley/internal/store"
	"github.com/MikeSquared-Agency/parley/internal/upstream"
)

type Server struct {
	router   *chi.Mux
	port     int
	apiToken string
	hub      *store.Hub
	chat     *chat.Service
	logger   *slog.Logger
	http     *http.Server

	natsConnected func() bool
}

func NewServer(port int, apiToken string, hub *store.Hub, svc *chat.Service, resolver auth.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		apiToken: apiToken,
		hub:      hub,
		chat:     svc,
		logger:   logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/parley/status", s.status)

	router.With(BearerAuthMiddleware(apiToken)).Post("/api/chat", s.relayChat)

	router.Route("/api/v1/conversations", func(r chi.Router) {
		r.Use(auth.Middleware(resolver))
		r.Get("/", s.listConversations)
		r.Post("/", s.createConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getConversation)
			r.Delete("/", s.deleteConversation)
			r.Put("/current", s.selectConversation)
			r.Post("/older", s.loadOlder)
			r.Post("/messages", s.sendMessage)
			r.Delete("/generation", s.cancelGeneration)
		})
	})

	return s
}

// WithEventsStatus reports the event bus connection state on the status
// endpoint.
func (s *Server) WithEventsStatus(connected func() bool) *Server {
	s.natsConnected = connected
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for open streams until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":              "parley",
		"status":             "ok",
		"active_generations": s.chat.Active(),
		"nats_connected":     s.natsConnected != nil && s.natsConnected(),
	})
}

// BearerAuthMiddleware rejects requests without the shared API token. An
// empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					writeError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generation.ErrActive):
		return http.StatusConflict
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, chat.ErrEmptyReply):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrUnknownConversation), errors.Is(err, persist.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnresolved):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// fail maps err to a status and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}
