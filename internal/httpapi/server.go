package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ruhal-doshi/chatsync/internal/config"
	"github.com/ruhal-doshi/chatsync/internal/history"
	"github.com/ruhal-doshi/chatsync/internal/identity"
	"github.com/ruhal-doshi/chatsync/internal/observability"
	"github.com/ruhal-doshi/chatsync/internal/provider"
	"github.com/ruhal-doshi/chatsync/internal/ratelimit"
)

type Server struct {
	cfg      config.Config
	store    history.Remote
	limiter  ratelimit.Limiter
	adapter  provider.Adapter
	verifier *identity.Verifier
	metrics  *observability.Metrics
}

func New(cfg config.Config, store history.Remote, limiter ratelimit.Limiter, adapter provider.Adapter, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		adapter:  adapter,
		verifier: identity.NewVerifier(cfg.JWTSecret),
		metrics:  metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.verifier.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/chat", s.handleChat)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}/messages", s.handleListMessages)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "unauthorized", "not authorized")
	case errors.Is(err, history.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
