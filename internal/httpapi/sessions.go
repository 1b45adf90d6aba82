package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxPageSize = 100

func pageParams(r *http.Request) (cursor string, limit int) {
	q := r.URL.Query()
	cursor = strings.TrimSpace(q.Get("cursor"))
	limit = 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return cursor, limit
}

// Session listing and deletion go through the store's principal-checked
// surface; an unauthenticated caller sees empty terminal pages for reads and
// a hard refusal for the delete.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	cursor, limit := pageParams(r)
	page, err := s.store.ListSessions(r.Context(), cursor, limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_cursor", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	cursor, limit := pageParams(r)
	page, err := s.store.ListMessages(r.Context(), id, cursor, limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_cursor", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
