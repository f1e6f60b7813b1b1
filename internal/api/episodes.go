package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foldrl/bindertune/internal/model"
	"github.com/foldrl/bindertune/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listEpisodesResponse wraps the paginated list response.
type listEpisodesResponse struct {
	Episodes []*model.Episode `json:"episodes"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	episodes, total, err := s.store.ListEpisodes(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list episodes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list episodes")
		return
	}

	if episodes == nil {
		episodes = []*model.Episode{}
	}

	s.writeJSON(w, http.StatusOK, listEpisodesResponse{
		Episodes: episodes,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ep, err := s.store.GetEpisode(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "episode not found")
		return
	}
	if err != nil {
		s.logger.Error("get episode", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get episode")
		return
	}

	s.writeJSON(w, http.StatusOK, ep)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
