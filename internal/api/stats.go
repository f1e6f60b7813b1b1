package api

import (
	"net/http"

	"github.com/foldrl/bindertune/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total       int            `json:"total"`
	ByState     map[string]int `json:"by_state"`
	SuccessRate float64        `json:"success_rate"`
	AvgReward   float64        `json:"avg_reward"`
	MaxReward   float64        `json:"max_reward"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetEpisodeStats(r.Context())
	if err != nil {
		s.logger.Error("get episode stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	finalized := stats.CountByState[model.StateFinalized]
	terminal := finalized + stats.CountByState[model.StateFailed] + stats.CountByState[model.StateCancelled]
	rate := 0.0
	if terminal > 0 {
		rate = float64(finalized) / float64(terminal)
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:       stats.Total,
		ByState:     stats.CountByState,
		SuccessRate: rate,
		AvgReward:   stats.AvgReward,
		MaxReward:   stats.MaxReward,
	})
}
