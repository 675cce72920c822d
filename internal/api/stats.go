package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total     int            `json:"total"`
	ByState   map[string]int `json:"by_state"`
	ByType    map[string]int `json:"by_type"`
	Locations int            `json:"locations"`
	Workers   int            `json:"workers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetBundleStats(r.Context())
	if err != nil {
		s.logger.Error("get bundle stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:     stats.Total,
		ByState:   stats.CountByState,
		ByType:    stats.CountByType,
		Locations: stats.Locations,
		Workers:   s.broker.Registry().Len(),
	})
}
