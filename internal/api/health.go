package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Stores  int    `json:"stores"`
	Error   string `json:"error,omitempty"`
}

// handleHealthz reports ok when the metadata store answers a query.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Workers: s.broker.Registry().Len(),
		Stores:  len(s.gateway.Backends().List()),
	}
	if _, err := s.store.GetBundleStats(r.Context()); err != nil {
		s.logger.Error("healthz: store unavailable", "error", err)
		resp.Status, resp.Error = "unavailable", "metadata store unavailable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
