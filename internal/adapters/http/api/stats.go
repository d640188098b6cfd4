package api

import (
	"context"
	"net/http"

	service "github.com/okian/irtengine/internal/app"
)

// StatsProvider reports service statistics for GET /stats.
type StatsProvider interface {
	GetStats(ctx context.Context) (service.Stats, error)
}

// handleStats handles GET /stats. Counts that could not be read are
// reported as an error rather than as zeros.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.GetStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
