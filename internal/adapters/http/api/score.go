package api

import (
	"net/http"

	"github.com/okian/irtengine/internal/domain/scoring"
)

type scoreTestRequest struct {
	ItemIDs []string         `json:"item_ids"`
	Answers []scoring.Answer `json:"answers"`
}

// handleScoreTest handles POST /tests/score.
func (s *Server) handleScoreTest(w http.ResponseWriter, r *http.Request) {
	var req scoreTestRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.ScoreTest(r.Context(), req.ItemIDs, req.Answers)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
