package api

import (
	"net/http"
)

type recomputeRequest struct {
	// StudentIDs limits the run; empty recomputes every student.
	StudentIDs []string `json:"student_ids"`
	Replay     bool     `json:"replay"`
}

// handleRecompute handles POST /admin/recompute. An empty body recomputes
// every student from their stored estimates.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	report, err := s.deps.Recompute(r.Context(), req.StudentIDs, req.Replay)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
