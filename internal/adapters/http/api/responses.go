package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okian/irtengine/internal/domain/model"
)

// responseRequest is the body of POST /students/{studentID}/responses.
type responseRequest struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	IsCorrect  *bool  `json:"is_correct"`
	// OccurredAt is RFC3339; the server time is used when it is empty.
	OccurredAt string `json:"occurred_at"`
}

func (req responseRequest) validate() error {
	switch {
	case strings.TrimSpace(req.ResponseID) == "":
		return errors.New("missing response_id")
	case strings.TrimSpace(req.ItemID) == "":
		return errors.New("missing item_id")
	case req.IsCorrect == nil:
		return errors.New("missing is_correct")
	}
	if req.OccurredAt != "" {
		if _, err := time.Parse(time.RFC3339, req.OccurredAt); err != nil {
			return errors.New("invalid occurred_at; must be RFC3339")
		}
	}
	return nil
}

type submitResponse struct {
	Status    string                `json:"status"`
	Duplicate bool                  `json:"duplicate"`
	Topic     model.AbilityEstimate `json:"topic"`
	Estimates model.EstimateSet     `json:"estimates"`
}

// handleSubmitResponse handles POST /students/{studentID}/responses.
func (s *Server) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	resp := model.Response{
		ID:        req.ResponseID,
		StudentID: chi.URLParam(r, "studentID"),
		ItemID:    req.ItemID,
		IsCorrect: *req.IsCorrect,
	}
	if req.OccurredAt != "" {
		resp.OccurredAt, _ = time.Parse(time.RFC3339, req.OccurredAt)
	}

	res, err := s.deps.SubmitResponse(r.Context(), resp)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := "applied"
	if res.Duplicate {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Status:    status,
		Duplicate: res.Duplicate,
		Topic:     res.Topic,
		Estimates: res.Estimates,
	})
}
