package api

import (
	"net/http"

	"github.com/okian/irtengine/internal/domain/model"
)

type upsertItemsRequest struct {
	Items []model.Item `json:"items"`
}

type upsertItemsResponse struct {
	Upserted int          `json:"upserted"`
	Items    []model.Item `json:"items"`
}

// handleUpsertItems handles PUT /items.
func (s *Server) handleUpsertItems(w http.ResponseWriter, r *http.Request) {
	var req upsertItemsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	items, err := s.deps.UpsertItems(r.Context(), req.Items)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upsertItemsResponse{Upserted: len(items), Items: items})
}
