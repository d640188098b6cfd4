package api

import (
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/okian/irtengine/internal/domain/aggregate"
	"github.com/okian/irtengine/internal/domain/model"
)

// handleAbilities handles GET /students/{studentID}/abilities.
func (s *Server) handleAbilities(w http.ResponseWriter, r *http.Request) {
	set, err := s.deps.Abilities(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

type topicResponse struct {
	Estimate model.AbilityEstimate `json:"estimate"`
	// Resolution is "direct" or "derived".
	Resolution string   `json:"resolution"`
	ResolvedTo []string `json:"resolved_to"`
}

// handleTopic handles GET /students/{studentID}/topics/{topicKey}.
func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	est, res, err := s.deps.ResolveTopic(r.Context(), chi.URLParam(r, "studentID"), chi.URLParam(r, "topicKey"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := topicResponse{Estimate: est}
	switch v := res.(type) {
	case aggregate.Direct:
		out.Resolution, out.ResolvedTo = "direct", []string{v.Key}
	case aggregate.Derived:
		out.Resolution, out.ResolvedTo = "derived", v.To
	}
	writeJSON(w, http.StatusOK, out)
}

// itemView is an item as shown to a student; the answer key stays on the server.
type itemView struct {
	ID             string           `json:"id"`
	TopicKey       string           `json:"topic_key"`
	SubjectKey     string           `json:"subject_key"`
	Difficulty     float64          `json:"difficulty"`
	Discrimination float64          `json:"discrimination"`
	Guessing       float64          `json:"guessing"`
	Format         model.ItemFormat `json:"format"`
	OptionCount    int              `json:"option_count,omitempty"`
}

func viewOf(it model.Item) itemView {
	return itemView{
		ID:             it.ID,
		TopicKey:       it.TopicKey,
		SubjectKey:     it.SubjectKey,
		Difficulty:     it.Difficulty,
		Discrimination: it.Discrimination,
		Guessing:       it.Guessing,
		Format:         it.Format,
		OptionCount:    it.OptionCount,
	}
}

type nextItemResponse struct {
	Item  itemView `json:"item"`
	Theta float64  `json:"theta"`
	Score float64  `json:"score"`
	// Threshold is null when the difficulty window was opened completely.
	Threshold   *float64 `json:"threshold"`
	Relaxations []string `json:"relaxations"`
	Fallback    bool     `json:"fallback"`
}

// handleNextItem handles GET /students/{studentID}/next-item?topic=.
func (s *Server) handleNextItem(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	res, err := s.deps.NextItem(r.Context(), chi.URLParam(r, "studentID"), topic)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := nextItemResponse{
		Item:        viewOf(res.Item),
		Theta:       res.Theta,
		Score:       res.Score,
		Relaxations: make([]string, 0, len(res.Relaxations)),
		Fallback:    res.Fallback,
	}
	if !res.Fallback && !math.IsInf(res.Threshold, 0) {
		t := res.Threshold
		out.Threshold = &t
	}
	for _, rel := range res.Relaxations {
		out.Relaxations = append(out.Relaxations, string(rel))
	}
	writeJSON(w, http.StatusOK, out)
}
