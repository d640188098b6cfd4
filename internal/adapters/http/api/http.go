// Package api exposes the ability service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/irtengine/internal/adapters/repository"
	service "github.com/okian/irtengine/internal/app"
	"github.com/okian/irtengine/internal/domain/aggregate"
	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/internal/domain/scoring"
	"github.com/okian/irtengine/internal/domain/selection"
	"github.com/okian/irtengine/pkg/logger"
	"github.com/okian/irtengine/pkg/metrics"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	SubmitResponse(ctx context.Context, resp model.Response) (service.SubmitResult, error)
	Abilities(ctx context.Context, studentID string) (model.EstimateSet, error)
	ResolveTopic(ctx context.Context, studentID, topicKey string) (model.AbilityEstimate, aggregate.Resolution, error)
	NextItem(ctx context.Context, studentID, topicKey string) (service.NextItemResult, error)
	ScoreTest(ctx context.Context, itemIDs []string, answers []scoring.Answer) (scoring.Result, error)
	UpsertItems(ctx context.Context, items []model.Item) ([]model.Item, error)
	Recompute(ctx context.Context, studentIDs []string, replay bool) (service.Report, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps           Dependencies
	stats          StatsProvider
	requestTimeout time.Duration
	logger         logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout bounds the time a handler may take.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:           deps,
		stats:          statsProvider,
		requestTimeout: 10 * time.Second,
		logger:         logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")
	return s
}

// Handler returns the router with every route attached.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	r.Get("/healthz", HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	r.Get("/stats", s.handleStats)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Put("/items", s.handleUpsertItems)
		r.Route("/students/{studentID}", func(r chi.Router) {
			r.Post("/responses", s.handleSubmitResponse)
			r.Get("/abilities", s.handleAbilities)
			r.Get("/topics/{topicKey}", s.handleTopic)
			r.Get("/next-item", s.handleNextItem)
		})
		r.Post("/tests/score", s.handleScoreTest)
	})

	// Recompute runs as long as it takes; only the caller's context bounds it.
	r.Post("/admin/recompute", s.handleRecompute)
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

// fail maps a service error to a status code. Server-side failures are
// logged and answered with a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, irt.ErrInvalidParameter),
		errors.Is(err, scoring.ErrUnknownItem),
		errors.Is(err, scoring.ErrDuplicateAnswer):
		writeError(w, http.StatusUnprocessableEntity, "invalid_parameter", err)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, selection.ErrNoCandidate):
		writeError(w, http.StatusNotFound, "no_candidate", err)
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", nil)
	default:
		s.logger.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path),
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", nil)
	}
}
