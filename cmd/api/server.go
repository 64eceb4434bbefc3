package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jnst/bitemporal-refdata/internal/loader"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
	"github.com/jnst/bitemporal-refdata/internal/service"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	failedToEncodeResponse = "failed to encode response"
	defaultListLimit       = 50
	maxListLimit           = 500
	maxRequestBody         = 1 << 20
)

// APIServer handles the operator endpoints over reference data, loads and the outbox.
type APIServer struct {
	timelines      service.TimelineService
	changeRequests service.ChangeRequestService
	outbox         service.OutboxService
	results        repository.ResultRepository
	jobs           map[string]loader.Job
	logger         *slog.Logger
}

// NewAPIServer creates a new API server instance. jobs are keyed by dataset
// name and apply approved change requests.
func NewAPIServer(
	timelines service.TimelineService,
	changeRequests service.ChangeRequestService,
	outbox service.OutboxService,
	results repository.ResultRepository,
	jobs map[string]loader.Job,
	logger *slog.Logger,
) *APIServer {
	return &APIServer{
		timelines:      timelines,
		changeRequests: changeRequests,
		outbox:         outbox,
		results:        results,
		jobs:           jobs,
		logger:         logger,
	}
}

// Routes builds the router. metrics serves GET /metrics when non-nil.
func (s *APIServer) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/timelines/{entityType}/{codeSystem}/{key}", s.GetTimeline)
	r.Get("/timelines/{entityType}/{codeSystem}/{key}/change-points", s.GetChangePoints)

	r.Get("/change-requests/{id}/records", s.GetChangeRequestRecords)
	r.Post("/change-requests/{id}/apply", s.ApplyChangeRequest)

	r.Get("/loads/{dataset}/latest", s.GetLatestLoad)

	r.Get("/outbox/failed", s.ListFailedEvents)
	r.Get("/outbox/stats", s.OutboxStats)
	r.Post("/outbox/{id}/retry", s.RetryEvent)

	return r
}

// HealthCheck handles GET /health endpoint for service health check.
func (s *APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type timelineResponse struct {
	Key          model.Key      `json:"key"`
	Versions     []model.Record `json:"versions"`
	ChangePoints []string       `json:"change_points"`
}

// GetTimeline handles GET /timelines/{entityType}/{codeSystem}/{key}. With
// ?on=YYYY-MM-DD it returns the version valid on that date instead.
func (s *APIServer) GetTimeline(w http.ResponseWriter, r *http.Request) {
	key, err := lineageKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if on := r.URL.Query().Get("on"); on != "" {
		date, err := model.ParseDate(on)
		if err != nil {
			http.Error(w, "on must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}

		rec, err := s.timelines.VersionOn(r.Context(), key, date)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, rec)

		return
	}

	tl, err := s.timelines.Timeline(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, timelineResponse{
		Key:          key,
		Versions:     tl.Versions(),
		ChangePoints: formatDates(tl.ChangePoints()),
	})
}

// GetChangePoints handles GET /timelines/{entityType}/{codeSystem}/{key}/change-points.
func (s *APIServer) GetChangePoints(w http.ResponseWriter, r *http.Request) {
	key, err := lineageKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	points, err := s.timelines.ChangePoints(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, formatDates(points))
}

// GetChangeRequestRecords handles GET /change-requests/{id}/records.
func (s *APIServer) GetChangeRequestRecords(w http.ResponseWriter, r *http.Request) {
	rows, err := s.changeRequests.Records(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if rows == nil {
		rows = []model.Record{}
	}

	s.writeJSON(w, http.StatusOK, rows)
}

// ApplyChangeRequest handles POST /change-requests/{id}/apply?dataset=...,
// the callback of the approval workflow for one approved change.
func (s *APIServer) ApplyChangeRequest(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")

	job, ok := s.jobs[dataset]
	if !ok {
		http.Error(w, "unknown dataset", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	rec, err := job.ApplyApprovedJSON(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, rec)
}

// GetLatestLoad handles GET /loads/{dataset}/latest.
func (s *APIServer) GetLatestLoad(w http.ResponseWriter, r *http.Request) {
	res, err := s.results.Latest(r.Context(), chi.URLParam(r, "dataset"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

// ListFailedEvents handles GET /outbox/failed?limit=N.
func (s *APIServer) ListFailedEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}

		limit = min(n, maxListLimit)
	}

	events, err := s.outbox.ListFailed(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if events == nil {
		events = []*model.OutboxEvent{}
	}

	s.writeJSON(w, http.StatusOK, events)
}

// RetryEvent handles POST /outbox/{id}/retry.
func (s *APIServer) RetryEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return
	}

	event, err := s.outbox.RetryFailed(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, event)
}

// OutboxStats handles GET /outbox/stats.
func (s *APIServer) OutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.outbox.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func lineageKey(r *http.Request) (model.Key, error) {
	entityType, err := model.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		return model.Key{}, err
	}

	return model.Key{
		EntityType:  entityType,
		CodeSystem:  chi.URLParam(r, "codeSystem"),
		BusinessKey: chi.URLParam(r, "key"),
	}, nil
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(model.DateLayout)
	}

	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrRecordNotFound),
		errors.Is(err, model.ErrNoCurrentVersion),
		errors.Is(err, model.ErrEventNotFound),
		errors.Is(err, model.ErrUnknownEntityType):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidRecord),
		errors.Is(err, model.ErrInvalidValidityWindow),
		errors.Is(err, model.ErrUnknownChangeKind):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrVersionConflict),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrAdditionalApprovalRequired):
		return http.StatusConflict
	case errors.Is(err, model.ErrChangeRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(status), status)

		return
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}
