// Package server exposes the engine's control surface over HTTP: schedule
// orchestrations, raise events, terminate, and inspect instances. The
// handlers are a thin JSON layer over the client package; all semantics
// live below.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/client"
)

// Config for the HTTP API handler.
type Config struct {
	Client *client.Client
	Logger durable.Logger
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type scheduleRequest struct {
	Orchestrator string          `json:"orchestrator"`
	InstanceID   string          `json:"instance_id,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
}

type scheduleResponse struct {
	InstanceID string `json:"instance_id"`
}

type terminateRequest struct {
	Reason json.RawMessage `json:"reason,omitempty"`
}

type purgeRequest struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

// New returns the HTTP handler for the engine API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Client == nil {
		return nil, errors.New("server requires a client")
	}
	s := &server{
		client: cfg.Client,
		logger: durable.NormalizeLogger(cfg.Logger),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", s.handleHealth)
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	router.Route("/v1/instances", func(r chi.Router) {
		r.Post("/", s.handleSchedule)
		r.Get("/", s.handleList)
		r.Post("/purge", s.handlePurge)
		r.Route("/{instanceID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/history", s.handleHistory)
			r.Post("/events/{eventName}", s.handleRaiseEvent)
			r.Post("/terminate", s.handleTerminate)
		})
	})
	return router, nil
}

type server struct {
	client *client.Client
	logger durable.Logger
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Orchestrator == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "orchestrator is required")
		return
	}
	opts := []client.ScheduleOption{}
	if req.InstanceID != "" {
		opts = append(opts, client.WithInstanceID(req.InstanceID))
	}
	if len(req.Input) > 0 {
		opts = append(opts, client.WithRawInput(req.Input))
	}
	id, err := s.client.ScheduleNewOrchestration(r.Context(), req.Orchestrator, opts...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{InstanceID: id})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	instances, err := s.client.ListInstances(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.client.GetStatus(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.client.GetHistory(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleRaiseEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "event payload must be JSON")
			return
		}
	}
	err = s.client.RaiseEvent(r.Context(), chi.URLParam(r, "instanceID"), chi.URLParam(r, "eventName"), payload)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	var reason any
	if len(req.Reason) > 0 {
		if err := json.Unmarshal(req.Reason, &reason); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "reason must be JSON")
			return
		}
	}
	if err := s.client.Terminate(r.Context(), chi.URLParam(r, "instanceID"), reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

func (s *server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.RetentionSeconds < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "retention must not be negative")
		return
	}
	purged, err := s.client.PurgeCompleted(r.Context(), time.Duration(req.RetentionSeconds)*time.Second)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Purged: purged})
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	code := durable.ErrorCode(err)
	switch code {
	case durable.ErrCodeInstanceNotFound:
		writeError(w, http.StatusNotFound, code, err.Error())
	case durable.ErrCodeInstanceExists, durable.ErrCodeInstanceTerminated:
		writeError(w, http.StatusConflict, code, err.Error())
	case durable.ErrCodeNotRegistered:
		writeError(w, http.StatusBadRequest, code, err.Error())
	default:
		s.logger.Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}
