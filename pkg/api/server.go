package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/connectors"
	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/storage"
)

const maxBodyBytes = 1 << 20

// Server exposes the service over HTTP.
type Server struct {
	service *Service
	health  func(ctx context.Context) error
	logger  zerolog.Logger
}

// NewServer builds the HTTP layer. health is probed by /healthz, usually
// the store's Ping.
func NewServer(service *Service, health func(ctx context.Context) error, logger zerolog.Logger) *Server {
	return &Server{
		service: service,
		health:  health,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// Router assembles all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connectors", s.handleListConnectors)

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/", s.handleListWorkflows)
			r.Get("/{workflowID}", s.handleGetWorkflow)
			r.Post("/{workflowID}/versions", s.handleAddVersion)
			r.Post("/{workflowID}/start", s.handleStartInstance)
			r.Post("/{workflowID}/trigger", s.handleTriggerWorkflow)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Get("/{instanceID}", s.handleGetInstance)
			r.Post("/{instanceID}/cancel", s.handleCancelInstance)
			r.Post("/{instanceID}/events", s.handleSendEvent)
		})

		r.Post("/triggers/{connectorID}/{triggerID}", s.handleFanOutTrigger)

		r.Route("/connections", func(r chi.Router) {
			r.Post("/", s.handleCreateConnection)
			r.Get("/", s.handleListConnections)
			r.Get("/{connectionID}", s.handleGetConnection)
			r.Put("/{connectionID}", s.handleUpdateConnection)
			r.Delete("/{connectionID}", s.handleDeleteConnection)
		})
	})
	return r
}

type ctxKey int

const requestIDKey ctxKey = 0

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(started)).
			Str("request_id", requestIDFrom(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConnectors(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, connectors.Catalog())
}

type createWorkflowRequest struct {
	Name       string              `json:"name"`
	Definition workflow.Definition `json:"definition"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	wf, version, err := s.service.CreateWorkflow(r.Context(), req.Name, req.Definition)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"workflow": wf, "version": version})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	out, err := s.service.ListWorkflows(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, version, err := s.service.GetWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflow": wf, "version": version})
}

type addVersionRequest struct {
	Definition workflow.Definition `json:"definition"`
}

func (s *Server) handleAddVersion(w http.ResponseWriter, r *http.Request) {
	var req addVersionRequest
	if !s.decode(w, r, &req) {
		return
	}
	version, err := s.service.AddVersion(r.Context(), chi.URLParam(r, "workflowID"), req.Definition)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, version)
}

type startInstanceRequest struct {
	Data workflow.Data `json:"data"`
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	instanceID, err := s.service.StartInstance(r.Context(), chi.URLParam(r, "workflowID"), req.Data, requestIDFrom(r.Context()))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"instance_id": instanceID})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	out, err := s.service.ListInstances(r.Context(), q.Get("status"), q.Get("workflow_id"), limit, offset)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, execs, err := s.service.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"instance": inst, "step_executions": execs})
}

func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelInstance(r.Context(), chi.URLParam(r, "instanceID")); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(workflow.StatusCancelled)})
}

type sendEventRequest struct {
	Data workflow.Data `json:"data"`
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var req sendEventRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.SendEvent(r.Context(), chi.URLParam(r, "instanceID"), req.Data); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleTriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	outcome, err := s.service.TriggerWorkflow(r.Context(), chi.URLParam(r, "workflowID"), r, body, requestIDFrom(r.Context()))
	s.respondTrigger(w, outcome, err)
}

func (s *Server) handleFanOutTrigger(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	outcome, err := s.service.FanOutTrigger(r.Context(),
		chi.URLParam(r, "connectorID"), chi.URLParam(r, "triggerID"), r, body, requestIDFrom(r.Context()))
	s.respondTrigger(w, outcome, err)
}

func (s *Server) respondTrigger(w http.ResponseWriter, outcome TriggerOutcome, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	if outcome.Challenge != "" {
		respondJSON(w, http.StatusOK, map[string]string{"challenge": outcome.Challenge})
		return
	}
	respondJSON(w, http.StatusAccepted, outcome)
}

type connectionRequest struct {
	ConnectorID string        `json:"connector_id"`
	Name        string        `json:"name"`
	Config      workflow.Data `json:"config"`
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.service.CreateConnection(r.Context(), req.ConnectorID, req.Name, req.Config)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	out, err := s.service.ListConnections(r.Context(), r.URL.Query().Get("connector_id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redactConnections(out))
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.service.GetConnection(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redactConnection(conn))
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.UpdateConnection(r.Context(), chi.URLParam(r, "connectionID"), req.Name, req.Config); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteConnection(r.Context(), chi.URLParam(r, "connectionID")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// redactConnection strips the stored credentials from API output.
func redactConnection(conn workflow.Connection) workflow.Connection {
	conn.Config = workflow.EmptyData()
	return conn
}

func redactConnections(conns []workflow.Connection) []workflow.Connection {
	out := make([]workflow.Connection, len(conns))
	for i, c := range conns {
		out[i] = redactConnection(c)
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return nil, false
	}
	return body, true
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid definition", "problems": validation.Problems})
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrConflict):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidState):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
