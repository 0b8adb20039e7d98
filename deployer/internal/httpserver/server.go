package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/auth"
	"github.com/stagehand-deploy/stagehand/deployer/internal/cancel"
	"github.com/stagehand-deploy/stagehand/deployer/internal/lifecycle"
	"github.com/stagehand-deploy/stagehand/deployer/internal/metrics"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/service"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
	"github.com/stagehand-deploy/stagehand/deployer/internal/validation"
)

type Server struct {
	service  *service.Service
	verifier *auth.Verifier
	metrics  *metrics.Metrics
}

func New(svc *service.Service, verifier *auth.Verifier, m *metrics.Metrics) *Server {
	return &Server{service: svc, verifier: verifier, metrics: m}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleAdmin))
			r.Post("/hosts", s.handleCreateHost)
			r.Post("/stages", s.handleCreateStage)
			r.Post("/stages/{stageID}/roles", s.handleAddRole)
			r.Post("/stages/{stageID}/configuration", s.handleSetParameter)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleAdmin, auth.RoleDeployer))
			r.Get("/stages/{stageID}", s.handleGetStage)
			r.Get("/stages/{stageID}/preview", s.handlePreview)
			r.Post("/stages/{stageID}/deployments", s.handleDeploy)
			r.Get("/stages/{stageID}/deployments", s.handleListDeployments)
			r.Get("/deployments/{deploymentID}", s.handleGetDeployment)
			r.Post("/deployments/{deploymentID}/repeat", s.handleRepeat)
			r.Post("/deployments/{deploymentID}/cancel", s.handleCancel)
		})

		r.Get("/deployments/{deploymentID}/plan", s.handlePlan)
		r.Post("/deployments/{deploymentID}/complete", s.handleComplete)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var req service.HostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	host, err := s.service.CreateHost(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, host)
}

func (s *Server) handleCreateStage(w http.ResponseWriter, r *http.Request) {
	var req service.StageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stage, err := s.service.CreateStage(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, stage)
}

func (s *Server) handleGetStage(w http.ResponseWriter, r *http.Request) {
	stageID, ok := stageParam(w, r)
	if !ok {
		return
	}
	stage, err := s.service.GetStage(r.Context(), stageID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stage)
}

func (s *Server) handleAddRole(w http.ResponseWriter, r *http.Request) {
	stageID, ok := stageParam(w, r)
	if !ok {
		return
	}
	var req service.RoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := s.service.AddRole(r.Context(), stageID, req)
	if err != nil {
		respondInputError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, role)
}

func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	stageID, ok := stageParam(w, r)
	if !ok {
		return
	}
	var req service.ParameterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	param, err := s.service.SetConfigParameter(r.Context(), stageID, req)
	if err != nil {
		respondInputError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, param)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	stageID, ok := stageParam(w, r)
	if !ok {
		return
	}
	var raw []string
	for _, v := range r.URL.Query()["exclude"] {
		raw = append(raw, strings.Split(v, ",")...)
	}
	excluded, err := models.NormalizeHostIDs(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	preview, err := s.service.Preview(r.Context(), stageID, excluded, auth.FromContext(r.Context()).Subject)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	stageID, ok := stageParam(w, r)
	if !ok {
		return
	}
	var req service.DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.service.Deploy(r.Context(), stageID, auth.FromContext(r.Context()).Subject, req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, service.NewDeploymentView(d))
}

func (s *Server) handleRepeat(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentParam(w, r)
	if !ok {
		return
	}
	var req service.RepeatRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	d, err := s.service.Repeat(r.Context(), id, auth.FromContext(r.Context()).Subject, req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, service.NewDeploymentView(d))
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	stageID, ok := stageParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.ListDeploymentsFilter{StageID: stageID, Status: models.Status(q.Get("status"))}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				respondError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}
	list, err := s.service.ListDeployments(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if list == nil {
		list = []models.Deployment{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deployments": list})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentParam(w, r)
	if !ok {
		return
	}
	view, err := s.service.GetDeployment(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentParam(w, r)
	if !ok {
		return
	}
	if err := s.service.RequestCancel(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"deploymentId": id.String(), "status": "cancelling"})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentParam(w, r)
	if !ok || !mayReport(w, r, id) {
		return
	}
	plan, err := s.service.Plan(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

type completeRequest struct {
	Status models.Status `json:"status"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentParam(w, r)
	if !ok || !mayReport(w, r, id) {
		return
	}
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.service.Complete(r.Context(), id, req.Status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, service.NewDeploymentView(d))
}

func mayReport(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	if !auth.FromContext(r.Context()).MayReport(id) {
		respondError(w, http.StatusForbidden, "token may not report on this deployment")
		return false
	}
	return true
}

func stageParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "stageID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid stage id")
		return 0, false
	}
	return id, true
}

func deploymentParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "deploymentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return uuid.Nil, false
	}
	return id, true
}

func respondInputError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "stage not found")
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}

// respondServiceError maps service errors to status codes. A
// DoubleCompletionError is an internal invariant breach and is logged as such.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		vErr    *validation.ValidationError
		lockErr *validation.LockError
		cErr    *cancel.CancellationError
		dce     *lifecycle.DoubleCompletionError
		dErr    *service.DispatchError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.As(err, &vErr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    err.Error(),
			"problems": vErr.Problems,
		})
	case errors.As(err, &lockErr):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  err.Error(),
			"heldBy": lockErr.HeldBy,
		})
	case errors.As(err, &cErr):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  err.Error(),
			"reason": cErr.Reason,
		})
	case errors.Is(err, cancel.ErrQueueFull), errors.Is(err, cancel.ErrWorkerStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidOutcome):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dce):
		log.Printf("[lifecycle] FATAL: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	case errors.As(err, &dErr):
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":      err.Error(),
			"deployment": service.NewDeploymentView(dErr.Deployment),
		})
	default:
		log.Printf("[httpserver] %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
