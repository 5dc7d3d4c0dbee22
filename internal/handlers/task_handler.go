package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskrelay/backend/internal/clog"
	"github.com/taskrelay/backend/internal/middleware"
	"github.com/taskrelay/backend/internal/models"
	"github.com/taskrelay/backend/internal/services"
)

// TaskLifecycle is the subset of the lifecycle service used by the handler.
type TaskLifecycle interface {
	CreateTask(ctx context.Context, in services.CreateTaskInput) (*models.Task, error)
	SupplyFields(ctx context.Context, id uuid.UUID, in services.FieldsInput) (*models.Task, error)
	RequestMatch(ctx context.Context, id uuid.UUID) (*models.Task, error)
	SelectCandidate(ctx context.Context, id uuid.UUID, candidateID string) (*models.Task, error)
	Submit(ctx context.Context, id uuid.UUID, ref string) (*models.Task, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListActive(ctx context.Context) ([]*models.Task, error)
	Report(ctx context.Context) (*services.Report, error)
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Lifecycle TaskLifecycle
	Logger    *slog.Logger
}

// --- POST /v1/tasks ---

type createTaskRequest struct {
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	SkillTags          []string   `json:"skill_tags"`
	Deadline           *time.Time `json:"deadline"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Kind               string     `json:"kind"`
	Watchers           []string   `json:"watchers"`
	MaxRetries         *int       `json:"max_retries"`
}

// CreateTask handles POST /v1/tasks. The acting user becomes the requester.
// A task created with every field present comes back already matched.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Lifecycle.CreateTask(r.Context(), services.CreateTaskInput{
		Title:              req.Title,
		Description:        req.Description,
		SkillTags:          req.SkillTags,
		Deadline:           req.Deadline,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Kind:               models.TaskKind(req.Kind),
		RequesterID:        actor.ID,
		Watchers:           req.Watchers,
		MaxRetries:         req.MaxRetries,
	})
	if task != nil {
		clog.AddTask(r.Context(), task.ID.String())
	}
	if err != nil && !errors.Is(err, services.ErrNoSuitableCandidate) {
		h.writeError(w, r, err, task)
		return
	}
	// A task without a match is still created; the caller sees it awaiting fields.
	writeJSON(w, http.StatusCreated, task)
}

// --- PATCH /v1/tasks/{id}/fields ---

type supplyFieldsRequest struct {
	Description        *string    `json:"description"`
	SkillTags          []string   `json:"skill_tags"`
	Deadline           *time.Time `json:"deadline"`
	AcceptanceCriteria *string    `json:"acceptance_criteria"`
}

func (h *TaskHandler) SupplyFields(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorized(w, r, services.TriggerSupplyFields)
	if !ok {
		return
	}
	var req supplyFieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	task, err := h.Lifecycle.SupplyFields(r.Context(), id, services.FieldsInput{
		Description:        req.Description,
		SkillTags:          req.SkillTags,
		Deadline:           req.Deadline,
		AcceptanceCriteria: req.AcceptanceCriteria,
	})
	h.respond(w, r, task, err)
}

// --- POST /v1/tasks/{id}/match ---

func (h *TaskHandler) RequestMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorized(w, r, services.TriggerMatch)
	if !ok {
		return
	}
	task, err := h.Lifecycle.RequestMatch(r.Context(), id)
	h.respond(w, r, task, err)
}

// --- POST /v1/tasks/{id}/select ---

type selectCandidateRequest struct {
	CandidateID string `json:"candidate_id"`
}

func (h *TaskHandler) SelectCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorized(w, r, services.TriggerSelect)
	if !ok {
		return
	}
	var req selectCandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	task, err := h.Lifecycle.SelectCandidate(r.Context(), id, req.CandidateID)
	h.respond(w, r, task, err)
}

// --- POST /v1/tasks/{id}/submissions ---

type submitRequest struct {
	Ref string `json:"ref"`
}

// Submit handles POST /v1/tasks/{id}/submissions from the assignee. The
// response carries the task after verification; a pending verdict leaves it
// in_progress with last_verdict "pending".
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorized(w, r, services.TriggerSubmit)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	task, err := h.Lifecycle.Submit(r.Context(), id, req.Ref)
	h.respond(w, r, task, err)
}

// --- POST /v1/tasks/{id}/cancel ---

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorized(w, r, services.TriggerCancel)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
	}
	task, err := h.Lifecycle.Cancel(r.Context(), id, req.Reason)
	h.respond(w, r, task, err)
}

// --- GET /v1/tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := h.Lifecycle.GetTask(r.Context(), id)
	h.respond(w, r, task, err)
}

// --- GET /v1/tasks ---

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Lifecycle.ListActive(r.Context())
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "list tasks", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- GET /v1/report ---

func (h *TaskHandler) Report(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Lifecycle.Report(r.Context())
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "build report", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// authorized parses the task id and checks that the acting user may fire
// trigger on it. It writes the error response itself when it returns false.
func (h *TaskHandler) authorized(w http.ResponseWriter, r *http.Request, trigger services.Trigger) (uuid.UUID, bool) {
	id, ok := taskID(w, r)
	if !ok {
		return uuid.Nil, false
	}
	actor := middleware.ActorFromCtx(r.Context())
	if actor == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, false
	}
	task, err := h.Lifecycle.GetTask(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return uuid.Nil, false
	}
	if err := services.Authorize(task, actor.ID, trigger); err != nil {
		h.writeError(w, r, err, nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *TaskHandler) respond(w http.ResponseWriter, r *http.Request, task *models.Task, err error) {
	if err != nil {
		h.writeError(w, r, err, task)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type errorResponse struct {
	Error     string       `json:"error"`
	Code      string       `json:"code"`
	Retryable bool         `json:"retryable,omitempty"`
	Task      *models.Task `json:"task,omitempty"`
}

func (h *TaskHandler) writeError(w http.ResponseWriter, r *http.Request, err error, task *models.Task) {
	writeLifecycleError(w, r, h.Logger, err, task)
}

// writeLifecycleError maps lifecycle errors onto HTTP statuses. The task
// snapshot is included where the caller needs it to see what happened.
func writeLifecycleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, task *models.Task) {
	clog.AddError(r.Context(), err)
	status, resp := errorStatus(err)
	switch {
	case errors.Is(err, services.ErrRetriesExhausted),
		errors.Is(err, services.ErrNoSuitableCandidate),
		errors.Is(err, services.ErrExternalService):
		resp.Task = task
	}
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func errorStatus(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}
	switch {
	case errors.Is(err, services.ErrValidation):
		resp.Code = "validation_failed"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, services.ErrTaskNotFound):
		resp.Code = "not_found"
		return http.StatusNotFound, resp
	case errors.Is(err, services.ErrNotAuthorized):
		resp.Code = "forbidden"
		return http.StatusForbidden, resp
	case errors.Is(err, services.ErrRetriesExhausted):
		resp.Code = "retries_exhausted"
		return http.StatusConflict, resp
	case errors.Is(err, services.ErrAlreadyVerifying):
		resp.Code = "already_verifying"
		return http.StatusConflict, resp
	case errors.Is(err, services.ErrInvalidTransition):
		resp.Code = "invalid_transition"
		return http.StatusConflict, resp
	case errors.Is(err, services.ErrTransitionInFlight):
		resp.Code = "in_flight"
		resp.Retryable = true
		return http.StatusConflict, resp
	case errors.Is(err, services.ErrNoSuitableCandidate):
		resp.Code = "no_suitable_candidate"
		return http.StatusConflict, resp
	case errors.Is(err, services.ErrExternalService):
		resp.Code = "external_service"
		resp.Retryable = true
		return http.StatusServiceUnavailable, resp
	default:
		resp.Code = "internal"
		return http.StatusInternalServerError, resp
	}
}

func taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	clog.AddTask(r.Context(), id.String())
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
