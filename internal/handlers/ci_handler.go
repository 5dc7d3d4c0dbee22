package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskrelay/backend/internal/ci"
	"github.com/taskrelay/backend/internal/clog"
	"github.com/taskrelay/backend/internal/models"
)

const maxWebhookBody = 1 << 20

// CIResultApplier feeds CI outcomes into the lifecycle.
type CIResultApplier interface {
	ApplyCIResult(ctx context.Context, id uuid.UUID, ref string, state models.CIState) (*models.Task, error)
}

// CIHandler receives GitHub workflow_run callbacks for pending code submissions.
type CIHandler struct {
	Lifecycle CIResultApplier
	Logger    *slog.Logger
}

// --- POST /v1/ci/workflow-run?task_id={id}&ref={ref} ---

// WorkflowRun handles the webhook. ref is optional; when set it must match
// the task's pending submission. Runs that have not finished are acknowledged
// without touching the task.
func (h *CIHandler) WorkflowRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("task_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task_id"}`, http.StatusBadRequest)
		return
	}
	clog.AddTask(r.Context(), id.String())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	run, err := ci.ParseWorkflowRun(body)
	if err != nil {
		if errors.Is(err, ci.ErrNoWorkflowRun) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
			return
		}
		http.Error(w, `{"error":"invalid workflow_run payload"}`, http.StatusBadRequest)
		return
	}
	clog.AddAll(r.Context(), map[string]any{"workflow": run.Name, "ci_state": run.State, "head_sha": run.HeadSHA})

	task, err := h.Lifecycle.ApplyCIResult(r.Context(), id, r.URL.Query().Get("ref"), run.State)
	if err != nil {
		writeLifecycleError(w, r, h.Logger, err, task)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
