package ci

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskrelay/backend/internal/models"
)

// ErrNoWorkflowRun is returned for webhook payloads without a workflow_run object.
var ErrNoWorkflowRun = errors.New("payload has no workflow_run")

// WorkflowRun is the part of a workflow_run webhook the service cares about.
type WorkflowRun struct {
	Name       string
	HeadSHA    string
	HeadBranch string
	HTMLURL    string
	State      models.CIState
}

type workflowRunPayload struct {
	Action      string `json:"action"`
	WorkflowRun *struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadSHA    string `json:"head_sha"`
		HeadBranch string `json:"head_branch"`
		HTMLURL    string `json:"html_url"`
	} `json:"workflow_run"`
}

// ParseWorkflowRun decodes a GitHub workflow_run webhook body.
func ParseWorkflowRun(body []byte) (*WorkflowRun, error) {
	var p workflowRunPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode workflow_run payload: %w", err)
	}
	if p.WorkflowRun == nil {
		return nil, ErrNoWorkflowRun
	}
	run := p.WorkflowRun
	return &WorkflowRun{
		Name:       run.Name,
		HeadSHA:    run.HeadSHA,
		HeadBranch: run.HeadBranch,
		HTMLURL:    run.HTMLURL,
		State:      workflowRunState(run.Status, run.Conclusion),
	}, nil
}

// workflowRunState differs from CheckRunState in that only an explicit
// "success" conclusion passes.
func workflowRunState(status, conclusion string) models.CIState {
	if status != "completed" {
		return CheckRunState(status, conclusion)
	}
	switch conclusion {
	case "success":
		return models.CIStateSuccess
	case "failure":
		return models.CIStateFailure
	default:
		return models.CIStateError
	}
}
