package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
)

// submitJobRequest is the validated request body for POST /api/v1/jobs.
type submitJobRequest struct {
	WorkflowID       string         `json:"workflow_id" validate:"required"`
	WorkflowName     string         `json:"workflow_name,omitempty"`
	WorkflowDocument []byte         `json:"workflow_document" validate:"required"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Priority         string         `json:"priority,omitempty" validate:"omitempty,oneof=low normal high critical"`
	TargetRobotID    string         `json:"target_robot_id,omitempty"`
	ScheduledTime    *time.Time     `json:"scheduled_time,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
	RequiredTags     []string       `json:"required_tags,omitempty"`
	RequiredCaps     []string       `json:"required_capabilities,omitempty"`
}

func parsePriority(s string) types.Priority {
	switch s {
	case "low":
		return types.PriorityLow
	case "high":
		return types.PriorityHigh
	case "critical":
		return types.PriorityCritical
	default:
		return types.PriorityNormal
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, orcerr.ErrValidation)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	job := &types.Job{
		WorkflowID:       req.WorkflowID,
		WorkflowName:     req.WorkflowName,
		WorkflowDocument: req.WorkflowDocument,
		Parameters:       req.Parameters,
		Priority:         parsePriority(req.Priority),
		TargetRobotID:    types.RobotID(req.TargetRobotID),
		ScheduledTime:    req.ScheduledTime,
		RequiredTags:     req.RequiredTags,
		RequiredCaps:     req.RequiredCaps,
	}
	if req.TimeoutSeconds > 0 {
		job.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	enqueued, err := s.eng.SubmitJob(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueued)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "jobID"))
	job, err := s.eng.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{}
	if status := q.Get("status"); status != "" {
		filter.Status = types.JobStatus(status)
		filter.HasStatus = true
	}
	if robotID := q.Get("robot_id"); robotID != "" {
		filter.RobotID = types.RobotID(robotID)
		filter.HasRobot = true
	}
	if workflowID := q.Get("workflow_id"); workflowID != "" {
		filter.WorkflowID = workflowID
		filter.HasWorkflow = true
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}

	jobs, err := s.eng.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type cancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "jobID"))
	var req cancelJobRequest
	_ = decodeJSON(r, &req) // body is optional

	if err := s.eng.CancelJob(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "jobID"))
	job, err := s.eng.RetryJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}
