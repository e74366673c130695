package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/pkg/types"
)

type createScheduleRequest struct {
	WorkflowID      string     `json:"workflow_id" validate:"required"`
	Frequency       string     `json:"frequency" validate:"required,oneof=once interval cron"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	At              *time.Time `json:"at,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	RobotID         string     `json:"robot_id,omitempty"`
	Priority        string     `json:"priority,omitempty" validate:"omitempty,oneof=low normal high critical"`
	CatchUp         bool       `json:"catch_up,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, orcerr.ErrValidation)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sch := &types.Schedule{
		WorkflowID:     req.WorkflowID,
		Frequency:      types.Frequency(req.Frequency),
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		RobotID:        types.RobotID(req.RobotID),
		Priority:       parsePriority(req.Priority),
		CatchUp:        req.CatchUp,
	}
	if req.IntervalSeconds > 0 {
		sch.Interval = time.Duration(req.IntervalSeconds) * time.Second
	}
	if req.At != nil {
		sch.At = *req.At
	}

	created, err := s.eng.CreateSchedule(r.Context(), sch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.ListSchedules())
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	if err := s.eng.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type toggleScheduleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	var req toggleScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, orcerr.ErrValidation)
		return
	}
	if err := s.eng.ToggleSchedule(r.Context(), id, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
