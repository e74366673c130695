package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/trigger"
	"github.com/falconrpa/orchestrator/pkg/types"
)

type registerTriggerRequest struct {
	Type       string         `json:"type" validate:"required,oneof=manual scheduled webhook file email form chat workflow_call"`
	Config     map[string]any `json:"config,omitempty"`
	ScenarioID string         `json:"scenario_id,omitempty"`
	WorkflowID string         `json:"workflow_id" validate:"required"`
	Enabled    bool           `json:"enabled"`
}

func (s *Server) handleRegisterTrigger(w http.ResponseWriter, r *http.Request) {
	var req registerTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, orcerr.ErrValidation)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	t := &types.Trigger{
		Type:       types.TriggerType(req.Type),
		Config:     req.Config,
		ScenarioID: req.ScenarioID,
		WorkflowID: req.WorkflowID,
		Enabled:    req.Enabled,
	}
	created, err := s.eng.RegisterTrigger(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := struct {
		*types.Trigger
		WebhookPath string `json:"webhook_path,omitempty"`
	}{Trigger: created}
	if created.Type == types.TriggerWebhook {
		resp.WebhookPath = trigger.WebhookPath(created)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.ListTriggers())
}

func (s *Server) handleUnregisterTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")
	if err := s.eng.UnregisterTrigger(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleEnableTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")
	if err := s.eng.EnableTrigger(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDisableTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")
	if err := s.eng.DisableTrigger(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleFireTrigger fires FORM/CHAT/WORKFLOW_CALL/MANUAL triggers
// explicitly via the control-plane API, with an arbitrary JSON payload
// passed through as job parameters.
func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")
	var params map[string]any
	_ = decodeJSON(r, &params)

	job, err := s.eng.FireManually(r.Context(), id, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleWebhook is the dynamic WEBHOOK trigger endpoint: any trigger_id is
// accepted here, looked up at request time rather than requiring a route
// to be (re)registered when a WEBHOOK trigger is created.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")
	var params map[string]any
	_ = decodeJSON(r, &params)

	job, err := s.eng.FireManually(r.Context(), id, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
