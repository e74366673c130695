package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/pkg/types"
)

type registerRobotRequest struct {
	RobotID           string   `json:"robot_id" validate:"required"`
	Name              string   `json:"name" validate:"required"`
	Environment       string   `json:"environment,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Capabilities      []string `json:"capabilities,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs" validate:"required,min=1"`
}

func (s *Server) handleRegisterRobot(w http.ResponseWriter, r *http.Request) {
	var req registerRobotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, orcerr.ErrValidation)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	robot := &types.Robot{
		ID:                types.RobotID(req.RobotID),
		Name:              req.Name,
		Environment:       req.Environment,
		Tags:              req.Tags,
		Capabilities:      req.Capabilities,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
	}
	if err := s.eng.RegisterRobot(r.Context(), robot); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, robot)
}

func (s *Server) handleUnregisterRobot(w http.ResponseWriter, r *http.Request) {
	id := types.RobotID(chi.URLParam(r, "robotID"))
	if err := s.eng.UnregisterRobot(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	robots := s.eng.ListRobots(types.RobotStatus(status), status != "")
	writeJSON(w, http.StatusOK, robots)
}
