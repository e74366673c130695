// Package httpapi implements the inbound control-plane REST API — job
// submission and lifecycle, robot administration, schedules, triggers,
// and the operational status snapshot — and mounts the robot websocket
// channel and dynamic webhook routes on the same chi router.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/falconrpa/orchestrator/internal/engine"
	"github.com/falconrpa/orchestrator/internal/transport/wsrobot"
)

var log = slog.Default()

var validate = validator.New()

// Server wires the Engine façade to a chi.Router: the REST control-plane
// API, the robot websocket endpoint, and dynamic webhook routes.
type Server struct {
	eng    *engine.Engine
	hub    *wsrobot.Hub
	router chi.Router
}

// New builds the full route tree. corsOrigins is the allowed-origins list
// for the control-plane API (pass []string{"*"} to allow any origin).
func New(eng *engine.Engine, hub *wsrobot.Hub, corsOrigins []string) *Server {
	s := &Server{eng: eng, hub: hub}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/ws/robot", hub.ServeHTTP)
	r.Post("/webhooks/{triggerID}", s.handleWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/jobs", func(jr chi.Router) {
			jr.Post("/", s.handleSubmitJob)
			jr.Get("/", s.handleListJobs)
			jr.Get("/{jobID}", s.handleGetJob)
			jr.Post("/{jobID}/cancel", s.handleCancelJob)
			jr.Post("/{jobID}/retry", s.handleRetryJob)
		})
		api.Route("/robots", func(rr chi.Router) {
			rr.Post("/", s.handleRegisterRobot)
			rr.Get("/", s.handleListRobots)
			rr.Delete("/{robotID}", s.handleUnregisterRobot)
		})
		api.Route("/schedules", func(sr chi.Router) {
			sr.Post("/", s.handleCreateSchedule)
			sr.Get("/", s.handleListSchedules)
			sr.Delete("/{scheduleID}", s.handleDeleteSchedule)
			sr.Post("/{scheduleID}/toggle", s.handleToggleSchedule)
		})
		api.Route("/triggers", func(tr chi.Router) {
			tr.Post("/", s.handleRegisterTrigger)
			tr.Get("/", s.handleListTriggers)
			tr.Delete("/{triggerID}", s.handleUnregisterTrigger)
			tr.Post("/{triggerID}/enable", s.handleEnableTrigger)
			tr.Post("/{triggerID}/disable", s.handleDisableTrigger)
			tr.Post("/{triggerID}/fire", s.handleFireTrigger)
		})
		api.Get("/metrics", s.handleMetricsSnapshot)
	})

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler so Server can be handed straight to
// http.Server.Handler or httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error("httpapi: encode response failed", "error", err)
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
