// Package storage defines the Repository contract: the small persistence
// surface every other orchestrator component is built against.
// Any implementation that satisfies it — the bundled WAL+snapshot backed
// internal/storage/fsrepo, or a future Postgres/etc. store — can replace
// the default without touching Queue/FleetManager/Scheduler/TriggerManager/
// ResultCollector.
package storage

import (
	"context"
	"errors"

	"github.com/falconrpa/orchestrator/pkg/types"
)

// ErrNotFoundLocal is returned by Repository implementations when an
// entity lookup misses. Callers typically translate this into
// orcerr.ErrJobNotFound / ErrRobotNotFound / etc. at the component
// boundary, where the specific entity kind is known.
var ErrNotFoundLocal = errors.New("storage: entity not found")

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status     types.JobStatus
	RobotID    types.RobotID
	WorkflowID string
	HasStatus  bool
	HasRobot   bool
	HasWorkflow bool
	Offset     int
	Limit      int
}

// Repository is the full persistence contract. Implementations must give
// atomic per-entity updates and a linearisable read sufficient to
// reconstruct in-memory state at startup.
type Repository interface {
	Jobs
	Robots
	Schedules
	Triggers
	Results

	// Close releases any held resources (file handles, connections).
	Close() error
}

// Jobs is the CRUD + secondary-index surface over Job entities.
type Jobs interface {
	PutJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	DeleteJob(ctx context.Context, id types.JobID) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error)
	AllJobs(ctx context.Context) ([]*types.Job, error)
}

// Robots is CRUD over Robot entities.
type Robots interface {
	PutRobot(ctx context.Context, robot *types.Robot) error
	GetRobot(ctx context.Context, id types.RobotID) (*types.Robot, error)
	DeleteRobot(ctx context.Context, id types.RobotID) error
	AllRobots(ctx context.Context) ([]*types.Robot, error)
}

// Schedules is CRUD over Schedule entities.
type Schedules interface {
	PutSchedule(ctx context.Context, s *types.Schedule) error
	GetSchedule(ctx context.Context, id string) (*types.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	AllSchedules(ctx context.Context) ([]*types.Schedule, error)
}

// Triggers is CRUD over Trigger entities.
type Triggers interface {
	PutTrigger(ctx context.Context, t *types.Trigger) error
	GetTrigger(ctx context.Context, id string) (*types.Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
	AllTriggers(ctx context.Context) ([]*types.Trigger, error)
}

// Results stores immutable terminal outcome records.
type Results interface {
	PutResult(ctx context.Context, r *types.JobResult) error
	ListResults(ctx context.Context, workflowID string, robotID types.RobotID, limit int) ([]*types.JobResult, error)
}
