// ============================================================================
// Orchestrator Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// Purpose: Core domain models and data structures for the RPA orchestrator
//
// Design Principles:
//   1. Domain-Driven Design (DDD) - Business concepts as types
//   2. Type Safety - Custom types prevent primitive obsession
//   3. JSON Serialization - Full serialization support (WAL, snapshot, wire)
//
// Core Types:
//   - Job: Workflow execution request with full lifecycle tracking
//   - JobStatus: State enum (pending/queued/running/completed/failed/timeout/cancelled)
//   - Robot: Worker process identity, capacity, and freshness
//   - Assignment: the lease a robot holds on an in-flight job
//   - Schedule / Trigger: enqueue-on-time-or-event definitions
//   - JobResult: immutable terminal outcome record
//
// Timestamps:
//   time.Time values, serialised as RFC 3339 strings in JSON.
//
// ============================================================================

package types

import "time"

// JobID uniquely identifies a job.
type JobID string

// RobotID uniquely identifies a robot (worker process).
type RobotID string

// JobStatus represents job execution state.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // created, not yet eligible/queued
	StatusQueued    JobStatus = "queued"    // waiting in the priority queue
	StatusRunning   JobStatus = "running"   // leased to a robot
	StatusCompleted JobStatus = "completed" // terminal: success
	StatusFailed    JobStatus = "failed"    // terminal: robot-reported error
	StatusTimeout   JobStatus = "timeout"   // terminal: lease expired
	StatusCancelled JobStatus = "cancelled" // terminal: caller cancelled
)

// IsTerminal reports whether status is one of the four terminal states.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders dispatch: higher values are dispatched first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String renders a Priority as its lowercase config-file name, used for
// metric labels and API responses.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DefaultJobTimeout is used when a job does not specify its own timeout.
const DefaultJobTimeout = 3600 * time.Second

// Job represents a single workflow execution request.
type Job struct {
	ID JobID `json:"id"`

	// Content. WorkflowDocument is opaque: the orchestrator stores and
	// forwards it but never interprets it.
	WorkflowID       string          `json:"workflow_id"`
	WorkflowName     string          `json:"workflow_name,omitempty"`
	WorkflowDocument []byte          `json:"workflow_document"`
	Parameters       map[string]any  `json:"parameters,omitempty"`
	Priority         Priority        `json:"priority"`
	Timeout          time.Duration   `json:"timeout"`
	ScheduledTime    *time.Time      `json:"scheduled_time,omitempty"`
	TargetRobotID    RobotID         `json:"target_robot_id,omitempty"`
	RequiredTags     []string        `json:"required_tags,omitempty"`
	RequiredCaps     []string        `json:"required_capabilities,omitempty"`

	// Mutable state.
	Status          JobStatus `json:"status"`
	AssignedRobotID RobotID   `json:"assigned_robot_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	QueuedAt        time.Time `json:"queued_at,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	Progress        int       `json:"progress"` // 0..100
	CurrentNode     string    `json:"current_node,omitempty"`
	RetryCount      int       `json:"retry_count"`
	DedupKey        string    `json:"dedup_key,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
	LeasedUntil     time.Time `json:"leased_until,omitempty"`

	Error  *JobError `json:"error,omitempty"`
	Result any       `json:"result,omitempty"`
}

// JobError carries robot-reported execution failure context; it is stored
// verbatim on the JobResult so a human can diagnose without consulting logs.
type JobError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	FailedNode string `json:"failed_node,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// RobotStatus is the FleetManager's view of a robot's liveness/capacity.
type RobotStatus string

const (
	RobotOnline  RobotStatus = "online"
	RobotBusy    RobotStatus = "busy"
	RobotOffline RobotStatus = "offline"
	RobotFailed  RobotStatus = "failed"
)

// Robot represents a registered worker process.
type Robot struct {
	ID                RobotID     `json:"id"`
	Name              string      `json:"name"`
	Environment       string      `json:"environment,omitempty"`
	Tags              []string    `json:"tags,omitempty"`
	Capabilities      []string    `json:"capabilities,omitempty"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs"`
	CurrentJobs       int         `json:"current_jobs"`
	Status            RobotStatus `json:"status"`
	LastHeartbeatAt   time.Time   `json:"last_heartbeat_at"`
	RegisteredAt      time.Time   `json:"registered_at"`
}

// HasTags reports whether the robot's tag set is a superset of required.
func (r *Robot) HasTags(required []string) bool {
	return hasAll(r.Tags, required)
}

// HasCapabilities reports whether the robot's capability set is a superset
// of required.
func (r *Robot) HasCapabilities(required []string) bool {
	return hasAll(r.Capabilities, required)
}

func hasAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// RobotPool is a named group of robots selected by a tag predicate.
type RobotPool struct {
	Name                   string   `json:"name"`
	RequiredTags           []string `json:"required_tags"`
	MaxConcurrentJobsPool  int      `json:"max_concurrent_jobs_pool,omitempty"`
	AllowedWorkflows       []string `json:"allowed_workflows,omitempty"`
}

// Matches reports whether a robot's tags satisfy this pool's membership rule.
func (p *RobotPool) Matches(r *Robot) bool {
	return hasAll(r.Tags, p.RequiredTags)
}

// Assignment is the orchestrator-side lease record while a job is in-flight.
type Assignment struct {
	JobID       JobID     `json:"job_id"`
	RobotID     RobotID   `json:"robot_id"`
	LeasedUntil time.Time `json:"leased_until"`
}

// Frequency is the kind of recurrence a Schedule fires on.
type Frequency string

const (
	FrequencyOnce     Frequency = "once"
	FrequencyInterval Frequency = "interval"
	FrequencyCron     Frequency = "cron"
)

// Schedule fires enqueues at wall-clock moments.
type Schedule struct {
	ID             string        `json:"id"`
	WorkflowID     string        `json:"workflow_id"`
	Frequency      Frequency     `json:"frequency"`
	CronExpression string        `json:"cron_expression,omitempty"`
	Interval       time.Duration `json:"interval,omitempty"`
	At             time.Time     `json:"at,omitempty"` // for FrequencyOnce
	Timezone       string        `json:"timezone,omitempty"`
	RobotID        RobotID       `json:"robot_id,omitempty"`
	Priority       Priority      `json:"priority"`
	// CatchUp resolves an Open Question recorded in DESIGN.md: if false
	// (the default), fires missed during downtime are not replayed one by
	// one — a single job is enqueued for the earliest missed fire time,
	// and next_fire_at is then recomputed from now.
	CatchUp      bool      `json:"catch_up"`
	Enabled      bool      `json:"enabled"`
	NextFireAt   time.Time `json:"next_fire_at"`
	LastFireAt   time.Time `json:"last_fire_at,omitempty"`
	RunCount     int       `json:"run_count"`
}

// TriggerType enumerates the kinds of external stimuli that enqueue jobs.
type TriggerType string

const (
	TriggerManual      TriggerType = "manual"
	TriggerScheduled   TriggerType = "scheduled"
	TriggerWebhook     TriggerType = "webhook"
	TriggerFile        TriggerType = "file"
	TriggerEmail       TriggerType = "email"
	TriggerForm        TriggerType = "form"
	TriggerChat        TriggerType = "chat"
	TriggerWorkflowCall TriggerType = "workflow_call"
)

// Trigger is a registered external stimulus that, when fired, enqueues a job.
type Trigger struct {
	ID         string         `json:"id"`
	Type       TriggerType    `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
	ScenarioID string         `json:"scenario_id,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	Enabled    bool           `json:"enabled"`
	FireCount  int            `json:"fire_count"`
	LastFireAt time.Time      `json:"last_fire_at,omitempty"`
}

// JobResult is the immutable record written on a job's terminal transition.
type JobResult struct {
	JobID          JobID         `json:"job_id"`
	WorkflowID     string        `json:"workflow_id"`
	RobotID        RobotID       `json:"robot_id,omitempty"`
	TerminalStatus JobStatus     `json:"terminal_status"`
	DurationMs     int64         `json:"duration_ms"`
	ResultData     any           `json:"result_data,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	StackTrace     string        `json:"stack_trace,omitempty"`
	FailedNode     string        `json:"failed_node,omitempty"`
	Logs           []string      `json:"logs,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// SnapshotData contains system state for persistence and recovery. It
// covers the whole Repository surface, not only jobs.
type SnapshotData struct {
	Jobs      map[JobID]*Job        `json:"jobs"`
	Robots    map[RobotID]*Robot    `json:"robots"`
	Schedules map[string]*Schedule  `json:"schedules"`
	Triggers  map[string]*Trigger   `json:"triggers"`
	SchemaVer int                   `json:"schema_ver"`
	LastSeq   uint64                `json:"last_seq"`
}
