package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/queue"
	"github.com/falconrpa/orchestrator/internal/results"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
)

// This file is the external control API: the surface internal/transport/
// httpapi and internal/cli call into. Every method here is safe to call
// concurrently from many goroutines.

// SubmitJob validates and enqueues a new job, waking the dispatcher.
// The workflow document is opaque and only checked for a well-formed JSON
// envelope. orcerr.ErrDuplicateJob is returned (wrapping the original job
// id) if an equivalent submission already exists within the dedup window.
func (e *Engine) SubmitJob(ctx context.Context, job *types.Job) (*types.Job, error) {
	if job.WorkflowID == "" {
		return nil, fmt.Errorf("%w: workflow_id is required", orcerr.ErrInvalidWorkflow)
	}
	if len(job.WorkflowDocument) > 0 && !json.Valid(job.WorkflowDocument) {
		return nil, fmt.Errorf("%w: workflow_document is not valid JSON", orcerr.ErrInvalidWorkflow)
	}
	enqueued, err := e.Queue.Enqueue(ctx, job)
	if err != nil {
		if errors.Is(err, orcerr.ErrDuplicateJob) {
			e.Metrics.RecordDuplicate()
		}
		return nil, err
	}
	e.Dispatcher.Wake()
	e.Metrics.RecordEnqueue()
	return enqueued, nil
}

// CancelJob cancels a job: immediate for PENDING/QUEUED, a JobCancel
// handshake for RUNNING (bounded by cancelGrace before a forced cancel).
func (e *Engine) CancelJob(ctx context.Context, id types.JobID, reason string) error {
	job, immediate, err := e.Queue.Cancel(ctx, id, reason)
	if err != nil {
		return err
	}
	if immediate {
		e.Metrics.RecordCancelled()
		e.finishResult(ctx, job)
		return nil
	}
	e.beginCancelHandshake(ctx, job, reason)
	return nil
}

// RetryJob resubmits a failed/timed-out/cancelled job's workflow as a new
// submission, preserving its original parameters and target. It refuses to
// retry a job still in flight.
func (e *Engine) RetryJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	original, err := e.Queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !original.Status.IsTerminal() {
		return nil, orcerr.ErrNotTerminal
	}

	retry := &types.Job{
		WorkflowID:       original.WorkflowID,
		WorkflowName:     original.WorkflowName,
		WorkflowDocument: original.WorkflowDocument,
		Parameters:       original.Parameters,
		Priority:         original.Priority,
		Timeout:          original.Timeout,
		TargetRobotID:    original.TargetRobotID,
		RequiredTags:     original.RequiredTags,
		RequiredCaps:     original.RequiredCaps,
		RetryCount:       original.RetryCount + 1,
	}
	// A retry is a deliberate resubmission, not a duplicate: bypass the
	// dedup window by deriving a key that also depends on retry_count.
	retry.DedupKey = queueRetryDedupKey(retry)

	enqueued, err := e.Queue.Enqueue(ctx, retry)
	if err != nil {
		return nil, err
	}
	e.Dispatcher.Wake()
	e.Metrics.RecordEnqueue()
	return enqueued, nil
}

// GetJob returns a job's current state, terminal or not.
func (e *Engine) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return e.Queue.Get(ctx, id)
}

// ListJobs proxies to the repository for full history visibility.
func (e *Engine) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*types.Job, error) {
	return e.Queue.List(ctx, filter)
}

// RegisterRobot admits a robot administratively (outside the websocket
// register handshake) — used by the REST control-plane API.
func (e *Engine) RegisterRobot(ctx context.Context, robot *types.Robot) error {
	if err := e.Fleet.Register(ctx, robot); err != nil {
		return err
	}
	e.Dispatcher.Wake()
	return nil
}

// UnregisterRobot removes a robot from the fleet, requeuing any jobs it
// still held a lease on.
func (e *Engine) UnregisterRobot(ctx context.Context, id types.RobotID) error {
	e.recoverAssignmentsOf(ctx, id)
	if e.Hub.Connected(id) {
		e.Hub.Disconnect(id)
	}
	return e.Fleet.Unregister(ctx, id)
}

// ListRobots returns every known robot, optionally filtered by status.
func (e *Engine) ListRobots(status types.RobotStatus, hasFilter bool) []*types.Robot {
	return e.Fleet.List(status, hasFilter)
}

// CreateSchedule registers a new Schedule.
func (e *Engine) CreateSchedule(ctx context.Context, sch *types.Schedule) (*types.Schedule, error) {
	return e.Scheduler.Create(ctx, sch)
}

// DeleteSchedule removes a Schedule.
func (e *Engine) DeleteSchedule(ctx context.Context, id string) error {
	return e.Scheduler.Delete(ctx, id)
}

// ListSchedules returns every registered Schedule.
func (e *Engine) ListSchedules() []*types.Schedule {
	return e.Scheduler.List()
}

// ToggleSchedule enables or disables a Schedule.
func (e *Engine) ToggleSchedule(ctx context.Context, id string, enabled bool) error {
	return e.Scheduler.Toggle(ctx, id, enabled)
}

// RegisterTrigger registers a new Trigger, starting its background watcher
// if it is a FILE/EMAIL kind and enabled.
func (e *Engine) RegisterTrigger(ctx context.Context, t *types.Trigger) (*types.Trigger, error) {
	return e.Triggers.Register(ctx, t)
}

// UnregisterTrigger removes a Trigger and stops its watcher.
func (e *Engine) UnregisterTrigger(ctx context.Context, id string) error {
	return e.Triggers.Unregister(ctx, id)
}

// ListTriggers returns every registered Trigger.
func (e *Engine) ListTriggers() []*types.Trigger {
	return e.Triggers.List()
}

// EnableTrigger / DisableTrigger toggle participation without deleting.
func (e *Engine) EnableTrigger(ctx context.Context, id string) error {
	return e.Triggers.Enable(ctx, id)
}

func (e *Engine) DisableTrigger(ctx context.Context, id string) error {
	return e.Triggers.Disable(ctx, id)
}

// FireManually fires a trigger explicitly — used by MANUAL triggers, and
// by the WEBHOOK/FORM/CHAT/WORKFLOW_CALL transport handlers that hand off
// their payload here.
func (e *Engine) FireManually(ctx context.Context, triggerID string, parameters map[string]any) (*types.Job, error) {
	return e.Triggers.Fire(ctx, triggerID, parameters)
}

// MetricsSnapshot is the point-in-time operational summary exposed by the
// control-plane status endpoint, distinct from the Prometheus time series.
type MetricsSnapshot struct {
	QueueDepthByPriority map[types.Priority]int
	QueueDepthByStatus   map[types.JobStatus]int
	RobotsOnline         int
	RobotsBusy           int
	RobotsOffline        int
	PendingCancels       int
}

// Snapshot returns a point-in-time snapshot of queue and fleet occupancy,
// distinct from the Prometheus /metrics time series.
func (e *Engine) Snapshot() MetricsSnapshot {
	robots := e.Fleet.List("", false)
	snap := MetricsSnapshot{
		QueueDepthByPriority: e.Queue.Depth(),
		QueueDepthByStatus:   e.Queue.DepthByStatus(),
		PendingCancels:       e.pendingCancelCount(),
	}
	for _, r := range robots {
		switch r.Status {
		case types.RobotOnline:
			snap.RobotsOnline++
		case types.RobotBusy:
			snap.RobotsBusy++
		case types.RobotOffline, types.RobotFailed:
			snap.RobotsOffline++
		}
	}
	return snap
}

// WorkflowStats / RobotStats proxy ResultCollector's rolling statistics.
func (e *Engine) WorkflowStats(workflowID string) results.Stats { return e.Results.WorkflowStats(workflowID) }
func (e *Engine) RobotStats(robotID types.RobotID) results.Stats { return e.Results.RobotStats(robotID) }

// queueRetryDedupKey derives a dedup key for a retry submission that is
// stable across repeated retries of the *same* failed job but distinct
// from the original submission, so RetryJob never self-rejects as a
// duplicate of the job it is retrying.
func queueRetryDedupKey(job *types.Job) string {
	base := queue.ComputeDedupKey(job.WorkflowID, job.TargetRobotID, job.Parameters)
	return fmt.Sprintf("%s:retry:%d", base, job.RetryCount)
}
