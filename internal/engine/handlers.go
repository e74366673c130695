package engine

import (
	"context"

	"github.com/falconrpa/orchestrator/internal/transport/wsrobot"
	"github.com/falconrpa/orchestrator/pkg/types"
)

// This file implements wsrobot.Handler: every inbound wire message a
// connected robot can send, translated into the corresponding
// Queue/FleetManager/ResultCollector effect, per the inbound-message
// effect table.

var _ wsrobot.Handler = (*Engine)(nil)

func (e *Engine) HandleRegister(ctx context.Context, p wsrobot.RegisterPayload) error {
	robot := &types.Robot{
		ID:                p.RobotID,
		Name:              p.Name,
		Environment:       p.Environment,
		Tags:              p.Tags,
		Capabilities:      p.Capabilities,
		MaxConcurrentJobs: p.MaxConcurrentJobs,
	}
	if err := e.Fleet.Register(ctx, robot); err != nil {
		return err
	}
	e.Dispatcher.Wake()
	return nil
}

func (e *Engine) HandleHeartbeat(ctx context.Context, p wsrobot.HeartbeatPayload) error {
	return e.Fleet.Heartbeat(ctx, p.RobotID, p.CurrentJobs)
}

// HandleJobAccept is purely informational: the job is already RUNNING as
// of TryDequeue, so there is nothing left to transition. Logged for
// operator visibility only.
func (e *Engine) HandleJobAccept(ctx context.Context, robotID types.RobotID, p wsrobot.JobAcceptPayload) error {
	log.Debug("engine: job accepted", "job_id", p.JobID, "robot_id", robotID)
	return nil
}

// HandleJobReject returns the job to QUEUED immediately — the robot
// declined work it was assigned, most commonly because its own capacity
// reconciliation raced the dispatch.
func (e *Engine) HandleJobReject(ctx context.Context, robotID types.RobotID, p wsrobot.JobRejectPayload) error {
	log.Info("engine: job rejected", "job_id", p.JobID, "robot_id", robotID, "reason", p.Reason)
	if _, err := e.Queue.Requeue(ctx, p.JobID); err != nil {
		return err
	}
	if err := e.Fleet.RecordRelease(ctx, p.JobID, robotID); err != nil {
		return err
	}
	e.Metrics.RecordRequeued()
	e.Dispatcher.Wake()
	return nil
}

func (e *Engine) HandleJobProgress(ctx context.Context, p wsrobot.JobProgressPayload) error {
	return e.Queue.UpdateProgress(ctx, p.JobID, p.Progress, p.CurrentNode)
}

func (e *Engine) HandleJobComplete(ctx context.Context, robotID types.RobotID, p wsrobot.JobCompletePayload) error {
	job, ok, err := e.Queue.CompleteTerminal(ctx, p.JobID, types.StatusCompleted, robotID, nil, p.Result)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("engine: discarded stale job_complete", "job_id", p.JobID, "robot_id", robotID)
		return nil
	}
	if err := e.Fleet.RecordRelease(ctx, job.ID, robotID); err != nil {
		log.Warn("engine: release after complete failed", "job_id", job.ID, "error", err)
	}
	e.Metrics.RecordCompleted(durationSeconds(job))
	e.finishResult(ctx, job)
	e.Dispatcher.Wake()
	return nil
}

func (e *Engine) HandleJobFailed(ctx context.Context, robotID types.RobotID, p wsrobot.JobFailedPayload) error {
	jobErr := &types.JobError{
		Kind:       p.ErrorKind,
		Message:    p.Message,
		StackTrace: p.StackTrace,
		FailedNode: p.FailedNode,
	}
	job, ok, err := e.Queue.CompleteTerminal(ctx, p.JobID, types.StatusFailed, robotID, jobErr, nil)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("engine: discarded stale job_failed", "job_id", p.JobID, "robot_id", robotID)
		return nil
	}
	if err := e.Fleet.RecordRelease(ctx, job.ID, robotID); err != nil {
		log.Warn("engine: release after failure failed", "job_id", job.ID, "error", err)
	}
	e.Metrics.RecordFailed(durationSeconds(job))
	e.finishResult(ctx, job)
	e.Dispatcher.Wake()
	return nil
}

// HandleJobCancelled finalizes a cancel handshake once the robot
// acknowledges it stopped work.
func (e *Engine) HandleJobCancelled(ctx context.Context, robotID types.RobotID, p wsrobot.JobAcceptPayload) error {
	e.completeCancelHandshake(ctx, p.JobID)
	return nil
}

func (e *Engine) HandleLogBatch(ctx context.Context, p wsrobot.LogBatchPayload) error {
	e.logsMu.Lock()
	e.logs[p.JobID] = append(e.logs[p.JobID], p.Entries...)
	e.logsMu.Unlock()
	return nil
}

// HandleDisconnect treats a dropped socket exactly like a stale-heartbeat
// sweep: immediate OFFLINE, every leased job on that robot requeued.
func (e *Engine) HandleDisconnect(ctx context.Context, robotID types.RobotID) {
	if err := e.Fleet.MarkOffline(ctx, robotID); err != nil {
		log.Warn("engine: mark offline on disconnect failed", "robot_id", robotID, "error", err)
		return
	}
	e.Metrics.RecordRobotLoss()
	e.recoverAssignmentsOf(ctx, robotID)
	e.Dispatcher.Wake()
}
