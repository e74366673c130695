// Package engine implements the Engine façade: it wires Clock/Repository/
// Queue/FleetManager/Dispatcher/Scheduler/TriggerManager/ResultCollector
// together, owns the wire-message handling that turns robot messages into
// core operations (handlers.go), exposes the external control API
// (api.go), and runs every background loop (dispatch tick, timeout sweep,
// fleet sweep, gauge refresh).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/config"
	"github.com/falconrpa/orchestrator/internal/dispatch"
	"github.com/falconrpa/orchestrator/internal/fleet"
	"github.com/falconrpa/orchestrator/internal/metrics"
	"github.com/falconrpa/orchestrator/internal/queue"
	"github.com/falconrpa/orchestrator/internal/results"
	"github.com/falconrpa/orchestrator/internal/scheduler"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/internal/transport/wsrobot"
	"github.com/falconrpa/orchestrator/internal/trigger"
	"github.com/falconrpa/orchestrator/pkg/types"
)

var log = slog.Default()

// cancelGrace is how long Engine waits for a robot to acknowledge a
// JobCancel before forcing the job CANCELLED anyway.
const cancelGrace = 30 * time.Second

// Engine owns every component and is the single object a host process
// starts and stops.
type Engine struct {
	repo storage.Repository
	clk  clock.Clock
	cfg  *config.Config

	Queue      *queue.Queue
	Fleet      *fleet.Manager
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Triggers   *trigger.Manager
	Results    *results.Collector
	Metrics    *metrics.Collector
	Hub        *wsrobot.Hub

	logsMu sync.Mutex
	logs   map[types.JobID][]string

	cancelMu       sync.Mutex
	pendingCancels map[types.JobID]*time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires every component against repo, reconstructing all in-memory
// state from it.
func New(ctx context.Context, repo storage.Repository, clk clock.Clock, cfg *config.Config) (*Engine, error) {
	e := &Engine{
		repo:           repo,
		clk:            clk,
		cfg:            cfg,
		logs:           make(map[types.JobID][]string),
		pendingCancels: make(map[types.JobID]*time.Timer),
		stopCh:         make(chan struct{}),
	}

	e.Hub = wsrobot.NewHub(e, clk)
	e.Metrics = metrics.NewCollector()

	strategyKind := dispatch.StrategyKind(cfg.Dispatch.LoadBalancingStrategy)
	strategy := dispatch.NewStrategy(strategyKind)

	q, err := queue.New(ctx, repo, clk, queue.Config{
		DedupWindow:       cfg.DedupWindow(),
		DefaultJobTimeout: cfg.DefaultJobTimeout(),
		MaxQueueDepth:     cfg.Queue.MaxQueueDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build queue: %w", err)
	}
	e.Queue = q

	fm, err := fleet.New(ctx, repo, clk, strategy, fleet.Config{StaleThreshold: cfg.StaleRobotTimeout()})
	if err != nil {
		return nil, fmt.Errorf("engine: build fleet: %w", err)
	}
	if len(cfg.Fleet.Pools) > 0 {
		pools := make([]*types.RobotPool, 0, len(cfg.Fleet.Pools))
		for _, p := range cfg.Fleet.Pools {
			pools = append(pools, &types.RobotPool{
				Name:                  p.Name,
				RequiredTags:          p.RequiredTags,
				MaxConcurrentJobsPool: p.MaxConcurrentJobs,
				AllowedWorkflows:      p.AllowedWorkflows,
			})
		}
		fm.SetPools(pools)
	}
	e.Fleet = fm

	e.Dispatcher = dispatch.New(q, fm, e.Hub, clk, dispatch.Config{TickInterval: cfg.DispatchInterval()})
	e.Dispatcher.SetOnDispatch(func(job *types.Job) {
		e.Metrics.RecordDispatch(job.StartedAt.Sub(job.QueuedAt).Seconds())
	})
	e.Dispatcher.SetOnSendFailure(func(types.RobotID) { e.Metrics.RecordDispatchFailure() })

	sch, err := scheduler.New(ctx, repo, clk, e.enqueueForSchedule)
	if err != nil {
		return nil, fmt.Errorf("engine: build scheduler: %w", err)
	}
	sch.SetOnFire(e.Metrics.RecordScheduleFire)
	e.Scheduler = sch

	tm, err := trigger.New(ctx, repo, clk, e.enqueueForTrigger)
	if err != nil {
		return nil, fmt.Errorf("engine: build triggers: %w", err)
	}
	tm.SetOnFire(e.Metrics.RecordTriggerFire)
	e.Triggers = tm

	e.Results = results.New(repo, clk, dispatch.AsAffinityRecorder(strategy))

	return e, nil
}

func (e *Engine) enqueueForSchedule(ctx context.Context, job *types.Job) (*types.Job, error) {
	enqueued, err := e.Queue.Enqueue(ctx, job)
	if err == nil {
		e.Dispatcher.Wake()
		e.Metrics.RecordEnqueue()
	}
	return enqueued, err
}

func (e *Engine) enqueueForTrigger(ctx context.Context, job *types.Job) (*types.Job, error) {
	enqueued, err := e.Queue.Enqueue(ctx, job)
	if err == nil {
		e.Dispatcher.Wake()
		e.Metrics.RecordEnqueue()
	}
	return enqueued, err
}

// Run starts every background loop and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(5)
	go func() { defer e.wg.Done(); e.Dispatcher.Run(ctx) }()
	go func() { defer e.wg.Done(); e.Scheduler.Run(ctx) }()
	go func() { defer e.wg.Done(); e.timeoutSweepLoop(ctx) }()
	go func() { defer e.wg.Done(); e.fleetSweepLoop(ctx) }()
	go func() { defer e.wg.Done(); e.metricsLoop(ctx) }()

	if e.cfg.Metrics.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.Metrics.StartServer(ctx, e.cfg.Metrics.Port); err != nil {
				log.Error("engine: metrics server exited", "error", err)
			}
		}()
	}

	<-ctx.Done()
}

// Shutdown drains the system per the graceful-shutdown discipline: stop
// accepting new work, JobCancel every RUNNING job, wait up to
// graceful_shutdown for terminals, then force the rest to CANCELLED.
func (e *Engine) Shutdown(ctx context.Context) {
	close(e.stopCh)
	e.Dispatcher.Stop()
	e.Scheduler.Stop()
	e.Triggers.Stop()

	running, _ := e.Queue.List(ctx, storage.JobFilter{Status: types.StatusRunning, HasStatus: true})
	for _, job := range running {
		e.beginCancelHandshake(ctx, job, "shutdown")
	}

	deadline := time.After(e.cfg.GracefulShutdown())
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-deadline:
			break waitLoop
		case <-ticker.C:
			if e.pendingCancelCount() == 0 {
				break waitLoop
			}
		}
	}

	e.cancelMu.Lock()
	remaining := make([]types.JobID, 0, len(e.pendingCancels))
	for id, timer := range e.pendingCancels {
		timer.Stop()
		remaining = append(remaining, id)
	}
	e.pendingCancels = make(map[types.JobID]*time.Timer)
	e.cancelMu.Unlock()

	for _, id := range remaining {
		e.forceCancel(ctx, id)
	}

	for _, robotID := range e.Hub.RobotIDs() {
		if err := e.Hub.Send(ctx, robotID, wsrobot.TypeShutdown, nil); err != nil {
			log.Debug("engine: shutdown notice send failed", "robot_id", robotID, "error", err)
		}
	}

	e.wg.Wait()
	if err := e.repo.Close(); err != nil {
		log.Error("engine: repository close failed", "error", err)
	}
}

func (e *Engine) pendingCancelCount() int {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return len(e.pendingCancels)
}

func (e *Engine) timeoutSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TimeoutCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepTimeouts(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepTimeouts(ctx context.Context) {
	expired, err := e.Queue.SweepTimeouts(ctx)
	if err != nil {
		log.Error("engine: timeout sweep failed", "error", err)
		return
	}
	for _, job := range expired {
		e.Metrics.RecordTimedOut()
		if job.AssignedRobotID != "" {
			if err := e.Fleet.RecordRelease(ctx, job.ID, job.AssignedRobotID); err != nil {
				log.Error("engine: release after timeout failed", "job_id", job.ID, "error", err)
			}
		}
		e.finishResult(ctx, job)
	}
	if len(expired) > 0 {
		e.Dispatcher.Wake()
	}
}

func (e *Engine) fleetSweepLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Fleet.FleetSweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepFleet(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepFleet(ctx context.Context) {
	offline, err := e.Fleet.Sweep(ctx)
	if err != nil {
		log.Error("engine: fleet sweep failed", "error", err)
	}
	for _, robot := range offline {
		e.Metrics.RecordRobotLoss()
		e.recoverAssignmentsOf(ctx, robot.ID)
	}
	if len(offline) > 0 {
		e.Dispatcher.Wake()
	}
}

// metricsLoop periodically snapshots queue depth and fleet occupancy into
// the Prometheus gauges — these are level metrics, not edge-triggered
// counters, so they need a poll rather than a hook.
func (e *Engine) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.snapshotGauges()
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) snapshotGauges() {
	byStatus := e.Queue.DepthByStatus()
	e.Metrics.UpdateQueueStats(byStatus[types.StatusQueued], byStatus[types.StatusRunning])

	robots := e.Fleet.List("", false)
	var online, busy, offline int
	for _, r := range robots {
		switch r.Status {
		case types.RobotOnline:
			online++
		case types.RobotBusy:
			busy++
		case types.RobotOffline, types.RobotFailed:
			offline++
		}
	}
	e.Metrics.UpdateFleetStats(online, busy, offline)
}

// recoverAssignmentsOf requeues every job owned by a robot that has just
// gone OFFLINE, giving at-least-once delivery across robot loss.
func (e *Engine) recoverAssignmentsOf(ctx context.Context, robotID types.RobotID) {
	for _, lease := range e.Fleet.LeasesOwnedBy(robotID) {
		if _, err := e.Queue.Requeue(ctx, lease.JobID); err != nil {
			log.Warn("engine: requeue after robot loss failed", "job_id", lease.JobID, "error", err)
			continue
		}
		e.Metrics.RecordRequeued()
		if err := e.Fleet.RecordRelease(ctx, lease.JobID, robotID); err != nil {
			log.Warn("engine: release after robot loss failed", "job_id", lease.JobID, "error", err)
		}
	}
}

func (e *Engine) finishResult(ctx context.Context, job *types.Job) {
	e.logsMu.Lock()
	jobLogs := e.logs[job.ID]
	delete(e.logs, job.ID)
	e.logsMu.Unlock()

	if err := e.Results.Record(ctx, job, jobLogs); err != nil {
		log.Error("engine: result record failed", "job_id", job.ID, "error", err)
	}
}

// durationSeconds measures end-to-end job latency from start (or queue
// entry, if never started) to completion, for the job-latency histogram.
func durationSeconds(job *types.Job) float64 {
	started := job.StartedAt
	if started.IsZero() {
		started = job.QueuedAt
	}
	if started.IsZero() || job.CompletedAt.IsZero() {
		return 0
	}
	d := job.CompletedAt.Sub(started).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// beginCancelHandshake sends JobCancel to a RUNNING job's robot and starts
// the grace-period timer; if the send itself fails, the robot is already
// unreachable and the job is force-cancelled immediately rather than
// waiting out the grace period pointlessly.
func (e *Engine) beginCancelHandshake(ctx context.Context, job *types.Job, reason string) {
	if job.AssignedRobotID == "" {
		e.forceCancel(ctx, job.ID)
		return
	}

	err := e.Hub.Send(ctx, job.AssignedRobotID, wsrobot.TypeJobCancel, wsrobot.JobCancelPayload{JobID: job.ID, Reason: reason})
	if err != nil {
		log.Warn("engine: job_cancel send failed, forcing cancel immediately", "job_id", job.ID, "error", err)
		e.forceCancel(ctx, job.ID)
		return
	}

	id := job.ID
	timer := time.AfterFunc(cancelGrace, func() {
		e.forceCancel(context.Background(), id)
	})

	e.cancelMu.Lock()
	e.pendingCancels[id] = timer
	e.cancelMu.Unlock()
}

// completeCancelHandshake finalizes a cancel once the robot acknowledges
// with JobCancelled, short-circuiting the grace-period timer.
func (e *Engine) completeCancelHandshake(ctx context.Context, id types.JobID) {
	e.cancelMu.Lock()
	timer, ok := e.pendingCancels[id]
	delete(e.pendingCancels, id)
	e.cancelMu.Unlock()
	if ok {
		timer.Stop()
	}
	e.forceCancel(ctx, id)
}

// forceCancel transitions a job to CANCELLED unconditionally — used both
// when the robot acknowledges JobCancel and when the grace period elapses
// without one. Idempotent: a job already terminal is a no-op.
func (e *Engine) forceCancel(ctx context.Context, id types.JobID) {
	e.cancelMu.Lock()
	if timer, ok := e.pendingCancels[id]; ok {
		timer.Stop()
		delete(e.pendingCancels, id)
	}
	e.cancelMu.Unlock()

	job, ok, err := e.Queue.CompleteTerminal(ctx, id, types.StatusCancelled, "", &types.JobError{Kind: "cancelled", Message: "cancelled"}, nil)
	if err != nil {
		log.Error("engine: force cancel failed", "job_id", id, "error", err)
		return
	}
	if !ok {
		return // already terminal or unknown: discard
	}
	if job.AssignedRobotID != "" {
		if err := e.Fleet.RecordRelease(ctx, job.ID, job.AssignedRobotID); err != nil {
			log.Warn("engine: release after cancel failed", "job_id", job.ID, "error", err)
		}
	}
	e.Metrics.RecordCancelled()
	e.finishResult(ctx, job)
	e.Dispatcher.Wake()
}
