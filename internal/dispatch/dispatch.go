package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/fleet"
	"github.com/falconrpa/orchestrator/internal/queue"
	"github.com/falconrpa/orchestrator/internal/transport/wsrobot"
	"github.com/falconrpa/orchestrator/pkg/types"
)

var log = slog.Default()

// Sender delivers an outbound wire message to a connected robot's bounded
// queue (capacity 256, 1s enqueue timeout). A failed Send means the robot
// is treated as lost: the dispatcher marks it OFFLINE and requeues the
// job immediately.
type Sender interface {
	Send(ctx context.Context, robotID types.RobotID, messageType string, payload any) error
}

// Config controls the dispatch tick period.
type Config struct {
	TickInterval time.Duration
}

func defaultConfig(cfg Config) Config {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return cfg
}

// Dispatcher pairs queued jobs to eligible robots on a tick, plus wake
// signals on enqueue or robot status change.
type Dispatcher struct {
	queue  *queue.Queue
	fleet  *fleet.Manager
	sender Sender
	clock  clock.Clock
	cfg    Config

	wake   chan struct{}
	stopCh chan struct{}

	// Hooks for dispatch observability; both must be installed before Run.
	onDispatch    func(job *types.Job)
	onSendFailure func(robotID types.RobotID)
}

func New(q *queue.Queue, fm *fleet.Manager, sender Sender, clk clock.Clock, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		fleet:  fm,
		sender: sender,
		clock:  clk,
		cfg:    defaultConfig(cfg),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// SetOnDispatch installs a hook invoked after each successful JobAssign
// send, with the dispatched job.
func (d *Dispatcher) SetOnDispatch(hook func(job *types.Job)) { d.onDispatch = hook }

// SetOnSendFailure installs a hook invoked when a JobAssign send fails and
// the robot-loss path runs.
func (d *Dispatcher) SetOnSendFailure(hook func(robotID types.RobotID)) { d.onSendFailure = hook }

// Wake signals the dispatch loop to run a tick early, without blocking the
// caller — the channel is buffered 1 and a pending wake coalesces.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			d.tick(ctx)
		case <-d.wake:
			d.tick(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals Run to exit; cooperative with the rest of Engine shutdown.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

// tick attempts to pair every currently-queued job with an eligible robot:
// for a robot found via FleetManager.Select, the actual job handed out
// comes from Queue.TryDequeue keyed to that robot — re-validated
// atomically rather than trusting the earlier scan.
func (d *Dispatcher) tick(ctx context.Context) {
	d.queue.GC()

	depth := d.queue.Depth()
	total := 0
	for _, n := range depth {
		total += n
	}

	attempts := total
	if attempts == 0 {
		return
	}

	for i := 0; i < attempts; i++ {
		jobs := d.queue.ListQueued()
		if len(jobs) == 0 {
			return
		}

		dispatchedAny := false
		for _, job := range jobs {
			robot := d.fleet.Select(job)
			if robot == nil {
				continue
			}

			dequeued, err := d.queue.TryDequeue(ctx, robot)
			if err != nil {
				log.Error("dispatch: dequeue failed", "error", err)
				continue
			}
			if dequeued == nil {
				continue // another robot already took the top-eligible job for R
			}

			if err := d.fleet.RecordAssign(ctx, dequeued.ID, robot.ID, dequeued.LeasedUntil); err != nil {
				log.Error("dispatch: record assign failed", "error", err)
			}

			if err := d.sender.Send(ctx, robot.ID, wsrobot.TypeJobAssign, wsrobot.JobAssignPayload{Job: dequeued}); err != nil {
				d.handleSendFailure(ctx, robot.ID, dequeued.ID)
				continue
			}
			if d.onDispatch != nil {
				d.onDispatch(dequeued)
			}

			dispatchedAny = true
		}

		if !dispatchedAny {
			return
		}
	}
}

// handleSendFailure treats a robot whose transport send fails as
// disconnected: immediate OFFLINE, job back to QUEUED.
func (d *Dispatcher) handleSendFailure(ctx context.Context, robotID types.RobotID, jobID types.JobID) {
	log.Warn("dispatch: send failed, treating robot as lost", "robot_id", robotID, "job_id", jobID)
	if d.onSendFailure != nil {
		d.onSendFailure(robotID)
	}
	if err := d.fleet.MarkOffline(ctx, robotID); err != nil {
		log.Error("dispatch: mark offline failed", "error", err)
	}
	if err := d.fleet.RecordRelease(ctx, jobID, robotID); err != nil {
		log.Error("dispatch: record release failed", "error", err)
	}
	if _, err := d.queue.Requeue(ctx, jobID); err != nil {
		log.Error("dispatch: requeue failed", "error", err)
	}
}
