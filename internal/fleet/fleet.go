// Package fleet implements the robot registry: capacity and freshness
// bookkeeping, heartbeat-driven liveness, pool membership, and
// capability-matched selection over the robots eligible to run a job.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
)

// Strategy scores eligible candidates and picks one for job. Implementations
// live in internal/dispatch (ROUND_ROBIN, LEAST_LOADED, RANDOM, AFFINITY);
// FleetManager only owns eligibility filtering, not scoring policy.
type Strategy interface {
	Select(candidates []*types.Robot, job *types.Job) *types.Robot
}

// Config controls robot staleness.
type Config struct {
	StaleThreshold time.Duration
}

func defaultConfig(cfg Config) Config {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 60 * time.Second
	}
	return cfg
}

// Manager is the single logical lock over fleet state — a lock distinct
// from, and never held together with, the Queue's.
type Manager struct {
	mu sync.Mutex

	repo     storage.Repository
	clock    clock.Clock
	cfg      Config
	strategy Strategy

	robots      map[types.RobotID]*types.Robot
	assignments map[types.JobID]types.Assignment // job -> lease, mirrors Queue's RUNNING set
	pools       []*types.RobotPool
}

// New reconstructs the fleet registry from the repository.
func New(ctx context.Context, repo storage.Repository, clk clock.Clock, strategy Strategy, cfg Config) (*Manager, error) {
	cfg = defaultConfig(cfg)
	m := &Manager{
		repo:        repo,
		clock:       clk,
		cfg:         cfg,
		strategy:    strategy,
		robots:      make(map[types.RobotID]*types.Robot),
		assignments: make(map[types.JobID]types.Assignment),
	}

	all, err := repo.AllRobots(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet: reconstruct registry: %w", err)
	}
	for _, robot := range all {
		m.robots[robot.ID] = robot
	}

	jobs, err := repo.AllJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet: reconstruct assignments: %w", err)
	}
	for _, job := range jobs {
		if job.Status == types.StatusRunning && job.AssignedRobotID != "" {
			m.assignments[job.ID] = types.Assignment{JobID: job.ID, RobotID: job.AssignedRobotID, LeasedUntil: job.LeasedUntil}
		}
	}

	return m, nil
}

// SetPools installs the named tag-predicate pools used for pool-scoped
// dispatch and allowed-workflow restrictions.
func (m *Manager) SetPools(pools []*types.RobotPool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = pools
}

// Register upserts a robot as ONLINE with a fresh heartbeat.
func (m *Manager) Register(ctx context.Context, robot *types.Robot) error {
	now := m.clock.Now()
	robot.Status = types.RobotOnline
	robot.LastHeartbeatAt = now
	if robot.RegisteredAt.IsZero() {
		robot.RegisteredAt = now
	}
	if robot.MaxConcurrentJobs <= 0 {
		robot.MaxConcurrentJobs = 1
	}

	if err := m.repo.PutRobot(ctx, robot); err != nil {
		return fmt.Errorf("fleet: persist register: %w", err)
	}

	m.mu.Lock()
	m.robots[robot.ID] = robot
	m.mu.Unlock()
	return nil
}

// Unregister removes a robot entirely.
func (m *Manager) Unregister(ctx context.Context, id types.RobotID) error {
	m.mu.Lock()
	_, ok := m.robots[id]
	delete(m.robots, id)
	m.mu.Unlock()
	if !ok {
		return orcerr.ErrRobotNotFound
	}
	return m.repo.DeleteRobot(ctx, id)
}

// Heartbeat stamps freshness and recovers a robot from OFFLINE to ONLINE.
func (m *Manager) Heartbeat(ctx context.Context, id types.RobotID, currentJobs int) error {
	m.mu.Lock()
	robot, ok := m.robots[id]
	if !ok {
		m.mu.Unlock()
		return orcerr.ErrRobotNotFound
	}
	robot.LastHeartbeatAt = m.clock.Now()
	robot.CurrentJobs = currentJobs
	if robot.Status == types.RobotOffline {
		robot.Status = types.RobotOnline
	}
	m.reconcileStatusLocked(robot)
	cp := *robot
	m.mu.Unlock()

	return m.repo.PutRobot(ctx, &cp)
}

func (m *Manager) reconcileStatusLocked(robot *types.Robot) {
	if robot.Status == types.RobotOffline || robot.Status == types.RobotFailed {
		return
	}
	if robot.CurrentJobs >= robot.MaxConcurrentJobs && robot.MaxConcurrentJobs > 0 {
		robot.Status = types.RobotBusy
	} else {
		robot.Status = types.RobotOnline
	}
}

// RecordAssign increments a robot's load after a successful dequeue.
func (m *Manager) RecordAssign(ctx context.Context, jobID types.JobID, robotID types.RobotID, leasedUntil time.Time) error {
	m.mu.Lock()
	robot, ok := m.robots[robotID]
	if !ok {
		m.mu.Unlock()
		return orcerr.ErrRobotNotFound
	}
	robot.CurrentJobs++
	m.reconcileStatusLocked(robot)
	m.assignments[jobID] = types.Assignment{JobID: jobID, RobotID: robotID, LeasedUntil: leasedUntil}
	cp := *robot
	m.mu.Unlock()

	return m.repo.PutRobot(ctx, &cp)
}

// RecordRelease decrements load when a job leaves RUNNING (terminal,
// requeue, or reject).
func (m *Manager) RecordRelease(ctx context.Context, jobID types.JobID, robotID types.RobotID) error {
	m.mu.Lock()
	delete(m.assignments, jobID)
	robot, ok := m.robots[robotID]
	if !ok {
		m.mu.Unlock()
		return nil // robot may already be gone (unregistered/offline-swept)
	}
	if robot.CurrentJobs > 0 {
		robot.CurrentJobs--
	}
	m.reconcileStatusLocked(robot)
	cp := *robot
	m.mu.Unlock()

	return m.repo.PutRobot(ctx, &cp)
}

// Eligible filters the registry for robots able to run job.
func (m *Manager) Eligible(job *types.Job) []*types.Robot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Robot
	for _, robot := range m.robots {
		if robot.Status != types.RobotOnline && robot.Status != types.RobotBusy {
			continue
		}
		if robot.CurrentJobs >= robot.MaxConcurrentJobs {
			continue
		}
		if job.TargetRobotID != "" && job.TargetRobotID != robot.ID {
			continue
		}
		if !robot.HasTags(job.RequiredTags) {
			continue
		}
		if !robot.HasCapabilities(job.RequiredCaps) {
			continue
		}
		if !m.poolAllowsLocked(robot, job) {
			continue
		}
		cp := *robot
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) poolAllowsLocked(robot *types.Robot, job *types.Job) bool {
	if len(m.pools) == 0 {
		return true
	}
	for _, pool := range m.pools {
		if !pool.Matches(robot) {
			continue
		}
		if len(pool.AllowedWorkflows) == 0 {
			return true
		}
		for _, wf := range pool.AllowedWorkflows {
			if wf == job.WorkflowID {
				return true
			}
		}
	}
	// Robot belongs to no configured pool, or belongs to pools that all
	// restrict workflows and none allow this one: fall back to "no pool
	// restriction applies" only when the robot is in zero pools.
	inAnyPool := false
	for _, pool := range m.pools {
		if pool.Matches(robot) {
			inAnyPool = true
		}
	}
	return !inAnyPool
}

// Select filters eligible robots and delegates scoring to the configured
// Strategy, returning nil if none qualify.
func (m *Manager) Select(job *types.Job) *types.Robot {
	candidates := m.Eligible(job)
	if len(candidates) == 0 {
		return nil
	}
	return m.strategy.Select(candidates, job)
}

// Get returns a copy of a robot's current record.
func (m *Manager) Get(id types.RobotID) (*types.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	robot, ok := m.robots[id]
	if !ok {
		return nil, orcerr.ErrRobotNotFound
	}
	cp := *robot
	return &cp, nil
}

// List returns every known robot, optionally filtered by status.
func (m *Manager) List(status types.RobotStatus, hasFilter bool) []*types.Robot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Robot, 0, len(m.robots))
	for _, robot := range m.robots {
		if hasFilter && robot.Status != status {
			continue
		}
		cp := *robot
		out = append(out, &cp)
	}
	return out
}

// LeasesOwnedBy returns every in-flight assignment currently owned by
// robotID — used by the robot-loss path to find jobs needing requeue.
func (m *Manager) LeasesOwnedBy(robotID types.RobotID) []types.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Assignment
	for _, a := range m.assignments {
		if a.RobotID == robotID {
			out = append(out, a)
		}
	}
	return out
}

// Sweep marks robots with a stale heartbeat OFFLINE and returns them so
// the caller (Engine) can drive the robot-loss recovery path —
// Sweep itself never touches Queue state, keeping the two locks disjoint.
func (m *Manager) Sweep(ctx context.Context) ([]*types.Robot, error) {
	now := m.clock.Now()

	m.mu.Lock()
	var wentOffline []*types.Robot
	for _, robot := range m.robots {
		if robot.Status == types.RobotOffline || robot.Status == types.RobotFailed {
			continue
		}
		if now.Sub(robot.LastHeartbeatAt) > m.cfg.StaleThreshold {
			robot.Status = types.RobotOffline
			cp := *robot
			wentOffline = append(wentOffline, &cp)
		}
	}
	m.mu.Unlock()

	for _, robot := range wentOffline {
		if err := m.repo.PutRobot(ctx, robot); err != nil {
			return wentOffline, fmt.Errorf("fleet: persist sweep: %w", err)
		}
	}
	return wentOffline, nil
}

// MarkOffline immediately transitions a robot OFFLINE — used on transport
// send failure rather than waiting for the next heartbeat sweep.
func (m *Manager) MarkOffline(ctx context.Context, id types.RobotID) error {
	m.mu.Lock()
	robot, ok := m.robots[id]
	if !ok {
		m.mu.Unlock()
		return orcerr.ErrRobotNotFound
	}
	robot.Status = types.RobotOffline
	cp := *robot
	m.mu.Unlock()

	return m.repo.PutRobot(ctx, &cp)
}
