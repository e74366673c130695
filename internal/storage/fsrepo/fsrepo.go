// Package fsrepo is the default Repository implementation: an in-memory
// index backed by a write-ahead log and periodic snapshots. Startup is a
// three-phase recovery — load the latest snapshot, replay WAL events past
// the snapshot's last_seq, then hand a ready Repository back to the
// caller.
package fsrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/internal/storage/snapshot"
	"github.com/falconrpa/orchestrator/internal/storage/wal"
	"github.com/falconrpa/orchestrator/pkg/types"
)

var log = slog.Default()

// Config controls WAL batching and snapshot cadence.
type Config struct {
	Dir              string
	WALBufferSize    int
	WALFlushInterval time.Duration
	SnapshotInterval time.Duration
}

// Observer receives durability-layer timings. The metrics Collector
// satisfies it; attach one with SetObserver after the repository is open.
type Observer interface {
	ObserveWALAppend(seconds float64)
	ObserveSnapshot(seconds float64)
	SetRecoveryDuration(seconds float64)
}

// Repo is the WAL+snapshot backed Repository.
type Repo struct {
	mu sync.RWMutex

	jobs      map[types.JobID]*types.Job
	robots    map[types.RobotID]*types.Robot
	schedules map[string]*types.Schedule
	triggers  map[string]*types.Trigger
	results   map[string][]*types.JobResult // keyed "workflowID|robotID"

	wal       *wal.WAL
	snap      *snapshot.Manager
	snapEvery time.Duration

	obs          Observer
	recoverySecs float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetObserver attaches a durability observer and reports the startup
// recovery duration to it immediately.
func (r *Repo) SetObserver(obs Observer) {
	r.mu.Lock()
	r.obs = obs
	secs := r.recoverySecs
	r.mu.Unlock()
	if obs != nil {
		obs.SetRecoveryDuration(secs)
	}
}

var _ storage.Repository = (*Repo)(nil)

// Open loads the latest snapshot (if any), replays the WAL since the
// snapshot's last_seq, and starts a background snapshot loop.
func Open(cfg Config) (*Repo, error) {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	recoveryStart := time.Now()

	snapMgr := snapshot.NewManager(filepath.Join(cfg.Dir, "snapshot.json"))
	data, err := snapMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("fsrepo: load snapshot: %w", err)
	}

	r := &Repo{
		jobs:      data.Jobs,
		robots:    data.Robots,
		schedules: data.Schedules,
		triggers:  data.Triggers,
		results:   make(map[string][]*types.JobResult),
		snap:      snapMgr,
		snapEvery: cfg.SnapshotInterval,
		stopCh:    make(chan struct{}),
	}

	w, err := wal.New(filepath.Join(cfg.Dir, "wal.log"), data.LastSeq, cfg.WALBufferSize, cfg.WALFlushInterval)
	if err != nil {
		return nil, fmt.Errorf("fsrepo: open wal: %w", err)
	}
	r.wal = w

	replayed := 0
	err = w.Replay(func(event *wal.Event) error {
		if event.Seq <= data.LastSeq {
			return nil // already captured by the snapshot
		}
		replayed++
		return r.applyEvent(event)
	})
	if err != nil {
		return nil, fmt.Errorf("fsrepo: replay wal: %w", err)
	}
	r.recoverySecs = time.Since(recoveryStart).Seconds()
	log.Info("fsrepo recovered", "jobs", len(r.jobs), "robots", len(r.robots), "wal_events_replayed", replayed)

	r.wg.Add(1)
	go r.snapshotLoop()

	return r, nil
}

func (r *Repo) applyEvent(event *wal.Event) error {
	switch event.Type {
	case wal.EventJobEnqueued, wal.EventJobQueued, wal.EventJobDispatched,
		wal.EventJobProgress, wal.EventJobCompleted, wal.EventJobFailed,
		wal.EventJobTimedOut, wal.EventJobCancelled, wal.EventJobRequeued:
		var job types.Job
		if err := json.Unmarshal(event.Payload, &job); err != nil {
			return fmt.Errorf("fsrepo: replay job event at seq=%d: %w", event.Seq, err)
		}
		r.jobs[job.ID] = &job
	case wal.EventRobotRegistered:
		var robot types.Robot
		if err := json.Unmarshal(event.Payload, &robot); err != nil {
			return err
		}
		r.robots[robot.ID] = &robot
	case wal.EventRobotDeregistered:
		delete(r.robots, types.RobotID(event.EntityID))
	case wal.EventScheduleUpserted:
		var s types.Schedule
		if err := json.Unmarshal(event.Payload, &s); err != nil {
			return err
		}
		r.schedules[s.ID] = &s
	case wal.EventScheduleDeleted:
		delete(r.schedules, event.EntityID)
	case wal.EventTriggerUpserted:
		var t types.Trigger
		if err := json.Unmarshal(event.Payload, &t); err != nil {
			return err
		}
		r.triggers[t.ID] = &t
	case wal.EventTriggerDeleted:
		delete(r.triggers, event.EntityID)
	}
	return nil
}

// appendLocked writes one WAL event and reports its latency to the
// observer. Callers hold r.mu.
func (r *Repo) appendLocked(eventType wal.EventType, entityID string, payload []byte) error {
	start := time.Now()
	if err := r.wal.Append(eventType, entityID, payload); err != nil {
		return err
	}
	if r.obs != nil {
		r.obs.ObserveWALAppend(time.Since(start).Seconds())
	}
	return nil
}

func jobEventForStatus(status types.JobStatus) wal.EventType {
	switch status {
	case types.StatusQueued:
		return wal.EventJobQueued
	case types.StatusRunning:
		return wal.EventJobDispatched
	case types.StatusCompleted:
		return wal.EventJobCompleted
	case types.StatusFailed:
		return wal.EventJobFailed
	case types.StatusTimeout:
		return wal.EventJobTimedOut
	case types.StatusCancelled:
		return wal.EventJobCancelled
	default:
		return wal.EventJobEnqueued
	}
}

// PutJob writes the job to the WAL before updating the in-memory index —
// the ordering the whole crash-recovery story depends on. The lock spans
// both steps so TakeSnapshot always observes a state consistent with the
// last sequence number it records.
func (r *Repo) PutJob(ctx context.Context, job *types.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("fsrepo: marshal job: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(jobEventForStatus(job.Status), string(job.ID), payload); err != nil {
		return fmt.Errorf("fsrepo: append job event: %w", err)
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *Repo) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, storage.ErrNotFoundLocal
	}
	cp := *job
	return &cp, nil
}

func (r *Repo) DeleteJob(ctx context.Context, id types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

func (r *Repo) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*types.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Job
	for _, job := range r.jobs {
		if filter.HasStatus && job.Status != filter.Status {
			continue
		}
		if filter.HasRobot && job.AssignedRobotID != filter.RobotID {
			continue
		}
		if filter.HasWorkflow && job.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Repo) AllJobs(ctx context.Context) ([]*types.Job, error) {
	return r.ListJobs(ctx, storage.JobFilter{})
}

func (r *Repo) PutRobot(ctx context.Context, robot *types.Robot) error {
	payload, err := json.Marshal(robot)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(wal.EventRobotRegistered, string(robot.ID), payload); err != nil {
		return err
	}
	cp := *robot
	r.robots[robot.ID] = &cp
	return nil
}

func (r *Repo) GetRobot(ctx context.Context, id types.RobotID) (*types.Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	robot, ok := r.robots[id]
	if !ok {
		return nil, storage.ErrNotFoundLocal
	}
	cp := *robot
	return &cp, nil
}

func (r *Repo) DeleteRobot(ctx context.Context, id types.RobotID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(wal.EventRobotDeregistered, string(id), nil); err != nil {
		return err
	}
	delete(r.robots, id)
	return nil
}

func (r *Repo) AllRobots(ctx context.Context) ([]*types.Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		cp := *robot
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Repo) PutSchedule(ctx context.Context, s *types.Schedule) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(wal.EventScheduleUpserted, s.ID, payload); err != nil {
		return err
	}
	cp := *s
	r.schedules[s.ID] = &cp
	return nil
}

func (r *Repo) GetSchedule(ctx context.Context, id string) (*types.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, storage.ErrNotFoundLocal
	}
	cp := *s
	return &cp, nil
}

func (r *Repo) DeleteSchedule(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(wal.EventScheduleDeleted, id, nil); err != nil {
		return err
	}
	delete(r.schedules, id)
	return nil
}

func (r *Repo) AllSchedules(ctx context.Context) ([]*types.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Repo) PutTrigger(ctx context.Context, t *types.Trigger) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(wal.EventTriggerUpserted, t.ID, payload); err != nil {
		return err
	}
	cp := *t
	r.triggers[t.ID] = &cp
	return nil
}

func (r *Repo) GetTrigger(ctx context.Context, id string) (*types.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[id]
	if !ok {
		return nil, storage.ErrNotFoundLocal
	}
	cp := *t
	return &cp, nil
}

func (r *Repo) DeleteTrigger(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendLocked(wal.EventTriggerDeleted, id, nil); err != nil {
		return err
	}
	delete(r.triggers, id)
	return nil
}

func (r *Repo) AllTriggers(ctx context.Context) ([]*types.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Trigger, 0, len(r.triggers))
	for _, t := range r.triggers {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// PutResult is not WAL-logged: results are derived from already-durable
// terminal Job records, so they do not get their own durability path.
func (r *Repo) PutResult(ctx context.Context, result *types.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := resultKey(result.WorkflowID, result.RobotID)
	r.results[key] = append(r.results[key], result)
	return nil
}

func (r *Repo) ListResults(ctx context.Context, workflowID string, robotID types.RobotID, limit int) ([]*types.JobResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := resultKey(workflowID, robotID)
	all := r.results[key]
	if limit > 0 && limit < len(all) {
		return all[len(all)-limit:], nil
	}
	return all, nil
}

func resultKey(workflowID string, robotID types.RobotID) string {
	return workflowID + "|" + string(robotID)
}

// snapshotLoop periodically takes a full snapshot and rotates the WAL so
// the log never grows past one snapshot interval of events.
func (r *Repo) snapshotLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.snapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.TakeSnapshot(); err != nil {
				log.Error("snapshot failed", "error", err)
			}
		case <-r.stopCh:
			return
		}
	}
}

// TakeSnapshot writes the current in-memory state to disk and rotates the
// WAL so replay on the next restart starts from this point.
func (r *Repo) TakeSnapshot() error {
	start := time.Now()

	r.mu.RLock()
	data := types.SnapshotData{
		Jobs:      copyJobs(r.jobs),
		Robots:    copyRobots(r.robots),
		Schedules: copySchedules(r.schedules),
		Triggers:  copyTriggers(r.triggers),
		LastSeq:   r.wal.GetLastSeq(),
	}
	obs := r.obs
	r.mu.RUnlock()

	if err := r.snap.Write(data); err != nil {
		return err
	}
	if err := r.wal.Rotate(); err != nil {
		return err
	}
	if obs != nil {
		obs.ObserveSnapshot(time.Since(start).Seconds())
	}
	return nil
}

func copyJobs(m map[types.JobID]*types.Job) map[types.JobID]*types.Job {
	out := make(map[types.JobID]*types.Job, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func copyRobots(m map[types.RobotID]*types.Robot) map[types.RobotID]*types.Robot {
	out := make(map[types.RobotID]*types.Robot, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func copySchedules(m map[string]*types.Schedule) map[string]*types.Schedule {
	out := make(map[string]*types.Schedule, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func copyTriggers(m map[string]*types.Trigger) map[string]*types.Trigger {
	out := make(map[string]*types.Trigger, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Close stops the snapshot loop, takes a final snapshot, and closes the WAL.
func (r *Repo) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	if err := r.TakeSnapshot(); err != nil {
		log.Warn("final snapshot failed", "error", err)
	}
	return r.wal.Close()
}
