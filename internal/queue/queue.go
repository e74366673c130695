// Package queue implements the priority/state index over every
// non-terminal job, backed by a storage.Repository: a hybrid in-memory
// index over a durable store, with duplicate-submit rejection inside a
// rolling window, a capacity- and target-aware dequeue contract, and a
// lease timeout sweep.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// Config controls the dedup window and default job timeout.
type Config struct {
	DedupWindow       time.Duration
	DefaultJobTimeout time.Duration
	MaxQueueDepth     int
}

func defaultConfig(cfg Config) Config {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 300 * time.Second
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = types.DefaultJobTimeout
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 100_000
	}
	return cfg
}

// Queue is the single logical lock over job state:
// held only for short, non-blocking index operations.
type Queue struct {
	mu sync.Mutex

	repo  storage.Repository
	clock clock.Clock
	cfg   Config

	// jobs indexes every non-terminal job by id for O(1) lookup; terminal
	// jobs are dropped from the index (but remain in the repository).
	jobs map[types.JobID]*types.Job

	// dedup maps a dedup key to (jobID, last-seen) so a repeat submit
	// within the window can return the original job id.
	dedup map[string]dedupEntry
}

type dedupEntry struct {
	jobID    types.JobID
	lastSeen time.Time
}

// New constructs a Queue over repo, reconstructing its in-memory index
// from every non-terminal job already present (the repository's
// reconstruction contract).
func New(ctx context.Context, repo storage.Repository, clk clock.Clock, cfg Config) (*Queue, error) {
	cfg = defaultConfig(cfg)
	q := &Queue{
		repo:  repo,
		clock: clk,
		cfg:   cfg,
		jobs:  make(map[types.JobID]*types.Job),
		dedup: make(map[string]dedupEntry),
	}

	all, err := repo.AllJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: reconstruct index: %w", err)
	}
	for _, job := range all {
		if job.Status.IsTerminal() {
			continue
		}
		q.jobs[job.ID] = job
		if job.DedupKey != "" {
			q.dedup[job.DedupKey] = dedupEntry{jobID: job.ID, lastSeen: job.CreatedAt}
		}
	}
	return q, nil
}

// ComputeDedupKey hashes workflow_id, target_robot_id, and the canonical
// (sorted-key) JSON encoding of parameters.
func ComputeDedupKey(workflowID string, targetRobotID types.RobotID, parameters map[string]any) string {
	canon, _ := json.Marshal(canonicalize(parameters))
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(targetRobotID))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize normalizes a nil parameter map to an empty one so a missing
// map and an empty map hash identically. encoding/json emits map keys in
// sorted order, so the marshalled form is already deterministic.
func canonicalize(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Enqueue admits a new job: if its dedup key was seen inside the window,
// returns orcerr.ErrDuplicateJob wrapping the original job id. Otherwise it
// assigns an id, computes next eligible state (QUEUED), persists, and
// indexes it.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) (*types.Job, error) {
	now := q.clock.Now()

	if job.DedupKey == "" {
		job.DedupKey = ComputeDedupKey(job.WorkflowID, job.TargetRobotID, job.Parameters)
	}
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}
	if job.Timeout <= 0 {
		job.Timeout = q.cfg.DefaultJobTimeout
	}

	// Admission check and index insert happen under one lock acquisition so
	// two concurrent submits of the same dedup key cannot both pass.
	q.mu.Lock()
	if entry, ok := q.dedup[job.DedupKey]; ok && now.Sub(entry.lastSeen) < q.cfg.DedupWindow {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: original job %s", orcerr.ErrDuplicateJob, entry.jobID)
	}
	if len(q.jobs) >= q.cfg.MaxQueueDepth {
		q.mu.Unlock()
		return nil, orcerr.ErrQueueFull
	}
	job.Status = types.StatusQueued
	job.CreatedAt = now
	job.QueuedAt = now
	q.jobs[job.ID] = job
	q.dedup[job.DedupKey] = dedupEntry{jobID: job.ID, lastSeen: now}
	q.mu.Unlock()

	if err := q.repo.PutJob(ctx, job); err != nil {
		q.mu.Lock()
		delete(q.jobs, job.ID)
		delete(q.dedup, job.DedupKey)
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: persist enqueue: %w", err)
	}

	return job, nil
}

// eligible reports whether job J may be dequeued by robot R right now.
func eligible(job *types.Job, robot *types.Robot, now time.Time) bool {
	if job.Status != types.StatusQueued {
		return false
	}
	if job.ScheduledTime != nil && job.ScheduledTime.After(now) {
		return false
	}
	if job.TargetRobotID != "" && job.TargetRobotID != robot.ID {
		return false
	}
	if !robot.HasTags(job.RequiredTags) {
		return false
	}
	if !robot.HasCapabilities(job.RequiredCaps) {
		return false
	}
	if robot.MaxConcurrentJobs > 0 && robot.CurrentJobs >= robot.MaxConcurrentJobs {
		return false
	}
	return true
}

// TryDequeue implements the dequeue contract: scan priority buckets
// CRITICAL→LOW, FIFO within a bucket (queued_at, then job_id), return the
// first job eligible for robot R, transition it to RUNNING with a lease,
// and persist before returning. Atomic against concurrent dequeues — the
// queue-wide lock is held for the whole scan-and-transition.
func (q *Queue) TryDequeue(ctx context.Context, robot *types.Robot) (*types.Job, error) {
	now := q.clock.Now()

	q.mu.Lock()
	candidates := make([]*types.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if eligible(job, robot, now) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.ID < b.ID
	})

	if len(candidates) == 0 {
		q.mu.Unlock()
		return nil, nil
	}

	job := candidates[0]
	job.Status = types.StatusRunning
	job.AssignedRobotID = robot.ID
	job.StartedAt = now
	job.LastHeartbeatAt = now
	job.LeasedUntil = now.Add(job.Timeout)
	q.mu.Unlock()

	if err := q.repo.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("queue: persist dispatch: %w", err)
	}
	return job, nil
}

// UpdateProgress stamps progress and slides the lease forward by the job's
// timeout. Rejected if the job is not RUNNING.
func (q *Queue) UpdateProgress(ctx context.Context, id types.JobID, pct int, node string) error {
	now := q.clock.Now()

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != types.StatusRunning {
		q.mu.Unlock()
		return orcerr.ErrJobNotRunning
	}
	job.Progress = pct
	job.CurrentNode = node
	job.LastHeartbeatAt = now
	job.LeasedUntil = now.Add(job.Timeout)
	q.mu.Unlock()

	return q.repo.PutJob(ctx, job)
}

// CompleteTerminal applies an idempotent terminal transition: only a job
// that is currently RUNNING and currently assigned to reporterRobot moves;
// anything else (already-terminal, reassigned-elsewhere) is a no-op that
// the caller should log and discard under the stale-completion rule.
// reporterRobot == "" skips the assignment check (used for CANCELLED/
// TIMEOUT transitions the orchestrator itself drives).
func (q *Queue) CompleteTerminal(ctx context.Context, id types.JobID, status types.JobStatus, reporterRobot types.RobotID, jobErr *types.JobError, result any) (*types.Job, bool, error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("%w: %s is not terminal", orcerr.ErrInvalidTransition, status)
	}
	now := q.clock.Now()

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil, false, nil // already terminal/unknown: discard silently
	}
	if job.Status != types.StatusRunning {
		q.mu.Unlock()
		return nil, false, nil
	}
	if reporterRobot != "" && job.AssignedRobotID != reporterRobot {
		q.mu.Unlock()
		return nil, false, nil
	}

	job.Status = status
	job.CompletedAt = now
	job.Error = jobErr
	job.Result = result
	delete(q.jobs, id)
	q.mu.Unlock()

	if err := q.repo.PutJob(ctx, job); err != nil {
		return nil, false, fmt.Errorf("queue: persist terminal transition: %w", err)
	}
	return job, true, nil
}

// Requeue transitions a RUNNING job back to QUEUED (robot loss or
// JobReject), incrementing retry_count and clearing its assignment. This
// is the one exception to "RUNNING only moves to terminal" in the state
// table, the one transition explicitly carved out for recovery.
func (q *Queue) Requeue(ctx context.Context, id types.JobID) (*types.Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != types.StatusRunning {
		q.mu.Unlock()
		return nil, orcerr.ErrJobNotRunning
	}
	job.Status = types.StatusQueued
	job.AssignedRobotID = ""
	job.RetryCount++
	job.QueuedAt = q.clock.Now()
	q.mu.Unlock()

	if err := q.repo.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("queue: persist requeue: %w", err)
	}
	return job, nil
}

// Cancel transitions PENDING/QUEUED jobs straight to CANCELLED. For
// RUNNING jobs it returns immediate=false — the caller (Engine) must drive the
// JobCancel handshake and call CompleteTerminal once the robot acks or the
// grace period elapses. A job that is already terminal returns
// orcerr.ErrAlreadyTerminal, making repeated cancels observationally
// equivalent to one.
func (q *Queue) Cancel(ctx context.Context, id types.JobID, reason string) (job *types.Job, immediate bool, err error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		stored, getErr := q.repo.GetJob(ctx, id)
		if getErr != nil {
			return nil, false, orcerr.ErrJobNotFound
		}
		if stored.Status.IsTerminal() {
			return stored, false, orcerr.ErrAlreadyTerminal
		}
		return nil, false, orcerr.ErrJobNotFound
	}
	if job.Status == types.StatusRunning {
		q.mu.Unlock()
		return job, false, nil
	}
	job.Status = types.StatusCancelled
	job.CompletedAt = q.clock.Now()
	job.Error = &types.JobError{Kind: "cancelled", Message: reason}
	delete(q.jobs, id)
	q.mu.Unlock()

	if err := q.repo.PutJob(ctx, job); err != nil {
		return nil, false, fmt.Errorf("queue: persist cancel: %w", err)
	}
	return job, true, nil
}

// SweepTimeouts transitions every RUNNING job whose lease has expired to
// TIMEOUT. Returns the jobs that timed out so ResultCollector can record
// them and FleetManager can release their assignments.
func (q *Queue) SweepTimeouts(ctx context.Context) ([]*types.Job, error) {
	now := q.clock.Now()

	q.mu.Lock()
	var expired []*types.Job
	for _, job := range q.jobs {
		if job.Status == types.StatusRunning && job.LeasedUntil.Before(now) {
			expired = append(expired, job)
		}
	}
	for _, job := range expired {
		job.Status = types.StatusTimeout
		job.CompletedAt = now
		job.Error = &types.JobError{Kind: "timeout", Message: "lease expired without completion"}
		delete(q.jobs, job.ID)
	}
	q.mu.Unlock()

	for _, job := range expired {
		if err := q.repo.PutJob(ctx, job); err != nil {
			log.Error("queue: persist timeout failed", "job_id", job.ID, "error", err)
		}
	}
	return expired, nil
}

// Get returns a copy of a job's current state, whether terminal or not.
func (q *Queue) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	q.mu.Lock()
	if job, ok := q.jobs[id]; ok {
		cp := *job
		q.mu.Unlock()
		return &cp, nil
	}
	q.mu.Unlock()

	job, err := q.repo.GetJob(ctx, id)
	if err != nil {
		return nil, orcerr.ErrJobNotFound
	}
	return job, nil
}

// List proxies to the repository for full (including terminal) visibility.
func (q *Queue) List(ctx context.Context, filter storage.JobFilter) ([]*types.Job, error) {
	return q.repo.ListJobs(ctx, filter)
}

// ListQueued returns a priority-ordered snapshot of the in-memory QUEUED
// set — the index the dispatch tick scans, cheaper and more current than a
// repository round-trip.
func (q *Queue) ListQueued() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if job.Status == types.StatusQueued {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Depth returns the count of non-terminal jobs, by priority — used by
// the status snapshot and the dispatch tick.
func (q *Queue) Depth() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[types.Priority]int{}
	for _, job := range q.jobs {
		out[job.Priority]++
	}
	return out
}

// DepthByStatus returns the count of non-terminal jobs per status.
func (q *Queue) DepthByStatus() map[types.JobStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[types.JobStatus]int{}
	for _, job := range q.jobs {
		out[job.Status]++
	}
	return out
}

// GC drops dedup entries older than the window; called opportunistically
// from the dispatch tick since it is cheap and non-blocking.
func (q *Queue) GC() {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, entry := range q.dedup {
		if now.Sub(entry.lastSeen) > q.cfg.DedupWindow {
			delete(q.dedup, k)
		}
	}
}
