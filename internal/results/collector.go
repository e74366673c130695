// Package results records terminal job outcomes: on every terminal
// transition, persist a JobResult and fold it into rolling
// per-workflow/per-robot statistics over a bounded window, queryable
// without scanning all history.
package results

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
)

// WindowSize bounds how many results feed a single statistics key, per
// the default window of the last 10,000 results per key.
const WindowSize = 10_000

// DefaultLogLimit is the number of trailing log entries retained per job.
const DefaultLogLimit = 1000

// Stats is the derived, cached aggregate for one (workflow_id | robot_id)
// key.
type Stats struct {
	TotalCount   int
	CountByStatus map[types.JobStatus]int
	SuccessRate  float64
	MinMs        int64
	AvgMs        float64
	MaxMs        int64
	P50Ms        int64
	P90Ms        int64
	P99Ms        int64
	ThroughputPerHour float64
}

// successRecorder lets ResultCollector feed the AFFINITY dispatch strategy
// without results depending on the dispatch package directly.
type successRecorder interface {
	RecordSuccess(workflowID string, robotID types.RobotID)
}

type window struct {
	durations []int64 // ring buffer of duration_ms, newest overwrites oldest
	statuses  map[types.JobStatus]int
	next      int
	full      bool
	firstAt   time.Time
	lastAt    time.Time
}

func newWindow() *window {
	return &window{
		durations: make([]int64, WindowSize),
		statuses:  make(map[types.JobStatus]int),
	}
}

func (w *window) add(durationMs int64, status types.JobStatus, at time.Time) {
	w.durations[w.next] = durationMs
	w.next = (w.next + 1) % WindowSize
	if w.next == 0 {
		w.full = true
	}
	w.statuses[status]++
	if w.firstAt.IsZero() {
		w.firstAt = at
	}
	w.lastAt = at
}

func (w *window) snapshot() Stats {
	n := w.next
	if w.full {
		n = WindowSize
	}
	data := make([]int64, n)
	copy(data, w.durations[:n])
	sort.Slice(data, func(i, j int) bool { return data[i] < data[j] })

	stats := Stats{CountByStatus: map[types.JobStatus]int{}}
	var total, success int
	for status, c := range w.statuses {
		stats.CountByStatus[status] = c
		total += c
		if status == types.StatusCompleted {
			success += c
		}
	}
	stats.TotalCount = total
	if total > 0 {
		stats.SuccessRate = float64(success) / float64(total)
	}
	if n > 0 {
		var sum int64
		for _, d := range data {
			sum += d
		}
		stats.MinMs = data[0]
		stats.MaxMs = data[n-1]
		stats.AvgMs = float64(sum) / float64(n)
		stats.P50Ms = percentile(data, 0.50)
		stats.P90Ms = percentile(data, 0.90)
		stats.P99Ms = percentile(data, 0.99)
	}
	if !w.firstAt.IsZero() && !w.lastAt.Equal(w.firstAt) {
		hours := w.lastAt.Sub(w.firstAt).Hours()
		if hours > 0 {
			stats.ThroughputPerHour = float64(total) / hours
		}
	}
	return stats
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Collector records terminal outcomes and maintains windowed statistics.
type Collector struct {
	mu       sync.Mutex
	repo     storage.Repository
	clk      clock.Clock
	affinity successRecorder

	byWorkflow map[string]*window
	byRobot    map[types.RobotID]*window
}

func New(repo storage.Repository, clk clock.Clock, affinity successRecorder) *Collector {
	return &Collector{
		repo:       repo,
		clk:        clk,
		affinity:   affinity,
		byWorkflow: make(map[string]*window),
		byRobot:    make(map[types.RobotID]*window),
	}
}

// Record persists a JobResult for a terminally-transitioned job and folds
// it into the rolling statistics.
func (c *Collector) Record(ctx context.Context, job *types.Job, logs []string) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("results: job %s is not terminal", job.ID)
	}

	started := job.StartedAt
	if started.IsZero() {
		started = job.QueuedAt
	}
	durationMs := job.CompletedAt.Sub(started).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}

	if len(logs) > DefaultLogLimit {
		logs = logs[len(logs)-DefaultLogLimit:]
	}

	result := &types.JobResult{
		JobID:          job.ID,
		WorkflowID:     job.WorkflowID,
		RobotID:        job.AssignedRobotID,
		TerminalStatus: job.Status,
		DurationMs:     durationMs,
		ResultData:     job.Result,
		Logs:           logs,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Error != nil {
		result.ErrorKind = job.Error.Kind
		result.ErrorMessage = job.Error.Message
		result.StackTrace = job.Error.StackTrace
		result.FailedNode = job.Error.FailedNode
	}

	if err := c.repo.PutResult(ctx, result); err != nil {
		return fmt.Errorf("results: persist: %w", err)
	}

	c.mu.Lock()
	wfWindow, ok := c.byWorkflow[job.WorkflowID]
	if !ok {
		wfWindow = newWindow()
		c.byWorkflow[job.WorkflowID] = wfWindow
	}
	wfWindow.add(durationMs, job.Status, job.CompletedAt)

	if job.AssignedRobotID != "" {
		robotWindow, ok := c.byRobot[job.AssignedRobotID]
		if !ok {
			robotWindow = newWindow()
			c.byRobot[job.AssignedRobotID] = robotWindow
		}
		robotWindow.add(durationMs, job.Status, job.CompletedAt)
	}
	c.mu.Unlock()

	if job.Status == types.StatusCompleted && job.AssignedRobotID != "" && c.affinity != nil {
		c.affinity.RecordSuccess(job.WorkflowID, job.AssignedRobotID)
	}

	return nil
}

// WorkflowStats returns the current rolling statistics for a workflow_id.
func (c *Collector) WorkflowStats(workflowID string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.byWorkflow[workflowID]
	if !ok {
		return Stats{CountByStatus: map[types.JobStatus]int{}}
	}
	return w.snapshot()
}

// RobotStats returns the current rolling statistics for a robot_id.
func (c *Collector) RobotStats(robotID types.RobotID) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.byRobot[robotID]
	if !ok {
		return Stats{CountByStatus: map[types.JobStatus]int{}}
	}
	return w.snapshot()
}
