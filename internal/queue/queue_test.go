package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/storage/fsrepo"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *clock.Mock) {
	t.Helper()
	dir, err := os.MkdirTemp("", "queue_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	repo, err := fsrepo.Open(fsrepo.Config{Dir: dir, WALBufferSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q, err := New(context.Background(), repo, clk, cfg)
	require.NoError(t, err)
	return q, clk
}

func testRobot(id string) *types.Robot {
	return &types.Robot{
		ID:                types.RobotID(id),
		MaxConcurrentJobs: 10,
		Status:            types.RobotOnline,
	}
}

func TestEnqueue_AssignsIDAndQueuesJob(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	job := &types.Job{WorkflowID: "wf-1"}

	enqueued, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, enqueued.ID)
	assert.Equal(t, types.StatusQueued, enqueued.Status)
}

func TestEnqueue_DedupRejectsDoubleSubmit(t *testing.T) {
	q, _ := newTestQueue(t, Config{DedupWindow: time.Minute})
	job1 := &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"x": 1}}
	job2 := &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"x": 1}}

	first, err := q.Enqueue(context.Background(), job1)
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), job2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(first.ID))
}

func TestEnqueue_DedupExpiresAfterWindow(t *testing.T) {
	q, clk := newTestQueue(t, Config{DedupWindow: time.Minute})
	job1 := &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"x": 1}}
	job2 := &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"x": 1}}

	_, err := q.Enqueue(context.Background(), job1)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	second, err := q.Enqueue(context.Background(), job2)
	require.NoError(t, err)
	assert.NotEmpty(t, second.ID)
}

func TestTryDequeue_PriorityWinsOverArrivalOrder(t *testing.T) {
	q, clk := newTestQueue(t, Config{})
	ctx := context.Background()

	low := &types.Job{WorkflowID: "wf-1", Priority: types.PriorityLow}
	_, err := q.Enqueue(ctx, low)
	require.NoError(t, err)

	clk.Advance(time.Second)
	critical := &types.Job{WorkflowID: "wf-2", Priority: types.PriorityCritical}
	_, err = q.Enqueue(ctx, critical)
	require.NoError(t, err)

	dequeued, err := q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)
	require.NotNil(t, dequeued)
	assert.Equal(t, "wf-2", dequeued.WorkflowID)
	assert.Equal(t, types.StatusRunning, dequeued.Status)
}

func TestTryDequeue_FIFOWithinSamePriority(t *testing.T) {
	q, clk := newTestQueue(t, Config{})
	ctx := context.Background()

	first := &types.Job{WorkflowID: "wf-first", Priority: types.PriorityNormal}
	_, err := q.Enqueue(ctx, first)
	require.NoError(t, err)

	clk.Advance(time.Second)
	second := &types.Job{WorkflowID: "wf-second", Priority: types.PriorityNormal}
	_, err = q.Enqueue(ctx, second)
	require.NoError(t, err)

	dequeued, err := q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)
	assert.Equal(t, "wf-first", dequeued.WorkflowID)
}

func TestTryDequeue_RespectsTargetRobot(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job := &types.Job{WorkflowID: "wf-1", TargetRobotID: "r-specific"}
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	dequeued, err := q.TryDequeue(ctx, testRobot("r-other"))
	require.NoError(t, err)
	assert.Nil(t, dequeued)

	dequeued, err = q.TryDequeue(ctx, testRobot("r-specific"))
	require.NoError(t, err)
	require.NotNil(t, dequeued)
}

func TestCompleteTerminal_DiscardsStaleReporter(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	running, err := q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)
	require.Equal(t, job.ID, running.ID)

	_, ok, err := q.CompleteTerminal(ctx, job.ID, types.StatusCompleted, "wrong-robot", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = q.CompleteTerminal(ctx, job.ID, types.StatusCompleted, "r1", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteTerminal_IdempotentOnAlreadyTerminal(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, err = q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)

	_, ok, err := q.CompleteTerminal(ctx, job.ID, types.StatusCompleted, "r1", nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.CompleteTerminal(ctx, job.ID, types.StatusFailed, "r1", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepTimeouts_TransitionsExpiredLeases(t *testing.T) {
	q, clk := newTestQueue(t, Config{DefaultJobTimeout: time.Minute})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, err = q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	expired, err := q.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, job.ID, expired[0].ID)
	assert.Equal(t, types.StatusTimeout, expired[0].Status)
}

func TestCancel_ImmediateForQueuedJob(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	cancelled, immediate, err := q.Cancel(ctx, job.ID, "user requested")
	require.NoError(t, err)
	assert.True(t, immediate)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
}

func TestCancel_DeferredForRunningJob(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, err = q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)

	_, immediate, err := q.Cancel(ctx, job.ID, "user requested")
	require.NoError(t, err)
	assert.False(t, immediate)
}

func TestCancel_AlreadyTerminalJobReturnsConflict(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, err = q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)
	_, ok, err := q.CompleteTerminal(ctx, job.ID, types.StatusCompleted, "r1", nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = q.Cancel(ctx, job.ID, "too late")
	assert.ErrorIs(t, err, orcerr.ErrAlreadyTerminal)
}

func TestCancel_UnknownJobReturnsNotFound(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	_, _, err := q.Cancel(context.Background(), "never-existed", "whatever")
	assert.ErrorIs(t, err, orcerr.ErrJobNotFound)
}

func TestRequeue_IncrementsRetryCount(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, err = q.TryDequeue(ctx, testRobot("r1"))
	require.NoError(t, err)

	requeued, err := q.Requeue(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Empty(t, requeued.AssignedRobotID)
}

func TestDepth_CountsByPriority(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &types.Job{WorkflowID: "wf-1", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &types.Job{WorkflowID: "wf-2", Priority: types.PriorityHigh})
	require.NoError(t, err)

	depth := q.Depth()
	assert.Equal(t, 1, depth[types.PriorityLow])
	assert.Equal(t, 1, depth[types.PriorityHigh])
}
