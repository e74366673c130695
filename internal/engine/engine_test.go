package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/config"
	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/internal/storage/fsrepo"
	"github.com/falconrpa/orchestrator/internal/transport/wsrobot"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *clock.Mock) {
	t.Helper()
	dir, err := os.MkdirTemp("", "engine_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	repo, err := fsrepo.Open(fsrepo.Config{Dir: dir, WALBufferSize: 10})
	require.NoError(t, err)

	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Defaults()
	cfg.Storage.Dir = dir
	cfg.Metrics.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	eng, err := New(context.Background(), repo, clk, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return eng, clk
}

func runningRobot(id string) *types.Robot {
	return &types.Robot{ID: types.RobotID(id), MaxConcurrentJobs: 1}
}

func TestSubmitJob_DedupRejectsDoubleSubmit(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	job1 := &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"x": 1}}
	_, err := eng.SubmitJob(ctx, job1)
	require.NoError(t, err)

	job2 := &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"x": 1}}
	_, err = eng.SubmitJob(ctx, job2)
	assert.ErrorIs(t, err, orcerr.ErrDuplicateJob)
}

func TestSubmitJob_RejectsMissingWorkflowID(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	_, err := eng.SubmitJob(context.Background(), &types.Job{})
	assert.ErrorIs(t, err, orcerr.ErrInvalidWorkflow)
}

func TestJobLifecycle_SubmitDispatchComplete(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, runningRobot("r1")))

	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	robot, err := eng.Fleet.Get("r1")
	require.NoError(t, err)
	dequeued, err := eng.Queue.TryDequeue(ctx, robot)
	require.NoError(t, err)
	require.NotNil(t, dequeued)
	require.Equal(t, job.ID, dequeued.ID)
	require.NoError(t, eng.Fleet.RecordAssign(ctx, dequeued.ID, "r1", dequeued.LeasedUntil))

	err = eng.HandleJobComplete(ctx, "r1", wsrobot.JobCompletePayload{JobID: job.ID, Result: map[string]any{"ok": true}})
	require.NoError(t, err)

	final, err := eng.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, final.Status)

	stats := eng.WorkflowStats("wf-1")
	assert.Equal(t, 1, stats.TotalCount)
}

func TestHandleJobComplete_DiscardsStaleReport(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, runningRobot("r1")))
	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	robot, err := eng.Fleet.Get("r1")
	require.NoError(t, err)
	_, err = eng.Queue.TryDequeue(ctx, robot)
	require.NoError(t, err)

	err = eng.HandleJobComplete(ctx, "wrong-robot", wsrobot.JobCompletePayload{JobID: job.ID})
	require.NoError(t, err)

	current, err := eng.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, current.Status)
}

func TestSweepTimeouts_TransitionsSilentRunningJob(t *testing.T) {
	eng, clk := newTestEngine(t, func(cfg *config.Config) {
		cfg.Queue.DefaultJobTimeoutSeconds = 60
	})
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, runningRobot("r1")))
	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	robot, err := eng.Fleet.Get("r1")
	require.NoError(t, err)
	_, err = eng.Queue.TryDequeue(ctx, robot)
	require.NoError(t, err)
	require.NoError(t, eng.Fleet.RecordAssign(ctx, job.ID, "r1", clk.Now().Add(60*time.Second)))

	clk.Advance(2 * time.Minute)
	eng.sweepTimeouts(ctx)

	final, err := eng.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTimeout, final.Status)
}

func TestRobotLoss_RequeuesInFlightJob(t *testing.T) {
	eng, clk := newTestEngine(t, func(cfg *config.Config) {
		cfg.Fleet.StaleRobotTimeoutSeconds = 60
	})
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, runningRobot("r1")))
	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	robot, err := eng.Fleet.Get("r1")
	require.NoError(t, err)
	_, err = eng.Queue.TryDequeue(ctx, robot)
	require.NoError(t, err)
	require.NoError(t, eng.Fleet.RecordAssign(ctx, job.ID, "r1", clk.Now().Add(time.Hour)))

	eng.HandleDisconnect(ctx, "r1")

	final, err := eng.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, final.Status)
	assert.Equal(t, 1, final.RetryCount)

	offlineRobot, err := eng.Fleet.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RobotOffline, offlineRobot.Status)
}

func TestCancelJob_ImmediateForQueuedJob(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	require.NoError(t, eng.CancelJob(ctx, job.ID, "no longer needed"))

	final, err := eng.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, final.Status)
}

func TestCancelJob_RunningJobWithoutConnectionForceCancels(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, runningRobot("r1")))
	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	robot, err := eng.Fleet.Get("r1")
	require.NoError(t, err)
	_, err = eng.Queue.TryDequeue(ctx, robot)
	require.NoError(t, err)
	require.NoError(t, eng.Fleet.RecordAssign(ctx, job.ID, "r1", time.Now().Add(time.Hour)))

	require.NoError(t, eng.CancelJob(ctx, job.ID, "no longer needed"))

	// No live websocket connection: beginCancelHandshake's send fails and
	// the job is force-cancelled immediately rather than left pending.
	final, err := eng.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, final.Status)
	assert.Equal(t, 0, eng.pendingCancelCount())
}

func TestRetryJob_RequiresTerminalState(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	_, err = eng.RetryJob(ctx, job.ID)
	assert.ErrorIs(t, err, orcerr.ErrNotTerminal)
}

func TestRetryJob_ResubmitsWithIncrementedRetryCount(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, runningRobot("r1")))
	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"x": 1}})
	require.NoError(t, err)

	robot, err := eng.Fleet.Get("r1")
	require.NoError(t, err)
	_, err = eng.Queue.TryDequeue(ctx, robot)
	require.NoError(t, err)
	err = eng.HandleJobFailed(ctx, "r1", wsrobot.JobFailedPayload{JobID: job.ID, ErrorKind: "execution_error", Message: "boom"})
	require.NoError(t, err)

	retried, err := eng.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.NotEqual(t, job.ID, retried.ID)
}

func TestAffinity_StrategyRemembersSuccessfulRobot(t *testing.T) {
	eng, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Dispatch.LoadBalancingStrategy = "affinity"
	})
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, &types.Robot{ID: "winner", MaxConcurrentJobs: 2}))
	require.NoError(t, eng.RegisterRobot(ctx, &types.Robot{ID: "loser", MaxConcurrentJobs: 2, CurrentJobs: 0}))

	job, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	winner, err := eng.Fleet.Get("winner")
	require.NoError(t, err)
	dequeued, err := eng.Queue.TryDequeue(ctx, winner)
	require.NoError(t, err)
	require.NoError(t, eng.Fleet.RecordAssign(ctx, dequeued.ID, "winner", dequeued.LeasedUntil))
	require.NoError(t, eng.HandleJobComplete(ctx, "winner", wsrobot.JobCompletePayload{JobID: job.ID}))

	_, err = eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1", Parameters: map[string]any{"run": 2}})
	require.NoError(t, err)
	picked :=eng.Fleet.Select(&types.Job{WorkflowID: "wf-1"})
	require.NotNil(t, picked)
	assert.Equal(t, types.RobotID("winner"), picked.ID)
}

func TestListJobs_ProxiesRepositoryFilter(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1"})
	require.NoError(t, err)

	jobs, err := eng.ListJobs(ctx, storage.JobFilter{WorkflowID: "wf-1", HasWorkflow: true})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSnapshot_ReflectsFleetAndQueueState(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, eng.RegisterRobot(ctx, runningRobot("r1")))
	_, err := eng.SubmitJob(ctx, &types.Job{WorkflowID: "wf-1", Priority: types.PriorityHigh})
	require.NoError(t, err)

	snap := eng.Snapshot()
	assert.Equal(t, 1, snap.QueueDepthByPriority[types.PriorityHigh])
	assert.Equal(t, 1, snap.RobotsOnline)
}
