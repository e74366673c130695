package fsrepo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/falconrpa/orchestrator/internal/storage"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fsrepo_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func openRepo(t *testing.T, dir string) *Repo {
	t.Helper()
	repo, err := Open(Config{Dir: dir, WALBufferSize: 10})
	require.NoError(t, err)
	return repo
}

func TestPutGetJob_RoundTrip(t *testing.T) {
	repo := openRepo(t, tempDir(t))
	t.Cleanup(func() { repo.Close() })
	ctx := context.Background()

	job := &types.Job{ID: "j1", WorkflowID: "wf-1", Status: types.StatusQueued}
	require.NoError(t, repo.PutJob(ctx, job))

	got, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)

	_, err = repo.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFoundLocal)
}

func TestGetJob_ReturnsACopy(t *testing.T) {
	repo := openRepo(t, tempDir(t))
	t.Cleanup(func() { repo.Close() })
	ctx := context.Background()

	require.NoError(t, repo.PutJob(ctx, &types.Job{ID: "j1", Status: types.StatusQueued}))

	got, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	got.Status = types.StatusCancelled

	again, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, again.Status)
}

func TestListJobs_FiltersByStatusAndWorkflow(t *testing.T) {
	repo := openRepo(t, tempDir(t))
	t.Cleanup(func() { repo.Close() })
	ctx := context.Background()

	require.NoError(t, repo.PutJob(ctx, &types.Job{ID: "j1", WorkflowID: "wf-1", Status: types.StatusQueued}))
	require.NoError(t, repo.PutJob(ctx, &types.Job{ID: "j2", WorkflowID: "wf-1", Status: types.StatusCompleted}))
	require.NoError(t, repo.PutJob(ctx, &types.Job{ID: "j3", WorkflowID: "wf-2", Status: types.StatusQueued}))

	queued, err := repo.ListJobs(ctx, storage.JobFilter{Status: types.StatusQueued, HasStatus: true})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	wf1, err := repo.ListJobs(ctx, storage.JobFilter{WorkflowID: "wf-1", HasWorkflow: true})
	require.NoError(t, err)
	assert.Len(t, wf1, 2)
}

func TestReopen_RestoresStateFromSnapshot(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	repo := openRepo(t, dir)
	require.NoError(t, repo.PutJob(ctx, &types.Job{ID: "j1", WorkflowID: "wf-1", Status: types.StatusQueued}))
	require.NoError(t, repo.PutRobot(ctx, &types.Robot{ID: "r1", Name: "robot one"}))
	require.NoError(t, repo.PutSchedule(ctx, &types.Schedule{ID: "s1", WorkflowID: "wf-1"}))
	require.NoError(t, repo.PutTrigger(ctx, &types.Trigger{ID: "t1", WorkflowID: "wf-1"}))
	require.NoError(t, repo.Close())

	reopened := openRepo(t, dir)
	t.Cleanup(func() { reopened.Close() })

	job, err := reopened.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, job.Status)

	robot, err := reopened.GetRobot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "robot one", robot.Name)

	_, err = reopened.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	_, err = reopened.GetTrigger(ctx, "t1")
	require.NoError(t, err)
}

// A crash leaves a snapshot plus WAL events appended after it; recovery
// must apply both. The first repo is deliberately never closed so the
// second Open sees exactly what would be on disk after a process kill.
func TestReopen_ReplaysWALEventsPastSnapshot(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	repo := openRepo(t, dir)
	require.NoError(t, repo.PutJob(ctx, &types.Job{ID: "before", WorkflowID: "wf-1", Status: types.StatusQueued}))
	require.NoError(t, repo.TakeSnapshot())
	require.NoError(t, repo.PutJob(ctx, &types.Job{ID: "after", WorkflowID: "wf-1", Status: types.StatusQueued}))

	recovered := openRepo(t, dir)
	t.Cleanup(func() { recovered.Close() })

	_, err := recovered.GetJob(ctx, "before")
	require.NoError(t, err)
	_, err = recovered.GetJob(ctx, "after")
	require.NoError(t, err)
}

func TestListResults_ReturnsLastN(t *testing.T) {
	repo := openRepo(t, tempDir(t))
	t.Cleanup(func() { repo.Close() })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.PutResult(ctx, &types.JobResult{
			JobID:       types.JobID(string(rune('a' + i))),
			WorkflowID:  "wf-1",
			RobotID:     "r1",
			CompletedAt: time.Unix(int64(i), 0),
		}))
	}

	last2, err := repo.ListResults(ctx, "wf-1", "r1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, types.JobID("d"), last2[0].JobID)
	assert.Equal(t, types.JobID("e"), last2[1].JobID)
}
