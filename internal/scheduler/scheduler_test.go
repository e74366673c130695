package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/storage/fsrepo"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, enq EnqueueFunc) (*Scheduler, *clock.Mock) {
	t.Helper()
	dir, err := os.MkdirTemp("", "scheduler_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	repo, err := fsrepo.Open(fsrepo.Config{Dir: dir, WALBufferSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(context.Background(), repo, clk, enq)
	require.NoError(t, err)
	return s, clk
}

func TestCreate_ComputesNextFireForInterval(t *testing.T) {
	var enqueued []*types.Job
	s, clk := newTestScheduler(t, func(ctx context.Context, job *types.Job) (*types.Job, error) {
		enqueued = append(enqueued, job)
		return job, nil
	})

	sch := &types.Schedule{WorkflowID: "wf-1", Frequency: types.FrequencyInterval, Interval: time.Minute}
	created, err := s.Create(context.Background(), sch)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), created.NextFireAt)
}

func TestFireDue_OnlyFiresOnceForNonCatchup(t *testing.T) {
	var fireCount int
	s, clk := newTestScheduler(t, func(ctx context.Context, job *types.Job) (*types.Job, error) {
		fireCount++
		return job, nil
	})

	sch := &types.Schedule{WorkflowID: "wf-1", Frequency: types.FrequencyInterval, Interval: time.Minute}
	_, err := s.Create(context.Background(), sch)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute) // many missed intervals, CatchUp is false
	s.fireDue(context.Background())

	assert.Equal(t, 1, fireCount)
}

func TestFireDue_CatchUpReplaysUpToCap(t *testing.T) {
	var fireCount int
	s, clk := newTestScheduler(t, func(ctx context.Context, job *types.Job) (*types.Job, error) {
		fireCount++
		return job, nil
	})

	sch := &types.Schedule{
		WorkflowID: "wf-1",
		Frequency:  types.FrequencyInterval,
		Interval:   time.Minute,
		CatchUp:    true,
	}
	_, err := s.Create(context.Background(), sch)
	require.NoError(t, err)

	clk.Advance(time.Duration(MaxCatchupFires+5) * time.Minute)
	s.fireDue(context.Background())

	assert.Equal(t, MaxCatchupFires, fireCount)
}

func TestOnFireHook_InvokedWithFrequencyLabel(t *testing.T) {
	s, clk := newTestScheduler(t, func(ctx context.Context, job *types.Job) (*types.Job, error) {
		return job, nil
	})
	var labels []string
	s.SetOnFire(func(frequency string) { labels = append(labels, frequency) })

	sch := &types.Schedule{WorkflowID: "wf-1", Frequency: types.FrequencyInterval, Interval: time.Minute}
	_, err := s.Create(context.Background(), sch)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	s.fireDue(context.Background())

	require.Len(t, labels, 1)
	assert.Equal(t, "interval", labels[0])
}

func TestToggle_DisableStopsFiring(t *testing.T) {
	var fireCount int
	s, clk := newTestScheduler(t, func(ctx context.Context, job *types.Job) (*types.Job, error) {
		fireCount++
		return job, nil
	})

	sch := &types.Schedule{WorkflowID: "wf-1", Frequency: types.FrequencyInterval, Interval: time.Minute}
	created, err := s.Create(context.Background(), sch)
	require.NoError(t, err)

	require.NoError(t, s.Toggle(context.Background(), created.ID, false))
	clk.Advance(2 * time.Minute)
	s.fireDue(context.Background())

	assert.Equal(t, 0, fireCount)
}

func TestDelete_RemovesSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, func(ctx context.Context, job *types.Job) (*types.Job, error) { return job, nil })

	sch := &types.Schedule{WorkflowID: "wf-1", Frequency: types.FrequencyOnce, At: time.Now().Add(time.Hour)}
	created, err := s.Create(context.Background(), sch)
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), created.ID))
	_, err = s.Get(created.ID)
	assert.Error(t, err)
}
