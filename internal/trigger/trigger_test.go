package trigger

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

func newTestManager(t *testing.T, enq EnqueueFunc) (*Manager, *clock.Mock) {
	t.Helper()
	dir, err := os.MkdirTemp("", "trigger_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	repo, err := fsrepo.Open(fsrepo.Config{Dir: dir, WALBufferSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m, err := New(context.Background(), repo, clk, enq)
	require.NoError(t, err)
	return m, clk
}

func TestRegister_PersistsTrigger(t *testing.T) {
	m, _ := newTestManager(t, func(ctx context.Context, job *types.Job) (*types.Job, error) { return job, nil })

	created, err := m.Register(context.Background(), &types.Trigger{Type: types.TriggerManual, WorkflowID: "wf-1", Enabled: true})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := m.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
}

func TestFire_EnqueuesAndBumpsFireCount(t *testing.T) {
	var enqueuedParams map[string]any
	m, _ := newTestManager(t, func(ctx context.Context, job *types.Job) (*types.Job, error) {
		enqueuedParams = job.Parameters
		return job, nil
	})

	created, err := m.Register(context.Background(), &types.Trigger{Type: types.TriggerManual, WorkflowID: "wf-1", Enabled: true})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), created.ID, map[string]any{"k": "v"})
	require.NoError(t, err)

	assert.Equal(t, "v", enqueuedParams["k"])
	got, err := m.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FireCount)
}

func TestFire_DisabledTriggerDropsStimulus(t *testing.T) {
	var fired bool
	m, _ := newTestManager(t, func(ctx context.Context, job *types.Job) (*types.Job, error) {
		fired = true
		return job, nil
	})

	created, err := m.Register(context.Background(), &types.Trigger{Type: types.TriggerManual, WorkflowID: "wf-1", Enabled: false})
	require.NoError(t, err)

	job, err := m.Fire(context.Background(), created.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.False(t, fired)
}

func TestFire_UnknownTriggerReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t, func(ctx context.Context, job *types.Job) (*types.Job, error) { return job, nil })

	_, err := m.Fire(context.Background(), "does-not-exist", nil)
	assert.ErrorIs(t, err, orcerr.ErrTriggerNotFound)
}

func TestOnFireHook_InvokedWithTriggerType(t *testing.T) {
	m, _ := newTestManager(t, func(ctx context.Context, job *types.Job) (*types.Job, error) { return job, nil })
	var labels []string
	m.SetOnFire(func(triggerType string) { labels = append(labels, triggerType) })

	created, err := m.Register(context.Background(), &types.Trigger{Type: types.TriggerWebhook, WorkflowID: "wf-1", Enabled: true})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), created.ID, nil)
	require.NoError(t, err)

	require.Len(t, labels, 1)
	assert.Equal(t, "webhook", labels[0])
}

func TestWebhookPath_BuildsFromID(t *testing.T) {
	tr := &types.Trigger{ID: "abc-123"}
	assert.Equal(t, "/webhooks/abc-123", WebhookPath(tr))
}

func TestNew_RestartsWatchersForEnabledTriggers(t *testing.T) {
	dir, err := os.MkdirTemp("", "trigger_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	watchDir, err := os.MkdirTemp("", "trigger_watch_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(watchDir) })

	repo, err := fsrepo.Open(fsrepo.Config{Dir: dir, WALBufferSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	enq := func(ctx context.Context, job *types.Job) (*types.Job, error) { return job, nil }

	m1, err := New(context.Background(), repo, clk, enq)
	require.NoError(t, err)
	enabled, err := m1.Register(context.Background(), &types.Trigger{
		Type:       types.TriggerFile,
		WorkflowID: "wf-1",
		Enabled:    true,
		Config:     map[string]any{"directory": watchDir},
	})
	require.NoError(t, err)
	disabled, err := m1.Register(context.Background(), &types.Trigger{
		Type:       types.TriggerFile,
		WorkflowID: "wf-2",
		Enabled:    false,
		Config:     map[string]any{"directory": watchDir},
	})
	require.NoError(t, err)
	m1.Stop()

	m2, err := New(context.Background(), repo, clk, enq)
	require.NoError(t, err)
	t.Cleanup(m2.Stop)

	m2.mu.Lock()
	_, enabledRunning := m2.watchers[enabled.ID]
	_, disabledRunning := m2.watchers[disabled.ID]
	m2.mu.Unlock()
	assert.True(t, enabledRunning)
	assert.False(t, disabledRunning)
}

func TestUnregister_StopsTrackingTrigger(t *testing.T) {
	m, _ := newTestManager(t, func(ctx context.Context, job *types.Job) (*types.Job, error) { return job, nil })

	created, err := m.Register(context.Background(), &types.Trigger{Type: types.TriggerManual, WorkflowID: "wf-1"})
	require.NoError(t, err)

	require.NoError(t, m.Unregister(context.Background(), created.ID))
	_, err = m.Get(created.ID)
	assert.ErrorIs(t, err, orcerr.ErrTriggerNotFound)
}
