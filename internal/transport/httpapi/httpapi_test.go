package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/config"
	"github.com/falconrpa/orchestrator/internal/engine"
	"github.com/falconrpa/orchestrator/internal/storage/fsrepo"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir, err := os.MkdirTemp("", "httpapi_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	repo, err := fsrepo.Open(fsrepo.Config{Dir: dir, WALBufferSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Defaults()
	cfg.Storage.Dir = dir
	cfg.Metrics.Enabled = false

	eng, err := engine.New(context.Background(), repo, clk, cfg)
	require.NoError(t, err)

	return New(eng, eng.Hub, []string{"*"})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob_CreatedWithValidBody(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_id":       "wf-1",
		"workflow_document": []byte(`{"nodes":[]}`),
		"priority":          "high",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, types.PriorityHigh, job.Priority)
	assert.Equal(t, types.StatusQueued, job.Status)
}

func TestSubmitJob_ValidationRejectsMissingWorkflowID(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_document": []byte(`{"nodes":[]}`),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_RejectsMalformedWorkflowDocument(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_id":       "wf-1",
		"workflow_document": []byte("not a json document"),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_DuplicateReturnsConflict(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"workflow_id":       "wf-1",
		"workflow_document": []byte(`{"nodes":[]}`),
		"parameters":        map[string]any{"x": 1},
	}

	first := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestGetJob_NotFoundReturns404(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob_ImmediateForQueuedJob(t *testing.T) {
	srv := newTestServer(t)

	submit := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_id":       "wf-1",
		"workflow_document": []byte(`{"nodes":[]}`),
	})
	require.Equal(t, http.StatusCreated, submit.Code)
	var job types.Job
	require.NoError(t, json.Unmarshal(submit.Body.Bytes(), &job))

	cancel := doJSON(t, srv, http.MethodPost, "/api/v1/jobs/"+string(job.ID)+"/cancel", map[string]any{"reason": "no longer needed"})
	assert.Equal(t, http.StatusOK, cancel.Code)

	get := doJSON(t, srv, http.MethodGet, "/api/v1/jobs/"+string(job.ID), nil)
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &job))
	assert.Equal(t, types.StatusCancelled, job.Status)
}

func TestRegisterRobot_AppearsInListRobots(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/robots", map[string]any{
		"robot_id":            "r1",
		"name":                "robot one",
		"max_concurrent_jobs": 2,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	list := doJSON(t, srv, http.MethodGet, "/api/v1/robots", nil)
	assert.Equal(t, http.StatusOK, list.Code)
	var robots []types.Robot
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &robots))
	require.Len(t, robots, 1)
	assert.Equal(t, types.RobotID("r1"), robots[0].ID)
}

func TestCreateSchedule_RejectsUnknownFrequency(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/schedules", map[string]any{
		"workflow_id": "wf-1",
		"frequency":   "weekly",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSchedule_IntervalSchedulePersists(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/schedules", map[string]any{
		"workflow_id":      "wf-1",
		"frequency":        "interval",
		"interval_seconds": 60,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRegisterTrigger_WebhookIncludesPath(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/triggers", map[string]any{
		"type":        "webhook",
		"workflow_id": "wf-1",
		"enabled":     true,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID          string `json:"id"`
		WebhookPath string `json:"webhook_path"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/webhooks/"+resp.ID, resp.WebhookPath)
}

func TestWebhook_FiresRegisteredTrigger(t *testing.T) {
	srv := newTestServer(t)

	createResp := doJSON(t, srv, http.MethodPost, "/api/v1/triggers", map[string]any{
		"type":        "webhook",
		"workflow_id": "wf-1",
		"enabled":     true,
	})
	require.Equal(t, http.StatusCreated, createResp.Code)
	var trig struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(createResp.Body.Bytes(), &trig))

	rec := doJSON(t, srv, http.MethodPost, "/webhooks/"+trig.ID, map[string]any{"foo": "bar"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsSnapshot_ReflectsQueueDepth(t *testing.T) {
	srv := newTestServer(t)

	submit := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_id":       "wf-1",
		"workflow_document": []byte(`{"nodes":[]}`),
		"priority":          "critical",
	})
	require.Equal(t, http.StatusCreated, submit.Code)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap engine.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.QueueDepthByPriority[types.PriorityCritical])
}
