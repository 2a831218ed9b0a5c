package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapulse/internal/broker"
	"datapulse/internal/controlpoint"
	"datapulse/internal/pipeline"
	"datapulse/internal/quality"
	"datapulse/internal/services"
	"datapulse/internal/stages"
	"datapulse/internal/staging"
)

type testServer struct {
	srv   *httptest.Server
	store *staging.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	base := t.TempDir()
	store, err := staging.NewStore(filepath.Join(base, "staging"), nil)
	require.NoError(t, err)

	b := broker.New(64, nil)
	t.Cleanup(b.Close)

	broadcaster := pipeline.NewStatusBroadcaster(b, nil)
	runner := quality.NewRunner(quality.DefaultConfig(), nil)

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(stages.NewStagingStage(store, nil)))
	require.NoError(t, registry.Register(stages.NewQualityStage(runner, store, b, nil)))
	require.NoError(t, registry.Register(stages.NewInsightsStage(store, nil)))
	require.NoError(t, registry.Register(stages.NewRecommendationsStage(store, nil)))
	require.NoError(t, registry.Register(stages.NewReportingStage(store, filepath.Join(base, "exports"), nil)))

	cfg := pipeline.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	manager := pipeline.NewManager(registry, cfg, b, broadcaster, nil)
	gate := controlpoint.NewManager(b, time.Minute, controlpoint.ActionReject, nil)
	manager.SetControlGate(gate)

	queue := pipeline.NewJobQueue(manager, pipeline.NewMemoryJobStore(), 2, 16, nil)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	service := services.NewPipelineService(manager, queue, broadcaster, gate, store, nil)
	health := services.NewHealthService(store.Root(), b)

	handler := NewHandler(service, health, nil, Options{}, nil)
	srv := httptest.NewServer(handler.Router(Options{}))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: store}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.csv")
	data := "Ticker,Amount\nBMNS,$10.50\nTASC,$20.00\nBBOB,$30.25\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestStartRunEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/runs", map[string]any{"source": writeSource(t)})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[pipeline.Job](t, resp)
	require.NotEmpty(t, job.RunID)

	runPath := "/api/runs/" + job.RunID
	require.Eventually(t, func() bool {
		resp := ts.get(t, runPath)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		snap := decode[pipeline.RunSnapshot](t, resp)
		return snap.Status == pipeline.RunStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	report := decode[quality.Report](t, ts.get(t, runPath+"/quality"))
	assert.Equal(t, job.RunID, report.RunID)
	assert.Equal(t, 3, report.Rows)
	assert.NotEmpty(t, report.Findings)

	resp = ts.get(t, runPath+"/insights")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.get(t, runPath+"/recommendations")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	artifacts := decode[map[string]any](t, ts.get(t, runPath+"/artifacts"))
	assert.NotEmpty(t, artifacts["artifacts"])

	runs := decode[map[string]any](t, ts.get(t, "/api/runs"))
	assert.Len(t, runs["runs"], 1)

	jobs := decode[map[string]any](t, ts.get(t, "/api/jobs"))
	assert.Len(t, jobs["jobs"], 1)
}

func TestStartRunValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/runs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.post(t, "/api/runs", map[string]any{"source": "/nonexistent/file.csv"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/api/runs/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRunActionOnUnknownRun(t *testing.T) {
	ts := newTestServer(t)
	for _, action := range []string{"pause", "resume", "cancel"} {
		resp := ts.post(t, "/api/runs/ghost/"+action, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, action)
		resp.Body.Close()
	}
}

func TestDecisionValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/runs/run-1/controlpoints/gate/decision", map[string]any{
		"action": "explode", "actor": "analyst",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.post(t, "/api/runs/run-1/controlpoints/gate/decision", map[string]any{
		"action": "approve", "actor": "analyst",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "nothing pending")
	resp.Body.Close()
}

func TestPendingDecisionsEmpty(t *testing.T) {
	ts := newTestServer(t)
	pending := decode[map[string]any](t, ts.get(t, "/api/controlpoints/pending"))
	assert.Empty(t, pending["pending"])
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ready := decode[services.HealthStatus](t, ts.get(t, "/readyz"))
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "writable", ready.Checks["staging"])
}

func TestTraceIDHeader(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/healthz")
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
}

func TestQualityReportNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, sub := range []string{"quality", "insights", "recommendations"} {
		resp := ts.get(t, fmt.Sprintf("/api/runs/ghost/%s", sub))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, sub)
		resp.Body.Close()
	}
}
