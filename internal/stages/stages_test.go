package stages

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapulse/internal/analytics"
	"datapulse/internal/broker"
	"datapulse/internal/pipeline"
	"datapulse/internal/quality"
	"datapulse/internal/staging"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload map[string]any) broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return broker.NewMessage(topic, payload)
}

const sourceCSV = `Ticker,Trade Date,Amount,Note
BMNS,2024-01-02,$10.50,ok
TASC,2024-01-03,$20.00,
BBOB,2024-01-04,$30.25,review
BMNS,2024-01-05,$40.00,ok
`

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, os.WriteFile(path, []byte(sourceCSV), 0o644))
	return path
}

func newStore(t *testing.T) *staging.Store {
	t.Helper()
	store, err := staging.NewStore(filepath.Join(t.TempDir(), "staging"), nil)
	require.NoError(t, err)
	return store
}

func newRunState(runID, source string) *pipeline.RunState {
	state := pipeline.NewRunState(runID, source)
	state.SetContext(pipeline.ContextKeySourcePath, source)
	return state
}

func TestStagingStage(t *testing.T) {
	store := newStore(t)
	stage := NewStagingStage(store, nil)
	state := newRunState("run-1", writeSource(t))

	require.NoError(t, stage.Validate(state))
	require.NoError(t, stage.Execute(context.Background(), state))

	rows, _ := state.GetContext(pipeline.ContextKeyRowCount)
	assert.Equal(t, 4, rows)
	cols, _ := state.GetContext(pipeline.ContextKeyColumnCount)
	assert.Equal(t, 4, cols)
	name, _ := state.GetContext(pipeline.ContextKeyDatasetName)
	assert.Equal(t, "trades", name)

	data, meta, err := store.Load("run-1", pipeline.StageIDStaging, artifactDataset)
	require.NoError(t, err)
	assert.Contains(t, string(data), "trade_date", "headers are normalized in the snapshot")
	assert.Equal(t, 4, int(meta.Extra["rows"].(float64)))
}

func TestStagingStageValidation(t *testing.T) {
	stage := NewStagingStage(newStore(t), nil)

	state := pipeline.NewRunState("run-2", "")
	require.Error(t, stage.Validate(state), "no source configured")

	state.SetContext(pipeline.ContextKeySourcePath, "/nonexistent/file.csv")
	require.Error(t, stage.Validate(state))
}

func TestStagingStageEmptySource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))

	stage := NewStagingStage(newStore(t), nil)
	state := newRunState("run-3", path)
	err := stage.Execute(context.Background(), state)
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrorTypeValidation, pipeline.TypeOf(err))
}

func TestQualityStage(t *testing.T) {
	store := newStore(t)
	pub := &fakePublisher{}
	state := newRunState("run-4", writeSource(t))

	require.NoError(t, NewStagingStage(store, nil).Execute(context.Background(), state))

	stage := NewQualityStage(quality.NewRunner(quality.DefaultConfig(), nil), store, pub, nil)
	require.NoError(t, stage.Validate(state))
	require.NoError(t, stage.Execute(context.Background(), state))

	score, ok := state.GetContext(pipeline.ContextKeyQualityScore)
	require.True(t, ok)
	assert.Greater(t, score.(float64), 0.0)
	_, ok = state.GetContext(pipeline.ContextKeyQualityVerdict)
	assert.True(t, ok)

	var report quality.Report
	_, err := store.LoadJSON("run-4", pipeline.StageIDQuality, artifactReport, &report)
	require.NoError(t, err)
	assert.Equal(t, "run-4", report.RunID)
	assert.NotEmpty(t, report.Findings)

	require.Len(t, pub.topics, 1)
	assert.Equal(t, ReportTopic("run-4"), pub.topics[0])
}

func TestQualityStageLoadsStagedDatasetFromDisk(t *testing.T) {
	store := newStore(t)
	source := writeSource(t)

	staged := newRunState("run-5", source)
	require.NoError(t, NewStagingStage(store, nil).Execute(context.Background(), staged))

	// Fresh run state simulating a later single-stage run
	state := pipeline.NewRunState("run-5", source)
	stage := NewQualityStage(quality.NewRunner(quality.DefaultConfig(), nil), store, nil, nil)
	require.NoError(t, stage.Validate(state))
	require.NoError(t, stage.Execute(context.Background(), state))

	var report quality.Report
	_, err := store.LoadJSON("run-5", pipeline.StageIDQuality, artifactReport, &report)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Rows)
}

func TestQualityStageValidateWithoutStagedData(t *testing.T) {
	stage := NewQualityStage(quality.NewRunner(quality.DefaultConfig(), nil), newStore(t), nil, nil)
	require.Error(t, stage.Validate(pipeline.NewRunState("run-6", "x.csv")))
}

func TestInsightsStage(t *testing.T) {
	store := newStore(t)
	state := newRunState("run-7", writeSource(t))
	require.NoError(t, NewStagingStage(store, nil).Execute(context.Background(), state))

	stage := NewInsightsStage(store, nil)
	require.NoError(t, stage.Validate(state))
	require.NoError(t, stage.Execute(context.Background(), state))

	var profile analytics.DatasetProfile
	_, err := store.LoadJSON("run-7", pipeline.StageIDInsights, artifactProfile, &profile)
	require.NoError(t, err)
	assert.Len(t, profile.Profiles, 4)
	assert.Equal(t, 4, profile.Rows)
}

func TestRecommendationsStage(t *testing.T) {
	store := newStore(t)
	state := newRunState("run-8", writeSource(t))
	require.NoError(t, NewStagingStage(store, nil).Execute(context.Background(), state))
	require.NoError(t, NewQualityStage(quality.NewRunner(quality.DefaultConfig(), nil), store, nil, nil).Execute(context.Background(), state))

	stage := NewRecommendationsStage(store, nil)
	require.NoError(t, stage.Validate(state))
	require.NoError(t, stage.Execute(context.Background(), state))

	var recs analytics.Recommendations
	_, err := store.LoadJSON("run-8", pipeline.StageIDRecommendations, artifactRecommendations, &recs)
	require.NoError(t, err)
	assert.Equal(t, "run-8", recs.RunID)
}

func TestFullStageChainThroughManager(t *testing.T) {
	store := newStore(t)
	exportsDir := filepath.Join(t.TempDir(), "exports")
	runner := quality.NewRunner(quality.DefaultConfig(), nil)

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(NewStagingStage(store, nil)))
	require.NoError(t, registry.Register(NewQualityStage(runner, store, nil, nil)))
	require.NoError(t, registry.Register(NewInsightsStage(store, nil)))
	require.NoError(t, registry.Register(NewRecommendationsStage(store, nil)))
	require.NoError(t, registry.Register(NewReportingStage(store, exportsDir, nil)))

	broadcaster := pipeline.NewStatusBroadcaster(nil, nil)
	manager := pipeline.NewManager(registry, pipeline.DefaultConfig(), nil, broadcaster, nil)
	manager.SetManifestDir(store.Root())

	resp, err := manager.Execute(context.Background(), pipeline.RunRequest{
		ID:     "run-9",
		Source: writeSource(t),
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, resp.Status)

	assert.FileExists(t, filepath.Join(exportsDir, "run-9.xlsx"))
	assert.FileExists(t, filepath.Join(exportsDir, "run-9.json"))

	state, err := manager.State("run-9")
	require.NoError(t, err)
	reportPath, ok := state.GetContext(pipeline.ContextKeyReportPath)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(exportsDir, "run-9.xlsx"), reportPath)

	// Every stage recorded its outputs in the persisted manifest
	manifest, err := pipeline.LoadManifest(store.RunDir("run-9"))
	require.NoError(t, err)
	names := make([]string, 0, len(manifest.Artifacts))
	for _, ref := range manifest.Artifacts {
		names = append(names, ref.Name)
	}
	assert.Contains(t, names, "dataset.csv")
	assert.Contains(t, names, "report.json")
	assert.Contains(t, names, "profile.json")
	assert.Contains(t, names, "recommendations.json")
	assert.Contains(t, names, "run-9.xlsx")
	assert.Contains(t, names, "run-9.json")
}

func TestStagingStageRetryableOnWriteFailure(t *testing.T) {
	store := newStore(t)
	// A regular file where the run directory should go makes every write fail
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "run-10"), []byte("x"), 0o644))

	stage := NewStagingStage(store, nil)
	state := newRunState("run-10", writeSource(t))
	err := stage.Execute(context.Background(), state)
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrorTypeExecution, pipeline.TypeOf(err))
	assert.True(t, pipeline.IsRetryable(err))
}

func TestReportingStageRetryableOnExportFailure(t *testing.T) {
	store := newStore(t)
	runner := quality.NewRunner(quality.DefaultConfig(), nil)

	state := newRunState("run-11", writeSource(t))
	require.NoError(t, NewStagingStage(store, nil).Execute(context.Background(), state))
	require.NoError(t, NewQualityStage(runner, store, nil, nil).Execute(context.Background(), state))

	// Exports directory path occupied by a regular file
	exportsDir := filepath.Join(t.TempDir(), "exports")
	require.NoError(t, os.WriteFile(exportsDir, []byte("x"), 0o644))

	err := NewReportingStage(store, exportsDir, nil).Execute(context.Background(), state)
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrorTypeExecution, pipeline.TypeOf(err))
	assert.True(t, pipeline.IsRetryable(err))
}
