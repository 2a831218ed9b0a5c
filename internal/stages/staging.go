// Package stages provides the built-in pipeline stages: source staging,
// quality checks, insight extraction, recommendations and report generation.
// Stages hand results to each other through the run context and persist every
// artifact in the staging store so a later single-stage run can pick up where
// a previous run left off.
package stages

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"datapulse/internal/dataset"
	"datapulse/internal/pipeline"
	"datapulse/internal/staging"
)

// Run-context keys private to the stage chain
const (
	contextKeyDataset       = "staged_dataset"
	contextKeyStagedPath    = "staged_path"
	contextKeyQualityReport = "quality_report"
	contextKeyProfile       = "dataset_profile"
	contextKeyRecommend     = "recommendations"
)

// Artifact names in the staging store
const (
	artifactDataset         = "dataset.csv"
	artifactReport          = "report.json"
	artifactProfile         = "profile.json"
	artifactRecommendations = "recommendations.json"
)

// StagingStage loads the source file, normalizes headers and snapshots the
// dataset into the staging store.
type StagingStage struct {
	store  *staging.Store
	logger *slog.Logger
}

// NewStagingStage creates the source staging stage
func NewStagingStage(store *staging.Store, logger *slog.Logger) *StagingStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &StagingStage{
		store:  store,
		logger: logger.With(slog.String("stage", pipeline.StageIDStaging)),
	}
}

func (s *StagingStage) ID() string             { return pipeline.StageIDStaging }
func (s *StagingStage) Name() string           { return pipeline.StageNameStaging }
func (s *StagingStage) Dependencies() []string { return nil }

// Validate requires a readable source file
func (s *StagingStage) Validate(state *pipeline.RunState) error {
	source, _ := state.GetContext(pipeline.ContextKeySourcePath)
	path, ok := source.(string)
	if !ok || path == "" {
		return fmt.Errorf("no source file configured")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("source file not readable: %w", err)
	}
	return nil
}

// Execute loads and stages the dataset
func (s *StagingStage) Execute(ctx context.Context, state *pipeline.RunState) error {
	source, _ := state.GetContext(pipeline.ContextKeySourcePath)
	path := source.(string)

	ds, err := dataset.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load source: %w", err)
	}
	if ds.RowCount() == 0 {
		return pipeline.NewValidationError(s.ID(), "source contains no data rows")
	}
	state.ReportProgress(s.ID(), 50, "source loaded")

	var buf bytes.Buffer
	if err := ds.WriteCSV(&buf); err != nil {
		return fmt.Errorf("failed to serialize dataset: %w", err)
	}
	stagedPath, err := s.store.Save(state.ID, s.ID(), artifactDataset, buf.Bytes(), map[string]any{
		"source":  path,
		"rows":    ds.RowCount(),
		"columns": ds.ColumnCount(),
	})
	if err != nil {
		// Disk writes are worth retrying; the source itself is not the problem
		return pipeline.NewExecutionError(s.ID(), err, true)
	}
	state.AddArtifact(pipeline.ArtifactRef{Stage: s.ID(), Name: artifactDataset, Path: stagedPath})

	state.SetContext(contextKeyDataset, ds)
	state.SetContext(contextKeyStagedPath, stagedPath)
	state.SetContext(pipeline.ContextKeyDatasetName, ds.Name)
	state.SetContext(pipeline.ContextKeyRowCount, ds.RowCount())
	state.SetContext(pipeline.ContextKeyColumnCount, ds.ColumnCount())

	s.logger.InfoContext(ctx, "dataset_staged",
		slog.String("run_id", state.ID),
		slog.String("dataset", ds.Name),
		slog.Int("rows", ds.RowCount()),
		slog.Int("columns", ds.ColumnCount()))
	return nil
}

// loadStagedDataset returns the in-memory dataset when the staging stage ran
// in this process, falling back to the staged CSV for single-stage runs.
func loadStagedDataset(state *pipeline.RunState, store *staging.Store) (*dataset.Dataset, error) {
	if v, ok := state.GetContext(contextKeyDataset); ok {
		if ds, ok := v.(*dataset.Dataset); ok {
			return ds, nil
		}
	}
	data, _, err := store.Load(state.ID, pipeline.StageIDStaging, artifactDataset)
	if err != nil {
		return nil, fmt.Errorf("no staged dataset for run %s: %w", state.ID, err)
	}
	ds, err := dataset.ParseCSV(bytes.NewReader(data), "staged")
	if err != nil {
		return nil, err
	}
	if name, ok := state.GetContext(pipeline.ContextKeyDatasetName); ok {
		if s, ok := name.(string); ok && s != "" {
			ds.Name = s
		}
	}
	return ds, nil
}
