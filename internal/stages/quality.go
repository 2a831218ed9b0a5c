package stages

import (
	"context"
	"fmt"
	"log/slog"

	"datapulse/internal/pipeline"
	"datapulse/internal/quality"
	"datapulse/internal/staging"
)

// ReportTopic returns the broker topic carrying a run's quality report
func ReportTopic(runID string) string {
	return fmt.Sprintf("quality.%s.report", runID)
}

// QualityStage runs the detector set over the staged dataset and persists
// the resulting report.
type QualityStage struct {
	runner    *quality.Runner
	store     *staging.Store
	publisher pipeline.Publisher
	logger    *slog.Logger
}

// NewQualityStage creates the quality checks stage
func NewQualityStage(runner *quality.Runner, store *staging.Store, publisher pipeline.Publisher, logger *slog.Logger) *QualityStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityStage{
		runner:    runner,
		store:     store,
		publisher: publisher,
		logger:    logger.With(slog.String("stage", pipeline.StageIDQuality)),
	}
}

func (s *QualityStage) ID() string             { return pipeline.StageIDQuality }
func (s *QualityStage) Name() string           { return pipeline.StageNameQuality }
func (s *QualityStage) Dependencies() []string { return []string{pipeline.StageIDStaging} }

// Validate requires a staged dataset, in memory or on disk
func (s *QualityStage) Validate(state *pipeline.RunState) error {
	if _, ok := state.GetContext(contextKeyDataset); ok {
		return nil
	}
	if _, _, err := s.store.Load(state.ID, pipeline.StageIDStaging, artifactDataset); err != nil {
		return fmt.Errorf("no staged dataset: %w", err)
	}
	return nil
}

// Execute runs all detectors and stores the report
func (s *QualityStage) Execute(ctx context.Context, state *pipeline.RunState) error {
	ds, err := loadStagedDataset(state, s.store)
	if err != nil {
		return err
	}
	state.ReportProgress(s.ID(), 25, "dataset loaded")

	report, err := s.runner.Run(ctx, state.ID, ds)
	if err != nil {
		return fmt.Errorf("quality checks failed: %w", err)
	}
	state.ReportProgress(s.ID(), 75, "detectors finished")

	reportPath, err := s.store.SaveJSON(state.ID, s.ID(), artifactReport, report, map[string]any{
		"score":   report.Score,
		"verdict": string(report.Verdict),
	})
	if err != nil {
		return pipeline.NewExecutionError(s.ID(), err, true)
	}
	state.AddArtifact(pipeline.ArtifactRef{Stage: s.ID(), Name: artifactReport, Path: reportPath})

	state.SetContext(contextKeyQualityReport, report)
	state.SetContext(pipeline.ContextKeyQualityScore, report.Score)
	state.SetContext(pipeline.ContextKeyQualityVerdict, string(report.Verdict))

	if s.publisher != nil {
		s.publisher.Publish(ctx, ReportTopic(state.ID), map[string]any{
			"run_id":   state.ID,
			"dataset":  report.Dataset,
			"score":    report.Score,
			"verdict":  string(report.Verdict),
			"findings": len(report.Findings),
		})
	}

	if report.Verdict == quality.VerdictFail {
		s.logger.WarnContext(ctx, "quality_verdict_fail",
			slog.String("run_id", state.ID),
			slog.Float64("score", report.Score))
	}
	return nil
}

// loadReport returns the quality report from the run context or the staging
// store.
func loadReport(state *pipeline.RunState, store *staging.Store) (*quality.Report, error) {
	if v, ok := state.GetContext(contextKeyQualityReport); ok {
		if report, ok := v.(*quality.Report); ok {
			return report, nil
		}
	}
	var report quality.Report
	if _, err := store.LoadJSON(state.ID, pipeline.StageIDQuality, artifactReport, &report); err != nil {
		return nil, fmt.Errorf("no quality report for run %s: %w", state.ID, err)
	}
	return &report, nil
}
