package stages

import (
	"context"
	"log/slog"

	"datapulse/internal/analytics"
	"datapulse/internal/pipeline"
	"datapulse/internal/staging"
)

// InsightsStage profiles every column of the staged dataset
type InsightsStage struct {
	store  *staging.Store
	logger *slog.Logger
}

// NewInsightsStage creates the insight extraction stage
func NewInsightsStage(store *staging.Store, logger *slog.Logger) *InsightsStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &InsightsStage{
		store:  store,
		logger: logger.With(slog.String("stage", pipeline.StageIDInsights)),
	}
}

func (s *InsightsStage) ID() string             { return pipeline.StageIDInsights }
func (s *InsightsStage) Name() string           { return pipeline.StageNameInsights }
func (s *InsightsStage) Dependencies() []string { return []string{pipeline.StageIDQuality} }

func (s *InsightsStage) Validate(state *pipeline.RunState) error {
	_, err := loadStagedDataset(state, s.store)
	return err
}

// Execute computes the dataset profile and stores it
func (s *InsightsStage) Execute(ctx context.Context, state *pipeline.RunState) error {
	ds, err := loadStagedDataset(state, s.store)
	if err != nil {
		return err
	}

	profile := analytics.Profile(ds)
	profilePath, err := s.store.SaveJSON(state.ID, s.ID(), artifactProfile, profile, nil)
	if err != nil {
		return pipeline.NewExecutionError(s.ID(), err, true)
	}
	state.AddArtifact(pipeline.ArtifactRef{Stage: s.ID(), Name: artifactProfile, Path: profilePath})
	state.SetContext(contextKeyProfile, profile)

	s.logger.InfoContext(ctx, "profile_ready",
		slog.String("run_id", state.ID),
		slog.String("dataset", ds.Name),
		slog.Int("columns", len(profile.Profiles)))
	return nil
}
