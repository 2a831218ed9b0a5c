package stages

import (
	"context"
	"log/slog"

	"datapulse/internal/analytics"
	"datapulse/internal/pipeline"
	"datapulse/internal/staging"
)

// RecommendationsStage turns quality findings into a prioritized cleanup list
type RecommendationsStage struct {
	store  *staging.Store
	logger *slog.Logger
}

// NewRecommendationsStage creates the recommendations stage
func NewRecommendationsStage(store *staging.Store, logger *slog.Logger) *RecommendationsStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecommendationsStage{
		store:  store,
		logger: logger.With(slog.String("stage", pipeline.StageIDRecommendations)),
	}
}

func (s *RecommendationsStage) ID() string   { return pipeline.StageIDRecommendations }
func (s *RecommendationsStage) Name() string { return pipeline.StageNameRecommendations }

func (s *RecommendationsStage) Dependencies() []string {
	return []string{pipeline.StageIDQuality, pipeline.StageIDInsights}
}

func (s *RecommendationsStage) Validate(state *pipeline.RunState) error {
	_, err := loadReport(state, s.store)
	return err
}

// Execute derives and stores the recommendation list
func (s *RecommendationsStage) Execute(ctx context.Context, state *pipeline.RunState) error {
	report, err := loadReport(state, s.store)
	if err != nil {
		return err
	}

	recs := analytics.Recommend(report)
	recsPath, err := s.store.SaveJSON(state.ID, s.ID(), artifactRecommendations, recs, map[string]any{
		"items": len(recs.Items),
	})
	if err != nil {
		return pipeline.NewExecutionError(s.ID(), err, true)
	}
	state.AddArtifact(pipeline.ArtifactRef{Stage: s.ID(), Name: artifactRecommendations, Path: recsPath})
	state.SetContext(contextKeyRecommend, recs)

	s.logger.InfoContext(ctx, "recommendations_ready",
		slog.String("run_id", state.ID),
		slog.Int("items", len(recs.Items)))
	return nil
}
