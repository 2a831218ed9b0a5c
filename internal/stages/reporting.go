package stages

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"datapulse/internal/analytics"
	"datapulse/internal/exporter"
	"datapulse/internal/pipeline"
	"datapulse/internal/staging"
)

// ReportingStage renders the run's results into the exports directory:
// an Excel workbook and a JSON bundle.
type ReportingStage struct {
	store      *staging.Store
	exportsDir string
	logger     *slog.Logger
}

// NewReportingStage creates the report generation stage
func NewReportingStage(store *staging.Store, exportsDir string, logger *slog.Logger) *ReportingStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportingStage{
		store:      store,
		exportsDir: exportsDir,
		logger:     logger.With(slog.String("stage", pipeline.StageIDReporting)),
	}
}

func (s *ReportingStage) ID() string   { return pipeline.StageIDReporting }
func (s *ReportingStage) Name() string { return pipeline.StageNameReporting }

func (s *ReportingStage) Dependencies() []string {
	return []string{pipeline.StageIDInsights, pipeline.StageIDRecommendations}
}

func (s *ReportingStage) Validate(state *pipeline.RunState) error {
	if s.exportsDir == "" {
		return fmt.Errorf("no exports directory configured")
	}
	_, err := loadReport(state, s.store)
	return err
}

// Execute assembles the report bundle and writes both export formats
func (s *ReportingStage) Execute(ctx context.Context, state *pipeline.RunState) error {
	report, err := loadReport(state, s.store)
	if err != nil {
		return err
	}

	bundle := &exporter.ReportBundle{
		RunID:       state.ID,
		Dataset:     report.Dataset,
		GeneratedAt: time.Now(),
		Quality:     report,
	}
	if v, ok := state.GetContext(contextKeyProfile); ok {
		bundle.Profile, _ = v.(*analytics.DatasetProfile)
	}
	if bundle.Profile == nil {
		var profile analytics.DatasetProfile
		if _, err := s.store.LoadJSON(state.ID, pipeline.StageIDInsights, artifactProfile, &profile); err == nil {
			bundle.Profile = &profile
		}
	}
	if v, ok := state.GetContext(contextKeyRecommend); ok {
		bundle.Recommendations, _ = v.(*analytics.Recommendations)
	}
	if bundle.Recommendations == nil {
		var recs analytics.Recommendations
		if _, err := s.store.LoadJSON(state.ID, pipeline.StageIDRecommendations, artifactRecommendations, &recs); err == nil {
			bundle.Recommendations = &recs
		}
	}

	workbookPath := filepath.Join(s.exportsDir, state.ID+".xlsx")
	if err := exporter.WriteWorkbook(bundle, workbookPath); err != nil {
		// Export writes are disk I/O; let the stage retry them
		return pipeline.NewExecutionError(s.ID(), err, true)
	}
	jsonPath := filepath.Join(s.exportsDir, state.ID+".json")
	if err := exporter.WriteJSON(bundle, jsonPath); err != nil {
		return pipeline.NewExecutionError(s.ID(), err, true)
	}
	state.AddArtifact(pipeline.ArtifactRef{Stage: s.ID(), Name: filepath.Base(workbookPath), Path: workbookPath})
	state.AddArtifact(pipeline.ArtifactRef{Stage: s.ID(), Name: filepath.Base(jsonPath), Path: jsonPath})

	state.SetContext(pipeline.ContextKeyReportPath, workbookPath)
	s.logger.InfoContext(ctx, "report_exported",
		slog.String("run_id", state.ID),
		slog.String("workbook", workbookPath))
	return nil
}
