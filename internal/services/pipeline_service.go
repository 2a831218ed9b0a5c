// Package services holds the application services sitting between the HTTP
// transport and the pipeline engine.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"datapulse/internal/analytics"
	"datapulse/internal/controlpoint"
	"datapulse/internal/pipeline"
	"datapulse/internal/quality"
	"datapulse/internal/staging"
)

// PipelineService exposes run control and run results to the transport layer
type PipelineService struct {
	manager     *pipeline.Manager
	queue       *pipeline.JobQueue
	broadcaster *pipeline.StatusBroadcaster
	gate        *controlpoint.Manager
	store       *staging.Store
	logger      *slog.Logger
}

// NewPipelineService wires the pipeline engine into a service
func NewPipelineService(
	manager *pipeline.Manager,
	queue *pipeline.JobQueue,
	broadcaster *pipeline.StatusBroadcaster,
	gate *controlpoint.Manager,
	store *staging.Store,
	logger *slog.Logger,
) *PipelineService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineService{
		manager:     manager,
		queue:       queue,
		broadcaster: broadcaster,
		gate:        gate,
		store:       store,
		logger:      logger.With(slog.String("component", "services.pipeline")),
	}
}

// StartRun validates the source and queues a run
func (s *PipelineService) StartRun(ctx context.Context, req pipeline.RunRequest) (*pipeline.Job, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if _, err := os.Stat(req.Source); err != nil {
		return nil, fmt.Errorf("source not readable: %w", err)
	}

	job, err := s.queue.Submit(req)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "run_queued",
		slog.String("run_id", job.RunID),
		slog.String("source", req.Source))
	return job, nil
}

// Runs returns snapshots of all known runs, newest first
func (s *PipelineService) Runs() []*pipeline.RunSnapshot {
	snapshots := s.broadcaster.Snapshots()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.After(snapshots[j].StartedAt)
	})
	return snapshots
}

// Run returns one run snapshot
func (s *PipelineService) Run(runID string) (*pipeline.RunSnapshot, error) {
	snap := s.broadcaster.Snapshot(runID)
	if snap == nil {
		return nil, pipeline.NewNotFoundError("run", runID)
	}
	return snap, nil
}

// Pause requests a pause at the next stage boundary
func (s *PipelineService) Pause(runID string) error {
	return s.manager.Pause(runID)
}

// Resume clears a pause
func (s *PipelineService) Resume(runID string) error {
	return s.manager.Resume(runID)
}

// Cancel stops a run
func (s *PipelineService) Cancel(runID string) error {
	return s.manager.Cancel(runID)
}

// Decide resolves a pending control point
func (s *PipelineService) Decide(runID, pointID string, action controlpoint.Action, actor, note string) error {
	return s.gate.Decide(runID, pointID, action, actor, note)
}

// PendingDecisions lists control points waiting for a decision
func (s *PipelineService) PendingDecisions() []controlpoint.Decision {
	return s.gate.Pending()
}

// QualityReport loads a run's quality report from the staging store
func (s *PipelineService) QualityReport(runID string) (*quality.Report, error) {
	var report quality.Report
	if _, err := s.store.LoadJSON(runID, pipeline.StageIDQuality, "report.json", &report); err != nil {
		return nil, pipeline.NewNotFoundError("quality report", runID)
	}
	return &report, nil
}

// Insights loads a run's dataset profile from the staging store
func (s *PipelineService) Insights(runID string) (*analytics.DatasetProfile, error) {
	var profile analytics.DatasetProfile
	if _, err := s.store.LoadJSON(runID, pipeline.StageIDInsights, "profile.json", &profile); err != nil {
		return nil, pipeline.NewNotFoundError("insights", runID)
	}
	return &profile, nil
}

// Recommendations loads a run's recommendation list from the staging store
func (s *PipelineService) Recommendations(runID string) (*analytics.Recommendations, error) {
	var recs analytics.Recommendations
	if _, err := s.store.LoadJSON(runID, pipeline.StageIDRecommendations, "recommendations.json", &recs); err != nil {
		return nil, pipeline.NewNotFoundError("recommendations", runID)
	}
	return &recs, nil
}

// Artifacts lists the staged artifact metadata of a run
func (s *PipelineService) Artifacts(runID string) ([]staging.Meta, error) {
	return s.store.List(runID)
}

// Jobs returns the queued job records
func (s *PipelineService) Jobs() ([]*pipeline.Job, error) {
	return s.queue.Jobs()
}
