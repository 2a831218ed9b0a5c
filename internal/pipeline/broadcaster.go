package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunSnapshot is the complete outward-facing state of a run at a point in
// time. It is the only structure published to status subscribers.
type RunSnapshot struct {
	RunID       string          `json:"run_id"`
	Source      string          `json:"source"`
	Status      RunStatus       `json:"status"`
	Progress    int             `json:"progress"` // 0-100
	CurrentStage string         `json:"current_stage,omitempty"`
	Stages      []StageSnapshot `json:"stages"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// StageSnapshot is the outward-facing state of a single stage
type StageSnapshot struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StatusBroadcaster is the single authority for run status updates. Every
// transition goes through it so subscribers always see consistent snapshots.
type StatusBroadcaster struct {
	mu        sync.RWMutex
	snapshots map[string]*RunSnapshot
	publisher Publisher
	logger    *slog.Logger
}

// NewStatusBroadcaster creates a broadcaster publishing through the broker
func NewStatusBroadcaster(publisher Publisher, logger *slog.Logger) *StatusBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusBroadcaster{
		snapshots: make(map[string]*RunSnapshot),
		publisher: publisher,
		logger:    logger.With(slog.String("component", "pipeline.broadcaster")),
	}
}

// CreateRun registers a run with its planned stages
func (b *StatusBroadcaster) CreateRun(runID, source string, stages []StageSnapshot) {
	b.update(runID, func(s *RunSnapshot) {
		s.Source = source
		s.Status = RunStatusPending
		s.Stages = stages
	})
}

// StartRun marks the run running
func (b *StatusBroadcaster) StartRun(runID string) {
	b.update(runID, func(s *RunSnapshot) {
		s.Status = RunStatusRunning
		s.Message = ""
	})
}

// PauseRun marks the run paused with a reason
func (b *StatusBroadcaster) PauseRun(runID, reason string) {
	b.update(runID, func(s *RunSnapshot) {
		s.Status = RunStatusPaused
		s.Message = reason
	})
}

// ResumeRun marks a paused run running again
func (b *StatusBroadcaster) ResumeRun(runID string) {
	b.update(runID, func(s *RunSnapshot) {
		s.Status = RunStatusRunning
		s.Message = ""
	})
}

// CompleteRun marks the run completed
func (b *StatusBroadcaster) CompleteRun(runID, message string) {
	b.update(runID, func(s *RunSnapshot) {
		now := time.Now()
		s.Status = RunStatusCompleted
		s.Progress = 100
		s.CurrentStage = ""
		s.CompletedAt = &now
		s.Message = message
		for i := range s.Stages {
			if s.Stages[i].Status == string(StageStatusActive) {
				s.Stages[i].Status = string(StageStatusCompleted)
				s.Stages[i].Progress = 100
			}
		}
	})
}

// FailRun marks the run failed
func (b *StatusBroadcaster) FailRun(runID string, err error) {
	b.update(runID, func(s *RunSnapshot) {
		now := time.Now()
		s.Status = RunStatusFailed
		s.CompletedAt = &now
		if err != nil {
			s.Error = err.Error()
		}
	})
}

// CancelRun marks the run cancelled
func (b *StatusBroadcaster) CancelRun(runID string) {
	b.update(runID, func(s *RunSnapshot) {
		now := time.Now()
		s.Status = RunStatusCancelled
		s.CompletedAt = &now
	})
}

// StartStage marks a stage active and makes it the current stage
func (b *StatusBroadcaster) StartStage(runID, stageID string) {
	b.update(runID, func(s *RunSnapshot) {
		s.CurrentStage = stageID
		b.patchStage(s, stageID, func(st *StageSnapshot) {
			st.Status = string(StageStatusActive)
			st.Progress = 0
		})
	})
}

// UpdateStageProgress updates one stage's progress and recomputes the run
// progress as the mean over all stages. Progress updates also go out on the
// run's progress topic.
func (b *StatusBroadcaster) UpdateStageProgress(runID, stageID string, progress int, message string) {
	b.update(runID, func(s *RunSnapshot) {
		b.patchStage(s, stageID, func(st *StageSnapshot) {
			st.Progress = progress
			st.Message = message
		})
	})
	b.publishProgress(runID, stageID, progress, message)
}

// CompleteStage marks a stage completed
func (b *StatusBroadcaster) CompleteStage(runID, stageID string) {
	b.update(runID, func(s *RunSnapshot) {
		b.patchStage(s, stageID, func(st *StageSnapshot) {
			st.Status = string(StageStatusCompleted)
			st.Progress = 100
		})
	})
}

// FailStage marks a stage failed
func (b *StatusBroadcaster) FailStage(runID, stageID string, err error) {
	b.update(runID, func(s *RunSnapshot) {
		b.patchStage(s, stageID, func(st *StageSnapshot) {
			st.Status = string(StageStatusFailed)
			if err != nil {
				st.Error = err.Error()
			}
		})
	})
}

// SkipStage marks a stage skipped
func (b *StatusBroadcaster) SkipStage(runID, stageID, reason string) {
	b.update(runID, func(s *RunSnapshot) {
		b.patchStage(s, stageID, func(st *StageSnapshot) {
			st.Status = string(StageStatusSkipped)
			st.Message = reason
		})
	})
}

// Snapshot returns a copy of the run snapshot, or nil when unknown
func (b *StatusBroadcaster) Snapshot(runID string) *RunSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.snapshots[runID]
	if !ok {
		return nil
	}
	return copySnapshot(s)
}

// Snapshots returns copies of all known run snapshots
func (b *StatusBroadcaster) Snapshots() []*RunSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*RunSnapshot, 0, len(b.snapshots))
	for _, s := range b.snapshots {
		out = append(out, copySnapshot(s))
	}
	return out
}

// Forget drops a run snapshot once nobody needs it anymore
func (b *StatusBroadcaster) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, runID)
}

func (b *StatusBroadcaster) update(runID string, patch func(*RunSnapshot)) {
	b.mu.Lock()
	s, ok := b.snapshots[runID]
	if !ok {
		s = &RunSnapshot{
			RunID:     runID,
			Status:    RunStatusPending,
			StartedAt: time.Now(),
		}
		b.snapshots[runID] = s
	}
	patch(s)
	s.Progress = overallProgress(s)
	s.UpdatedAt = time.Now()
	snapshot := copySnapshot(s)
	b.mu.Unlock()

	b.publish(snapshot)
}

func (b *StatusBroadcaster) patchStage(s *RunSnapshot, stageID string, patch func(*StageSnapshot)) {
	for i := range s.Stages {
		if s.Stages[i].ID == stageID {
			patch(&s.Stages[i])
			return
		}
	}
	b.logger.Warn("unknown_stage_update",
		slog.String("run_id", s.RunID),
		slog.String("stage_id", stageID))
}

func (b *StatusBroadcaster) publish(s *RunSnapshot) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(context.Background(), StatusTopic(s.RunID), map[string]any{
		"run_id":   s.RunID,
		"status":   string(s.Status),
		"progress": s.Progress,
		"snapshot": s,
	})
}

func (b *StatusBroadcaster) publishProgress(runID, stageID string, progress int, message string) {
	if b.publisher == nil {
		return
	}
	overall := 0
	if snap := b.Snapshot(runID); snap != nil {
		overall = snap.Progress
	}
	b.publisher.Publish(context.Background(), ProgressTopic(runID), map[string]any{
		"run_id":         runID,
		"stage_id":       stageID,
		"stage_progress": progress,
		"progress":       overall,
		"message":        message,
	})
}

func overallProgress(s *RunSnapshot) int {
	if s.Status == RunStatusCompleted {
		return 100
	}
	if len(s.Stages) == 0 {
		return 0
	}
	total := 0
	for _, st := range s.Stages {
		total += st.Progress
	}
	return total / len(s.Stages)
}

func copySnapshot(s *RunSnapshot) *RunSnapshot {
	out := *s
	out.Stages = make([]StageSnapshot, len(s.Stages))
	copy(out.Stages, s.Stages)
	return &out
}
