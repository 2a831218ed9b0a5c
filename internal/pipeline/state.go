package pipeline

import (
	"sync"
	"time"
)

// RunStatus is the overall status of a pipeline run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StageStatus is the status of a single stage within a run
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusActive    StageStatus = "active"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// StageState is the runtime state of a stage
type StageState struct {
	mu        sync.RWMutex
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    StageStatus    `json:"status"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Progress  float64        `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewStageState creates a stage state in pending status
func NewStageState(id, name string) *StageState {
	return &StageState{
		ID:       id,
		Name:     name,
		Status:   StageStatusPending,
		Metadata: make(map[string]any),
	}
}

// Start marks the stage active
func (s *StageState) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.StartTime = &now
	s.Status = StageStatusActive
	s.Progress = 0
}

// Complete marks the stage completed
func (s *StageState) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.EndTime = &now
	s.Status = StageStatusCompleted
	s.Progress = 100
}

// Fail marks the stage failed
func (s *StageState) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.EndTime = &now
	s.Status = StageStatusFailed
	if err != nil {
		s.Error = err.Error()
	}
}

// Skip marks the stage skipped with a reason
func (s *StageState) Skip(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.EndTime = &now
	s.Status = StageStatusSkipped
	s.Message = reason
}

// UpdateProgress updates progress and message
func (s *StageState) UpdateProgress(progress float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Progress = progress
	s.Message = message
}

// CurrentStatus returns the stage status
func (s *StageState) CurrentStatus() StageStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// Duration returns the stage execution time so far
func (s *StageState) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.StartTime == nil {
		return 0
	}
	if s.EndTime != nil {
		return s.EndTime.Sub(*s.StartTime)
	}
	return time.Since(*s.StartTime)
}

// RunState is the complete state of one pipeline run
type RunState struct {
	mu sync.RWMutex

	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Status    RunStatus  `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	Stages map[string]*StageState `json:"stages"`

	// Context carries artifact references and metrics between stages
	Context map[string]any `json:"context"`

	// Config holds request parameters
	Config map[string]any `json:"config"`

	// Artifacts lists artifact references recorded by stages
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`

	Error string `json:"error,omitempty"`

	// progressFn forwards stage progress reports to the status broadcaster
	progressFn func(stageID string, progress float64, message string)
}

// NewRunState creates a run state in pending status
func NewRunState(id, source string) *RunState {
	return &RunState{
		ID:        id,
		Source:    source,
		Status:    RunStatusPending,
		StartTime: time.Now(),
		Stages:    make(map[string]*StageState),
		Context:   make(map[string]any),
		Config:    make(map[string]any),
	}
}

// Start marks the run running
func (r *RunState) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = RunStatusRunning
	r.StartTime = time.Now()
}

// Pause marks the run paused; only a running run can pause
func (r *RunState) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != RunStatusRunning {
		return false
	}
	r.Status = RunStatusPaused
	return true
}

// Resume marks a paused run running again
func (r *RunState) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != RunStatusPaused {
		return false
	}
	r.Status = RunStatusRunning
	return true
}

// Complete marks the run completed
func (r *RunState) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.EndTime = &now
	r.Status = RunStatusCompleted
}

// Fail marks the run failed
func (r *RunState) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.EndTime = &now
	r.Status = RunStatusFailed
	if err != nil {
		r.Error = err.Error()
	}
}

// Cancel marks the run cancelled
func (r *RunState) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.EndTime = &now
	r.Status = RunStatusCancelled
}

// CurrentStatus returns the run status
func (r *RunState) CurrentStatus() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// Stage returns the state of a stage, or nil
func (r *RunState) Stage(id string) *StageState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Stages[id]
}

// SetStage stores a stage state
func (r *RunState) SetStage(id string, state *StageState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages[id] = state
}

// GetContext reads a value from the run context
func (r *RunState) GetContext(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.Context[key]
	return v, ok
}

// SetContext stores a value in the run context
func (r *RunState) SetContext(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Context[key] = value
}

// ContextSnapshot returns a copy of the run context
func (r *RunState) ContextSnapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.Context))
	for k, v := range r.Context {
		out[k] = v
	}
	return out
}

// SetProgressReporter wires stage progress reports to a callback
func (r *RunState) SetProgressReporter(fn func(stageID string, progress float64, message string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressFn = fn
}

// ReportProgress updates the stage progress and forwards it to the reporter.
// Stages call this to surface progress mid-execution.
func (r *RunState) ReportProgress(stageID string, progress float64, message string) {
	r.mu.RLock()
	st := r.Stages[stageID]
	fn := r.progressFn
	r.mu.RUnlock()
	if st != nil {
		st.UpdateProgress(progress, message)
	}
	if fn != nil {
		fn(stageID, progress, message)
	}
}

// AddArtifact records an artifact produced by a stage
func (r *RunState) AddArtifact(ref ArtifactRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Artifacts = append(r.Artifacts, ref)
}

// ArtifactRefs returns a copy of the recorded artifact references
func (r *RunState) ArtifactRefs() []ArtifactRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ArtifactRef, len(r.Artifacts))
	copy(out, r.Artifacts)
	return out
}

// GetConfig reads a request parameter
func (r *RunState) GetConfig(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.Config[key]
	return v, ok
}

// SetConfig stores a request parameter
func (r *RunState) SetConfig(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Config[key] = value
}

// Duration returns the run duration so far
func (r *RunState) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return time.Since(r.StartTime)
}
