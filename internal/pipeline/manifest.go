package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"datapulse/internal/controlpoint"
)

// ManifestFileName is the manifest file stored in every run's staging dir
const ManifestFileName = "manifest.json"

// RunManifest is the persistent record of a run: its source, stage
// executions, control point decisions and produced artifacts.
type RunManifest struct {
	mu sync.Mutex `json:"-"`

	RunID     string         `json:"run_id"`
	Source    string         `json:"source"`
	StartTime time.Time      `json:"start_time"`
	Config    map[string]any `json:"config,omitempty"`

	Stages    []StageExecution        `json:"stages"`
	Decisions []controlpoint.Decision `json:"decisions,omitempty"`
	Artifacts []ArtifactRef           `json:"artifacts,omitempty"`

	Status      RunStatus `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	Error       string    `json:"error,omitempty"`
}

// StageExecution records one executed stage
type StageExecution struct {
	StageID   string    `json:"stage_id"`
	StageName string    `json:"stage_name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  string    `json:"duration"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// ArtifactRef points at an artifact produced by a stage
type ArtifactRef struct {
	Stage    string `json:"stage"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Checksum string `json:"checksum,omitempty"`
}

// NewRunManifest creates a manifest for a starting run
func NewRunManifest(runID, source string, config map[string]any) *RunManifest {
	return &RunManifest{
		RunID:       runID,
		Source:      source,
		StartTime:   time.Now(),
		Config:      config,
		Status:      RunStatusPending,
		LastUpdated: time.Now(),
	}
}

// RecordStage appends a stage execution record
func (m *RunManifest) RecordStage(exec StageExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec.Duration = exec.EndTime.Sub(exec.StartTime).String()
	m.Stages = append(m.Stages, exec)
	m.LastUpdated = time.Now()
}

// RecordDecision appends a control point decision
func (m *RunManifest) RecordDecision(d controlpoint.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decisions = append(m.Decisions, d)
	m.LastUpdated = time.Now()
}

// RecordArtifact appends an artifact reference
func (m *RunManifest) RecordArtifact(ref ArtifactRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Artifacts = append(m.Artifacts, ref)
	m.LastUpdated = time.Now()
}

// SetStatus updates the run status, with the error message for failures
func (m *RunManifest) SetStatus(status RunStatus, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Status = status
	m.Error = errMsg
	m.LastUpdated = time.Now()
}

// Save writes the manifest as JSON into dir
func (m *RunManifest) Save(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0o644)
}

// LoadManifest reads a manifest back from dir
func LoadManifest(dir string) (*RunManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
