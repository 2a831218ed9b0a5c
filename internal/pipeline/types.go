// Package pipeline implements the run orchestration engine: a registry of
// stages executed in dependency order, a run state machine with
// start/pause/resume/cancel transitions, broker-driven control, and a status
// broadcaster that is the single authority for outward-facing run snapshots.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"datapulse/internal/broker"
)

// Built-in stage identifiers
const (
	StageIDStaging         = "staging"
	StageIDQuality         = "quality"
	StageIDInsights        = "insights"
	StageIDRecommendations = "recommendations"
	StageIDReporting       = "reporting"
)

// Built-in stage names
const (
	StageNameStaging         = "Source Staging"
	StageNameQuality         = "Quality Checks"
	StageNameInsights        = "Insight Extraction"
	StageNameRecommendations = "Recommendations"
	StageNameReporting       = "Report Generation"
)

// Keys for values passed between stages through the run context
const (
	ContextKeySourcePath    = "source_path"
	ContextKeyDatasetName   = "dataset_name"
	ContextKeyRowCount      = "row_count"
	ContextKeyColumnCount   = "column_count"
	ContextKeyQualityScore  = "quality_score"
	ContextKeyQualityVerdict = "quality_verdict"
	ContextKeyReportPath    = "report_path"
)

// Broker topics. Control messages arrive on pipeline.control.<action>; run
// events go out on pipeline.<runID>.<kind>.
const (
	TopicControlPattern = "pipeline.control.*"

	controlTopicPrefix = "pipeline.control."
)

// Control actions accepted on the control topic
const (
	ControlStart  = "start"
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlCancel = "cancel"
)

// ControlTopic returns the broker topic for a control action
func ControlTopic(action string) string {
	return controlTopicPrefix + action
}

// StatusTopic returns the status event topic of a run
func StatusTopic(runID string) string {
	return fmt.Sprintf("pipeline.%s.status", runID)
}

// ProgressTopic returns the progress event topic of a run
func ProgressTopic(runID string) string {
	return fmt.Sprintf("pipeline.%s.progress", runID)
}

// Publisher is the broker surface the pipeline needs. *broker.Broker
// implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) broker.Message
}

// RunRequest describes a pipeline run to execute
type RunRequest struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Stage      string         `json:"stage,omitempty"` // single stage, empty for the full pipeline
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RunResponse is returned once a run reaches a terminal state
type RunResponse struct {
	ID       string                 `json:"id"`
	Status   RunStatus              `json:"status"`
	Duration time.Duration          `json:"duration"`
	Stages   map[string]*StageState `json:"stages"`
	Error    string                 `json:"error,omitempty"`
}

// Config holds pipeline execution settings
type Config struct {
	StageTimeout    time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ContinueOnError bool
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		StageTimeout:   10 * time.Minute,
		RetryAttempts:  3,
		RetryBaseDelay: 1 * time.Second,
		RetryMaxDelay:  30 * time.Second,
	}
}
