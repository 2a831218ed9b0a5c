package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"datapulse/internal/broker"
	"datapulse/internal/controlpoint"
)

// ControlGate is the control point surface the manager needs.
// *controlpoint.Manager implements it.
type ControlGate interface {
	PointAfter(stageID string) *controlpoint.Point
	Await(ctx context.Context, runID string, point controlpoint.Point, runContext map[string]any) (controlpoint.Decision, error)
}

// Subscriber is the broker surface needed to receive control messages.
// *broker.Broker implements it.
type Subscriber interface {
	Subscribe(pattern string, handler broker.Handler) (string, error)
	Unsubscribe(id string)
}

// runHandle tracks a live run: its state, cancellation and pause gate
type runHandle struct {
	state  *RunState
	cancel context.CancelFunc

	mu             sync.Mutex
	pauseRequested bool
	resumeCh       chan struct{}

	manifest *RunManifest

	// artifactCount tracks how many state artifacts are already in the manifest
	artifactCount int
}

// Manager executes pipeline runs. It drives stages in dependency order,
// enforces per-stage timeouts and retries, pauses at stage boundaries,
// blocks on registered control points, and reports every transition through
// the status broadcaster.
type Manager struct {
	registry    *Registry
	config      Config
	publisher   Publisher
	broadcaster *StatusBroadcaster
	gate        ControlGate
	logger      *slog.Logger
	tracer      trace.Tracer

	// manifestDir, when set, receives a manifest.json per run
	manifestDir string

	mu     sync.RWMutex
	runs   map[string]*runHandle
	subIDs []string

	// startFn executes start requests arriving on the control topic.
	// Typically the job queue's submit function.
	startFn func(req RunRequest)
}

// NewManager creates a pipeline manager
func NewManager(registry *Registry, config Config, publisher Publisher, broadcaster *StatusBroadcaster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:    registry,
		config:      config,
		publisher:   publisher,
		broadcaster: broadcaster,
		logger:      logger.With(slog.String("component", "pipeline.manager")),
		tracer:      otel.Tracer("datapulse/pipeline"),
		runs:        make(map[string]*runHandle),
	}
}

// SetControlGate attaches a control point manager
func (m *Manager) SetControlGate(gate ControlGate) {
	m.gate = gate
}

// SetManifestDir enables run manifest persistence under dir/<runID>/
func (m *Manager) SetManifestDir(dir string) {
	m.manifestDir = dir
}

// SetStartHandler sets the function invoked for start control messages
func (m *Manager) SetStartHandler(fn func(req RunRequest)) {
	m.startFn = fn
}

// AttachControl subscribes the manager to the pipeline control topic so
// runs can be driven through the broker as well as through direct calls.
func (m *Manager) AttachControl(sub Subscriber) error {
	id, err := sub.Subscribe(TopicControlPattern, m.handleControl)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control topic: %w", err)
	}
	m.mu.Lock()
	m.subIDs = append(m.subIDs, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleControl(ctx context.Context, msg broker.Message) {
	action := msg.Topic[len(controlTopicPrefix):]
	runID := msg.String("run_id")

	var err error
	switch action {
	case ControlStart:
		if m.startFn == nil {
			err = fmt.Errorf("no start handler attached")
			break
		}
		m.startFn(RunRequest{
			ID:     runID,
			Source: msg.String("source"),
			Stage:  msg.String("stage"),
		})
	case ControlPause:
		err = m.Pause(runID)
	case ControlResume:
		err = m.Resume(runID)
	case ControlCancel:
		err = m.Cancel(runID)
	default:
		err = fmt.Errorf("unknown control action %q", action)
	}

	if err != nil {
		m.logger.WarnContext(ctx, "control_message_failed",
			slog.String("action", action),
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
}

// Execute runs the pipeline synchronously and returns once the run reaches a
// terminal state. Callers wanting asynchronous execution submit through the
// job queue instead.
func (m *Manager) Execute(ctx context.Context, req RunRequest) (*RunResponse, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	stages, err := m.planStages(req)
	if err != nil {
		return nil, err
	}

	state := NewRunState(req.ID, req.Source)
	for k, v := range req.Parameters {
		state.SetConfig(k, v)
	}
	state.SetContext(ContextKeySourcePath, req.Source)
	state.SetProgressReporter(func(stageID string, progress float64, message string) {
		m.broadcaster.UpdateStageProgress(req.ID, stageID, int(progress), message)
	})

	snapshots := make([]StageSnapshot, 0, len(stages))
	for _, st := range stages {
		state.SetStage(st.ID(), NewStageState(st.ID(), st.Name()))
		snapshots = append(snapshots, StageSnapshot{
			ID:     st.ID(),
			Name:   st.Name(),
			Status: string(StageStatusPending),
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &runHandle{
		state:    state,
		cancel:   cancel,
		resumeCh: make(chan struct{}),
		manifest: NewRunManifest(req.ID, req.Source, req.Parameters),
	}

	m.mu.Lock()
	if _, exists := m.runs[req.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("run %s already exists", req.ID)
	}
	m.runs[req.ID] = handle
	m.mu.Unlock()

	m.broadcaster.CreateRun(req.ID, req.Source, snapshots)

	runErr := m.run(runCtx, handle, stages)
	m.finish(runCtx, handle, runErr)

	resp := &RunResponse{
		ID:       req.ID,
		Status:   state.CurrentStatus(),
		Duration: state.Duration(),
		Stages:   state.Stages,
		Error:    state.Error,
	}
	return resp, runErr
}

// planStages resolves which stages the request executes, in order
func (m *Manager) planStages(req RunRequest) ([]Stage, error) {
	if req.Stage != "" {
		stage, err := m.registry.Get(req.Stage)
		if err != nil {
			return nil, err
		}
		return []Stage{stage}, nil
	}
	stages, err := m.registry.DependencyOrder()
	if err != nil {
		return nil, NewValidationError("", err.Error())
	}
	if len(stages) == 0 {
		return nil, NewValidationError("", "no stages registered")
	}
	return stages, nil
}

func (m *Manager) run(ctx context.Context, h *runHandle, stages []Stage) error {
	runID := h.state.ID
	h.state.Start()
	h.manifest.SetStatus(RunStatusRunning, "")
	m.broadcaster.StartRun(runID)
	m.saveManifest(h)

	m.logger.InfoContext(ctx, "run_started",
		slog.String("run_id", runID),
		slog.String("source", h.state.Source),
		slog.Int("stage_count", len(stages)))

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return NewCancellationError(stage.ID())
		}
		if err := m.pauseGate(ctx, h); err != nil {
			return err
		}
		if h.state.Stage(stage.ID()).CurrentStatus() == StageStatusSkipped {
			continue
		}

		if err := m.executeStage(ctx, h, stage); err != nil {
			if m.config.ContinueOnError && TypeOf(err) == ErrorTypeExecution {
				m.logger.WarnContext(ctx, "stage_failed_continuing",
					slog.String("run_id", runID),
					slog.String("stage", stage.ID()),
					slog.String("error", err.Error()))
				continue
			}
			return err
		}

		if err := m.awaitControlPoint(ctx, h, stage.ID()); err != nil {
			return err
		}
	}
	return nil
}

// pauseGate blocks at a stage boundary while a pause is in effect
func (m *Manager) pauseGate(ctx context.Context, h *runHandle) error {
	h.mu.Lock()
	if !h.pauseRequested {
		h.mu.Unlock()
		return nil
	}
	resume := h.resumeCh
	h.mu.Unlock()

	if h.state.Pause() {
		m.broadcaster.PauseRun(h.state.ID, "pause requested")
		m.logger.Info("run_paused", slog.String("run_id", h.state.ID))
	}

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return NewCancellationError("")
	}
}

func (m *Manager) executeStage(ctx context.Context, h *runHandle, stage Stage) error {
	runID := h.state.ID
	stageState := h.state.Stage(stage.ID())

	if err := stage.Validate(h.state); err != nil {
		verr := NewValidationError(stage.ID(), err.Error())
		stageState.Fail(verr)
		m.broadcaster.FailStage(runID, stage.ID(), verr)
		return verr
	}

	stageState.Start()
	m.broadcaster.StartStage(runID, stage.ID())
	start := time.Now()

	stageCtx, cancel := context.WithTimeout(ctx, m.config.StageTimeout)
	defer cancel()

	stageCtx, span := m.tracer.Start(stageCtx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage.id", stage.ID()),
		))
	defer span.End()

	m.logger.InfoContext(stageCtx, "stage_started",
		slog.String("run_id", runID),
		slog.String("stage", stage.ID()))

	attempts := uint(m.config.RetryAttempts)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error { return stage.Execute(stageCtx, h.state) },
		retry.Context(stageCtx),
		retry.Attempts(attempts),
		retry.Delay(m.config.RetryBaseDelay),
		retry.MaxDelay(m.config.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			m.logger.WarnContext(stageCtx, "stage_retry",
				slog.String("run_id", runID),
				slog.String("stage", stage.ID()),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()))
		}),
	)

	exec := StageExecution{
		StageID:   stage.ID(),
		StageName: stage.Name(),
		StartTime: start,
		EndTime:   time.Now(),
	}

	if err != nil {
		switch {
		case errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			err = NewTimeoutError(stage.ID(), m.config.StageTimeout.String())
		case ctx.Err() != nil:
			err = NewCancellationError(stage.ID())
		case TypeOf(err) == "":
			err = NewExecutionError(stage.ID(), err, false)
		}
		span.SetStatus(codes.Error, err.Error())
		stageState.Fail(err)
		m.broadcaster.FailStage(runID, stage.ID(), err)
		exec.Status = string(StageStatusFailed)
		exec.Error = err.Error()
		h.manifest.RecordStage(exec)
		m.syncArtifacts(h)
		m.saveManifest(h)
		return err
	}

	stageState.Complete()
	m.broadcaster.CompleteStage(runID, stage.ID())
	exec.Status = string(StageStatusCompleted)
	h.manifest.RecordStage(exec)
	m.syncArtifacts(h)
	m.saveManifest(h)

	m.logger.InfoContext(stageCtx, "stage_completed",
		slog.String("run_id", runID),
		slog.String("stage", stage.ID()),
		slog.Duration("duration", exec.EndTime.Sub(start)))
	return nil
}

// awaitControlPoint blocks when a control point is registered after the
// stage. The run shows as paused while waiting.
func (m *Manager) awaitControlPoint(ctx context.Context, h *runHandle, stageID string) error {
	if m.gate == nil {
		return nil
	}
	point := m.gate.PointAfter(stageID)
	if point == nil {
		return nil
	}

	runID := h.state.ID
	if h.state.Pause() {
		m.broadcaster.PauseRun(runID, fmt.Sprintf("awaiting decision at %s", point.ID))
	}

	decision, err := m.gate.Await(ctx, runID, *point, h.state.ContextSnapshot())
	if err != nil {
		return NewCancellationError(stageID)
	}
	h.manifest.RecordDecision(decision)
	m.saveManifest(h)

	switch decision.Action {
	case controlpoint.ActionReject:
		return NewRejectionError(point.ID, decision.Actor)
	case controlpoint.ActionSkip:
		for _, skipID := range point.SkipStages {
			if st := h.state.Stage(skipID); st != nil && st.CurrentStatus() == StageStatusPending {
				st.Skip(fmt.Sprintf("skipped by decision at %s", point.ID))
				m.broadcaster.SkipStage(runID, skipID, "skipped by decision")
			}
		}
	}

	if h.state.Resume() {
		m.broadcaster.ResumeRun(runID)
	}
	return nil
}

// finish settles the run into its terminal state and publishes the result
func (m *Manager) finish(ctx context.Context, h *runHandle, runErr error) {
	runID := h.state.ID

	switch {
	case runErr == nil:
		h.state.Complete()
		h.manifest.SetStatus(RunStatusCompleted, "")
		m.broadcaster.CompleteRun(runID, "all stages completed")
		m.logger.Info("run_completed",
			slog.String("run_id", runID),
			slog.Duration("duration", h.state.Duration()))
	case TypeOf(runErr) == ErrorTypeCancellation:
		h.state.Cancel()
		h.manifest.SetStatus(RunStatusCancelled, runErr.Error())
		m.broadcaster.CancelRun(runID)
		m.logger.Info("run_cancelled", slog.String("run_id", runID))
	default:
		h.state.Fail(runErr)
		h.manifest.SetStatus(RunStatusFailed, runErr.Error())
		m.broadcaster.FailRun(runID, runErr)
		m.logger.Error("run_failed",
			slog.String("run_id", runID),
			slog.String("error", runErr.Error()))
	}
	m.saveManifest(h)
}

// syncArtifacts copies artifact references recorded by stages since the last
// sync into the manifest.
func (m *Manager) syncArtifacts(h *runHandle) {
	refs := h.state.ArtifactRefs()
	h.mu.Lock()
	start := h.artifactCount
	h.artifactCount = len(refs)
	h.mu.Unlock()
	for _, ref := range refs[start:] {
		h.manifest.RecordArtifact(ref)
	}
}

func (m *Manager) saveManifest(h *runHandle) {
	if m.manifestDir == "" {
		return
	}
	dir := filepath.Join(m.manifestDir, h.state.ID)
	if err := h.manifest.Save(dir); err != nil {
		m.logger.Warn("manifest_save_failed",
			slog.String("run_id", h.state.ID),
			slog.String("error", err.Error()))
	}
}

// Pause requests a pause. The pause takes effect at the next stage boundary;
// the stage currently executing finishes first.
func (m *Manager) Pause(runID string) error {
	h, err := m.handle(runID)
	if err != nil {
		return err
	}

	status := h.state.CurrentStatus()
	if status.Terminal() || status == RunStatusPaused {
		return NewInvalidStateError(runID, status, "pause")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pauseRequested {
		return NewInvalidStateError(runID, status, "pause")
	}
	h.pauseRequested = true
	m.logger.Info("pause_requested", slog.String("run_id", runID))
	return nil
}

// Resume clears a pause. A pause that has not yet taken effect is simply
// withdrawn.
func (m *Manager) Resume(runID string) error {
	h, err := m.handle(runID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if !h.pauseRequested {
		h.mu.Unlock()
		return NewInvalidStateError(runID, h.state.CurrentStatus(), "resume")
	}
	h.pauseRequested = false
	close(h.resumeCh)
	h.resumeCh = make(chan struct{})
	h.mu.Unlock()

	if h.state.Resume() {
		m.broadcaster.ResumeRun(runID)
		m.logger.Info("run_resumed", slog.String("run_id", runID))
	}
	return nil
}

// Cancel stops the run. A cancelled run cannot be resumed.
func (m *Manager) Cancel(runID string) error {
	h, err := m.handle(runID)
	if err != nil {
		return err
	}
	if status := h.state.CurrentStatus(); status.Terminal() {
		return NewInvalidStateError(runID, status, "cancel")
	}
	h.cancel()
	m.logger.Info("cancel_requested", slog.String("run_id", runID))
	return nil
}

// State returns the live run state
func (m *Manager) State(runID string) (*RunState, error) {
	h, err := m.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.state, nil
}

// Manifest returns the run manifest
func (m *Manager) Manifest(runID string) (*RunManifest, error) {
	h, err := m.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.manifest, nil
}

// Forget drops a terminal run from the manager. Running runs are kept.
func (m *Manager) Forget(runID string) error {
	h, err := m.handle(runID)
	if err != nil {
		return err
	}
	if !h.state.CurrentStatus().Terminal() {
		return NewInvalidStateError(runID, h.state.CurrentStatus(), "forget")
	}
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	m.broadcaster.Forget(runID)
	return nil
}

// Detach removes the manager's broker subscriptions
func (m *Manager) Detach(sub Subscriber) {
	m.mu.Lock()
	ids := m.subIDs
	m.subIDs = nil
	m.mu.Unlock()
	for _, id := range ids {
		sub.Unsubscribe(id)
	}
}

func (m *Manager) handle(runID string) (*runHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.runs[runID]
	if !ok {
		return nil, NewNotFoundError("run", runID)
	}
	return h, nil
}
