// Package controlpoint gates pipeline stage transitions on external
// decisions. A control point sits after a stage; when a run reaches it the
// run blocks until a decision arrives, an auto-approve rule fires, the point
// times out, or the run is cancelled.
package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datapulse/internal/broker"
)

// Action is a control point decision outcome
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionSkip    Action = "skip"
)

// Valid reports whether the action is one of the known outcomes
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject || a == ActionSkip
}

// Decision records who resolved a control point and how
type Decision struct {
	PointID   string    `json:"point_id"`
	RunID     string    `json:"run_id"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Note      string    `json:"note,omitempty"`
	Auto      bool      `json:"auto"`
	DecidedAt time.Time `json:"decided_at"`
}

// Point declares a gate after a stage
type Point struct {
	ID         string
	AfterStage string
	// Timeout overrides the manager default when positive
	Timeout time.Duration
	// DefaultAction applies when the point times out
	DefaultAction Action
	// SkipStages are marked skipped when the decision is skip
	SkipStages []string
	// AutoApprove, when set, resolves the point without user input if it
	// returns true for the run's context snapshot
	AutoApprove func(runContext map[string]any) bool
}

// Publisher is the broker surface the manager needs
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) broker.Message
}

// ErrNoPendingDecision is returned by Decide when nothing is waiting
var ErrNoPendingDecision = errors.New("controlpoint: no pending decision")

// ErrInvalidAction is returned by Decide for unknown actions
var ErrInvalidAction = errors.New("controlpoint: invalid action")

// PendingTopic returns the topic announcing a waiting control point
func PendingTopic(runID string) string {
	return fmt.Sprintf("controlpoint.%s.pending", runID)
}

// DecidedTopic returns the topic announcing a resolved control point
func DecidedTopic(runID string) string {
	return fmt.Sprintf("controlpoint.%s.decided", runID)
}

type pendingKey struct {
	runID   string
	pointID string
}

// Manager registers control points and matches decisions to waiting runs
type Manager struct {
	mu             sync.Mutex
	points         []Point
	pending        map[pendingKey]chan Decision
	publisher      Publisher
	logger         *slog.Logger
	defaultTimeout time.Duration
	defaultAction  Action
}

// NewManager creates a control point manager
func NewManager(publisher Publisher, defaultTimeout time.Duration, defaultAction Action, logger *slog.Logger) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	if !defaultAction.Valid() {
		defaultAction = ActionReject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending:        make(map[pendingKey]chan Decision),
		publisher:      publisher,
		logger:         logger.With(slog.String("component", "controlpoint.manager")),
		defaultTimeout: defaultTimeout,
		defaultAction:  defaultAction,
	}
}

// Register adds a control point
func (m *Manager) Register(p Point) error {
	if p.ID == "" || p.AfterStage == "" {
		return fmt.Errorf("controlpoint: point needs an ID and a stage")
	}
	if p.DefaultAction != "" && !p.DefaultAction.Valid() {
		return ErrInvalidAction
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.points {
		if existing.ID == p.ID {
			return fmt.Errorf("controlpoint: point %s already registered", p.ID)
		}
	}
	m.points = append(m.points, p)
	return nil
}

// PointAfter returns the control point registered after the stage, or nil
func (m *Manager) PointAfter(stageID string) *Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.points {
		if m.points[i].AfterStage == stageID {
			p := m.points[i]
			return &p
		}
	}
	return nil
}

// Await blocks until the point is decided. Resolution order: auto-approve
// rule, explicit decision via Decide, timeout (default action), context
// cancellation.
func (m *Manager) Await(ctx context.Context, runID string, point Point, runContext map[string]any) (Decision, error) {
	if point.AutoApprove != nil && point.AutoApprove(runContext) {
		d := Decision{
			PointID:   point.ID,
			RunID:     runID,
			Action:    ActionApprove,
			Actor:     "auto",
			Note:      "auto-approve rule satisfied",
			Auto:      true,
			DecidedAt: time.Now(),
		}
		m.announceDecided(ctx, d)
		return d, nil
	}

	key := pendingKey{runID: runID, pointID: point.ID}
	ch := make(chan Decision, 1)

	m.mu.Lock()
	if _, exists := m.pending[key]; exists {
		m.mu.Unlock()
		return Decision{}, fmt.Errorf("controlpoint: %s already pending for run %s", point.ID, runID)
	}
	m.pending[key] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	timeout := point.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	if m.publisher != nil {
		m.publisher.Publish(ctx, PendingTopic(runID), map[string]any{
			"run_id":     runID,
			"point_id":   point.ID,
			"after":      point.AfterStage,
			"timeout_at": time.Now().Add(timeout).Format(time.RFC3339),
		})
	}
	m.logger.InfoContext(ctx, "controlpoint_pending",
		slog.String("run_id", runID),
		slog.String("point_id", point.ID),
		slog.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		m.announceDecided(ctx, d)
		return d, nil
	case <-timer.C:
		action := point.DefaultAction
		if !action.Valid() {
			action = m.defaultAction
		}
		d := Decision{
			PointID:   point.ID,
			RunID:     runID,
			Action:    action,
			Actor:     "timeout",
			Note:      fmt.Sprintf("no decision within %s", timeout),
			Auto:      true,
			DecidedAt: time.Now(),
		}
		m.announceDecided(ctx, d)
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Decide resolves a pending control point
func (m *Manager) Decide(runID, pointID string, action Action, actor, note string) error {
	if !action.Valid() {
		return ErrInvalidAction
	}

	m.mu.Lock()
	ch, ok := m.pending[pendingKey{runID: runID, pointID: pointID}]
	m.mu.Unlock()
	if !ok {
		return ErrNoPendingDecision
	}

	d := Decision{
		PointID:   pointID,
		RunID:     runID,
		Action:    action,
		Actor:     actor,
		Note:      note,
		DecidedAt: time.Now(),
	}
	select {
	case ch <- d:
		return nil
	default:
		return ErrNoPendingDecision
	}
}

// Pending returns the run/point pairs currently waiting for a decision
func (m *Manager) Pending() []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Decision, 0, len(m.pending))
	for key := range m.pending {
		out = append(out, Decision{RunID: key.runID, PointID: key.pointID})
	}
	return out
}

func (m *Manager) announceDecided(ctx context.Context, d Decision) {
	if m.publisher != nil {
		m.publisher.Publish(ctx, DecidedTopic(d.RunID), map[string]any{
			"run_id":   d.RunID,
			"point_id": d.PointID,
			"action":   string(d.Action),
			"actor":    d.Actor,
			"auto":     d.Auto,
		})
	}
	m.logger.InfoContext(ctx, "controlpoint_decided",
		slog.String("run_id", d.RunID),
		slog.String("point_id", d.PointID),
		slog.String("action", string(d.Action)),
		slog.String("actor", d.Actor),
		slog.Bool("auto", d.Auto))
}
