package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Stage is a single unit of pipeline work
type Stage interface {
	// ID returns the unique identifier for this stage
	ID() string

	// Name returns the human-readable name for this stage
	Name() string

	// Dependencies returns the IDs of stages that must complete first
	Dependencies() []string

	// Validate checks whether the stage can run against the current state
	Validate(state *RunState) error

	// Execute runs the stage. Implementations must honor ctx cancellation.
	Execute(ctx context.Context, state *RunState) error
}

// Registry manages registered pipeline stages
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	order  []string // registration order
}

// NewRegistry creates an empty stage registry
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Stage),
	}
}

// Register adds a stage to the registry
func (r *Registry) Register(stage Stage) error {
	if stage == nil {
		return fmt.Errorf("cannot register nil stage")
	}
	id := stage.ID()
	if id == "" {
		return fmt.Errorf("stage ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stages[id]; exists {
		return fmt.Errorf("stage %s already registered", id)
	}
	r.stages[id] = stage
	r.order = append(r.order, id)
	return nil
}

// Get retrieves a stage by ID
func (r *Registry) Get(id string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stage, exists := r.stages[id]
	if !exists {
		return nil, NewNotFoundError("stage", id)
	}
	return stage, nil
}

// Has reports whether a stage is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.stages[id]
	return exists
}

// List returns all stages in registration order
func (r *Registry) List() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stage, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.stages[id])
	}
	return out
}

// Count returns the number of registered stages
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}

// DependencyOrder returns the stages topologically sorted so every stage
// comes after its dependencies. Registration order breaks ties, which keeps
// runs deterministic.
func (r *Registry) DependencyOrder() ([]Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := make(map[string]bool, len(r.stages))
	visiting := make(map[string]bool, len(r.stages))
	var out []Stage

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("dependency cycle through stage %s", id)
		}
		stage, exists := r.stages[id]
		if !exists {
			return fmt.Errorf("stage %s depends on unregistered stage", id)
		}
		visiting[id] = true
		for _, dep := range stage.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		out = append(out, stage)
		return nil
	}

	for _, id := range r.order {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}
