package orchestrator

import (
	"context"

	"github.com/nidhogg/code-monkeys/internal/agent"
)

// Assignment is the resolved executor of a task.
type Assignment struct {
	Worker agent.Worker
	Via    Via
	// Requested is the role id that failed to resolve when Via is unmatched.
	Requested string
}

// Resolver decides who executes a task: a static binding goes straight to
// the bound specialist, anything else goes through the coordinator.
type Resolver struct {
	registry    *agent.Registry
	coordinator *Coordinator
}

func NewResolver(registry *agent.Registry, coordinator *Coordinator) *Resolver {
	return &Resolver{registry: registry, coordinator: coordinator}
}

// Validate checks every static binding of g before anything runs.
func (r *Resolver) Validate(g *Graph) error {
	for _, t := range g.Tasks() {
		if t.BoundWorker == "" {
			continue
		}
		if _, err := r.registry.Resolve(t.BoundWorker); err != nil {
			return err
		}
	}
	return nil
}

// Resolve never fails. When neither a binding nor the coordinator yields a
// specialist it returns the coordinator with Via unmatched, which the engine
// reports as UnknownRoleError.
func (r *Resolver) Resolve(ctx context.Context, t Task) Assignment {
	if t.BoundWorker != "" {
		if w, err := r.registry.Resolve(t.BoundWorker); err == nil {
			return Assignment{Worker: w, Via: ViaStatic}
		}
		return Assignment{Worker: r.registry.Coordinator(), Via: ViaUnmatched, Requested: t.BoundWorker}
	}
	if r.coordinator != nil {
		if w, ok := r.coordinator.Select(ctx, t); ok {
			return Assignment{Worker: w, Via: ViaCoordinator}
		}
	}
	return Assignment{Worker: r.registry.Coordinator(), Via: ViaUnmatched}
}
