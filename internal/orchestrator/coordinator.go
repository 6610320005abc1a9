package orchestrator

import (
	"context"
	"strings"

	"github.com/nidhogg/code-monkeys/internal/agent"
	"github.com/nidhogg/code-monkeys/internal/memory"
	"go.uber.org/zap"
)

// minRouteScore is the keyword score below which no specialist matches.
const minRouteScore = 0.1

// Chooser lets the coordinator's model pick a worker; *agent.Engine
// satisfies it.
type Chooser interface {
	Choose(ctx context.Context, coordinator agent.Worker, brief string, candidates []agent.Worker) (string, error)
}

// Coordinator performs dynamic assignment for tasks without a static binding.
type Coordinator struct {
	registry *agent.Registry
	chooser  Chooser
	logger   *zap.Logger
}

// NewCoordinator creates the coordinator. chooser may be nil, leaving only
// keyword routing.
func NewCoordinator(registry *agent.Registry, chooser Chooser, logger *zap.Logger) *Coordinator {
	return &Coordinator{registry: registry, chooser: chooser, logger: logger}
}

// Select picks a specialist for t. The model's choice is taken when it names
// a registered specialist; otherwise the specialist whose profile best covers
// the task text wins. It reports false when nobody matches.
func (c *Coordinator) Select(ctx context.Context, t Task) (agent.Worker, bool) {
	candidates := c.registry.Specialists()
	if len(candidates) == 0 {
		return agent.Worker{}, false
	}
	brief := t.Template
	if t.ExpectedOutput != "" {
		brief += "\n\nExpected output: " + t.ExpectedOutput
	}

	if c.chooser != nil {
		role, err := c.chooser.Choose(ctx, c.registry.Coordinator(), brief, candidates)
		switch {
		case err != nil:
			c.logger.Warn("coordinator choice failed, falling back to keyword routing",
				zap.String("task", t.ID), zap.Error(err))
		case c.registry.IsCoordinator(role):
			c.logger.Warn("coordinator chose itself, ignoring", zap.String("task", t.ID))
		default:
			if w, err := c.registry.Resolve(role); err == nil {
				return w, true
			}
			c.logger.Warn("coordinator chose an unknown worker",
				zap.String("task", t.ID), zap.String("role", role))
		}
	}

	var best agent.Worker
	bestScore := 0.0
	for _, w := range candidates {
		profile := strings.Join([]string{
			strings.ReplaceAll(w.RoleID, "_", " "),
			w.Profile.Role,
			w.Profile.Goal,
		}, " ")
		if score := memory.KeywordScore(profile, brief); score > bestScore {
			best, bestScore = w, score
		}
	}
	if bestScore < minRouteScore {
		return agent.Worker{}, false
	}
	c.logger.Debug("keyword routing",
		zap.String("task", t.ID), zap.String("worker", best.RoleID), zap.Float64("score", bestScore))
	return best, true
}
