package orchestrator

import (
	"fmt"
	"sync"
)

// RunContext is the append-only map of task outputs for one run. The engine
// loop is its only writer; attempts and callers read through it.
type RunContext struct {
	mu      sync.RWMutex
	runID   string
	outputs map[string]string
	order   []string
}

// NewRunContext creates an empty context for a run.
func NewRunContext(runID string) *RunContext {
	return &RunContext{runID: runID, outputs: make(map[string]string)}
}

func (c *RunContext) RunID() string { return c.runID }

func (c *RunContext) put(taskID, output string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outputs[taskID]; ok {
		return fmt.Errorf("run context: output of %s already recorded", taskID)
	}
	c.outputs[taskID] = output
	c.order = append(c.order, taskID)
	return nil
}

// Output returns a task's recorded output.
func (c *RunContext) Output(taskID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[taskID]
	return v, ok
}

// Completed returns task ids in the order their outputs were recorded.
func (c *RunContext) Completed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Snapshot copies every recorded output.
func (c *RunContext) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}
