package agent

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/nidhogg/code-monkeys/internal/config"
	"github.com/nidhogg/code-monkeys/internal/sandbox"
	"github.com/nidhogg/code-monkeys/internal/skill"
)

// Profile is the prose identity handed to the reasoning provider.
type Profile struct {
	Role      string `json:"role"`
	Goal      string `json:"goal"`
	Backstory string `json:"backstory"`
}

// Capabilities are the execution rights and limits of a worker.
type Capabilities struct {
	CanDelegate    bool          `json:"can_delegate"`
	CanExecuteCode bool          `json:"can_execute_code"`
	SandboxMode    sandbox.Mode  `json:"sandbox_mode"`
	MaxExecution   time.Duration `json:"max_execution"`
	MaxRetries     int           `json:"max_retries"`
	MemoryEnabled  bool          `json:"memory_enabled"`
	ToolRefs       []string      `json:"tool_refs"`
}

// Worker is a role-specialized executor. Values handed out by the Registry
// are copies; nothing mutates a worker after load.
type Worker struct {
	RoleID       string       `json:"role_id"`
	Profile      Profile      `json:"profile"`
	ProviderID   string       `json:"provider_id,omitempty"`
	Model        string       `json:"model,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

func (w Worker) clone() Worker {
	w.Capabilities.ToolRefs = slices.Clone(w.Capabilities.ToolRefs)
	return w
}

// Registry is the read-only worker catalog of one process.
type Registry struct {
	workers     map[string]Worker
	ids         []string
	coordinator string
}

// NewRegistry builds a registry. The coordinator must be one of the workers
// and always gets delegation rights.
func NewRegistry(workers []Worker, coordinatorID string) (*Registry, error) {
	r := &Registry{workers: make(map[string]Worker, len(workers)), coordinator: coordinatorID}
	for _, w := range workers {
		if w.RoleID == "" {
			return nil, fmt.Errorf("worker without role id")
		}
		if _, dup := r.workers[w.RoleID]; dup {
			return nil, fmt.Errorf("duplicate worker %s", w.RoleID)
		}
		if w.RoleID == coordinatorID {
			w.Capabilities.CanDelegate = true
		}
		r.workers[w.RoleID] = w.clone()
		r.ids = append(r.ids, w.RoleID)
	}
	if _, ok := r.workers[coordinatorID]; !ok {
		return nil, &UnknownRoleError{RoleID: coordinatorID}
	}
	sort.Strings(r.ids)
	return r, nil
}

// Resolve returns the worker for a role id.
func (r *Registry) Resolve(roleID string) (Worker, error) {
	w, ok := r.workers[roleID]
	if !ok {
		return Worker{}, &UnknownRoleError{RoleID: roleID}
	}
	return w.clone(), nil
}

// Coordinator returns the distinguished routing worker.
func (r *Registry) Coordinator() Worker {
	return r.workers[r.coordinator].clone()
}

// IsCoordinator reports whether roleID names the coordinator.
func (r *Registry) IsCoordinator(roleID string) bool { return roleID == r.coordinator }

// List returns every worker ordered by role id.
func (r *Registry) List() []Worker {
	out := make([]Worker, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.workers[id].clone())
	}
	return out
}

// Specialists returns every worker except the coordinator, ordered by role id.
func (r *Registry) Specialists() []Worker {
	out := make([]Worker, 0, len(r.ids))
	for _, id := range r.ids {
		if id != r.coordinator {
			out = append(out, r.workers[id].clone())
		}
	}
	return out
}

// FromConfig builds the registry from the worker catalog and assigns each
// worker's tool references through the skill manager. An unresolvable tool
// reference is a configuration error.
func FromConfig(doc *config.WorkersDoc, skills *skill.Manager) (*Registry, error) {
	workers := make([]Worker, 0, len(doc.Workers))
	for id, wd := range doc.Workers {
		if skills != nil {
			if err := skills.AssignRefs(id, wd.Tools); err != nil {
				return nil, &config.ConfigurationError{Source: "worker " + id, Err: err}
			}
		}
		workers = append(workers, Worker{
			RoleID: id,
			Profile: Profile{
				Role:      wd.Role,
				Goal:      wd.Goal,
				Backstory: wd.Backstory,
			},
			ProviderID: wd.Provider,
			Model:      wd.Model,
			Capabilities: Capabilities{
				CanDelegate:    wd.AllowDelegation,
				CanExecuteCode: wd.AllowCodeExecution,
				SandboxMode:    sandbox.Mode(wd.SandboxMode()),
				MaxExecution:   time.Duration(wd.ExecutionSeconds()) * time.Second,
				MaxRetries:     wd.Retries(),
				MemoryEnabled:  wd.Memory,
				ToolRefs:       wd.Tools,
			},
		})
	}
	reg, err := NewRegistry(workers, doc.Coordinator)
	if err != nil {
		return nil, &config.ConfigurationError{Source: "workers", Err: err}
	}
	return reg, nil
}
