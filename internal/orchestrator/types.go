package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/code-monkeys/internal/config"
)

// Status is the lifecycle state of a task within one run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ErrInvalidTransition is returned for a state change the table forbids.
var ErrInvalidTransition = errors.New("invalid task transition")

var transitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusCanceled},
	StatusAssigned: {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning:  {StatusSucceeded, StatusRetrying, StatusFailed},
	StatusRetrying: {StatusRunning, StatusFailed, StatusCanceled},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// ValidateTransition checks a state change against the transition table.
func ValidateTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// TaskSpec is one declared pipeline stage before graph build.
type TaskSpec struct {
	ID             string
	Description    string
	ExpectedOutput string
	Schema         Schema
	Agent          string   // static worker binding; "" routes through the coordinator
	Context        []string // nil when undeclared, empty for an independent task
	LongTerm       []string
}

// SpecsFromConfig converts the decoded pipeline document.
func SpecsFromConfig(doc *config.TasksDoc) []TaskSpec {
	specs := make([]TaskSpec, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		specs = append(specs, TaskSpec{
			ID:             t.ID,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			Schema: Schema{
				Format:    Format(t.OutputSchema.Format),
				Required:  t.OutputSchema.Required,
				MinLength: t.OutputSchema.MinLength,
			},
			Agent:    t.Agent,
			Context:  t.Context,
			LongTerm: t.LongTerm,
		})
	}
	return specs
}

// Task is an immutable graph node. Run state lives in the engine.
type Task struct {
	ID             string   `json:"id"`
	Index          int      `json:"index"`
	Template       string   `json:"template"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
	Schema         Schema   `json:"schema"`
	BoundWorker    string   `json:"bound_worker,omitempty"`
	DependsOn      []string `json:"depends_on"`
	LongTermKeys   []string `json:"long_term_keys,omitempty"`
}

// Via records how a task got its worker.
type Via string

const (
	ViaStatic      Via = "static"
	ViaCoordinator Via = "coordinator"
	ViaUnmatched   Via = "unmatched"
)

// Event is one task state change, or a run boundary when TaskID is empty.
type Event struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id,omitempty"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	RunStatus RunStatus `json:"run_status,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Via       Via       `json:"via,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Retries   int       `json:"retries"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
