package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"  // some branch failed, the terminal task still ran
	RunAborted   RunStatus = "aborted" // the terminal task became unreachable or the run was canceled
)

// TaskReport is the final state of one task.
type TaskReport struct {
	TaskID        string        `json:"task_id"`
	WorkerID      string        `json:"worker_id,omitempty"`
	Via           Via           `json:"via,omitempty"`
	Status        Status        `json:"status"`
	Attempts      int           `json:"attempts"`
	Retries       int           `json:"retries"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	LastErrorKind string        `json:"last_error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Failure names the task that decided a failed or aborted run.
type Failure struct {
	TaskID        string `json:"task_id"`
	WorkerID      string `json:"worker_id,omitempty"`
	Retries       int    `json:"retries"`
	Kind          string `json:"kind"`
	LastErrorKind string `json:"last_error_kind"`
	Message       string `json:"message"`
}

// Report is the structured outcome of one run.
type Report struct {
	RunID      string       `json:"run_id"`
	Status     RunStatus    `json:"status"`
	Tasks      []TaskReport `json:"tasks"`
	Completed  []string     `json:"completed"`
	Failure    *Failure     `json:"failure,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Task returns the row of one task.
func (r *Report) Task(id string) (TaskReport, bool) {
	for _, t := range r.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return TaskReport{}, false
}

// Summary renders the report for a terminal.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s %s in %s\n", r.RunID, r.Status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, t := range r.Tasks {
		fmt.Fprintf(&b, "  %-28s %-9s", t.TaskID, t.Status)
		if t.WorkerID != "" {
			fmt.Fprintf(&b, " %s (%s)", t.WorkerID, t.Via)
		}
		if t.Retries > 0 {
			fmt.Fprintf(&b, " retries=%d", t.Retries)
		}
		if t.ErrorKind != "" {
			fmt.Fprintf(&b, " %s", t.ErrorKind)
		}
		b.WriteString("\n")
	}
	if f := r.Failure; f != nil {
		fmt.Fprintf(&b, "failed task %s after %d retries: %s (last error %s): %s\n",
			f.TaskID, f.Retries, f.Kind, f.LastErrorKind, f.Message)
	}
	return b.String()
}
