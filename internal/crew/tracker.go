package crew

import (
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/code-monkeys/internal/orchestrator"
)

// RunState is the lifecycle of a tracked run.
type RunState string

const (
	StateQueued   RunState = "queued"
	StateRunning  RunState = "running"
	StateFinished RunState = "finished"
	StateError    RunState = "error" // the run could not start
)

// RunInfo is a snapshot of one tracked run.
type RunInfo struct {
	ID          string                 `json:"id"`
	Requirement string                 `json:"requirement"`
	State       RunState               `json:"state"`
	Status      orchestrator.RunStatus `json:"status,omitempty"`
	Succeeded   bool                   `json:"succeeded"`
	Error       string                 `json:"error,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Report      *orchestrator.Report   `json:"report,omitempty"`
	OutputDir   string                 `json:"output_dir,omitempty"`
	Written     []string               `json:"written,omitempty"`
}

// Tracker keeps the runs of this process in memory.
type Tracker struct {
	mu      sync.RWMutex
	runs    map[string]*RunInfo
	outputs map[string]map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{
		runs:    make(map[string]*RunInfo),
		outputs: make(map[string]map[string]string),
	}
}

func (t *Tracker) add(id, requirement string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[id] = &RunInfo{ID: id, Requirement: requirement, State: StateQueued, SubmittedAt: time.Now()}
}

func (t *Tracker) start(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[id]; ok {
		r.State = StateRunning
	}
}

func (t *Tracker) fail(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[id]; ok {
		now := time.Now()
		r.State = StateError
		r.Error = err.Error()
		r.FinishedAt = &now
	}
}

func (t *Tracker) finish(res *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[res.RunID]
	if !ok {
		return
	}
	now := time.Now()
	r.State = StateFinished
	r.Status = res.Report.Status
	r.Succeeded = res.Succeeded()
	r.FinishedAt = &now
	r.Report = res.Report
	r.OutputDir = res.OutputDir
	r.Written = res.Written
	if res.MaterializeErr != nil {
		r.Error = res.MaterializeErr.Error()
	}
	t.outputs[res.RunID] = res.Outputs
}

// Get returns a snapshot of one run.
func (t *Tracker) Get(id string) (RunInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[id]
	if !ok {
		return RunInfo{}, false
	}
	return *r, true
}

// List returns every run, newest first.
func (t *Tracker) List() []RunInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RunInfo, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Outputs returns the task outputs of a finished run.
func (t *Tracker) Outputs(id string) (map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out, ok := t.outputs[id]
	return out, ok
}
