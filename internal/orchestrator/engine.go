package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/code-monkeys/internal/agent"
	"github.com/nidhogg/code-monkeys/internal/memory"
	"github.com/nidhogg/code-monkeys/internal/sandbox"
	"go.uber.org/zap"
)

// maxViolations is the number of sandbox violations that fails a task
// regardless of its remaining retries.
const maxViolations = 2

// Memory is the substrate the engine reads context from and writes results to.
type Memory interface {
	Assemble(ctx context.Context, req memory.AssembleRequest) string
	Absorb(ctx context.Context, req memory.AbsorbRequest) error
	Latest(ctx context.Context, key string) (string, bool, error)
}

// Options tunes one engine.
type Options struct {
	MaxParallel int
	RetryDelay  time.Duration
}

// Engine drives a task graph to completion. A single loop owns every task's
// state and the RunContext; attempts run in goroutines and report back over
// a channel.
type Engine struct {
	resolver *Resolver
	executor agent.Executor
	memory   Memory
	sink     EventSink
	opts     Options
	logger   *zap.Logger
}

// NewEngine creates an execution engine. memory and sink may be nil.
func NewEngine(resolver *Resolver, executor agent.Executor, mem Memory, sink EventSink, opts Options, logger *zap.Logger) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	return &Engine{
		resolver: resolver,
		executor: executor,
		memory:   mem,
		sink:     sink,
		opts:     opts,
		logger:   logger,
	}
}

type taskRun struct {
	task       Task
	status     Status
	worker     agent.Worker
	via        Via
	attempts   int
	retries    int
	violations int
	err        error // final error of a failed or canceled task
	lastErr    error // error of the latest failed attempt
	startedAt  time.Time
	finishedAt time.Time
}

type attemptResult struct {
	taskID string
	output string
	err    error
}

// run is the state of one Run call, touched only by the loop goroutine.
type run struct {
	id       string
	graph    *Graph
	tasks    map[string]*taskRun
	ctx      *RunContext
	results  chan attemptResult
	retries  chan string
	inflight int
	aborted  bool
	halted   chan struct{} // closed on abort; wakes pending retry timers
	failure  *taskRun
}

// Run executes g. The returned error is non-nil only when the run could not
// start; task and run failures are described by the report.
func (e *Engine) Run(ctx context.Context, runID string, g *Graph) (*Report, *RunContext, error) {
	if err := e.resolver.Validate(g); err != nil {
		return nil, nil, err
	}
	started := time.Now()
	r := &run{
		id:      runID,
		graph:   g,
		tasks:   make(map[string]*taskRun),
		ctx:     NewRunContext(runID),
		results: make(chan attemptResult),
		retries: make(chan string),
		halted:  make(chan struct{}),
	}
	for _, t := range g.Tasks() {
		r.tasks[t.ID] = &taskRun{task: t, status: StatusPending}
	}
	e.emit(ctx, Event{RunID: runID, RunStatus: RunRunning, At: started})
	e.logger.Info("run started", zap.String("run", runID), zap.Int("tasks", len(r.tasks)))

	done := ctx.Done()
	for {
		if !r.aborted {
			e.dispatchReady(ctx, r)
		}
		if r.inflight == 0 {
			break
		}
		select {
		case res := <-r.results:
			e.handleResult(ctx, r, res)
		case id := <-r.retries:
			e.resume(ctx, r, id)
		case <-done:
			done = nil
			e.abort(ctx, r, "run canceled")
		}
	}

	for _, t := range g.Tasks() {
		if tr := r.tasks[t.ID]; tr.status == StatusPending {
			e.cancel(ctx, r, tr, "dependencies never completed")
		}
	}

	report := e.report(r, started)
	e.emit(ctx, Event{RunID: runID, RunStatus: report.Status, At: report.FinishedAt})
	e.logger.Info("run finished", zap.String("run", runID), zap.String("status", string(report.Status)))
	return report, r.ctx, nil
}

// dispatchReady starts every pending task whose dependencies succeeded, in
// declaration order, while slots are free.
func (e *Engine) dispatchReady(ctx context.Context, r *run) {
	for _, t := range r.graph.Tasks() {
		if r.inflight >= e.opts.MaxParallel || r.aborted {
			return
		}
		tr := r.tasks[t.ID]
		if tr.status != StatusPending || !e.ready(r, t) {
			continue
		}

		a := e.resolver.Resolve(ctx, t)
		tr.worker, tr.via = a.Worker, a.Via
		e.transition(ctx, r, tr, StatusAssigned)

		if a.Via == ViaUnmatched {
			tr.err = &agent.UnknownRoleError{RoleID: a.Requested}
			tr.lastErr = tr.err
			e.fail(ctx, r, tr)
			continue
		}
		e.start(ctx, r, tr)
	}
}

func (e *Engine) ready(r *run, t Task) bool {
	for _, dep := range t.DependsOn {
		if r.tasks[dep].status != StatusSucceeded {
			return false
		}
	}
	return true
}

// start moves a task to Running and launches one attempt.
func (e *Engine) start(ctx context.Context, r *run, tr *taskRun) {
	if tr.status == StatusAssigned {
		r.inflight++
	}
	tr.attempts++
	if tr.startedAt.IsZero() {
		tr.startedAt = time.Now()
	}
	e.transition(ctx, r, tr, StatusRunning)
	go e.attempt(ctx, r, tr.task, tr.worker)
}

// attempt renders the task, assembles its context, runs the worker under its
// deadline, validates the output and absorbs it into memory. It never
// touches run state.
func (e *Engine) attempt(ctx context.Context, r *run, t Task, w agent.Worker) {
	res := attemptResult{taskID: t.ID}
	defer func() { r.results <- res }()

	var lookup lookupFunc
	if e.memory != nil {
		lookup = e.memory.Latest
	}
	desc := render(ctx, t.Template, r.ctx, lookup)

	deps := make([]memory.Dependency, 0, len(t.DependsOn))
	for _, id := range t.DependsOn {
		out, _ := r.ctx.Output(id)
		deps = append(deps, memory.Dependency{TaskID: id, Output: out})
	}
	var taskContext string
	if e.memory != nil {
		taskContext = e.memory.Assemble(ctx, memory.AssembleRequest{
			RunID:         r.id,
			TaskID:        t.ID,
			Description:   desc,
			Dependencies:  deps,
			LongTermKeys:  t.LongTermKeys,
			MemoryEnabled: w.Capabilities.MemoryEnabled,
		})
	} else {
		taskContext = plainContext(deps)
	}

	out, err := e.invoke(ctx, t, w, &agent.Invocation{
		RunID:          r.id,
		TaskID:         t.ID,
		Description:    desc,
		Context:        taskContext,
		ExpectedOutput: t.ExpectedOutput,
	})
	if err != nil {
		res.err = err
		return
	}

	normalized, err := t.Schema.Validate(t.ID, out.Content)
	if err != nil {
		res.err = err
		return
	}
	if e.memory != nil {
		if err := e.memory.Absorb(ctx, memory.AbsorbRequest{
			RunID:         r.id,
			TaskID:        t.ID,
			Output:        normalized,
			MemoryEnabled: w.Capabilities.MemoryEnabled,
		}); err != nil {
			e.logger.Warn("memory absorb failed", zap.String("task", t.ID), zap.Error(err))
		}
	}
	res.output = normalized
}

// maxSettle bounds how long a canceled attempt is given to return.
const maxSettle = time.Second

// invoke races the worker against its deadline. The deadline wins even when
// the worker ignores cancellation. A canceled worker is given up to one more
// limit (at most maxSettle) to return, so a worker that honors ctx never
// overlaps with the attempt that follows it.
func (e *Engine) invoke(ctx context.Context, t Task, w agent.Worker, inv *agent.Invocation) (*agent.Output, error) {
	limit := w.Capabilities.MaxExecution
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if limit > 0 {
		actx, cancel = context.WithTimeout(ctx, limit)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		out *agent.Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := e.executor.Execute(actx, w, inv)
		done <- outcome{out, err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded)
	}
	select {
	case o := <-done:
		if o.err != nil && timedOut() {
			return nil, &ExecutionTimeoutError{TaskID: t.ID, RoleID: w.RoleID, Limit: limit}
		}
		return o.out, o.err
	case <-actx.Done():
		cancel()
		settle(done, limit)
		if timedOut() {
			return nil, &ExecutionTimeoutError{TaskID: t.ID, RoleID: w.RoleID, Limit: limit}
		}
		return nil, &agent.WorkerError{RoleID: w.RoleID, Err: ctx.Err()}
	}
}

func settle[T any](done <-chan T, limit time.Duration) {
	if limit <= 0 || limit > maxSettle {
		limit = maxSettle
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

func (e *Engine) handleResult(ctx context.Context, r *run, res attemptResult) {
	tr := r.tasks[res.taskID]
	if res.err == nil {
		if err := r.ctx.put(tr.task.ID, res.output); err != nil {
			res.err = err
		} else {
			tr.finishedAt = time.Now()
			r.inflight--
			e.transition(ctx, r, tr, StatusSucceeded)
			return
		}
	}

	tr.lastErr = res.err
	var violation *sandbox.ViolationError
	if errors.As(res.err, &violation) {
		tr.violations++
	}

	switch {
	case !e.recoverable(res.err) || ctx.Err() != nil:
		tr.err = res.err
	case tr.violations >= maxViolations:
		tr.err = res.err
	case tr.retries >= tr.worker.Capabilities.MaxRetries:
		tr.err = &RetryExhaustedError{TaskID: tr.task.ID, Retries: tr.retries, Last: res.err}
	default:
		tr.retries++
		e.transition(ctx, r, tr, StatusRetrying)
		e.scheduleRetry(ctx, r, tr)
		return
	}
	r.inflight--
	e.fail(ctx, r, tr)
}

func (e *Engine) recoverable(err error) bool {
	var (
		timeout   *ExecutionTimeoutError
		schema    *SchemaValidationError
		violation *sandbox.ViolationError
		worker    *agent.WorkerError
	)
	switch {
	case errors.As(err, &timeout), errors.As(err, &schema), errors.As(err, &violation):
		return true
	case errors.As(err, &worker):
		return worker.Recoverable
	}
	return false
}

func (e *Engine) scheduleRetry(ctx context.Context, r *run, tr *taskRun) {
	if e.opts.RetryDelay <= 0 {
		e.resume(ctx, r, tr.task.ID)
		return
	}
	id := tr.task.ID
	delay := e.opts.RetryDelay
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-r.halted:
		}
		r.retries <- id
	}()
}

// resume starts the next attempt of a retrying task once its delay passed.
// A canceled or aborted run cancels the task instead.
func (e *Engine) resume(ctx context.Context, r *run, id string) {
	tr := r.tasks[id]
	var cause string
	switch {
	case ctx.Err() != nil:
		cause = "run canceled during retry delay"
	case r.aborted:
		cause = "run aborted during retry delay"
	default:
		e.start(ctx, r, tr)
		return
	}
	tr.err = &CanceledError{TaskID: id, Cause: cause}
	tr.finishedAt = time.Now()
	r.inflight--
	e.transition(ctx, r, tr, StatusCanceled)
}

// fail records a terminal failure and escalates it: dependents are
// canceled, and the whole run aborts when the terminal task can no longer run.
func (e *Engine) fail(ctx context.Context, r *run, tr *taskRun) {
	tr.finishedAt = time.Now()
	e.transition(ctx, r, tr, StatusFailed)
	if r.failure == nil {
		r.failure = tr
	}
	for _, id := range r.graph.Dependents(tr.task.ID) {
		dep := r.tasks[id]
		if dep.status == StatusPending || dep.status == StatusAssigned {
			e.cancel(ctx, r, dep, "dependency "+tr.task.ID+" failed")
		}
	}
	if r.graph.Blocks(tr.task.ID) {
		e.abort(ctx, r, fmt.Sprintf("task %s blocks the terminal task", tr.task.ID))
	}
}

// abort stops dispatch and cancels everything not yet running. Running
// attempts finish on their own; retrying tasks are canceled when their
// timer wakes.
func (e *Engine) abort(ctx context.Context, r *run, cause string) {
	if !r.aborted {
		e.logger.Warn("run aborting", zap.String("run", r.id), zap.String("cause", cause))
		close(r.halted)
	}
	r.aborted = true
	for _, t := range r.graph.Tasks() {
		tr := r.tasks[t.ID]
		if tr.status == StatusPending || tr.status == StatusAssigned {
			e.cancel(ctx, r, tr, cause)
		}
	}
}

func (e *Engine) cancel(ctx context.Context, r *run, tr *taskRun, cause string) {
	tr.err = &CanceledError{TaskID: tr.task.ID, Cause: cause}
	tr.finishedAt = time.Now()
	e.transition(ctx, r, tr, StatusCanceled)
}

// transition applies a validated state change and emits it.
func (e *Engine) transition(ctx context.Context, r *run, tr *taskRun, to Status) {
	from := tr.status
	if err := ValidateTransition(from, to); err != nil {
		e.logger.DPanic("illegal transition", zap.String("task", tr.task.ID), zap.Error(err))
		return
	}
	tr.status = to
	ev := Event{
		RunID:    r.id,
		TaskID:   tr.task.ID,
		From:     from,
		To:       to,
		WorkerID: tr.worker.RoleID,
		Via:      tr.via,
		Attempt:  tr.attempts,
		Retries:  tr.retries,
		At:       time.Now(),
	}
	errForEvent := tr.err
	if to == StatusRetrying {
		errForEvent = tr.lastErr
	}
	if errForEvent != nil && (to == StatusRetrying || to == StatusFailed || to == StatusCanceled) {
		ev.ErrorKind = KindOf(errForEvent)
		ev.Error = errForEvent.Error()
	}
	e.emit(ctx, ev)
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if e.sink != nil {
		e.sink.Emit(ctx, ev)
	}
}

func (e *Engine) report(r *run, started time.Time) *Report {
	rep := &Report{
		RunID:      r.id,
		Status:     RunSucceeded,
		Completed:  r.ctx.Completed(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	for _, t := range r.graph.Tasks() {
		tr := r.tasks[t.ID]
		row := TaskReport{
			TaskID:   t.ID,
			WorkerID: tr.worker.RoleID,
			Via:      tr.via,
			Status:   tr.status,
			Attempts: tr.attempts,
			Retries:  tr.retries,
		}
		if !tr.startedAt.IsZero() && !tr.finishedAt.IsZero() {
			row.Duration = tr.finishedAt.Sub(tr.startedAt)
		}
		if tr.err != nil {
			row.ErrorKind = KindOf(tr.err)
			row.LastErrorKind = rootKind(tr.lastErr)
			row.Error = tr.err.Error()
		}
		if tr.status != StatusSucceeded && rep.Status == RunSucceeded {
			rep.Status = RunFailed
		}
		rep.Tasks = append(rep.Tasks, row)
	}
	if r.aborted {
		rep.Status = RunAborted
	}
	if f := r.failure; f != nil {
		rep.Failure = &Failure{
			TaskID:        f.task.ID,
			WorkerID:      f.worker.RoleID,
			Retries:       f.retries,
			Kind:          KindOf(f.err),
			LastErrorKind: rootKind(f.lastErr),
			Message:       f.err.Error(),
		}
	} else if rep.Status != RunSucceeded {
		for _, row := range rep.Tasks {
			if row.Status == StatusCanceled {
				rep.Failure = &Failure{TaskID: row.TaskID, Kind: row.ErrorKind, Message: row.Error}
				break
			}
		}
	}
	return rep
}

func plainContext(deps []memory.Dependency) string {
	if len(deps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Outputs of prior tasks\n")
	for _, d := range deps {
		fmt.Fprintf(&b, "\n### %s\n%s\n", d.TaskID, d.Output)
	}
	return b.String()
}
