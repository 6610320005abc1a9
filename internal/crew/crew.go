// Package crew drives one pipeline from requirement text to materialized
// artifacts and tracks the runs of a process.
package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/materialize"
	"github.com/nidhogg/code-monkeys/internal/orchestrator"
	"github.com/nidhogg/code-monkeys/internal/store"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("crew is shut down")

// Engine runs a task graph.
type Engine interface {
	Run(ctx context.Context, runID string, g *orchestrator.Graph) (*orchestrator.Report, *orchestrator.RunContext, error)
}

// Recorder persists finished runs.
type Recorder interface {
	SaveRun(ctx context.Context, rec store.RunRecord) error
}

// Notifier announces finished runs.
type Notifier interface {
	NotifyRun(ctx context.Context, report *orchestrator.Report, artifacts []string)
}

// Releaser frees per-run memory once a run is over.
type Releaser interface {
	Release(ctx context.Context, runID string) error
}

// Result is the outcome of one kickoff.
type Result struct {
	RunID       string               `json:"run_id"`
	Requirement string               `json:"requirement"`
	Report      *orchestrator.Report `json:"report"`
	Outputs     map[string]string    `json:"-"`
	OutputDir   string               `json:"output_dir"`
	Written     []string             `json:"written"`
	// MaterializeErr is set when the terminal output could not be written;
	// Written then lists the artifacts that are on disk.
	MaterializeErr error `json:"-"`
}

// Succeeded reports whether every task succeeded and every artifact was written.
func (r *Result) Succeeded() bool {
	return r.Report != nil && r.Report.Status == orchestrator.RunSucceeded && r.MaterializeErr == nil
}

// Crew binds a pipeline declaration to an engine.
type Crew struct {
	specs     []orchestrator.TaskSpec
	engine    Engine
	outputDir string
	recorder  Recorder
	notifier  Notifier
	memory    Releaser
	tracker   *Tracker
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a crew writing artifacts under outputDir.
func New(specs []orchestrator.TaskSpec, engine Engine, outputDir string, logger *zap.Logger) *Crew {
	ctx, cancel := context.WithCancel(context.Background())
	return &Crew{
		specs:     specs,
		engine:    engine,
		outputDir: outputDir,
		tracker:   NewTracker(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetRecorder enables run history.
func (c *Crew) SetRecorder(r Recorder) { c.recorder = r }

// SetNotifier enables run announcements.
func (c *Crew) SetNotifier(n Notifier) { c.notifier = n }

// SetMemory enables per-run memory cleanup.
func (c *Crew) SetMemory(m Releaser) { c.memory = m }

// Specs returns the pipeline declaration.
func (c *Crew) Specs() []orchestrator.TaskSpec { return c.specs }

// Tracker returns the in-process run tracker.
func (c *Crew) Tracker() *Tracker { return c.tracker }

// Kickoff runs the pipeline once and waits for it. The error is non-nil only
// when the run could not start: a malformed graph or an unknown static
// binding. Task failures are described by the result's report.
func (c *Crew) Kickoff(ctx context.Context, requirement string) (*Result, error) {
	runID := uuid.New().String()
	c.tracker.add(runID, requirement)
	return c.kickoff(ctx, runID, requirement)
}

// Submit starts a run in the background and returns its id at once.
func (c *Crew) Submit(requirement string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	runID := uuid.New().String()
	c.tracker.add(runID, requirement)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.kickoff(c.ctx, runID, requirement); err != nil {
			c.logger.Error("run did not start", zap.String("run", runID), zap.Error(err))
		}
	}()
	return runID, nil
}

// Close cancels background runs and waits for them to wind down.
func (c *Crew) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Crew) kickoff(ctx context.Context, runID, requirement string) (*Result, error) {
	c.tracker.start(runID)
	g, err := orchestrator.Build(c.specs, requirement)
	if err != nil {
		c.tracker.fail(runID, err)
		return nil, err
	}

	report, runCtx, err := c.engine.Run(ctx, runID, g)
	if err != nil {
		c.tracker.fail(runID, err)
		return nil, err
	}
	res := &Result{
		RunID:       runID,
		Requirement: requirement,
		Report:      report,
		Outputs:     runCtx.Snapshot(),
		OutputDir:   c.outputDir,
	}

	terminal := g.Terminal()
	if out, ok := runCtx.Output(terminal.ID); ok {
		written, err := c.materialize(terminal, out)
		res.Written = written
		if err != nil {
			res.MaterializeErr = err
			c.logger.Error("materialize failed",
				zap.String("run", runID), zap.Strings("written", written), zap.Error(err))
		} else {
			c.logger.Info("artifacts written",
				zap.String("run", runID), zap.String("dir", c.outputDir), zap.Int("count", len(written)))
		}
	}

	c.finish(ctx, res)
	return res, nil
}

// materialize writes the terminal output. An artifacts output becomes one
// file per artifact; any other format is written as a single file named
// after the task.
func (c *Crew) materialize(terminal orchestrator.Task, output string) ([]string, error) {
	var artifacts []materialize.Artifact
	if terminal.Schema.Format == orchestrator.FormatArtifacts {
		parsed, err := materialize.ParseArtifacts(output)
		if err != nil {
			return nil, &materialize.IOWriteError{Artifact: terminal.ID, Err: err}
		}
		artifacts = parsed
	} else {
		artifacts = []materialize.Artifact{{Name: terminal.ID + extensionFor(terminal.Schema.Format), Content: output}}
	}
	res, err := materialize.Materialize(artifacts, c.outputDir)
	return res.Written, err
}

func extensionFor(f orchestrator.Format) string {
	switch f {
	case orchestrator.FormatJSON:
		return ".json"
	case orchestrator.FormatCode:
		return ".txt"
	}
	return ".md"
}

// finish records, announces and releases a run. None of these may change
// its outcome, so failures are only logged.
func (c *Crew) finish(ctx context.Context, res *Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if c.recorder != nil {
		err := c.recorder.SaveRun(ctx, store.RunRecord{
			ID:          res.RunID,
			Requirement: res.Requirement,
			OutputDir:   res.OutputDir,
			Artifacts:   res.Written,
			Report:      res.Report,
		})
		if err != nil {
			c.logger.Warn("record run failed", zap.String("run", res.RunID), zap.Error(err))
		}
	}
	if c.notifier != nil {
		c.notifier.NotifyRun(ctx, res.Report, res.Written)
	}
	if c.memory != nil {
		if err := c.memory.Release(ctx, res.RunID); err != nil {
			c.logger.Warn("release run memory failed", zap.String("run", res.RunID), zap.Error(err))
		}
	}
	c.tracker.finish(res)
}

// Describe renders a result for the console.
func Describe(res *Result) string {
	var b strings.Builder
	b.WriteString(res.Report.Summary())
	switch {
	case res.MaterializeErr != nil:
		fmt.Fprintf(&b, "materialization failed: %v\n", res.MaterializeErr)
		if len(res.Written) > 0 {
			fmt.Fprintf(&b, "already written under %s: %s\n", res.OutputDir, strings.Join(res.Written, ", "))
		}
	case len(res.Written) > 0:
		fmt.Fprintf(&b, "artifacts under %s:\n", res.OutputDir)
		for _, w := range res.Written {
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}
	return b.String()
}
