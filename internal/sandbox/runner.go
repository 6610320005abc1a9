package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout marks code that ran past the policy timeout.
var ErrTimeout = errors.New("sandbox: execution timed out")

// Request is one code execution.
type Request struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Result is the outcome of a completed execution. A non-zero exit code is a
// result, not an error.
type Result struct {
	Output    string        `json:"output"`
	ExitCode  int           `json:"exit_code"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Runner executes code under a Policy.
type Runner struct {
	policy   Policy
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

func NewRunner(p Policy, logger *zap.Logger) *Runner {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.MaxOutput <= 0 {
		p.MaxOutput = 64 * 1024
	}
	return &Runner{policy: p, logger: logger, lookPath: exec.LookPath}
}

func (r *Runner) Policy() Policy { return r.policy }

// Run checks the code, then executes it in a fresh scratch directory. In
// safe mode the interpreter enforces the policy too, and a denial it reports
// comes back as a ViolationError alongside the partial result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := r.policy.Check(req); err != nil {
		r.logger.Warn("sandbox rejected code", zap.String("language", req.Language), zap.Error(err))
		return nil, err
	}
	lang := languageAliases[strings.ToLower(req.Language)]
	command, _ := r.policy.interpreterFor(lang)
	bin, err := r.lookPath(command)
	if err != nil {
		return nil, fmt.Errorf("sandbox: interpreter %s not found: %w", command, err)
	}

	scratch, err := os.MkdirTemp(r.policy.ScratchRoot, "sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	script := filepath.Join(scratch, "main"+interpreters[lang].ext)
	if err := os.WriteFile(script, []byte(req.Code), 0o600); err != nil {
		return nil, fmt.Errorf("sandbox: write script: %w", err)
	}

	if lang == "python" && r.policy.Mode != ModeUnsafe {
		if err := os.WriteFile(guardPath(scratch), []byte(pythonGuard), 0o400); err != nil {
			return nil, fmt.Errorf("sandbox: write guard: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, r.policy.commandArgs(lang, scratch, script)...)
	cmd.Dir = scratch
	cmd.Env = r.environment(scratch)
	out := &cappedBuffer{max: r.policy.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Output: out.String(), Truncated: out.truncated, Duration: time.Since(start)}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("%w after %s", ErrTimeout, r.policy.Timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		runErr = nil
	}
	if runErr != nil {
		return res, fmt.Errorf("sandbox: run %s: %w", command, runErr)
	}
	if res.ExitCode != 0 && r.policy.Mode != ModeUnsafe {
		if v := runtimeViolation(lang, res.Output); v != nil {
			r.logger.Warn("sandbox denied code at runtime", zap.String("language", lang), zap.Error(v))
			return res, v
		}
	}

	r.logger.Debug("sandbox run complete",
		zap.String("language", lang),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// environment is minimal in safe mode and inherited in unsafe mode.
func (r *Runner) environment(scratch string) []string {
	if r.policy.Mode == ModeUnsafe {
		return append(os.Environ(), "HOME="+scratch)
	}
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONNOUSERSITE=1",
	}
}

type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
