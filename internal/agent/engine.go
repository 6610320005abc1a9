package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/code-monkeys/internal/mcp"
	"github.com/nidhogg/code-monkeys/internal/provider"
	"github.com/nidhogg/code-monkeys/internal/sandbox"
	"github.com/nidhogg/code-monkeys/internal/skill"
	"go.uber.org/zap"
)

const (
	maxToolRounds    = 5
	defaultMaxTokens = 4096
)

// Invocation is one request to a worker. Context is the assembled, bounded
// view of prior outputs and memory; workers never see the run state itself.
type Invocation struct {
	RunID          string `json:"run_id"`
	TaskID         string `json:"task_id"`
	Description    string `json:"description"`
	Context        string `json:"context"`
	ExpectedOutput string `json:"expected_output"`
}

// Output is what a worker produced.
type Output struct {
	Content string         `json:"content"`
	Chain   *ThinkingChain `json:"chain"`
	Usage   provider.Usage `json:"usage"`
}

// Executor runs a worker on an invocation. Execute must return promptly once
// ctx is done: the engine retries a timed-out task after a short settle
// window, and an Execute call still running past it overlaps the retry.
type Executor interface {
	Execute(ctx context.Context, w Worker, inv *Invocation) (*Output, error)
}

// Chatter is the reasoning capability; *provider.Router satisfies it.
type Chatter interface {
	Route(ctx context.Context, roleID string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Recaller looks up the newest long-term fact for a key.
type Recaller interface {
	Latest(ctx context.Context, key string) (string, bool, error)
}

// CodeRunner executes code under a sandbox policy.
type CodeRunner interface {
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// ToolCaller resolves and calls "mcp:<server>:<tool>" references.
type ToolCaller interface {
	Tool(ref string) (mcp.ToolInfo, bool)
	Call(ctx context.Context, ref string, args map[string]interface{}) (string, error)
}

// Engine is the default Executor: it prompts the worker's provider and runs
// a bounded tool loop.
type Engine struct {
	chat         Chatter
	registry     *Registry
	skills       *skill.Manager
	recall       Recaller
	runners      map[sandbox.Mode]CodeRunner
	tools        ToolCaller
	defaultModel string
	maxTokens    int
	logger       *zap.Logger
}

// NewEngine creates a worker engine.
func NewEngine(chat Chatter, registry *Registry, logger *zap.Logger) *Engine {
	return &Engine{
		chat:      chat,
		registry:  registry,
		runners:   make(map[sandbox.Mode]CodeRunner),
		maxTokens: defaultMaxTokens,
		logger:    logger,
	}
}

// SetSkills sets the skill pool that supplies prompt fragments.
func (e *Engine) SetSkills(m *skill.Manager) { e.skills = m }

// SetRecaller enables recall_fact for memory-enabled workers.
func (e *Engine) SetRecaller(r Recaller) { e.recall = r }

// SetRunner installs the code runner for one sandbox mode.
func (e *Engine) SetRunner(mode sandbox.Mode, r CodeRunner) { e.runners[mode] = r }

// SetToolCaller enables MCP tools.
func (e *Engine) SetToolCaller(t ToolCaller) { e.tools = t }

// SetDefaultModel sets the model used when a worker names none.
func (e *Engine) SetDefaultModel(model string) { e.defaultModel = model }

// Registry returns the catalog the engine delegates within.
func (e *Engine) Registry() *Registry { return e.registry }

// Execute runs the worker's reasoning loop for one invocation.
func (e *Engine) Execute(ctx context.Context, w Worker, inv *Invocation) (*Output, error) {
	return e.execute(ctx, w, inv, 0)
}

func (e *Engine) execute(ctx context.Context, w Worker, inv *Invocation, depth int) (*Output, error) {
	chain := &ThinkingChain{
		ID:        uuid.New().String(),
		RunID:     inv.RunID,
		TaskID:    inv.TaskID,
		WorkerID:  w.RoleID,
		StartedAt: time.Now(),
	}
	if inv.Context != "" {
		chain.add(StepContext, fmt.Sprintf("Context of %d characters", len(inv.Context)), 0)
	}

	tools := e.toolsFor(w, inv, chain, depth)
	req := &provider.ChatRequest{
		Model:     e.modelFor(w),
		Messages:  e.buildMessages(w, inv),
		MaxTokens: e.maxTokens,
	}
	if defs := tools.Definitions(); len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = "auto"
	}

	chain.add(StepReasoning, "Sending request to provider", 0)

	var resp *provider.ChatResponse
	var usage provider.Usage
	for round := 0; round < maxToolRounds; round++ {
		var err error
		resp, err = e.chat.Route(ctx, w.RoleID, req)
		if err != nil {
			return nil, e.workerError(ctx, w, err)
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 || resp.FinishReason != "tool_calls" {
			break
		}

		chain.add(StepToolCall, fmt.Sprintf("Calling %d tool(s)", len(resp.ToolCalls)), 0)
		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result, toolErr := tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if toolErr != nil {
				var violation *sandbox.ViolationError
				if errors.As(toolErr, &violation) {
					chain.add(StepToolResult, tc.Function.Name+" rejected: "+violation.Error(), 0)
					return nil, violation
				}
				if ctx.Err() != nil {
					return nil, e.workerError(ctx, w, ctx.Err())
				}
				result = toolErrorJSON(toolErr)
			}
			chain.add(StepToolResult, fmt.Sprintf("%s → %s", tc.Function.Name, truncate(result, 200)), 0)
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}

		e.logger.Debug("tool round complete",
			zap.String("worker", w.RoleID),
			zap.String("task", inv.TaskID),
			zap.Int("round", round+1),
			zap.Int("tool_calls", len(resp.ToolCalls)))
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, &WorkerError{RoleID: w.RoleID, Err: errors.New("empty response"), Recoverable: true}
	}
	chain.add(StepResponse, content, usage.TotalTokens)
	chain.Duration = time.Since(chain.StartedAt)

	return &Output{Content: content, Chain: chain, Usage: usage}, nil
}

func (e *Engine) modelFor(w Worker) string {
	if w.Model != "" {
		return w.Model
	}
	return e.defaultModel
}

// workerError classifies a provider failure. Cancellation and client-side
// rejections are final; transport faults and throttling may pass on retry.
func (e *Engine) workerError(ctx context.Context, w Worker, err error) error {
	recoverable := true
	var apiErr *provider.APIError
	switch {
	case ctx.Err() != nil:
		recoverable = false
		err = ctx.Err()
	case errors.Is(err, provider.ErrNoProvider):
		recoverable = false
	case errors.As(err, &apiErr):
		recoverable = apiErr.Temporary()
	}
	return &WorkerError{RoleID: w.RoleID, Err: err, Recoverable: recoverable}
}

func (e *Engine) buildMessages(w Worker, inv *Invocation) []provider.Message {
	var system strings.Builder
	fmt.Fprintf(&system, "You are the %s.", orDefault(w.Profile.Role, w.RoleID))
	if w.Profile.Goal != "" {
		fmt.Fprintf(&system, "\nYour goal: %s", w.Profile.Goal)
	}
	if w.Profile.Backstory != "" {
		fmt.Fprintf(&system, "\n\n%s", w.Profile.Backstory)
	}
	msgs := []provider.Message{{Role: "system", Content: system.String()}}

	if e.skills != nil {
		if p := e.skills.WorkerSkillPrompt(w.RoleID); p != "" {
			msgs = append(msgs, provider.Message{Role: "system", Content: p})
		}
	}
	if inv.Context != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: inv.Context})
	}

	task := inv.Description
	if inv.ExpectedOutput != "" {
		task += "\n\nExpected output:\n" + inv.ExpectedOutput
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: task})
	return msgs
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
