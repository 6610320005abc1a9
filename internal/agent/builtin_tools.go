package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/code-monkeys/internal/provider"
	"github.com/nidhogg/code-monkeys/internal/sandbox"
	"go.uber.org/zap"
)

const delegateResultLimit = 4000

// toolsFor assembles the tools a worker may call in one invocation.
// Delegated invocations (depth > 0) cannot delegate again.
func (e *Engine) toolsFor(w Worker, inv *Invocation, chain *ThinkingChain, depth int) *ToolRegistry {
	reg := NewToolRegistry()
	caps := w.Capabilities

	if caps.CanExecuteCode {
		if runner, ok := e.runners[caps.SandboxMode]; ok {
			e.registerRunCode(reg, runner)
		}
	}
	if caps.MemoryEnabled && e.recall != nil {
		e.registerRecall(reg)
	}
	if caps.CanDelegate && depth == 0 && e.registry != nil {
		e.registerDelegate(reg, w, inv, chain)
	}
	if e.tools != nil && e.skills != nil {
		for _, name := range e.skills.WorkerToolNames(w.RoleID) {
			if !strings.HasPrefix(name, "mcp:") {
				continue
			}
			info, ok := e.tools.Tool(name)
			if !ok {
				e.logger.Debug("mcp tool unavailable", zap.String("worker", w.RoleID), zap.String("tool", name))
				continue
			}
			ref := name
			reg.Register(
				functionToolSchema(mcpFunctionName(ref), info.Description, info.InputSchema),
				func(ctx context.Context, args string) (string, error) {
					parsed := map[string]interface{}{}
					if strings.TrimSpace(args) != "" {
						if err := json.Unmarshal([]byte(args), &parsed); err != nil {
							return "", fmt.Errorf("parse args: %w", err)
						}
					}
					return e.tools.Call(ctx, ref, parsed)
				})
		}
	}
	return reg
}

func (e *Engine) registerRunCode(reg *ToolRegistry, runner CodeRunner) {
	reg.Register(functionTool("run_code",
		"Run a short program in the sandbox and return its combined output and exit code",
		map[string]interface{}{
			"language": map[string]string{"type": "string", "description": "python, javascript or sh"},
			"code":     map[string]string{"type": "string", "description": "Complete program source"},
		}, "language", "code"),
		func(ctx context.Context, args string) (string, error) {
			var req sandbox.Request
			if err := json.Unmarshal([]byte(args), &req); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			res, err := runner.Run(ctx, req)
			if err != nil {
				if errors.Is(err, sandbox.ErrTimeout) {
					return toolErrorJSON(err), nil
				}
				return "", err
			}
			b, _ := json.Marshal(res)
			return string(b), nil
		})
}

func (e *Engine) registerRecall(reg *ToolRegistry) {
	reg.Register(functionTool("recall_fact",
		"Look up the newest long-term fact stored under a key, such as a task id from an earlier run",
		map[string]interface{}{
			"key": map[string]string{"type": "string", "description": "Fact key"},
		}, "key"),
		func(ctx context.Context, args string) (string, error) {
			var p struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			value, ok, err := e.recall.Latest(ctx, p.Key)
			if err != nil {
				return "", err
			}
			b, _ := json.Marshal(map[string]interface{}{"key": p.Key, "found": ok, "value": value})
			return string(b), nil
		})
}

func (e *Engine) registerDelegate(reg *ToolRegistry, from Worker, inv *Invocation, chain *ThinkingChain) {
	var names []string
	for _, s := range e.registry.Specialists() {
		if s.RoleID != from.RoleID {
			names = append(names, s.RoleID)
		}
	}
	if len(names) == 0 {
		return
	}
	reg.Register(functionTool("delegate_work",
		"Hand a self-contained piece of work to a specialist and get its answer back. Specialists: "+strings.Join(names, ", "),
		map[string]interface{}{
			"role": map[string]string{"type": "string", "description": "Specialist role id"},
			"task": map[string]string{"type": "string", "description": "What the specialist should do, with all needed detail"},
		}, "role", "task"),
		func(ctx context.Context, args string) (string, error) {
			var p struct {
				Role string `json:"role"`
				Task string `json:"task"`
			}
			if err := json.Unmarshal([]byte(args), &p); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			if p.Role == from.RoleID || e.registry.IsCoordinator(p.Role) {
				return "", fmt.Errorf("cannot delegate to %s", p.Role)
			}
			target, err := e.registry.Resolve(p.Role)
			if err != nil {
				return "", err
			}
			chain.add(StepDelegation, fmt.Sprintf("%s → %s", from.RoleID, target.RoleID), 0)
			e.logger.Info("delegating work",
				zap.String("task", inv.TaskID),
				zap.String("from", from.RoleID),
				zap.String("to", target.RoleID))
			out, err := e.execute(ctx, target, &Invocation{
				RunID:       inv.RunID,
				TaskID:      inv.TaskID,
				Description: p.Task,
				Context:     inv.Context,
			}, 1)
			if err != nil {
				return "", err
			}
			b, _ := json.Marshal(map[string]string{"role": target.RoleID, "response": truncate(out.Content, delegateResultLimit)})
			return string(b), nil
		})
}

func functionToolSchema(name, description string, schema map[string]interface{}) provider.Tool {
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
	}
}

// mcpFunctionName maps "mcp:<server>:<tool>" onto the function-name alphabet
// providers accept.
func mcpFunctionName(ref string) string {
	return strings.ReplaceAll(ref, ":", "__")
}

func toolErrorJSON(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
