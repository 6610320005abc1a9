package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/code-monkeys/internal/provider"
)

// Choose asks the coordinator's model which candidate should take a task.
// It returns the role id the model named; the caller validates it.
func (e *Engine) Choose(ctx context.Context, coordinator Worker, brief string, candidates []Worker) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidate
	}
	var roster strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&roster, "- %s: %s", c.RoleID, orDefault(c.Profile.Role, c.RoleID))
		if c.Profile.Goal != "" {
			fmt.Fprintf(&roster, " (goal: %s)", c.Profile.Goal)
		}
		roster.WriteString("\n")
	}

	prompt := fmt.Sprintf(`You route work to the engineer best suited for it.

Available workers:
%s
Task:
%s

Reply with JSON only: {"role": "<role id>"}`, roster.String(), brief)

	resp, err := e.chat.Route(ctx, coordinator.RoleID, &provider.ChatRequest{
		Model:     e.modelFor(coordinator),
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 256,
	})
	if err != nil {
		return "", e.workerError(ctx, coordinator, err)
	}

	var parsed struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return "", fmt.Errorf("parse coordinator choice: %w", err)
	}
	return strings.TrimSpace(parsed.Role), nil
}

// extractJSON returns the outermost {...} span of s, tolerating code fences
// and chatter around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
