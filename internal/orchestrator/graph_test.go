package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/nidhogg/code-monkeys/internal/agent"
	"github.com/nidhogg/code-monkeys/internal/sandbox"
)

func TestBuildImplicitSequence(t *testing.T) {
	g, err := Build([]TaskSpec{
		{ID: "a", Description: "Plan {requirement}"},
		{ID: "b", Description: "Refine the plan"},
		{ID: "c", Description: "Ship it"},
	}, "a chess game")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a, _ := g.Task("a")
	if a.Template != "Plan a chess game" {
		t.Errorf("requirement not bound: %q", a.Template)
	}
	if deps := g.DependenciesOf("a"); len(deps) != 0 {
		t.Errorf("first task deps = %v", deps)
	}
	if deps := g.DependenciesOf("b"); !slices.Equal(deps, []string{"a"}) {
		t.Errorf("b deps = %v, want [a]", deps)
	}
	if deps := g.DependenciesOf("c"); !slices.Equal(deps, []string{"b"}) {
		t.Errorf("c deps = %v, want [b]", deps)
	}
	if got := g.Dependents("a"); !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("dependents of a = %v", got)
	}
	if g.Terminal().ID != "c" {
		t.Errorf("terminal = %s", g.Terminal().ID)
	}
}

func TestBuildExplicitContextAndRefs(t *testing.T) {
	g, err := Build([]TaskSpec{
		{ID: "design", Description: "Design"},
		{ID: "backend", Description: "Implement {output:design}", Context: []string{}},
		{ID: "frontend", Description: "Build a UI", Context: []string{}},
		{ID: "integrate", Description: "Join", Context: []string{"backend", "frontend"}},
		{ID: "notes", Description: "Summarize {output:design} using {memory:stack_choice}"},
	}, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if deps := g.DependenciesOf("backend"); !slices.Equal(deps, []string{"design"}) {
		t.Errorf("output ref should add a dependency, got %v", deps)
	}
	if deps := g.DependenciesOf("frontend"); len(deps) != 0 {
		t.Errorf("empty context must mean independent, got %v", deps)
	}
	if deps := g.DependenciesOf("integrate"); !slices.Equal(deps, []string{"backend", "frontend"}) {
		t.Errorf("integrate deps = %v", deps)
	}
	notes, _ := g.Task("notes")
	if !slices.Equal(notes.DependsOn, []string{"design"}) {
		t.Errorf("refs replace the implicit predecessor, got %v", notes.DependsOn)
	}
	if !slices.Equal(notes.LongTermKeys, []string{"stack_choice"}) {
		t.Errorf("memory keys = %v", notes.LongTermKeys)
	}
	if !g.Blocks("notes") || g.Blocks("frontend") || !g.Blocks("design") {
		t.Errorf("blocks: notes=%v frontend=%v design=%v", g.Blocks("notes"), g.Blocks("frontend"), g.Blocks("design"))
	}
}

func TestBuildRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		specs []TaskSpec
	}{
		{"empty", nil},
		{"duplicate", []TaskSpec{{ID: "a", Description: "x"}, {ID: "a", Description: "y"}}},
		{"self", []TaskSpec{{ID: "a", Description: "{output:a}"}}},
		{"unknown", []TaskSpec{{ID: "a", Description: "x", Context: []string{"ghost"}}}},
		{"forward", []TaskSpec{
			{ID: "a", Description: "x", Context: []string{"b"}},
			{ID: "b", Description: "y"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.specs, "req")
			var mg *MalformedGraphError
			if !errors.As(err, &mg) {
				t.Fatalf("expected MalformedGraphError, got %v", err)
			}
		})
	}
}

func TestValidateTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusAssigned}:  true,
		{StatusPending, StatusCanceled}:  true,
		{StatusAssigned, StatusRunning}:  true,
		{StatusAssigned, StatusFailed}:   true,
		{StatusAssigned, StatusCanceled}: true,
		{StatusRunning, StatusSucceeded}: true,
		{StatusRunning, StatusRetrying}:  true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRetrying, StatusRunning}:  true,
		{StatusRetrying, StatusFailed}:   true,
		{StatusRetrying, StatusCanceled}: true,
	}
	all := []Status{StatusPending, StatusAssigned, StatusRunning, StatusRetrying, StatusSucceeded, StatusFailed, StatusCanceled}
	for _, from := range all {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if allowed[[2]Status{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s rejected: %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s accepted", from, to)
			}
		}
	}
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
		input  string
		want   string
		ok     bool
	}{
		{"text default", Schema{}, "  hello  ", "hello", true},
		{"text empty", Schema{}, "   ", "", false},
		{"text min length", Schema{MinLength: 10}, "short", "", false},
		{"text required", Schema{Required: []string{"API"}}, "the api is ready", "the api is ready", true},
		{"text missing", Schema{Required: []string{"tests"}}, "no coverage", "", false},
		{"code fenced", Schema{Format: FormatCode, Required: []string{"func"}}, "```go\nfunc main() {}\n```", "func main() {}", true},
		{"json keys", Schema{Format: FormatJSON, Required: []string{"tasks"}}, "```json\n{\"tasks\": []}\n```", "{\"tasks\": []}", true},
		{"json missing key", Schema{Format: FormatJSON, Required: []string{"tasks"}}, `{"steps": []}`, "", false},
		{"json array", Schema{Format: FormatJSON}, `[1, 2]`, "", false},
		{"artifacts", Schema{Format: FormatArtifacts, Required: []string{"main.go"}}, `[{"name": "main.go", "content": "package main"}]`, `[{"name": "main.go", "content": "package main"}]`, true},
		{"artifacts missing", Schema{Format: FormatArtifacts, Required: []string{"README.md"}}, `[{"name": "main.go", "content": "x"}]`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.schema.Validate("t1", tt.input)
			if !tt.ok {
				var se *SchemaValidationError
				if !errors.As(err, &se) {
					t.Fatalf("expected SchemaValidationError, got %v", err)
				}
				if se.TaskID != "t1" {
					t.Errorf("task id = %q", se.TaskID)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got != tt.want {
				t.Errorf("normalized = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	run := NewRunContext("r1")
	if err := run.put("design", "REST API"); err != nil {
		t.Fatal(err)
	}
	if err := run.put("design", "again"); err == nil {
		t.Error("run context must be append-only")
	}
	lookup := func(_ context.Context, key string) (string, bool, error) {
		switch key {
		case "db":
			return "postgres", true, nil
		case "broken":
			return "", false, errors.New("store down")
		}
		return "", false, nil
	}
	got := render(context.Background(), "Use {output:design} on {memory:db}{memory:broken}{memory:none} {output:later}", run, lookup)
	want := "Use REST API on postgres {output:later}"
	if got != want {
		t.Errorf("render = %q, want %q", got, want)
	}
	if got := render(context.Background(), "x{memory:db}", run, nil); got != "x" {
		t.Errorf("render without memory = %q", got)
	}
}

func TestKindOf(t *testing.T) {
	violation := &sandbox.ViolationError{Capability: sandbox.CapNetwork, Detail: "socket"}
	exhausted := &RetryExhaustedError{TaskID: "a", Retries: 2, Last: &ExecutionTimeoutError{TaskID: "a"}}
	tests := []struct {
		err  error
		kind string
		root string
	}{
		{nil, "", ""},
		{errors.New("boom"), "WorkerError", "WorkerError"},
		{violation, "SandboxViolationError", "SandboxViolationError"},
		{exhausted, "RetryExhaustedError", "ExecutionTimeoutError"},
		{&agent.UnknownRoleError{RoleID: "x"}, "UnknownRoleError", "UnknownRoleError"},
		{fmt.Errorf("wrapped: %w", &CanceledError{TaskID: "b"}), "Canceled", "Canceled"},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.kind)
		}
		if got := rootKind(tt.err); got != tt.root {
			t.Errorf("rootKind(%v) = %q, want %q", tt.err, got, tt.root)
		}
	}
}
