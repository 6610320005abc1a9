package skill

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManagerAssignAndGet(t *testing.T) {
	mgr := NewManager()
	mgr.Add(&Skill{ID: "s1", Name: "search", Source: SourceBuiltin})
	mgr.Add(&Skill{ID: "s2", Name: "memory", Source: SourceBuiltin})

	mgr.AssignSkill("backend", "s1")
	mgr.AssignSkill("backend", "s2")
	mgr.AssignSkill("backend", "s1")
	mgr.AssignSkill("frontend", "s1")

	if got := len(mgr.WorkerSkills("backend")); got != 2 {
		t.Fatalf("backend got %d skills, want 2", got)
	}
	if got := len(mgr.WorkerSkills("frontend")); got != 1 {
		t.Fatalf("frontend got %d skills, want 1", got)
	}
	if got := len(mgr.WorkerSkills("tester")); got != 0 {
		t.Fatalf("tester got %d skills, want 0", got)
	}
}

func TestAssignRefs(t *testing.T) {
	mgr := NewManager()
	RegisterBuiltins(mgr)

	if err := mgr.AssignRefs("backend", []string{"code_execution", "mcp:docs:lookup"}); err != nil {
		t.Fatalf("assign refs: %v", err)
	}
	names := mgr.WorkerToolNames("backend")
	if len(names) != 2 || names[0] != "run_code" || names[1] != "mcp:docs:lookup" {
		t.Fatalf("tool names = %v", names)
	}
	if s := mgr.Get("mcp:docs:lookup"); s == nil || s.Source != SourceMCP {
		t.Fatalf("expected ad hoc mcp skill, got %+v", s)
	}
}

func TestAssignRefsUnknown(t *testing.T) {
	mgr := NewManager()
	RegisterBuiltins(mgr)

	for _, ref := range []string{"teleport", "mcp:onlyserver"} {
		err := mgr.AssignRefs("backend", []string{"web_search", ref})
		if !errors.Is(err, ErrUnknownSkill) {
			t.Fatalf("ref %q: expected ErrUnknownSkill, got %v", ref, err)
		}
	}
	if got := mgr.WorkerSkills("backend"); len(got) != 0 {
		t.Fatalf("failed assignment must not be partial, got %d skills", len(got))
	}
}

func TestFormatSkillPrompt(t *testing.T) {
	if FormatSkillPrompt(nil) != "" {
		t.Error("expected empty prompt for no skills")
	}
	skills := []*Skill{
		{Name: "search", Description: "Web search", PromptFragment: "You can search."},
	}
	prompt := FormatSkillPrompt(skills)
	if !strings.Contains(prompt, "### search") || !strings.Contains(prompt, "You can search.") {
		t.Errorf("unexpected prompt %q", prompt)
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	plugin := filepath.Join(dir, "lint")
	if err := os.MkdirAll(plugin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(plugin, "skill.json"),
		[]byte(`{"description":"Lint code","tool_names":["mcp:lint:run"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(plugin, "prompt.md"), []byte("  Lint before you submit.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	skills, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(skills) != 1 {
		t.Fatalf("got %d skills, want 1", len(skills))
	}
	s := skills[0]
	if s.ID != "lint" || s.Source != SourcePlugin || s.PromptFragment != "Lint before you submit." {
		t.Errorf("unexpected skill %+v", s)
	}

	missing, err := LoadFromDir(filepath.Join(dir, "nope"))
	if err != nil || missing != nil {
		t.Errorf("missing dir should be empty, got %v %v", missing, err)
	}
}
