package orchestrator

import (
	"regexp"
	"slices"
	"strings"
)

var (
	outputRefRe = regexp.MustCompile(`\{output:([A-Za-z0-9_.\-]+)\}`)
	memoryRefRe = regexp.MustCompile(`\{memory:([A-Za-z0-9_.\-*]+)\}`)
)

// Graph is the dependency structure of one pipeline. Declaration order is a
// valid topological order.
type Graph struct {
	tasks      []Task
	index      map[string]int
	dependents map[string][]string // direct
}

// Build binds {requirement} into every description and derives each task's
// dependencies from its explicit context and its {output:<id>} references.
// A task that declares neither depends on its predecessor.
func Build(specs []TaskSpec, requirement string) (*Graph, error) {
	g := &Graph{
		index:      make(map[string]int, len(specs)),
		dependents: make(map[string][]string),
	}
	for i, s := range specs {
		if _, dup := g.index[s.ID]; dup {
			return nil, &MalformedGraphError{TaskID: s.ID, Reason: "duplicate task id"}
		}
		g.index[s.ID] = i
	}

	for i, s := range specs {
		template := strings.ReplaceAll(s.Description, "{requirement}", requirement)

		var deps []string
		add := func(id string) {
			if !slices.Contains(deps, id) {
				deps = append(deps, id)
			}
		}
		for _, id := range s.Context {
			add(strings.TrimSpace(id))
		}
		refs := outputRefRe.FindAllStringSubmatch(template, -1)
		for _, m := range refs {
			add(m[1])
		}
		if s.Context == nil && len(refs) == 0 && i > 0 {
			add(specs[i-1].ID)
		}

		for _, id := range deps {
			j, ok := g.index[id]
			switch {
			case id == s.ID:
				return nil, &MalformedGraphError{TaskID: s.ID, Dependency: id, Reason: "task depends on itself"}
			case !ok:
				return nil, &MalformedGraphError{TaskID: s.ID, Dependency: id, Reason: "unknown task"}
			case j > i:
				return nil, &MalformedGraphError{TaskID: s.ID, Dependency: id, Reason: "forward reference"}
			}
			g.dependents[id] = append(g.dependents[id], s.ID)
		}

		keys := slices.Clone(s.LongTerm)
		for _, m := range memoryRefRe.FindAllStringSubmatch(template, -1) {
			if !slices.Contains(keys, m[1]) {
				keys = append(keys, m[1])
			}
		}

		g.tasks = append(g.tasks, Task{
			ID:             s.ID,
			Index:          i,
			Template:       template,
			ExpectedOutput: s.ExpectedOutput,
			Schema:         s.Schema,
			BoundWorker:    strings.TrimSpace(s.Agent),
			DependsOn:      deps,
			LongTermKeys:   keys,
		})
	}
	if len(g.tasks) == 0 {
		return nil, &MalformedGraphError{Reason: "pipeline has no tasks"}
	}
	return g, nil
}

// Tasks returns the tasks in declaration order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Task returns one task by id.
func (g *Graph) Task(id string) (Task, bool) {
	i, ok := g.index[id]
	if !ok {
		return Task{}, false
	}
	return g.tasks[i], true
}

// DependenciesOf returns the direct dependencies of a task.
func (g *Graph) DependenciesOf(id string) []string {
	t, ok := g.Task(id)
	if !ok {
		return nil
	}
	return slices.Clone(t.DependsOn)
}

// Dependents returns every task that transitively depends on id, in
// declaration order.
func (g *Graph) Dependents(id string) []string {
	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, t := range g.tasks {
		if seen[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}

// Terminal returns the last declared task, whose output is materialized.
func (g *Graph) Terminal() Task {
	return g.tasks[len(g.tasks)-1]
}

// Blocks reports whether a failure of id leaves the terminal task unreachable.
func (g *Graph) Blocks(id string) bool {
	terminal := g.Terminal().ID
	return id == terminal || slices.Contains(g.Dependents(id), terminal)
}
