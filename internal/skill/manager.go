package skill

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownSkill is returned when a tool reference names no known skill.
var ErrUnknownSkill = errors.New("unknown skill")

// Manager holds the skill pool and the per-role skill assignments.
// All operations are thread-safe.
type Manager struct {
	mu          sync.RWMutex
	skills      map[string]*Skill
	assignments map[string][]string // role id → skill ids
}

// NewManager creates an empty Manager ready for use.
func NewManager() *Manager {
	return &Manager{
		skills:      make(map[string]*Skill),
		assignments: make(map[string][]string),
	}
}

// Add registers a skill in the pool, replacing any skill with the same ID.
func (m *Manager) Add(s *Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills[s.ID] = s
}

// Get returns a skill by ID, or nil if not found.
func (m *Manager) Get(id string) *Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skills[id]
}

// All returns every skill in the pool, sorted by ID.
func (m *Manager) All() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AssignRefs resolves a worker's tool references and assigns the matching
// skills to its role. A reference is either a skill ID or a direct MCP tool
// name ("mcp:<server>:<tool>"), which becomes an ad hoc skill. The first
// reference that resolves to nothing aborts the assignment.
func (m *Manager) AssignRefs(roleID string, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if _, ok := m.skills[ref]; !ok {
			if !strings.HasPrefix(ref, "mcp:") || strings.Count(ref, ":") != 2 {
				return fmt.Errorf("%w: %q", ErrUnknownSkill, ref)
			}
			m.skills[ref] = &Skill{
				ID:          ref,
				Name:        ref,
				Description: "MCP tool " + strings.TrimPrefix(ref, "mcp:"),
				ToolNames:   []string{ref},
				Source:      SourceMCP,
			}
		}
		ids = append(ids, ref)
	}
	for _, id := range ids {
		m.assignLocked(roleID, id)
	}
	return nil
}

// AssignSkill assigns a skill to a role. Duplicate assignments are ignored.
func (m *Manager) AssignSkill(roleID, skillID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignLocked(roleID, skillID)
}

func (m *Manager) assignLocked(roleID, skillID string) {
	for _, id := range m.assignments[roleID] {
		if id == skillID {
			return
		}
	}
	m.assignments[roleID] = append(m.assignments[roleID], skillID)
}

// WorkerSkills returns the resolved skills assigned to a role, in assignment order.
func (m *Manager) WorkerSkills(roleID string) []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Skill
	for _, id := range m.assignments[roleID] {
		if s, ok := m.skills[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// WorkerToolNames returns the deduplicated tool names from all skills
// assigned to a role.
func (m *Manager) WorkerToolNames(roleID string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, s := range m.WorkerSkills(roleID) {
		for _, t := range s.ToolNames {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				names = append(names, t)
			}
		}
	}
	return names
}

// FormatSkillPrompt formats a slice of skills into a markdown block suitable
// for injection into a worker's system prompt.
func FormatSkillPrompt(skills []*Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available Skills\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "\n### %s\n%s\n", s.Name, s.Description)
		if s.PromptFragment != "" {
			fmt.Fprintf(&b, "\n%s\n", s.PromptFragment)
		}
	}
	return b.String()
}

// WorkerSkillPrompt returns the formatted prompt block for a role's skills,
// or "" when none are assigned.
func (m *Manager) WorkerSkillPrompt(roleID string) string {
	return FormatSkillPrompt(m.WorkerSkills(roleID))
}
