// Package window fits assembled task context into a token budget. Sections
// carry a priority; the lowest priority is trimmed first and fixed sections
// are never trimmed.
package window

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Priority orders trimming (higher = trimmed last).
type Priority int

const (
	PriorityShortTerm  Priority = 1 // trimmed first
	PriorityEntity     Priority = 2
	PriorityLongTerm   Priority = 3
	PriorityDependency Priority = 4 // never trimmed
)

// Item is one labelled context entry, ordered most relevant first in its section.
type Item struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// Section is a labelled group of items with a trimming priority.
type Section struct {
	Name     string   `json:"name"`
	Priority Priority `json:"priority"`
	Items    []Item   `json:"items"`
	Fixed    bool     `json:"fixed"`
}

// Tokens estimates the section's size.
func (s *Section) Tokens() int {
	total := 0
	for _, it := range s.Items {
		total += EstimateTokens(it.Label) + EstimateTokens(it.Content)
	}
	return total
}

// Manager trims sections to a token budget.
type Manager struct {
	budget int
	logger *zap.Logger
}

func NewManager(budget int, logger *zap.Logger) *Manager {
	if budget <= 0 {
		budget = 8000
	}
	return &Manager{budget: budget, logger: logger}
}

func (m *Manager) Budget() int { return m.budget }

// Fit drops tail items of trimmable sections, lowest priority first, until
// the total fits. If a single remaining item still overflows it is truncated.
// Sections are returned in descending priority order, empty ones removed.
func (m *Manager) Fit(sections []*Section) []*Section {
	sorted := make([]*Section, 0, len(sections))
	for _, s := range sections {
		if s != nil && len(s.Items) > 0 {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	total := 0
	for _, s := range sorted {
		total += s.Tokens()
	}
	if total > m.budget {
		m.logger.Debug("context exceeds budget, trimming",
			zap.Int("total", total), zap.Int("budget", m.budget))
	}

	for _, s := range sorted {
		if s.Fixed || total <= m.budget {
			continue
		}
		before := s.Tokens()
		for total > m.budget && len(s.Items) > 0 {
			last := s.Items[len(s.Items)-1]
			size := EstimateTokens(last.Label) + EstimateTokens(last.Content)
			overflow := total - m.budget
			if len(s.Items) == 1 && size > overflow {
				s.Items[0].Content = truncate(last.Content, size-overflow)
				total -= size - (EstimateTokens(last.Label) + EstimateTokens(s.Items[0].Content))
				break
			}
			s.Items = s.Items[:len(s.Items)-1]
			total -= size
		}
		m.logger.Debug("trimmed section",
			zap.String("section", s.Name), zap.Int("freed", before-s.Tokens()))
	}

	out := make([]*Section, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		if len(sorted[i].Items) > 0 {
			out = append(out, sorted[i])
		}
	}
	return out
}

// Render formats sections as a prompt block.
func Render(sections []*Section) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "[%s]\n", s.Name)
		for _, it := range s.Items {
			if it.Label != "" {
				fmt.Fprintf(&b, "## %s\n", it.Label)
			}
			b.WriteString(it.Content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate keeps roughly tokens worth of text followed by a marker.
func truncate(s string, tokens int) string {
	const marker = "\n...[truncated]"
	keep := tokens*4 - len(marker)
	if keep <= 0 {
		return marker[1:]
	}
	if keep >= len(s) {
		return s
	}
	return s[:keep] + marker
}

// EstimateTokens is a rough heuristic: ~4 bytes per token.
func EstimateTokens(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
