package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/window"
)

// Substrate ties the three tiers together: it assembles the bounded context a
// task runs against and absorbs the task's output afterwards.
type Substrate struct {
	long   Store
	short  *ShortTerm
	entity *Entity
	window *window.Manager
	topK   int
	retain bool
	logger *zap.Logger
}

// Options tunes retrieval and retention.
type Options struct {
	TopK        int
	RetainIndex bool
}

func NewSubstrate(long Store, short *ShortTerm, entity *Entity, win *window.Manager, opts Options, logger *zap.Logger) *Substrate {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	return &Substrate{
		long:   long,
		short:  short,
		entity: entity,
		window: win,
		topK:   opts.TopK,
		retain: opts.RetainIndex,
		logger: logger,
	}
}

// Dependency is one upstream output handed to a task.
type Dependency struct {
	TaskID string
	Output string
}

// AssembleRequest describes the task about to run.
type AssembleRequest struct {
	RunID         string
	TaskID        string
	Description   string
	Dependencies  []Dependency
	LongTermKeys  []string // exact keys, or prefixes ending in "*"
	MemoryEnabled bool
}

// Assemble builds the task context: dependency outputs in full, the requested
// long-term facts, then entity and short-term recall for the description.
// Recall failures degrade to an empty section.
func (s *Substrate) Assemble(ctx context.Context, req AssembleRequest) string {
	deps := &window.Section{Name: "Outputs of prior tasks", Priority: window.PriorityDependency, Fixed: true}
	for _, d := range req.Dependencies {
		deps.Items = append(deps.Items, window.Item{Label: d.TaskID, Content: d.Output})
	}

	long := &window.Section{Name: "Long-term memory", Priority: window.PriorityLongTerm}
	for _, key := range req.LongTermKeys {
		c := Criteria{Key: key, Limit: s.topK}
		if strings.HasSuffix(key, "*") {
			c = Criteria{Prefix: strings.TrimSuffix(key, "*"), Limit: s.topK}
		}
		recs, err := s.long.Query(ctx, c)
		if err != nil {
			s.logger.Warn("long-term recall failed", zap.String("task", req.TaskID), zap.String("key", key), zap.Error(err))
			continue
		}
		for _, r := range recs {
			long.Items = append(long.Items, window.Item{Label: r.Key, Content: r.Value})
		}
	}

	sections := []*window.Section{deps, long}
	if req.MemoryEnabled {
		entity := &window.Section{Name: "Known entities", Priority: window.PriorityEntity}
		if recs, err := s.entity.Query(ctx, Criteria{RunID: req.RunID, Text: req.Description, Limit: s.topK}); err != nil {
			s.logger.Warn("entity recall failed", zap.String("task", req.TaskID), zap.Error(err))
		} else {
			for _, r := range recs {
				entity.Items = append(entity.Items, window.Item{Label: r.Key, Content: r.Value})
			}
		}

		short := &window.Section{Name: "Related notes from this run", Priority: window.PriorityShortTerm}
		if recs, err := s.short.Query(ctx, Criteria{RunID: req.RunID, Text: req.Description, Limit: s.topK}); err != nil {
			s.logger.Warn("short-term recall failed", zap.String("task", req.TaskID), zap.Error(err))
		} else {
			for _, r := range recs {
				short.Items = append(short.Items, window.Item{Label: r.Key, Content: r.Value})
			}
		}
		sections = append(sections, entity, short)
	}

	return window.Render(s.window.Fit(sections))
}

// Latest returns the newest long-term value stored under key.
func (s *Substrate) Latest(ctx context.Context, key string) (string, bool, error) {
	recs, err := s.long.Query(ctx, Criteria{Key: key, Limit: 1})
	if err != nil {
		return "", false, err
	}
	if len(recs) == 0 {
		return "", false, nil
	}
	return recs[0].Value, true, nil
}

// AbsorbRequest carries a succeeded task's output.
type AbsorbRequest struct {
	RunID         string
	TaskID        string
	Output        string
	MemoryEnabled bool
}

// Absorb writes the output as a long-term fact keyed by task id and, when
// memory is enabled, to the short-term tier plus one entity fact per
// mentioned entity. All writes are attempted; failures are joined.
func (s *Substrate) Absorb(ctx context.Context, req AbsorbRequest) error {
	var errs []error
	if err := s.long.Write(ctx, Record{Tier: TierLong, RunID: req.RunID, Key: req.TaskID, Value: req.Output}); err != nil {
		errs = append(errs, fmt.Errorf("long-term: %w", err))
	}
	if !req.MemoryEnabled {
		return errors.Join(errs...)
	}

	if err := s.short.Write(ctx, Record{RunID: req.RunID, Key: req.TaskID, Value: req.Output}); err != nil {
		errs = append(errs, fmt.Errorf("short-term: %w", err))
	}
	entities := ExtractEntities(req.Output)
	for _, name := range entities {
		fact := req.TaskID + ": " + mentionLine(req.Output, name)
		if err := s.entity.Write(ctx, Record{RunID: req.RunID, Key: name, Value: fact}); err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", name, err))
		}
	}
	s.logger.Debug("absorbed task output",
		zap.String("task", req.TaskID), zap.Int("entities", len(entities)))
	return errors.Join(errs...)
}

// Release discards the run's short-term and entity indexes unless retained.
func (s *Substrate) Release(ctx context.Context, runID string) error {
	if s.retain {
		return nil
	}
	return errors.Join(s.short.Drop(ctx, runID), s.entity.Drop(ctx, runID))
}

// Close closes the tier backends that hold resources.
func (s *Substrate) Close() error {
	var errs []error
	if c, ok := s.long.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.short.index.Close())
	if s.entity.index != s.short.index {
		errs = append(errs, s.entity.index.Close())
	}
	return errors.Join(errs...)
}

// mentionLine returns the first line mentioning the entity, capped in length.
func mentionLine(text, entity string) string {
	const maxLen = 300
	needle := strings.ReplaceAll(entity, "_", "")
	for _, line := range strings.Split(text, "\n") {
		flat := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(line))
		if strings.Contains(flat, needle) {
			line = strings.TrimSpace(line)
			if len(line) > maxLen {
				line = line[:maxLen] + "..."
			}
			return line
		}
	}
	return "mentioned"
}
