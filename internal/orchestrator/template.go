package orchestrator

import (
	"context"
	"strings"
)

// lookupFunc returns the newest long-term fact for a key.
type lookupFunc func(ctx context.Context, key string) (string, bool, error)

// render resolves {output:<id>} from the run context and {memory:<key>}
// from long-term memory. Unavailable memory renders as empty.
func render(ctx context.Context, template string, run *RunContext, lookup lookupFunc) string {
	out := outputRefRe.ReplaceAllStringFunc(template, func(m string) string {
		id := outputRefRe.FindStringSubmatch(m)[1]
		if v, ok := run.Output(id); ok {
			return v
		}
		return m
	})
	if lookup == nil {
		return memoryRefRe.ReplaceAllString(out, "")
	}
	return memoryRefRe.ReplaceAllStringFunc(out, func(m string) string {
		key := strings.TrimSuffix(memoryRefRe.FindStringSubmatch(m)[1], "*")
		v, ok, err := lookup(ctx, key)
		if err != nil || !ok {
			return ""
		}
		return v
	})
}
