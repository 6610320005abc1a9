package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/code-monkeys/internal/materialize"
)

// Format is the expected shape of a task output.
type Format string

const (
	FormatText      Format = "text"
	FormatJSON      Format = "json"
	FormatCode      Format = "code"
	FormatArtifacts Format = "artifacts"
)

// Schema is a task's expected output. Required means: substrings for text
// and code, top-level keys for json, artifact names for artifacts.
type Schema struct {
	Format    Format   `json:"format"`
	Required  []string `json:"required,omitempty"`
	MinLength int      `json:"min_length,omitempty"`
}

// Validate checks an output and returns its normalized form: code fences are
// stripped from code and json outputs.
func (s Schema) Validate(taskID, output string) (string, error) {
	fail := func(format string, args ...interface{}) (string, error) {
		return "", &SchemaValidationError{TaskID: taskID, Format: s.format(), Reason: fmt.Sprintf(format, args...)}
	}
	out := strings.TrimSpace(output)
	min := s.MinLength
	if min <= 0 {
		min = 1
	}

	switch s.format() {
	case FormatText:
		if len(out) < min {
			return fail("output has %d characters, want at least %d", len(out), min)
		}
		if missing := missingSubstrings(out, s.Required); len(missing) > 0 {
			return fail("output does not mention %s", strings.Join(missing, ", "))
		}
		return out, nil

	case FormatCode:
		out = materialize.StripFence(out)
		if len(out) < min {
			return fail("code has %d characters, want at least %d", len(out), min)
		}
		if missing := missingSubstrings(out, s.Required); len(missing) > 0 {
			return fail("code lacks %s", strings.Join(missing, ", "))
		}
		return out, nil

	case FormatJSON:
		body := materialize.StripFence(out)
		var doc map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return fail("not a JSON object: %v", err)
		}
		var missing []string
		for _, k := range s.Required {
			if _, ok := doc[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return fail("missing keys %s", strings.Join(missing, ", "))
		}
		return body, nil

	case FormatArtifacts:
		artifacts, err := materialize.ParseArtifacts(out)
		if err != nil {
			return fail("%v", err)
		}
		names := make(map[string]bool, len(artifacts))
		for _, a := range artifacts {
			names[a.Name] = true
		}
		var missing []string
		for _, n := range s.Required {
			if !names[n] {
				missing = append(missing, n)
			}
		}
		if len(missing) > 0 {
			return fail("missing artifacts %s", strings.Join(missing, ", "))
		}
		return out, nil
	}
	return fail("unknown format %q", s.Format)
}

func (s Schema) format() Format {
	if s.Format == "" {
		return FormatText
	}
	return s.Format
}

func missingSubstrings(out string, required []string) []string {
	lower := strings.ToLower(out)
	var missing []string
	for _, r := range required {
		if !strings.Contains(lower, strings.ToLower(r)) {
			missing = append(missing, r)
		}
	}
	return missing
}
