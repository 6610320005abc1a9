package materialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact is one named text file produced by the terminal task.
type Artifact struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Result lists the files written, in artifact order.
type Result struct {
	Dir     string   `json:"dir"`
	Written []string `json:"written"`
}

// IOWriteError reports the artifact that could not be written, the ones
// that were already in place when it failed, and the ones never attempted.
type IOWriteError struct {
	Artifact string
	Written  []string
	Skipped  []string
	Err      error
}

func (e *IOWriteError) Error() string {
	return fmt.Sprintf("write artifact %s (after %d written, %d skipped): %v",
		e.Artifact, len(e.Written), len(e.Skipped), e.Err)
}

func (e *IOWriteError) Unwrap() error { return e.Err }

func (e *IOWriteError) Kind() string { return "IOWriteError" }

// ErrInvalidName rejects artifact names that would escape the output dir.
var ErrInvalidName = errors.New("invalid artifact name")

// Materialize writes each artifact under dir, creating dir if needed. Every
// file is written to a temporary sibling and renamed into place, so a file
// either has its full content or does not exist. Writing stops at the first
// failure.
func Materialize(artifacts []Artifact, dir string) (*Result, error) {
	res := &Result{Dir: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		name := ""
		if len(artifacts) > 0 {
			name = artifacts[0].Name
		}
		return res, &IOWriteError{Artifact: name, Skipped: names(artifacts[min(1, len(artifacts)):]), Err: err}
	}
	for i, a := range artifacts {
		rel, err := cleanName(a.Name)
		if err == nil {
			err = writeAtomic(filepath.Join(dir, rel), a.Content)
		}
		if err != nil {
			return res, &IOWriteError{Artifact: a.Name, Written: res.Written, Skipped: names(artifacts[i+1:]), Err: err}
		}
		res.Written = append(res.Written, rel)
	}
	return res, nil
}

func names(artifacts []Artifact) []string {
	if len(artifacts) == 0 {
		return nil
	}
	out := make([]string, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Name
	}
	return out
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || filepath.IsAbs(name) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}

func writeAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ParseArtifacts decodes {"artifacts":[{"name","content"}]} from a worker
// output. A bare JSON array is accepted too, and surrounding code fences or
// prose are ignored.
func ParseArtifacts(output string) ([]Artifact, error) {
	trimmed := strings.TrimSpace(output)
	artifacts, err := decodeArtifacts(trimmed)
	if err != nil {
		if fenced := StripFence(trimmed); fenced != trimmed {
			if a, ferr := decodeArtifacts(fenced); ferr == nil {
				artifacts, err = a, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, errors.New("no artifacts declared")
	}
	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		if strings.TrimSpace(a.Name) == "" {
			return nil, errors.New("artifact without name")
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate artifact %s", a.Name)
		}
		seen[a.Name] = true
	}
	return artifacts, nil
}

func decodeArtifacts(body string) ([]Artifact, error) {
	start := strings.IndexAny(body, "{[")
	if start < 0 {
		return nil, errors.New("no artifact document found")
	}
	body = body[start:]
	closer := "}"
	if body[0] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(body, closer)
	if end < 0 {
		return nil, errors.New("unterminated artifact document")
	}
	body = body[:end+1]

	if closer == "]" {
		var list []Artifact
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, fmt.Errorf("parse artifacts: %w", err)
		}
		return list, nil
	}
	var doc struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("parse artifacts: %w", err)
	}
	return doc.Artifacts, nil
}

// StripFence returns the text between the first and the last code fence of
// s, without the info string, or s trimmed when it holds no fence.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return s
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
