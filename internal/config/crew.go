package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxExecutionSeconds = 300
	defaultMaxRetries          = 2
)

// WorkersDoc is the decoded worker catalog document.
type WorkersDoc struct {
	Coordinator string               `yaml:"coordinator"`
	Workers     map[string]WorkerDoc `yaml:"workers"`
}

// WorkerDoc describes one role-specialized worker.
type WorkerDoc struct {
	Role                string   `yaml:"role"`
	Goal                string   `yaml:"goal"`
	Backstory           string   `yaml:"backstory"`
	Provider            string   `yaml:"provider"`
	Model               string   `yaml:"model"`
	AllowDelegation     bool     `yaml:"allow_delegation"`
	AllowCodeExecution  bool     `yaml:"allow_code_execution"`
	CodeExecutionMode   string   `yaml:"code_execution_mode"`
	MaxExecutionSeconds *int     `yaml:"max_execution_time"`
	MaxRetryLimit       *int     `yaml:"max_retry_limit"`
	Memory              bool     `yaml:"memory"`
	Tools               []string `yaml:"tools"`
}

// TasksDoc is the decoded pipeline document. Order is significant.
type TasksDoc struct {
	Tasks []TaskDoc `yaml:"tasks"`
}

// TaskDoc describes one pipeline stage.
type TaskDoc struct {
	ID             string    `yaml:"id"`
	Description    string    `yaml:"description"`
	ExpectedOutput string    `yaml:"expected_output"`
	OutputSchema   SchemaDoc `yaml:"output_schema"`
	Agent          string    `yaml:"agent"`
	// Context is nil when the key is absent, non-nil (possibly empty) when declared.
	Context  []string `yaml:"context"`
	LongTerm []string `yaml:"long_term"`
}

// SchemaDoc is the expected output shape of a task.
type SchemaDoc struct {
	Format    string   `yaml:"format"`
	Required  []string `yaml:"required"`
	MinLength int      `yaml:"min_length"`
}

// LoadWorkers reads and validates the worker catalog.
func LoadWorkers(path string) (*WorkersDoc, error) {
	var doc WorkersDoc
	if err := decodeYAML(path, &doc); err != nil {
		return nil, err
	}
	if len(doc.Workers) == 0 {
		return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("no workers declared")}
	}
	if doc.Coordinator == "" {
		return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("coordinator is required")}
	}
	if _, ok := doc.Workers[doc.Coordinator]; !ok {
		return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("coordinator %q is not a declared worker", doc.Coordinator)}
	}
	for id, w := range doc.Workers {
		switch w.CodeExecutionMode {
		case "", "safe", "unsafe":
		default:
			return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("worker %s: unknown code_execution_mode %q", id, w.CodeExecutionMode)}
		}
		if w.MaxExecutionSeconds != nil && *w.MaxExecutionSeconds <= 0 {
			return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("worker %s: max_execution_time must be positive", id)}
		}
		if w.MaxRetryLimit != nil && *w.MaxRetryLimit < 0 {
			return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("worker %s: max_retry_limit must not be negative", id)}
		}
	}
	return &doc, nil
}

// ExecutionSeconds returns the configured timeout or the default.
func (w WorkerDoc) ExecutionSeconds() int {
	if w.MaxExecutionSeconds == nil {
		return defaultMaxExecutionSeconds
	}
	return *w.MaxExecutionSeconds
}

// Retries returns the configured retry budget or the default.
func (w WorkerDoc) Retries() int {
	if w.MaxRetryLimit == nil {
		return defaultMaxRetries
	}
	return *w.MaxRetryLimit
}

// SandboxMode returns the code execution mode, "safe" unless set.
func (w WorkerDoc) SandboxMode() string {
	if w.CodeExecutionMode == "" {
		return "safe"
	}
	return w.CodeExecutionMode
}

// LoadTasks reads the ordered pipeline document.
func LoadTasks(path string) (*TasksDoc, error) {
	var doc TasksDoc
	if err := decodeYAML(path, &doc); err != nil {
		return nil, err
	}
	if len(doc.Tasks) == 0 {
		return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("no tasks declared")}
	}
	for i, t := range doc.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("task #%d has no id", i+1)}
		}
		if strings.TrimSpace(t.Description) == "" {
			return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("task %s has no description", t.ID)}
		}
		switch t.OutputSchema.Format {
		case "", "text", "json", "code", "artifacts":
		default:
			return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("task %s: unknown output format %q", t.ID, t.OutputSchema.Format)}
		}
	}
	return &doc, nil
}

func decodeYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigurationError{Source: path, Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &ConfigurationError{Source: path, Err: fmt.Errorf("decode yaml: %w", err)}
	}
	return nil
}

// LoadRequirement reads the plain-text product requirement.
func LoadRequirement(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &MissingRequirementError{Path: path}
		}
		return "", &ConfigurationError{Source: path, Err: err}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", &ConfigurationError{Source: path, Err: fmt.Errorf("requirement is empty")}
	}
	return text, nil
}
