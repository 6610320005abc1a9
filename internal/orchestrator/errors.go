package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// MalformedGraphError reports an invalid pipeline declaration.
type MalformedGraphError struct {
	TaskID     string
	Dependency string
	Reason     string
}

func (e *MalformedGraphError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("malformed graph: task %s -> %s: %s", e.TaskID, e.Dependency, e.Reason)
	}
	if e.TaskID != "" {
		return fmt.Sprintf("malformed graph: task %s: %s", e.TaskID, e.Reason)
	}
	return "malformed graph: " + e.Reason
}

func (e *MalformedGraphError) Kind() string { return "MalformedGraphError" }

// ExecutionTimeoutError reports an attempt that outlived its deadline.
type ExecutionTimeoutError struct {
	TaskID string
	RoleID string
	Limit  time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("task %s: worker %s exceeded %s", e.TaskID, e.RoleID, e.Limit)
}

func (e *ExecutionTimeoutError) Kind() string { return "ExecutionTimeoutError" }

// SchemaValidationError reports output that does not match the task schema.
type SchemaValidationError struct {
	TaskID string
	Format Format
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("task %s: output is not valid %s: %s", e.TaskID, e.Format, e.Reason)
}

func (e *SchemaValidationError) Kind() string { return "SchemaValidationError" }

// RetryExhaustedError is the terminal failure of a task that used its budget.
type RetryExhaustedError struct {
	TaskID  string
	Retries int
	Last    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d retries: %v", e.TaskID, e.Retries, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

func (e *RetryExhaustedError) Kind() string { return "RetryExhaustedError" }

// CanceledError marks a task that never ran because of an upstream failure
// or an aborted run.
type CanceledError struct {
	TaskID string
	Cause  string
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("task %s canceled: %s", e.TaskID, e.Cause)
}

func (e *CanceledError) Kind() string { return "Canceled" }

type kinded interface{ Kind() string }

// KindOf names the taxonomy entry of err. The outermost kinded error wins;
// anything else is a WorkerError.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "WorkerError"
}

// rootKind names the innermost kinded error, the cause under a wrapper such
// as RetryExhaustedError.
func rootKind(err error) string {
	kind := KindOf(err)
	for err != nil {
		if k, ok := err.(kinded); ok {
			kind = k.Kind()
		}
		err = errors.Unwrap(err)
	}
	return kind
}
