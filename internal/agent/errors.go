package agent

import (
	"errors"
	"fmt"
)

// ErrNoCandidate is returned by Choose when there is nobody to pick from.
var ErrNoCandidate = errors.New("no candidate workers")

// UnknownRoleError reports a role id absent from the registry.
type UnknownRoleError struct {
	RoleID string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown worker role %q", e.RoleID)
}

func (e *UnknownRoleError) Kind() string { return "UnknownRoleError" }

// WorkerError is a failure reported by a worker invocation.
type WorkerError struct {
	RoleID      string
	Err         error
	Recoverable bool
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.RoleID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

func (e *WorkerError) Kind() string { return "WorkerError" }
