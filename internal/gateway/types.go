// Package gateway delivers run notifications to chat platforms.
package gateway

import (
	"context"
	"time"
)

// Adapter delivers notices to one chat platform.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, n *Notice) error
	Status() AdapterStatus
	Close() error
}

// NoticeType categorizes notices.
type NoticeType string

const (
	NoticeRunStarted  NoticeType = "run_started"
	NoticeRunFinished NoticeType = "run_finished"
	NoticeTaskFailed  NoticeType = "task_failed"
)

// Notice is sent to every platform, or only to Platforms when set.
type Notice struct {
	Type      NoticeType `json:"type"`
	RunID     string     `json:"run_id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Priority  int        `json:"priority"`
	Platforms []string   `json:"platforms,omitempty"`
}

// Text renders a notice as plain text with the given emphasis marker.
func (n *Notice) Text(bold string) string {
	return bold + "[" + string(n.Type) + "] " + n.Title + bold + "\n" + n.Content
}

// AdapterStatus reports the connection state of one adapter.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}
