package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/orchestrator"
)

const (
	maxHistory    = 200
	noticeTimeout = 10 * time.Second
)

// NoticeRecord tracks a sent notice for history.
type NoticeRecord struct {
	Notice  *Notice   `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

// Broadcaster turns run outcomes into notices and keeps a bounded history.
type Broadcaster struct {
	gateway *Gateway
	mu      sync.Mutex
	history []NoticeRecord
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster backed by the given gateway.
func NewBroadcaster(gw *Gateway, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		gateway: gw,
		logger:  logger,
	}
}

// Send broadcasts a notice to all or selected platforms.
func (b *Broadcaster) Send(ctx context.Context, n *Notice) error {
	if n.Type == "" {
		return fmt.Errorf("notice type is required")
	}

	b.logger.Info("sending notice",
		zap.String("type", string(n.Type)),
		zap.String("run", n.RunID),
		zap.String("title", n.Title),
	)

	if err := b.gateway.Broadcast(ctx, n); err != nil {
		return err
	}

	targets := n.Platforms
	if len(targets) == 0 {
		targets = b.gateway.Adapters()
	}

	b.mu.Lock()
	b.history = append(b.history, NoticeRecord{Notice: n, SentAt: time.Now(), Targets: targets})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.mu.Unlock()
	return nil
}

// History returns the most recent notice records, oldest first.
func (b *Broadcaster) History(limit int) []NoticeRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]NoticeRecord(nil), b.history[len(b.history)-limit:]...)
}

// Emit is an EventSink announcing run starts and task failures. Run
// completion is announced by NotifyRun, which knows the artifacts.
func (b *Broadcaster) Emit(ctx context.Context, ev orchestrator.Event) {
	var n *Notice
	switch {
	case ev.TaskID == "" && ev.RunStatus == orchestrator.RunRunning:
		n = &Notice{Type: NoticeRunStarted, RunID: ev.RunID, Title: "Run " + ev.RunID + " started"}
	case ev.To == orchestrator.StatusFailed:
		n = &Notice{
			Type:     NoticeTaskFailed,
			RunID:    ev.RunID,
			Title:    fmt.Sprintf("Task %s failed", ev.TaskID),
			Content:  fmt.Sprintf("worker %s, %s: %s", orDash(ev.WorkerID), ev.ErrorKind, ev.Error),
			Priority: 1,
		}
	default:
		return
	}
	b.deliver(ctx, n)
}

// NotifyRun announces a finished run.
func (b *Broadcaster) NotifyRun(ctx context.Context, report *orchestrator.Report, artifacts []string) {
	b.deliver(ctx, RunNotice(report, artifacts))
}

func (b *Broadcaster) deliver(ctx context.Context, n *Notice) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
	defer cancel()
	if err := b.Send(ctx, n); err != nil {
		b.logger.Warn("notice delivery failed", zap.String("run", n.RunID), zap.Error(err))
	}
}

// RunNotice summarizes a finished run.
func RunNotice(report *orchestrator.Report, artifacts []string) *Notice {
	n := &Notice{
		Type:  NoticeRunFinished,
		RunID: report.RunID,
		Title: fmt.Sprintf("Run %s %s", report.RunID, report.Status),
	}
	var b strings.Builder
	succeeded := 0
	for _, t := range report.Tasks {
		if t.Status == orchestrator.StatusSucceeded {
			succeeded++
		}
	}
	fmt.Fprintf(&b, "%d/%d tasks succeeded in %s", succeeded, len(report.Tasks),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Second))
	if f := report.Failure; f != nil {
		n.Priority = 1
		fmt.Fprintf(&b, "\nfailed at %s (%s): %s", f.TaskID, f.Kind, f.Message)
	}
	if len(artifacts) > 0 {
		fmt.Fprintf(&b, "\nartifacts: %s", strings.Join(artifacts, ", "))
	}
	n.Content = b.String()
	return n
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
