package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts notices to one Slack channel with a bot token.
type SlackAdapter struct {
	client      *slack.Client
	channelID   string
	username    string
	connected   bool
	connectedAt time.Time
	botUser     string
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewSlackAdapter creates a Slack adapter. botToken is the Bot User OAuth
// Token (xoxb-...). Extra client options are passed to slack.New.
func NewSlackAdapter(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
		username:  "code-monkeys",
		logger:    logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect verifies the token.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastError = err.Error()
		return fmt.Errorf("slack auth: %w", err)
	}
	a.connected = true
	a.connectedAt = time.Now()
	a.botUser = resp.User
	a.lastError = ""
	a.logger.Info("slack adapter connected", zap.String("bot", resp.User), zap.String("team", resp.Team))
	return nil
}

// Send posts a notice to the configured channel.
func (a *SlackAdapter) Send(ctx context.Context, n *Notice) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(n.Text("*"), false),
		slack.MsgOptionUsername(a.username),
	}
	if n.Priority > 0 {
		opts = append(opts, slack.MsgOptionIconEmoji(":rotating_light:"))
	} else {
		opts = append(opts, slack.MsgOptionIconEmoji(":monkey_face:"))
	}

	_, _, err := a.client.PostMessageContext(ctx, a.channelID, opts...)
	if err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		a.logger.Error("slack send failed",
			zap.String("channel", a.channelID), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (a *SlackAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "slack",
		Connected: a.connected,
		Error:     a.lastError,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
		s.Details = fmt.Sprintf("bot=%s, channel=%s", a.botUser, a.channelID)
	}
	return s
}

// Close is a no-op; the Web API client holds no connection.
func (a *SlackAdapter) Close() error { return nil }
