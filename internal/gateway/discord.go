package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordSender is the part of *discordgo.Session the adapter uses.
type discordSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// DiscordAdapter posts notices to one Discord channel through the REST API.
type DiscordAdapter struct {
	token       string
	channelID   string
	session     discordSender
	connected   bool
	connectedAt time.Time
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{
		token:     token,
		channelID: channelID,
		logger:    logger,
	}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect creates the bot session. Notices only need the REST API, so the
// gateway websocket is never opened.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		a.connected = true
		return nil
	}
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.lastError = fmt.Sprintf("session create: %v", err)
		return fmt.Errorf("discord session: %w", err)
	}
	a.session = session
	a.connected = true
	a.connectedAt = time.Now()
	a.logger.Info("discord adapter ready", zap.String("channel", a.channelID))
	return nil
}

// Send posts a notice to the configured channel.
func (a *DiscordAdapter) Send(ctx context.Context, n *Notice) error {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("discord adapter not connected")
	}

	content := n.Text("**")
	if len(content) > 2000 {
		content = content[:1997] + "..."
	}
	if _, err := session.ChannelMessageSend(a.channelID, content, discordgo.WithContext(ctx)); err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		a.logger.Error("discord send failed",
			zap.String("channel", a.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (a *DiscordAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "discord",
		Connected: a.connected,
		Error:     a.lastError,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
		s.Details = "channel=" + a.channelID
	}
	return s
}

// Close shuts down the Discord session.
func (a *DiscordAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}
