// Package discord implements the Discord channel adapter on top of the
// discordgo gateway. Discord supports in-place edits, so the adapter also
// provides the live-editable streaming surface.
package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// discordSession is the slice of discordgo.Session the adapter uses; tests
// substitute a fake.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord developer portal. Required.
	Token string

	// Reconnect controls retries when opening the gateway connection.
	Reconnect channels.ReconnectPolicy

	// Hooks observes reconnect attempts, typically for metrics.
	Hooks channels.ReconnectHooks

	// RateLimit is the outbound operations per second.
	RateLimit float64

	// RateBurst is the burst capacity for outbound sends.
	RateBurst int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect = channels.DefaultReconnectPolicy()
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter and channels.StreamingAdapter for
// Discord.
type Adapter struct {
	config      Config
	messages    chan *models.Message
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger

	mu      sync.RWMutex
	session discordSession
	status  channels.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Discord adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:      config,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:      config.Logger.With("adapter", "discord"),
	}, nil
}

// Start opens the gateway connection and supervises it until ctx is
// canceled. discordgo resumes dropped websockets itself; the supervision
// loop here covers failures to open the connection at all.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.mu.Lock()
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			a.mu.Unlock()
			cancel()
			return channels.ErrAuthentication("create discord session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}
	session := a.session
	a.mu.Unlock()

	session.AddHandler(a.handleMessageCreate)

	reconnector := &channels.Reconnector{
		Policy: a.config.Reconnect,
		Hooks:  a.config.Hooks,
		Logger: a.logger,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.messages)

		err := reconnector.Run(ctx, func(ctx context.Context) error {
			if err := session.Open(); err != nil {
				a.setStatus(false, err.Error())
				return channels.ErrConnection("open discord gateway", err)
			}
			a.setStatus(true, "")
			<-ctx.Done()
			if err := session.Close(); err != nil {
				a.logger.Warn("closing discord session failed", "error", err)
			}
			return nil
		})
		a.setStatus(false, "")
		if err != nil && ctx.Err() == nil {
			a.logger.Error("discord connection gave up", "error", err)
		}
	}()

	a.logger.Info("discord adapter started")
	return nil
}

// Stop shuts the adapter down, waiting for the supervision loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("discord adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timed out", ctx.Err())
	}
}

// Send delivers an outbound message, respecting the rate limit.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait canceled", err)
	}
	session := a.client()
	if session == nil {
		return channels.ErrInternal("session not started", nil)
	}

	sent, err := session.ChannelMessageSend(msg.ChannelID, msg.Content)
	if err != nil {
		return channels.ErrInternal("send message", err)
	}
	msg.MessageID = sent.ID
	a.touchPing()
	return nil
}

// StartStreamingResponse creates the live-editable placeholder message.
func (a *Adapter) StartStreamingResponse(ctx context.Context, msg *models.Message) (string, error) {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("rate limit wait canceled", err)
	}
	session := a.client()
	if session == nil {
		return "", channels.ErrInternal("session not started", nil)
	}

	sent, err := session.ChannelMessageSend(msg.ChannelID, "…")
	if err != nil {
		return "", channels.ErrInternal("create live message", err)
	}
	return sent.ID, nil
}

// UpdateStreamingResponse edits the live message in place.
func (a *Adapter) UpdateStreamingResponse(ctx context.Context, msg *models.Message, messageID, text string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait canceled", err)
	}
	session := a.client()
	if session == nil {
		return channels.ErrInternal("session not started", nil)
	}

	if _, err := session.ChannelMessageEdit(msg.ChannelID, messageID, text); err != nil {
		return channels.ErrInternal("edit live message", err)
	}
	return nil
}

// Messages returns the inbound message channel.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelDiscord
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	msg := convertMessage(m.Message)
	select {
	case a.messages <- msg:
		a.touchPing()
	default:
		a.logger.Warn("inbound queue full, dropping message", "channel_id", m.ChannelID)
	}
}

func (a *Adapter) client() discordSession {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
}

func (a *Adapter) touchPing() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.LastPing = time.Now().Unix()
}

// convertMessage maps a Discord message onto the unified format.
func convertMessage(m *discordgo.Message) *models.Message {
	out := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelDiscord,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		out.Metadata = map[string]any{
			"user_id":  m.Author.ID,
			"username": m.Author.Username,
		}
	}
	if m.GuildID != "" {
		if out.Metadata == nil {
			out.Metadata = map[string]any{}
		}
		out.Metadata["guild_id"] = m.GuildID
	}
	return out
}
