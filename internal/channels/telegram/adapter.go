// Package telegram implements the Telegram channel adapter using long
// polling. Telegram supports in-place edits, so the adapter also provides the
// live-editable streaming surface.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather. Required.
	Token string

	// Reconnect controls the supervision loop around long polling.
	Reconnect channels.ReconnectPolicy

	// Hooks observes reconnect attempts, typically for metrics.
	Hooks channels.ReconnectHooks

	// RateLimit is the outbound operations per second. Telegram allows
	// roughly 30 messages per second per bot.
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
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter and channels.StreamingAdapter for
// Telegram.
type Adapter struct {
	config      Config
	messages    chan *models.Message
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger

	mu     sync.RWMutex
	bot    *bot.Bot
	status channels.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:      config,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:      config.Logger.With("adapter", "telegram"),
	}, nil
}

// Start connects the bot and supervises the long polling loop until ctx is
// canceled.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token)
	if err != nil {
		cancel()
		a.setStatus(false, fmt.Sprintf("create bot: %v", err))
		return channels.ErrAuthentication("create telegram bot", err)
	}
	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	a.mu.Lock()
	a.bot = b
	a.mu.Unlock()

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
			a.setStatus(true, "")
			// Blocks until ctx is canceled; polling errors are retried
			// inside the library, so a return here is a clean close.
			b.Start(ctx)
			return nil
		})
		a.setStatus(false, "")
		if err != nil && ctx.Err() == nil {
			a.logger.Error("telegram polling gave up", "error", err)
		}
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop shuts the adapter down, waiting for the polling loop to exit.
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
		a.logger.Info("telegram adapter stopped")
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
	b := a.client()
	if b == nil {
		return channels.ErrInternal("bot not started", nil)
	}
	chatID, err := chatIDFrom(msg)
	if err != nil {
		return err
	}

	sent, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Content,
	})
	if err != nil {
		return channels.ErrInternal("send message", err)
	}
	msg.MessageID = strconv.Itoa(sent.ID)
	a.touchPing()
	return nil
}

// StartStreamingResponse creates the live-editable placeholder message.
func (a *Adapter) StartStreamingResponse(ctx context.Context, msg *models.Message) (string, error) {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("rate limit wait canceled", err)
	}
	b := a.client()
	if b == nil {
		return "", channels.ErrInternal("bot not started", nil)
	}
	chatID, err := chatIDFrom(msg)
	if err != nil {
		return "", err
	}

	sent, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   "…", // placeholder until the first edit lands
	})
	if err != nil {
		return "", channels.ErrInternal("create live message", err)
	}
	return strconv.Itoa(sent.ID), nil
}

// UpdateStreamingResponse edits the live message in place.
func (a *Adapter) UpdateStreamingResponse(ctx context.Context, msg *models.Message, messageID, text string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait canceled", err)
	}
	b := a.client()
	if b == nil {
		return channels.ErrInternal("bot not started", nil)
	}
	chatID, err := chatIDFrom(msg)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return channels.ErrConfig("malformed message id "+messageID, err)
	}

	_, err = b.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: id,
		Text:      text,
	})
	if err != nil {
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
	return models.ChannelTelegram
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil {
		return
	}
	msg := convertMessage(update.Message)
	select {
	case a.messages <- msg:
		a.touchPing()
	default:
		a.logger.Warn("inbound queue full, dropping message",
			"chat_id", update.Message.Chat.ID)
	}
}

func (a *Adapter) client() *bot.Bot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bot
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

// convertMessage maps a Telegram message onto the unified format.
func convertMessage(msg *tgmodels.Message) *models.Message {
	out := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelTelegram,
		ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.ID),
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   msg.Text,
		CreatedAt: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		out.Metadata = map[string]any{
			"user_id":  strconv.FormatInt(msg.From.ID, 10),
			"username": msg.From.Username,
		}
	}
	return out
}

// chatIDFrom resolves the numeric chat id of an outbound message.
func chatIDFrom(msg *models.Message) (int64, error) {
	id, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return 0, channels.ErrConfig("malformed chat id "+msg.ChannelID, err)
	}
	return id, nil
}
