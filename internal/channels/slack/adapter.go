// Package slack implements the Slack channel adapter over Socket Mode.
// Slack supports in-place edits via chat.update, so the adapter also provides
// the live-editable streaming surface.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// apiClient is the slice of slack.Client the adapter uses; tests substitute
// a fake.
type apiClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// Config holds configuration for the Slack adapter.
type Config struct {
	// BotToken is the xoxb- token for Web API calls. Required.
	BotToken string

	// AppToken is the xapp- token for Socket Mode. Required.
	AppToken string

	// Reconnect controls the supervision loop around the socket connection.
	Reconnect channels.ReconnectPolicy

	// Hooks observes reconnect attempts, typically for metrics.
	Hooks channels.ReconnectHooks

	// RateLimit is the outbound operations per second. Slack's chat.postMessage
	// tier allows roughly one message per second per channel.
	RateLimit float64

	// RateBurst is the burst capacity for outbound sends.
	RateBurst int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("bot_token is required", nil)
	}
	if c.AppToken == "" {
		return channels.ErrConfig("app_token is required", nil)
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect = channels.DefaultReconnectPolicy()
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter and channels.StreamingAdapter for
// Slack.
type Adapter struct {
	config      Config
	messages    chan *models.Message
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger

	api          apiClient
	socketClient *socketmode.Client

	mu        sync.RWMutex
	status    channels.Status
	botUserID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Slack adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := slack.New(
		config.BotToken,
		slack.OptionAppLevelToken(config.AppToken),
	)
	return &Adapter{
		config:       config,
		messages:     make(chan *models.Message, 100),
		rateLimiter:  channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:       config.Logger.With("adapter", "slack"),
		api:          client,
		socketClient: socketmode.New(client),
	}, nil
}

// Start authenticates, then supervises the Socket Mode connection and its
// event loop until ctx is canceled.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	authResp, err := a.api.AuthTestContext(ctx)
	if err != nil {
		cancel()
		a.setStatus(false, err.Error())
		return channels.ErrAuthentication("slack auth test", err)
	}
	a.mu.Lock()
	a.botUserID = authResp.UserID
	a.mu.Unlock()

	a.wg.Add(1)
	go a.handleEvents(ctx)

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
			err := a.socketClient.RunContext(ctx)
			if err != nil && ctx.Err() == nil {
				a.setStatus(false, err.Error())
				return channels.ErrConnection("socket mode closed", err)
			}
			return nil
		})
		a.setStatus(false, "")
		if err != nil && ctx.Err() == nil {
			a.logger.Error("slack socket gave up", "error", err)
		}
	}()

	a.logger.Info("slack adapter started", "bot_user_id", authResp.UserID)
	return nil
}

// Stop shuts the adapter down, waiting for the socket and event loops.
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
		a.logger.Info("slack adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timed out", ctx.Err())
	}
}

// Send delivers an outbound message, respecting the rate limit. Replies land
// in the thread recorded on the message metadata, if any.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait canceled", err)
	}

	options := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if threadTS, ok := msg.Metadata["slack_thread_ts"].(string); ok && threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	_, timestamp, err := a.api.PostMessageContext(ctx, msg.ChannelID, options...)
	if err != nil {
		return channels.ErrInternal("post message", err)
	}
	msg.MessageID = timestamp
	a.touchPing()
	return nil
}

// StartStreamingResponse creates the live-editable placeholder message and
// returns its timestamp, which Slack uses as the message id for edits.
func (a *Adapter) StartStreamingResponse(ctx context.Context, msg *models.Message) (string, error) {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("rate limit wait canceled", err)
	}

	_, timestamp, err := a.api.PostMessageContext(ctx, msg.ChannelID, slack.MsgOptionText("…", false))
	if err != nil {
		return "", channels.ErrInternal("create live message", err)
	}
	return timestamp, nil
}

// UpdateStreamingResponse edits the live message in place.
func (a *Adapter) UpdateStreamingResponse(ctx context.Context, msg *models.Message, messageID, text string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait canceled", err)
	}

	_, _, _, err := a.api.UpdateMessageContext(ctx, msg.ChannelID, messageID, slack.MsgOptionText(text, false))
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
	return models.ChannelSlack
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// handleEvents drains the Socket Mode event stream.
func (a *Adapter) handleEvents(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return
			}
			a.touchPing()

			switch event.Type {
			case socketmode.EventTypeConnected:
				a.setStatus(true, "")
			case socketmode.EventTypeConnectionError:
				a.setStatus(false, fmt.Sprintf("connection error: %v", event.Data))
			case socketmode.EventTypeEventsAPI:
				if event.Request != nil {
					a.socketClient.Ack(*event.Request)
				}
				if apiEvent, ok := event.Data.(slackevents.EventsAPIEvent); ok {
					a.handleEventsAPI(apiEvent)
				}
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if event.Request != nil {
					a.socketClient.Ack(*event.Request)
				}
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.acceptMessage(&slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		if !a.shouldAccept(ev) {
			return
		}
		a.acceptMessage(ev)
	}
}

// shouldAccept keeps DMs, mentions, and thread replies; channel chatter that
// does not address the bot is ignored.
func (a *Adapter) shouldAccept(ev *slackevents.MessageEvent) bool {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	if strings.HasPrefix(ev.Channel, "D") {
		return true
	}
	if botUserID != "" && strings.Contains(ev.Text, "<@"+botUserID+">") {
		return true
	}
	return ev.ThreadTimeStamp != ""
}

func (a *Adapter) acceptMessage(ev *slackevents.MessageEvent) {
	msg := convertMessage(ev)
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("inbound queue full, dropping message", "channel_id", ev.Channel)
	}
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

// convertMessage maps a Slack message event onto the unified format. The
// platform message id combines channel and timestamp, which Slack reuses
// across channels.
func convertMessage(ev *slackevents.MessageEvent) *models.Message {
	createdAt := time.Now()
	if ts, err := parseTimestamp(ev.TimeStamp); err == nil {
		createdAt = ts
	}

	return &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelSlack,
		ChannelID: ev.Channel,
		MessageID: ev.Channel + ":" + ev.TimeStamp,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   stripMentions(ev.Text),
		Metadata: map[string]any{
			"slack_user_id":   ev.User,
			"slack_ts":        ev.TimeStamp,
			"slack_thread_ts": ev.ThreadTimeStamp,
		},
		CreatedAt: createdAt,
	}
}

// stripMentions removes <@USERID> tokens from message text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// parseTimestamp converts a Slack "seconds.microseconds" timestamp.
func parseTimestamp(ts string) (time.Time, error) {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Time{}, fmt.Errorf("malformed slack timestamp %q: %w", ts, err)
	}
	return time.Unix(sec, usec*1000), nil
}
