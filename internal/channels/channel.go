// Package channels defines the adapter seam between the gateway core and the
// messaging platforms, plus the shared transport plumbing (reconnection,
// rate limiting) the adapters are built on.
package channels

import (
	"context"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Adapter is the interface all channel adapters implement. It provides a
// unified surface over messaging platforms such as Telegram, Discord and
// Slack.
type Adapter interface {
	// Start begins listening for messages from the channel. It establishes
	// the connection, authenticates, and supervises reconnection until ctx
	// is canceled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter, closing connections and the
	// inbound message channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg *models.Message) error

	// Messages returns the channel of inbound messages. It is closed when
	// the adapter stops.
	Messages() <-chan *models.Message

	// Type returns the channel type (telegram, discord, slack).
	Type() models.ChannelType

	// Status returns the current connection status.
	Status() Status
}

// StreamingAdapter is implemented by adapters whose platform supports
// in-place message edits, used for live-updating "streaming" replies.
type StreamingAdapter interface {
	// StartStreamingResponse creates the live-editable message and returns
	// its platform message ID.
	StartStreamingResponse(ctx context.Context, msg *models.Message) (string, error)

	// UpdateStreamingResponse edits the live message in place.
	UpdateStreamingResponse(ctx context.Context, msg *models.Message, messageID, text string) error
}

// Status represents the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// Registry manages multiple channel adapters.
type Registry struct {
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates a new channel registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.ChannelType]Adapter),
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Type()] = adapter
}

// Get returns an adapter by channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts all registered adapters.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.adapters {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered adapters, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.adapters {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateMessages returns a channel that receives inbound messages from all
// registered adapters.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.Message {
	out := make(chan *models.Message)

	for _, adapter := range r.adapters {
		go func(a Adapter) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	return out
}
