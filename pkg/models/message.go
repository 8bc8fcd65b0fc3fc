package models

import "time"

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is the unified message format across all channels.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Channel   ChannelType    `json:"channel"`
	ChannelID string         `json:"channel_id"` // Platform-specific conversation ID
	MessageID string         `json:"message_id"` // Platform-specific message ID
	Direction Direction      `json:"direction"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session represents a conversation thread. The queue fields control how the
// scheduler treats events that arrive while a run is already active for the
// session's key.
type Session struct {
	ID              string      `json:"id"`
	AgentID         string      `json:"agent_id"`
	Channel         ChannelType `json:"channel"`
	ChannelID       string      `json:"channel_id"`
	Key             string      `json:"key"`
	Queue           QueuePolicy `json:"queue"`
	AbortedLastRun  bool        `json:"aborted_last_run"`
	CompactionCount int         `json:"compaction_count"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
