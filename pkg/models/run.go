package models

import "time"

// QueueMode controls what happens when an event arrives for a session that
// already has an active run.
type QueueMode string

const (
	// QueueModeInterrupt cancels the active run and starts over with the new event.
	QueueModeInterrupt QueueMode = "interrupt"

	// QueueModeCollect buffers events and flattens them into the next run.
	QueueModeCollect QueueMode = "collect"
)

// DropPolicy controls how buffered prompts are shed once the cap is exceeded.
type DropPolicy string

const (
	// DropOldest discards the oldest buffered entries down to the cap.
	DropOldest DropPolicy = "old"

	// DropSummarize collapses the overflow into a single condensed marker entry.
	DropSummarize DropPolicy = "summarize"
)

// QueuePolicy is the per-session queueing behavior, read from the session
// store and mutable via commands.
type QueuePolicy struct {
	Mode       QueueMode  `json:"mode" yaml:"mode"`
	DebounceMs int        `json:"debounce_ms" yaml:"debounce_ms"`
	Cap        int        `json:"cap" yaml:"cap"`
	Drop       DropPolicy `json:"drop" yaml:"drop"`
}

// DefaultQueuePolicy returns the queueing behavior used when a session has
// none configured.
func DefaultQueuePolicy() QueuePolicy {
	return QueuePolicy{
		Mode:       QueueModeCollect,
		DebounceMs: 1000,
		Cap:        10,
		Drop:       DropOldest,
	}
}

// RunDescriptor is one agent execution request. It is created when a run is
// dequeued and destroyed on completion or abort.
type RunDescriptor struct {
	RunID      string         `json:"run_id"`
	AgentID    string         `json:"agent_id"`
	SessionID  string         `json:"session_id"`
	SessionKey string         `json:"session_key"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt"`
	Timeout    time.Duration  `json:"timeout"`
	Workspace  string         `json:"workspace,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// ReplyKind tags a reply payload produced by an agent run.
type ReplyKind string

const (
	ReplyTool  ReplyKind = "tool"
	ReplyBlock ReplyKind = "block"
	ReplyFinal ReplyKind = "final"
)

// Reply is one delivery payload for a run. Content is opaque to the
// scheduler and dispatcher.
type Reply struct {
	Kind      ReplyKind      `json:"kind"`
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	Channel   ChannelType    `json:"channel"`
	ChannelID string         `json:"channel_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueuedCounts is the per-kind delivery bookkeeping for one run. Counts are
// monotonically increasing per kind until the dispatcher drains.
type QueuedCounts struct {
	Tool  int `json:"tool"`
	Block int `json:"block"`
	Final int `json:"final"`
}
