package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// parseCommand recognizes slash commands. Only the leading token matters;
// everything after it is passed through as arguments.
func parseCommand(content string) (string, []string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Telegram suffixes commands with the bot name, e.g. /status@mybot.
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}

// handleCommand answers control commands from pipeline state. The agent
// runner is never involved.
func (s *Server) handleCommand(ctx context.Context, msg *models.Message, cmd string, args []string) {
	key := sessions.SessionKey(s.agentID, msg.Channel, msg.ChannelID)

	switch cmd {
	case "status":
		s.reply(ctx, msg, s.statusText(ctx, key))
	case "stop":
		s.handleStop(ctx, msg, key)
	case "queue":
		s.handleQueue(ctx, msg, key, args)
	case "help":
		s.reply(ctx, msg, helpText)
	default:
		s.reply(ctx, msg, fmt.Sprintf("Unknown command /%s. Try /help.", cmd))
	}
}

const helpText = `Commands:
/status - show the active run and queued messages
/stop - abort the active run and clear the queue
/queue <interrupt|collect> [debounce_ms] - change how new messages are handled mid-run
/help - this message`

func (s *Server) statusText(ctx context.Context, key string) string {
	status := s.sched.Status(key)

	var b strings.Builder
	if status.Running {
		fmt.Fprintf(&b, "Run %s is active", shortID(status.RunID))
		counts := status.Counts
		if counts.Tool+counts.Block+counts.Final > 0 {
			fmt.Fprintf(&b, " (%d tool, %d block, %d final replies queued)",
				counts.Tool, counts.Block, counts.Final)
		}
		b.WriteString(".")
	} else {
		b.WriteString("No active run.")
	}
	fmt.Fprintf(&b, "\nQueued messages: %d", status.QueueDepth)

	if session, err := s.store.GetByKey(ctx, key); err == nil {
		fmt.Fprintf(&b, "\nQueue mode: %s", session.Queue.Mode)
		if session.CompactionCount > 0 {
			fmt.Fprintf(&b, "\nQueue compactions: %d", session.CompactionCount)
		}
		if session.AbortedLastRun {
			b.WriteString("\nLast run was aborted.")
		}
	}
	return b.String()
}

func (s *Server) handleStop(ctx context.Context, msg *models.Message, key string) {
	wasRunning := s.sched.Status(key).Running
	if _, err := s.sched.Stop(ctx, key); err != nil {
		s.logger.Error("stop failed", "session_key", key, "error", err)
		s.reply(ctx, msg, "Stop failed; see server logs.")
		return
	}
	s.metrics.QueueDepth.WithLabelValues(key).Set(0)
	if wasRunning {
		s.reply(ctx, msg, "Stopping the active run. Queued messages were discarded.")
	} else {
		s.reply(ctx, msg, "Nothing is running. Queue cleared.")
	}
}

func (s *Server) handleQueue(ctx context.Context, msg *models.Message, key string, args []string) {
	if len(args) == 0 {
		s.reply(ctx, msg, "Usage: /queue <interrupt|collect> [debounce_ms]")
		return
	}

	mode := models.QueueMode(strings.ToLower(args[0]))
	if mode != models.QueueModeInterrupt && mode != models.QueueModeCollect {
		s.reply(ctx, msg, fmt.Sprintf("Unknown queue mode %q. Use interrupt or collect.", args[0]))
		return
	}

	session, err := s.store.GetOrCreate(ctx, key, s.agentID, msg.Channel, msg.ChannelID)
	if err != nil {
		s.logger.Error("load session for /queue failed", "session_key", key, "error", err)
		s.reply(ctx, msg, "Could not update the queue policy; see server logs.")
		return
	}
	session.Queue.Mode = mode
	if len(args) > 1 {
		debounce, err := strconv.Atoi(args[1])
		if err != nil || debounce < 0 {
			s.reply(ctx, msg, fmt.Sprintf("Invalid debounce %q; expected a non-negative integer.", args[1]))
			return
		}
		session.Queue.DebounceMs = debounce
	}
	if err := s.store.Update(ctx, session); err != nil {
		s.logger.Error("persist queue policy failed", "session_key", key, "error", err)
		s.reply(ctx, msg, "Could not update the queue policy; see server logs.")
		return
	}
	s.reply(ctx, msg, fmt.Sprintf("Queue mode set to %s (debounce %dms).",
		session.Queue.Mode, session.Queue.DebounceMs))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
