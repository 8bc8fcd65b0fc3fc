// Package streaming serializes partial-reply edits against a remote
// live-editable message.
//
// Platforms that support in-place edits expose an edit API that is not safe
// to call concurrently for the same message. The Coalescer is the single
// choke point for one live message: edits are enqueued onto a single-consumer
// queue drained by one worker goroutine, so exactly one edit is in flight at
// any time.
package streaming

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Status is the lifecycle state of a live-editable message.
type Status int

const (
	Inactive Status = iota
	Starting
	Active
	Closing
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Coalescer owns one live-editable message for one run.
type Coalescer struct {
	editor channels.StreamingAdapter
	msg    *models.Message
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	status    Status
	messageID string
	startDone chan struct{}
	pending   []string
	lastText  string // last text handed to the edit queue
	closing   bool

	workerDone chan struct{}
}

// NewCoalescer creates a coalescer for the live message that will answer msg.
func NewCoalescer(editor channels.StreamingAdapter, msg *models.Message, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coalescer{
		editor: editor,
		msg:    msg,
		logger: logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Status returns the current lifecycle state.
func (c *Coalescer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start creates the remote live-editable message. If a start is already in
// progress or done, Start is a no-op. Callers that need the session before
// creation finishes (such as Close) wait on this same operation instead of
// racing a second creation. On failure the coalescer reverts to Inactive and
// the error is returned so the run can fall back to non-streaming delivery.
func (c *Coalescer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status == Starting || c.status == Active {
		c.mu.Unlock()
		return nil
	}
	c.status = Starting
	c.closing = false
	c.pending = nil
	c.lastText = ""
	c.startDone = make(chan struct{})
	c.mu.Unlock()

	messageID, err := c.editor.StartStreamingResponse(ctx, c.msg)

	c.mu.Lock()
	if err != nil {
		c.status = Inactive
		close(c.startDone)
		c.mu.Unlock()
		return err
	}
	c.messageID = messageID
	c.status = Active
	c.workerDone = make(chan struct{})
	close(c.startDone)
	c.mu.Unlock()

	go c.worker(context.WithoutCancel(ctx))
	return nil
}

// Update enqueues an edit with the given text. A text identical to the last
// enqueued one is skipped to avoid redundant remote edits; each distinct text
// is still sent even if several queue up while one edit is in flight.
func (c *Coalescer) Update(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != Starting && c.status != Active {
		return
	}
	if text == c.lastText {
		return
	}
	c.lastText = text
	c.pending = append(c.pending, text)
	c.cond.Signal()
}

// Close finishes the live message: it awaits a pending Start, drains the full
// edit queue, performs a final edit with finalText, and tears down. Calling
// Close while Inactive is a no-op.
func (c *Coalescer) Close(ctx context.Context, finalText string) error {
	c.mu.Lock()
	if c.status == Inactive {
		c.mu.Unlock()
		return nil
	}
	startDone := c.startDone
	c.mu.Unlock()

	<-startDone

	c.mu.Lock()
	if c.status != Active {
		// Start failed or another Close finished first.
		c.mu.Unlock()
		return nil
	}
	c.status = Closing
	c.closing = true
	c.cond.Broadcast()
	workerDone := c.workerDone
	messageID := c.messageID
	sendFinal := finalText != "" && finalText != c.lastText
	c.mu.Unlock()

	<-workerDone

	var err error
	if sendFinal {
		err = c.editor.UpdateStreamingResponse(ctx, c.msg, messageID, finalText)
	}

	c.mu.Lock()
	c.status = Inactive
	c.messageID = ""
	c.pending = nil
	c.lastText = ""
	c.mu.Unlock()
	return err
}

// worker drains the edit queue one edit at a time until Close signals and the
// queue is empty.
func (c *Coalescer) worker(ctx context.Context) {
	defer close(c.workerDone)

	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closing {
			c.cond.Wait()
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		text := c.pending[0]
		c.pending = c.pending[1:]
		messageID := c.messageID
		c.mu.Unlock()

		if err := c.editor.UpdateStreamingResponse(ctx, c.msg, messageID, text); err != nil {
			// Keep accumulating; the final edit at Close carries the full text.
			c.logger.Warn("streaming edit failed", "message_id", messageID, "error", err)
		}
	}
}
