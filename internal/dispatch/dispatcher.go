// Package dispatch queues and delivers the replies of a single agent run.
//
// A Dispatcher is created per run and destroyed after WaitForIdle resolves.
// All accepted sends drain through one worker goroutine, so deliveries of the
// same kind preserve enqueue order and a final reply is never observably
// delivered before the run's earlier tool or block replies.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// SendFunc delivers one reply to the channel. It is invoked sequentially by
// the dispatcher's worker.
type SendFunc func(ctx context.Context, reply *models.Reply) error

// Options configures a Dispatcher.
type Options struct {
	// Send delivers replies. Required.
	Send SendFunc

	// OnError is invoked when a delivery fails. Delivery errors do not abort
	// the run; they are reported and the drain continues.
	OnError func(err error, reply *models.Reply)

	// OnDrained runs after the queue is empty and the dispatcher is
	// complete, before WaitForIdle resolves. Used to release per-run
	// resources such as an open streaming session.
	OnDrained func(ctx context.Context)

	// Logger is optional.
	Logger *slog.Logger
}

// Dispatcher is the delivery bookkeeping for one run.
type Dispatcher struct {
	send      SendFunc
	onError   func(error, *models.Reply)
	onDrained func(context.Context)
	logger    *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*models.Reply
	counts    models.QueuedCounts
	completed bool

	workerDone chan struct{}
}

// New creates a Dispatcher and starts its delivery worker. Deliveries use a
// context detached from ctx's cancellation: a canceled run must still drain
// its accepted sends.
func New(ctx context.Context, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		send:       opts.Send,
		onError:    opts.OnError,
		onDrained:  opts.OnDrained,
		logger:     logger,
		workerDone: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	go d.worker(context.WithoutCancel(ctx))
	return d
}

// SendToolResult queues a tool reply. Returns false if the dispatcher has
// already completed.
func (d *Dispatcher) SendToolResult(reply *models.Reply) bool {
	return d.enqueue(models.ReplyTool, reply)
}

// SendBlockReply queues an intermediate block reply. Returns false if the
// dispatcher has already completed.
func (d *Dispatcher) SendBlockReply(reply *models.Reply) bool {
	return d.enqueue(models.ReplyBlock, reply)
}

// SendFinalReply queues the run's final reply. Returns false if the
// dispatcher has already completed.
func (d *Dispatcher) SendFinalReply(reply *models.Reply) bool {
	return d.enqueue(models.ReplyFinal, reply)
}

func (d *Dispatcher) enqueue(kind models.ReplyKind, reply *models.Reply) bool {
	if reply == nil {
		return false
	}
	reply.Kind = kind

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completed {
		return false
	}
	switch kind {
	case models.ReplyTool:
		d.counts.Tool++
	case models.ReplyBlock:
		d.counts.Block++
	case models.ReplyFinal:
		d.counts.Final++
	}
	d.queue = append(d.queue, reply)
	d.cond.Signal()
	return true
}

// QueuedCounts returns the per-kind accepted send counts.
func (d *Dispatcher) QueuedCounts() models.QueuedCounts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// Completed reports whether MarkComplete has been called.
func (d *Dispatcher) Completed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// MarkComplete declares that no further sends will be attempted. Idempotent.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completed {
		return
	}
	d.completed = true
	d.cond.Broadcast()
}

// WaitForIdle blocks until every accepted delivery, and any cleanup it
// triggered, has finished. It only resolves after MarkComplete.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	select {
	case <-d.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer close(d.workerDone)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.completed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			break
		}
		reply := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := d.send(ctx, reply); err != nil {
			d.logger.Error("reply delivery failed",
				"run_id", reply.RunID, "kind", reply.Kind, "error", err)
			if d.onError != nil {
				d.onError(err, reply)
			}
		}
	}

	if d.onDrained != nil {
		d.onDrained(ctx)
	}
}

// Dispatch runs one unit of work against d, enforcing the drain contract: on
// every exit path of run, including a panic, MarkComplete is called and the
// queue is drained before the original error is re-raised to the caller.
func Dispatch(ctx context.Context, d *Dispatcher, run func() error) error {
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("run panicked: %v", r)
			}
		}()
		return run()
	}()

	d.MarkComplete()
	// A canceled or timed-out run must still drain its accepted sends, so
	// the wait does not inherit ctx's cancellation.
	if waitErr := d.WaitForIdle(context.WithoutCancel(ctx)); waitErr != nil && runErr == nil {
		runErr = waitErr
	}
	return runErr
}
