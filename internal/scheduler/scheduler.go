// Package scheduler serializes agent runs per session lane. Each SessionKey
// gets at most one active run; what happens to events arriving during a run is
// decided by the session's queue policy (interrupt or collect).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/dispatch"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// DispatcherFactory builds the per-run reply dispatcher. The gateway supplies
// one that routes replies to the session's channel adapter.
type DispatcherFactory func(ctx context.Context, session *models.Session, desc *models.RunDescriptor) *dispatch.Dispatcher

// Observer receives run lifecycle notifications, typically for metrics.
// Implementations must be safe for concurrent use. Trigger is one of
// "event", "debounce", "interrupt", or "followup"; outcome is "success" or a
// run error kind.
type Observer interface {
	RunStarted(desc *models.RunDescriptor, trigger string)
	RunFinished(desc *models.RunDescriptor, outcome string, elapsed time.Duration)
}

// Options configures a Scheduler.
type Options struct {
	// Runner executes runs. Required.
	Runner agent.Runner

	// Store persists abort flags and compaction counters. Required.
	Store sessions.Store

	// NewDispatcher builds the reply dispatcher for each run. Required.
	NewDispatcher DispatcherFactory

	// Provider and Model are stamped onto every RunDescriptor.
	Provider string
	Model    string

	// DefaultTimeout bounds runs whose descriptor carries no timeout.
	DefaultTimeout time.Duration

	// Workspace is the working directory handed to the runner, if any.
	Workspace string

	// Observer, if set, is notified when runs start and finish.
	Observer Observer

	Logger *slog.Logger
}

// LaneStatus is a point-in-time view of one session lane, for diagnostics and
// the /status command.
type LaneStatus struct {
	Key        string
	Running    bool
	RunID      string
	QueueDepth int
	Dropped    int
	Counts     models.QueuedCounts
}

// Scheduler owns the per-session lanes.
type Scheduler struct {
	runner         agent.Runner
	store          sessions.Store
	newDispatcher  DispatcherFactory
	provider       string
	model          string
	defaultTimeout time.Duration
	workspace      string
	observer       Observer
	logger         *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane is the state machine for one SessionKey. All fields are guarded by mu.
// Lock ordering: Scheduler.mu before lane.mu.
type lane struct {
	mu      sync.Mutex
	key     string
	gone    bool // removed from the map; callers must re-fetch
	session *models.Session

	active   *activeRun
	buffered []string
	dropped  int // overflow collapsed into the summary marker

	debounce    *time.Timer
	debounceGen int
}

// activeRun is one in-flight execution on a lane.
type activeRun struct {
	desc       *models.RunDescriptor
	channel    models.ChannelType
	channelID  string
	dispatcher *dispatch.Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}

	// superseded is set before cancel when an interrupt replaces this run;
	// its abort then produces no user-visible reply because the
	// replacement's answer follows.
	superseded atomic.Bool
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:         opts.Runner,
		store:          opts.Store,
		newDispatcher:  opts.NewDispatcher,
		provider:       opts.Provider,
		model:          opts.Model,
		defaultTimeout: opts.DefaultTimeout,
		workspace:      opts.Workspace,
		observer:       opts.Observer,
		logger:         logger,
	}
}

// Submit routes one inbound message onto its session lane. It returns once
// the message is either running or buffered; the run itself is asynchronous.
func (s *Scheduler) Submit(ctx context.Context, session *models.Session, msg *models.Message) error {
	if session == nil || msg == nil {
		return fmt.Errorf("scheduler: nil session or message")
	}
	policy := normalizePolicy(session.Queue)

	// An idle lane may be reclaimed between the map lookup and the lane
	// lock; re-fetch until a live one is held.
	var l *lane
	for {
		l = s.lane(session.Key)
		l.mu.Lock()
		if !l.gone {
			break
		}
		l.mu.Unlock()
	}
	defer l.mu.Unlock()
	l.session = session

	if l.active != nil {
		switch policy.Mode {
		case models.QueueModeInterrupt:
			s.interruptLocked(l, msg.Content)
		default:
			s.bufferLocked(ctx, l, msg.Content, policy)
		}
		return nil
	}

	// Idle. Collect mode with a debounce window holds the event back so a
	// burst flattens into one run; everything else starts immediately.
	if policy.Mode == models.QueueModeCollect && policy.DebounceMs > 0 {
		s.bufferLocked(ctx, l, msg.Content, policy)
		s.resetDebounceLocked(l, policy)
		return nil
	}
	s.startLocked(l, s.descriptorLocked(l, msg.Content), "event")
	return nil
}

// Stop cancels the lane's active run, discards its buffered prompts, and
// records the abort on the session. The returned depth reflects the cleared
// queue (always zero) synchronously with the cancellation.
func (s *Scheduler) Stop(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	l, ok := s.lanes[key]
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}

	l.mu.Lock()
	l.buffered = nil
	l.dropped = 0
	l.stopDebounceLocked()
	run := l.active
	if run != nil {
		// Cancel while still holding the lane lock: an interrupt landing
		// between the read and the cancel would otherwise swap in a
		// replacement run that the stop never touches. cancel does not block.
		run.cancel()
	}
	l.mu.Unlock()

	if run == nil {
		return 0, nil
	}
	if err := s.store.SetAbortedLastRun(ctx, key, true); err != nil {
		return 0, fmt.Errorf("record abort: %w", err)
	}
	return 0, nil
}

// QueueDepth returns the number of buffered prompts for key. Summary markers
// do not count toward the depth.
func (s *Scheduler) QueueDepth(key string) int {
	s.mu.Lock()
	l, ok := s.lanes[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffered)
}

// Status returns a snapshot of the lane for key.
func (s *Scheduler) Status(key string) LaneStatus {
	status := LaneStatus{Key: key}
	s.mu.Lock()
	l, ok := s.lanes[key]
	s.mu.Unlock()
	if !ok {
		return status
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	status.QueueDepth = len(l.buffered)
	status.Dropped = l.dropped
	if l.active != nil {
		status.Running = true
		status.RunID = l.active.desc.RunID
		status.Counts = l.active.dispatcher.QueuedCounts()
	}
	return status
}

// Shutdown cancels every active run and waits for the lanes to drain or ctx
// to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var runs []*activeRun
	for _, l := range s.lanes {
		l.mu.Lock()
		l.buffered = nil
		l.dropped = 0
		l.stopDebounceLocked()
		if l.active != nil {
			runs = append(runs, l.active)
		}
		l.mu.Unlock()
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) lane(key string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[key]
	if !ok {
		if s.lanes == nil {
			s.lanes = make(map[string]*lane)
		}
		l = &lane{key: key}
		s.lanes[key] = l
	}
	return l
}

// interruptLocked replaces the active run with a fresh one for text. The old
// run is detached first so its completion bookkeeping becomes a no-op.
func (s *Scheduler) interruptLocked(l *lane, text string) {
	old := l.active
	l.active = nil
	l.buffered = nil
	l.dropped = 0
	l.stopDebounceLocked()

	old.superseded.Store(true)
	old.cancel()

	s.logger.Info("run interrupted",
		"session_key", l.key, "run_id", old.desc.RunID)
	s.startLocked(l, s.descriptorLocked(l, text), "interrupt")
}

// bufferLocked appends text to the lane's buffer and enforces the cap.
func (s *Scheduler) bufferLocked(ctx context.Context, l *lane, text string, policy models.QueuePolicy) {
	l.buffered = append(l.buffered, text)
	if policy.Cap <= 0 || len(l.buffered) <= policy.Cap {
		return
	}

	overflow := len(l.buffered) - policy.Cap
	switch policy.Drop {
	case models.DropSummarize:
		l.dropped += overflow
		l.buffered = l.buffered[overflow:]
		if err := s.store.RecordCompaction(ctx, l.key); err != nil {
			s.logger.Warn("record compaction failed",
				"session_key", l.key, "error", err)
		}
	default: // DropOldest
		l.buffered = l.buffered[overflow:]
		s.logger.Debug("dropped oldest buffered prompts",
			"session_key", l.key, "dropped", overflow)
	}
}

func (s *Scheduler) resetDebounceLocked(l *lane, policy models.QueuePolicy) {
	l.stopDebounceLocked()
	l.debounceGen++
	gen := l.debounceGen
	l.debounce = time.AfterFunc(time.Duration(policy.DebounceMs)*time.Millisecond, func() {
		s.onDebounce(l, gen)
	})
}

func (l *lane) stopDebounceLocked() {
	if l.debounce != nil {
		l.debounce.Stop()
		l.debounce = nil
	}
	l.debounceGen++
}

// onDebounce fires when a collect window closes. A run already in flight
// defers the flush to its completion.
func (s *Scheduler) onDebounce(l *lane, gen int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.debounceGen {
		return // superseded by a later event or a stop
	}
	l.debounce = nil
	if l.active != nil || len(l.buffered) == 0 {
		return
	}
	s.startLocked(l, s.flattenLocked(l), "debounce")
}

// flattenLocked collapses the buffer into one RunDescriptor, oldest first,
// with the summary marker (if any) leading.
func (s *Scheduler) flattenLocked(l *lane) *models.RunDescriptor {
	parts := make([]string, 0, len(l.buffered)+1)
	if l.dropped > 0 {
		parts = append(parts, summaryMarker(l.dropped))
	}
	parts = append(parts, l.buffered...)
	l.buffered = nil
	l.dropped = 0
	return s.descriptorLocked(l, strings.Join(parts, "\n\n"))
}

func summaryMarker(n int) string {
	return fmt.Sprintf("[%d earlier message(s) were dropped to stay within the queue cap]", n)
}

func (s *Scheduler) descriptorLocked(l *lane, prompt string) *models.RunDescriptor {
	return &models.RunDescriptor{
		RunID:      uuid.NewString(),
		AgentID:    l.session.AgentID,
		SessionID:  l.session.ID,
		SessionKey: l.key,
		Provider:   s.provider,
		Model:      s.model,
		Prompt:     prompt,
		Timeout:    s.defaultTimeout,
		Workspace:  s.workspace,
	}
}

// startLocked begins executing desc on l. The lane must have no active run.
func (s *Scheduler) startLocked(l *lane, desc *models.RunDescriptor, trigger string) {
	if l.active != nil {
		panic("scheduler: second active run on lane " + l.key)
	}

	// Runs outlive the submitting request, so the run context is rooted in
	// Background and bounded by its own timeout.
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		desc:      desc,
		channel:   l.session.Channel,
		channelID: l.session.ChannelID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	run.dispatcher = s.newDispatcher(runCtx, l.session, desc)
	l.active = run

	if s.observer != nil {
		s.observer.RunStarted(desc, trigger)
	}
	s.logger.Info("run started",
		"session_key", l.key, "run_id", desc.RunID,
		"provider", desc.Provider, "trigger", trigger)
	go s.execute(runCtx, l, run)
}

func (s *Scheduler) execute(ctx context.Context, l *lane, run *activeRun) {
	defer close(run.done)
	defer run.cancel()

	if run.desc.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, run.desc.Timeout)
		defer timeoutCancel()
	}

	start := time.Now()
	err := dispatch.Dispatch(ctx, run.dispatcher, func() error {
		runErr := s.runner.Run(ctx, run.desc, run.dispatcher)
		if runErr == nil {
			return nil
		}
		// A failed run still answers the user, unless an interrupt
		// already queued the replacement that will.
		classified := agent.ClassifyRunError(runErr)
		if !(classified.Kind == agent.RunErrAborted && run.superseded.Load()) {
			run.dispatcher.SendFinalReply(&models.Reply{
				RunID:     run.desc.RunID,
				SessionID: run.desc.SessionID,
				Channel:   run.channel,
				ChannelID: run.channelID,
				Content:   classified.UserFacingText(),
			})
		}
		return runErr
	})

	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = string(agent.ClassifyRunError(err).Kind)
		s.logger.Warn("run finished with error",
			"session_key", l.key, "run_id", run.desc.RunID,
			"elapsed", elapsed, "error", err)
	} else {
		s.logger.Info("run finished",
			"session_key", l.key, "run_id", run.desc.RunID,
			"elapsed", elapsed)
	}
	if s.observer != nil {
		s.observer.RunFinished(run.desc, outcome, elapsed)
	}

	s.finish(l, run)
}

// finish clears the lane's active slot and flushes any prompts buffered
// during the run. Interrupted runs were already detached and skip both.
func (s *Scheduler) finish(l *lane, run *activeRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != run {
		return
	}
	l.active = nil

	if len(l.buffered) > 0 {
		l.stopDebounceLocked()
		s.startLocked(l, s.flattenLocked(l), "followup")
		return
	}
	if l.debounce == nil {
		l.gone = true
		delete(s.lanes, l.key)
	}
}

func normalizePolicy(p models.QueuePolicy) models.QueuePolicy {
	def := models.DefaultQueuePolicy()
	if p.Mode == "" {
		p.Mode = def.Mode
	}
	if p.Drop == "" {
		p.Drop = def.Drop
	}
	return p
}
