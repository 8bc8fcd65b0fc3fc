package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/dispatch"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// fakeRunner records descriptors and optionally blocks until released or
// canceled.
type fakeRunner struct {
	blocking bool
	proceed  chan struct{}
	err      error

	mu   sync.Mutex
	runs []*models.RunDescriptor
}

func newFakeRunner(blocking bool) *fakeRunner {
	return &fakeRunner{blocking: blocking, proceed: make(chan struct{})}
}

func (r *fakeRunner) Run(ctx context.Context, desc *models.RunDescriptor, emit agent.Emitter) error {
	r.mu.Lock()
	r.runs = append(r.runs, desc)
	r.mu.Unlock()

	if r.blocking {
		select {
		case <-r.proceed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.err != nil {
		return r.err
	}
	emit.SendFinalReply(&models.Reply{
		RunID:     desc.RunID,
		SessionID: desc.SessionID,
		Content:   "done: " + desc.Prompt,
	})
	return nil
}

func (r *fakeRunner) Name() string { return "fake" }

func (r *fakeRunner) descriptors() []*models.RunDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.RunDescriptor, len(r.runs))
	copy(out, r.runs)
	return out
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// replySink captures dispatched replies across runs.
type replySink struct {
	mu      sync.Mutex
	replies []*models.Reply
}

func (s *replySink) send(ctx context.Context, reply *models.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
	return nil
}

func (s *replySink) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.replies))
	for i, r := range s.replies {
		out[i] = r.Content
	}
	return out
}

func newTestScheduler(runner *fakeRunner, store sessions.Store, sink *replySink) *Scheduler {
	return New(Options{
		Runner: runner,
		Store:  store,
		NewDispatcher: func(ctx context.Context, session *models.Session, desc *models.RunDescriptor) *dispatch.Dispatcher {
			return dispatch.New(ctx, dispatch.Options{Send: sink.send})
		},
		Provider:       "fake",
		Model:          "fake-model",
		DefaultTimeout: 5 * time.Second,
	})
}

func testSession(t *testing.T, store sessions.Store, policy models.QueuePolicy) *models.Session {
	t.Helper()
	key := sessions.SessionKey("agent-1", models.ChannelTelegram, "chat-1")
	session, err := store.GetOrCreate(context.Background(), key, "agent-1", models.ChannelTelegram, "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	session.Queue = policy
	if err := store.Update(context.Background(), session); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return session
}

func submit(t *testing.T, s *Scheduler, session *models.Session, text string) {
	t.Helper()
	msg := &models.Message{
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Content:   text,
	}
	if err := s.Submit(context.Background(), session, msg); err != nil {
		t.Fatalf("Submit(%q): %v", text, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSchedulerCollectDebounce(t *testing.T) {
	runner := newFakeRunner(false)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 40, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "first")
	submit(t, s, session, "second")
	submit(t, s, session, "third")

	if n := s.QueueDepth(session.Key); n != 3 {
		t.Errorf("depth before debounce = %d, want 3", n)
	}
	waitFor(t, "debounced run", func() bool { return runner.runCount() == 1 })
	// The window must produce exactly one run with the burst flattened in
	// arrival order.
	time.Sleep(60 * time.Millisecond)
	descs := runner.descriptors()
	if len(descs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(descs))
	}
	if want := "first\n\nsecond\n\nthird"; descs[0].Prompt != want {
		t.Errorf("prompt = %q, want %q", descs[0].Prompt, want)
	}
	if descs[0].Provider != "fake" || descs[0].Model != "fake-model" {
		t.Errorf("descriptor routing fields = %q/%q", descs[0].Provider, descs[0].Model)
	}
	waitFor(t, "queue to drain", func() bool { return s.QueueDepth(session.Key) == 0 })
}

func TestSchedulerImmediateStartWithoutDebounce(t *testing.T) {
	runner := newFakeRunner(false)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "hello")
	waitFor(t, "run", func() bool { return runner.runCount() == 1 })
	if prompt := runner.descriptors()[0].Prompt; prompt != "hello" {
		t.Errorf("prompt = %q, want %q", prompt, "hello")
	}
	waitFor(t, "reply", func() bool { return len(sink.contents()) == 1 })
}

func TestSchedulerInterruptReplacesActiveRun(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeInterrupt, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "first")
	waitFor(t, "first run", func() bool { return runner.runCount() == 1 })

	submit(t, s, session, "second")
	waitFor(t, "replacement run", func() bool { return runner.runCount() == 2 })

	descs := runner.descriptors()
	if descs[1].Prompt != "second" {
		t.Errorf("replacement prompt = %q, want %q", descs[1].Prompt, "second")
	}
	if descs[0].RunID == descs[1].RunID {
		t.Error("replacement run must have a fresh run id")
	}

	close(runner.proceed)
	waitFor(t, "replacement reply", func() bool {
		for _, c := range sink.contents() {
			if c == "done: second" {
				return true
			}
		}
		return false
	})
	// The superseded run was canceled mid-flight and must not answer.
	for _, c := range sink.contents() {
		if c == "Agent was aborted." || c == "done: first" {
			t.Errorf("superseded run produced user-visible reply %q", c)
		}
	}
}

func TestSchedulerCollectBuffersDuringRun(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "first")
	waitFor(t, "first run", func() bool { return runner.runCount() == 1 })

	submit(t, s, session, "second")
	submit(t, s, session, "third")
	if n := s.QueueDepth(session.Key); n != 2 {
		t.Errorf("depth during run = %d, want 2", n)
	}
	status := s.Status(session.Key)
	if !status.Running || status.QueueDepth != 2 {
		t.Errorf("status = %+v, want running with depth 2", status)
	}

	runner.proceed <- struct{}{}
	waitFor(t, "follow-up run", func() bool { return runner.runCount() == 2 })
	if prompt := runner.descriptors()[1].Prompt; prompt != "second\n\nthird" {
		t.Errorf("follow-up prompt = %q, want %q", prompt, "second\n\nthird")
	}
	if n := s.QueueDepth(session.Key); n != 0 {
		t.Errorf("depth after flush = %d, want 0", n)
	}
	runner.proceed <- struct{}{}
}

func TestSchedulerCapDropOldest(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 2, Drop: models.DropOldest,
	})

	submit(t, s, session, "first")
	waitFor(t, "first run", func() bool { return runner.runCount() == 1 })

	submit(t, s, session, "second")
	submit(t, s, session, "third")
	submit(t, s, session, "fourth")
	if n := s.QueueDepth(session.Key); n != 2 {
		t.Errorf("depth = %d, want cap 2", n)
	}

	runner.proceed <- struct{}{}
	waitFor(t, "follow-up run", func() bool { return runner.runCount() == 2 })
	if prompt := runner.descriptors()[1].Prompt; prompt != "third\n\nfourth" {
		t.Errorf("follow-up prompt = %q, want newest two", prompt)
	}
	runner.proceed <- struct{}{}
}

func TestSchedulerCapSummarize(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 2, Drop: models.DropSummarize,
	})

	submit(t, s, session, "first")
	waitFor(t, "first run", func() bool { return runner.runCount() == 1 })

	submit(t, s, session, "second")
	submit(t, s, session, "third")
	submit(t, s, session, "fourth")

	runner.proceed <- struct{}{}
	waitFor(t, "follow-up run", func() bool { return runner.runCount() == 2 })

	prompt := runner.descriptors()[1].Prompt
	if !strings.HasPrefix(prompt, "[1 earlier message(s)") {
		t.Errorf("prompt missing summary marker: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "third\n\nfourth") {
		t.Errorf("prompt missing surviving entries: %q", prompt)
	}

	persisted, err := store.GetByKey(context.Background(), session.Key)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if persisted.CompactionCount != 1 {
		t.Errorf("compaction_count = %d, want 1", persisted.CompactionCount)
	}
	runner.proceed <- struct{}{}
}

func TestSchedulerStop(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "first")
	waitFor(t, "run", func() bool { return runner.runCount() == 1 })
	submit(t, s, session, "buffered")

	depth, err := s.Stop(context.Background(), session.Key)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth after stop = %d, want 0", depth)
	}
	if n := s.QueueDepth(session.Key); n != 0 {
		t.Errorf("QueueDepth after stop = %d, want 0", n)
	}

	waitFor(t, "abort reply", func() bool {
		for _, c := range sink.contents() {
			if c == "Agent was aborted." {
				return true
			}
		}
		return false
	})
	// The buffered prompt was discarded, not flushed into a new run.
	time.Sleep(20 * time.Millisecond)
	if n := runner.runCount(); n != 1 {
		t.Errorf("run count after stop = %d, want 1", n)
	}

	persisted, _ := store.GetByKey(context.Background(), session.Key)
	if !persisted.AbortedLastRun {
		t.Error("expected aborted_last_run persisted")
	}
}

func TestSchedulerStopThenInterruptSubmit(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeInterrupt, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "first")
	waitFor(t, "first run", func() bool { return runner.runCount() == 1 })

	if _, err := s.Stop(context.Background(), session.Key); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "abort reply", func() bool {
		for _, c := range sink.contents() {
			if c == "Agent was aborted." {
				return true
			}
		}
		return false
	})

	// A run submitted after the stop must not inherit its cancellation; the
	// stop's cancel targets exactly the run that was active when it held the
	// lane lock.
	submit(t, s, session, "after")
	waitFor(t, "fresh run", func() bool { return runner.runCount() == 2 })
	runner.proceed <- struct{}{}
	waitFor(t, "fresh reply", func() bool {
		for _, c := range sink.contents() {
			if c == "done: after" {
				return true
			}
		}
		return false
	})
}

func TestSchedulerStopWithoutActiveRun(t *testing.T) {
	runner := newFakeRunner(false)
	store := sessions.NewMemoryStore()
	s := newTestScheduler(runner, store, &replySink{})
	session := testSession(t, store, models.DefaultQueuePolicy())

	depth, err := s.Stop(context.Background(), session.Key)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
	persisted, _ := store.GetByKey(context.Background(), session.Key)
	if persisted.AbortedLastRun {
		t.Error("stop with nothing running must not mark the session aborted")
	}
}

func TestSchedulerRunErrorBecomesReply(t *testing.T) {
	runner := newFakeRunner(false)
	runner.err = errors.New("upstream 500")
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "hello")
	waitFor(t, "failure reply", func() bool {
		for _, c := range sink.contents() {
			if strings.HasPrefix(c, "Agent run failed:") {
				return true
			}
		}
		return false
	})
}

func TestSchedulerRunTimeout(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := New(Options{
		Runner: runner,
		Store:  store,
		NewDispatcher: func(ctx context.Context, session *models.Session, desc *models.RunDescriptor) *dispatch.Dispatcher {
			return dispatch.New(ctx, dispatch.Options{Send: sink.send})
		},
		Provider:       "fake",
		Model:          "fake-model",
		DefaultTimeout: 20 * time.Millisecond,
	})
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "hello")
	waitFor(t, "timeout reply", func() bool {
		for _, c := range sink.contents() {
			if c == "Agent run timed out before completing." {
				return true
			}
		}
		return false
	})
}

func TestSchedulerIndependentLanes(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)

	policy := models.QueuePolicy{Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest}
	first := testSession(t, store, policy)

	otherKey := sessions.SessionKey("agent-1", models.ChannelDiscord, "D1")
	second, err := store.GetOrCreate(context.Background(), otherKey, "agent-1", models.ChannelDiscord, "D1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second.Queue = policy

	submit(t, s, first, "lane one")
	submit(t, s, second, "lane two")
	// A blocked run on one lane must not serialize the other.
	waitFor(t, "both lanes running", func() bool { return runner.runCount() == 2 })

	if s.QueueDepth(first.Key) != 0 || s.QueueDepth(second.Key) != 0 {
		t.Error("expected both lanes to start without buffering")
	}
	close(runner.proceed)
}

// lifecycleLog records observer notifications.
type lifecycleLog struct {
	mu       sync.Mutex
	started  []string
	finished []string
}

func (l *lifecycleLog) RunStarted(desc *models.RunDescriptor, trigger string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, trigger)
}

func (l *lifecycleLog) RunFinished(desc *models.RunDescriptor, outcome string, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, outcome)
}

func (l *lifecycleLog) snapshot() ([]string, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...), append([]string(nil), l.finished...)
}

func TestSchedulerObserver(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	log := &lifecycleLog{}
	s := New(Options{
		Runner: runner,
		Store:  store,
		NewDispatcher: func(ctx context.Context, session *models.Session, desc *models.RunDescriptor) *dispatch.Dispatcher {
			return dispatch.New(ctx, dispatch.Options{Send: sink.send})
		},
		Provider:       "fake",
		Model:          "fake-model",
		DefaultTimeout: 5 * time.Second,
		Observer:       log,
	})
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "first")
	waitFor(t, "first run", func() bool { return runner.runCount() == 1 })
	submit(t, s, session, "second")

	runner.proceed <- struct{}{}
	waitFor(t, "follow-up run", func() bool { return runner.runCount() == 2 })
	runner.proceed <- struct{}{}
	waitFor(t, "both runs finished", func() bool {
		_, finished := log.snapshot()
		return len(finished) == 2
	})

	started, finished := log.snapshot()
	if len(started) != 2 || started[0] != "event" || started[1] != "followup" {
		t.Errorf("started triggers = %v, want [event followup]", started)
	}
	for _, outcome := range finished {
		if outcome != "success" {
			t.Errorf("outcome = %q, want success", outcome)
		}
	}
}

func TestSchedulerShutdownCancelsRuns(t *testing.T) {
	runner := newFakeRunner(true)
	store := sessions.NewMemoryStore()
	sink := &replySink{}
	s := newTestScheduler(runner, store, sink)
	session := testSession(t, store, models.QueuePolicy{
		Mode: models.QueueModeCollect, DebounceMs: 0, Cap: 10, Drop: models.DropOldest,
	})

	submit(t, s, session, "hello")
	waitFor(t, "run", func() bool { return runner.runCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
