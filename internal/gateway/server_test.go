package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/cache"
	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

type fakeAdapter struct {
	typ     models.ChannelType
	inbound chan *models.Message

	mu       sync.Mutex
	sent     []*models.Message
	stopOnce sync.Once
}

func newFakeAdapter(typ models.ChannelType) *fakeAdapter {
	return &fakeAdapter{typ: typ, inbound: make(chan *models.Message, 16)}
}

func (a *fakeAdapter) Start(ctx context.Context) error { return nil }

func (a *fakeAdapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.inbound) })
	return nil
}

func (a *fakeAdapter) Send(ctx context.Context, msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *fakeAdapter) Messages() <-chan *models.Message { return a.inbound }
func (a *fakeAdapter) Type() models.ChannelType         { return a.typ }
func (a *fakeAdapter) Status() channels.Status          { return channels.Status{Connected: true} }

func (a *fakeAdapter) sentContents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	for i, m := range a.sent {
		out[i] = m.Content
	}
	return out
}

// fakeStreamingAdapter supports in-place edits on top of fakeAdapter.
type fakeStreamingAdapter struct {
	*fakeAdapter

	mu      sync.Mutex
	created int
	edits   []string
}

func (a *fakeStreamingAdapter) StartStreamingResponse(ctx context.Context, msg *models.Message) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created++
	return "live-1", nil
}

func (a *fakeStreamingAdapter) UpdateStreamingResponse(ctx context.Context, msg *models.Message, messageID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, text)
	return nil
}

func (a *fakeStreamingAdapter) editTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.edits))
	copy(out, a.edits)
	return out
}

// echoRunner answers every prompt with "done: <prompt>", optionally emitting
// block replies first, optionally blocking until released.
type echoRunner struct {
	blocks   []string
	blocking bool
	proceed  chan struct{}

	mu   sync.Mutex
	runs []*models.RunDescriptor
}

func newEchoRunner() *echoRunner {
	return &echoRunner{proceed: make(chan struct{})}
}

func (r *echoRunner) Run(ctx context.Context, desc *models.RunDescriptor, emit agent.Emitter) error {
	r.mu.Lock()
	r.runs = append(r.runs, desc)
	r.mu.Unlock()

	for _, block := range r.blocks {
		emit.SendBlockReply(&models.Reply{RunID: desc.RunID, SessionID: desc.SessionID, Content: block})
	}
	if r.blocking {
		select {
		case <-r.proceed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	emit.SendFinalReply(&models.Reply{RunID: desc.RunID, SessionID: desc.SessionID, Content: "done: " + desc.Prompt})
	return nil
}

func (r *echoRunner) Name() string { return "echo" }

func (r *echoRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *echoRunner) prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.runs))
	for i, d := range r.runs {
		out[i] = d.Prompt
	}
	return out
}

type testGateway struct {
	server  *Server
	store   sessions.Store
	runner  *echoRunner
	adapter channels.Adapter
	cancel  context.CancelFunc
}

func startGateway(t *testing.T, adapter channels.Adapter, runner *echoRunner, policy models.QueuePolicy) *testGateway {
	t.Helper()
	registry := channels.NewRegistry()
	registry.Register(adapter)
	store := sessions.NewMemoryStore()

	server := New(Options{
		Registry:    registry,
		Store:       store,
		Dedupe:      cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: time.Minute}),
		Runner:      runner,
		Metrics:     observability.NewMetricsWith(prometheus.NewRegistry()),
		AgentID:     "agent-1",
		Provider:    "echo",
		Model:       "echo-1",
		RunTimeout:  5 * time.Second,
		QueuePolicy: policy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("gateway did not shut down")
		}
	})
	return &testGateway{server: server, store: store, runner: runner, adapter: adapter, cancel: cancel}
}

func inbound(channelID, messageID, content string) *models.Message {
	return &models.Message{
		Channel:   models.ChannelTelegram,
		ChannelID: channelID,
		MessageID: messageID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
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

func interruptPolicy() models.QueuePolicy {
	return models.QueuePolicy{Mode: models.QueueModeInterrupt, Cap: 10, Drop: models.DropOldest}
}

func TestGatewayMessageThenStatus(t *testing.T) {
	adapter := newFakeAdapter(models.ChannelTelegram)
	runner := newEchoRunner()
	g := startGateway(t, adapter, runner, interruptPolicy())

	adapter.inbound <- inbound("chat-1", "m1", "hi")
	adapter.inbound <- inbound("chat-1", "m2", "/status")

	waitFor(t, "run reply", func() bool {
		for _, c := range adapter.sentContents() {
			if c == "done: hi" {
				return true
			}
		}
		return false
	})
	waitFor(t, "status reply", func() bool {
		for _, c := range adapter.sentContents() {
			if strings.Contains(c, "Queued messages:") {
				return true
			}
		}
		return false
	})

	// The command answered from pipeline state; only "hi" reached the agent.
	if got := g.runner.prompts(); len(got) != 1 || got[0] != "hi" {
		t.Errorf("runner prompts = %v, want [hi]", got)
	}
}

func TestGatewayDeduplicatesRedelivery(t *testing.T) {
	adapter := newFakeAdapter(models.ChannelTelegram)
	runner := newEchoRunner()
	startGateway(t, adapter, runner, interruptPolicy())

	adapter.inbound <- inbound("chat-1", "m1", "hello")
	adapter.inbound <- inbound("chat-1", "m1", "hello")
	adapter.inbound <- inbound("chat-1", "m2", "world")

	waitFor(t, "second run", func() bool { return runner.runCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := runner.runCount(); n != 2 {
		t.Errorf("run count = %d, want redelivery suppressed", n)
	}
}

func TestGatewayStopCommand(t *testing.T) {
	adapter := newFakeAdapter(models.ChannelTelegram)
	runner := newEchoRunner()
	runner.blocking = true
	g := startGateway(t, adapter, runner, interruptPolicy())

	adapter.inbound <- inbound("chat-1", "m1", "long task")
	waitFor(t, "run start", func() bool { return runner.runCount() == 1 })

	adapter.inbound <- inbound("chat-1", "m2", "/stop")
	waitFor(t, "stop acknowledgement", func() bool {
		for _, c := range adapter.sentContents() {
			if strings.Contains(c, "Stopping the active run") {
				return true
			}
		}
		return false
	})
	waitFor(t, "abort reply", func() bool {
		for _, c := range adapter.sentContents() {
			if c == "Agent was aborted." {
				return true
			}
		}
		return false
	})

	key := sessions.SessionKey("agent-1", models.ChannelTelegram, "chat-1")
	persisted, err := g.store.GetByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if !persisted.AbortedLastRun {
		t.Error("expected aborted_last_run persisted after /stop")
	}
	if n := runner.runCount(); n != 1 {
		t.Errorf("run count = %d, want 1", n)
	}
}

func TestGatewayQueueCommand(t *testing.T) {
	adapter := newFakeAdapter(models.ChannelTelegram)
	runner := newEchoRunner()
	g := startGateway(t, adapter, runner, interruptPolicy())

	adapter.inbound <- inbound("chat-1", "m1", "/queue collect 250")
	waitFor(t, "queue acknowledgement", func() bool {
		for _, c := range adapter.sentContents() {
			if strings.Contains(c, "Queue mode set to collect") {
				return true
			}
		}
		return false
	})

	key := sessions.SessionKey("agent-1", models.ChannelTelegram, "chat-1")
	persisted, err := g.store.GetByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if persisted.Queue.Mode != models.QueueModeCollect || persisted.Queue.DebounceMs != 250 {
		t.Errorf("persisted policy = %+v", persisted.Queue)
	}
}

func TestGatewayStreamsBlockReplies(t *testing.T) {
	adapter := &fakeStreamingAdapter{fakeAdapter: newFakeAdapter(models.ChannelTelegram)}
	runner := newEchoRunner()
	runner.blocks = []string{"thinking", "thinking harder"}
	startGateway(t, adapter, runner, interruptPolicy())

	adapter.inbound <- inbound("chat-1", "m1", "hi")

	waitFor(t, "final edit", func() bool {
		for _, e := range adapter.editTexts() {
			if e == "done: hi" {
				return true
			}
		}
		return false
	})

	adapter.mu.Lock()
	created := adapter.created
	adapter.mu.Unlock()
	if created != 1 {
		t.Errorf("live messages created = %d, want 1", created)
	}
	edits := adapter.editTexts()
	if edits[len(edits)-1] != "done: hi" {
		t.Errorf("last edit = %q, want final text", edits[len(edits)-1])
	}
	// Block replies became edits, not fresh sends.
	for _, c := range adapter.sentContents() {
		if strings.HasPrefix(c, "thinking") {
			t.Errorf("block reply %q sent as a discrete message", c)
		}
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/status", "status", nil, true},
		{"  /STOP  now ", "stop", []string{"now"}, true},
		{"/status@switchboard_bot", "status", nil, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"not /a command", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.in)
		if ok != tc.ok || name != tc.name {
			t.Errorf("parseCommand(%q) = %q,%v, want %q,%v", tc.in, name, ok, tc.name, tc.ok)
			continue
		}
		if len(args) != len(tc.args) {
			t.Errorf("parseCommand(%q) args = %v, want %v", tc.in, args, tc.args)
			continue
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Errorf("parseCommand(%q) args = %v, want %v", tc.in, args, tc.args)
			}
		}
	}
}
