// Package gateway wires the inbound channel streams to the scheduler and
// routes run replies back out through the channel adapters.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/cache"
	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/internal/dispatch"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/scheduler"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/streaming"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Options configures a Server.
type Options struct {
	Registry *channels.Registry
	Store    sessions.Store
	Dedupe   *cache.DedupeCache
	Runner   agent.Runner
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	AgentID    string
	Provider   string
	Model      string
	RunTimeout time.Duration
	Workspace  string

	// QueuePolicy is stamped onto newly created sessions. Sessions whose
	// policy was later customized via /queue keep their stored policy.
	QueuePolicy models.QueuePolicy
}

// Server is the pipeline core: dedupe gate, command short-circuit, session
// resolution, and scheduler hand-off.
type Server struct {
	registry *channels.Registry
	store    sessions.Store
	dedupe   *cache.DedupeCache
	sched    *scheduler.Scheduler
	metrics  *observability.Metrics
	logger   *slog.Logger

	agentID       string
	defaultPolicy models.QueuePolicy
}

// New creates a gateway server and its scheduler.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.QueuePolicy
	if policy.Mode == "" {
		policy = models.DefaultQueuePolicy()
	}

	s := &Server{
		registry:      opts.Registry,
		store:         opts.Store,
		dedupe:        opts.Dedupe,
		metrics:       opts.Metrics,
		logger:        logger,
		agentID:       opts.AgentID,
		defaultPolicy: policy,
	}
	s.sched = scheduler.New(scheduler.Options{
		Runner:         opts.Runner,
		Store:          opts.Store,
		NewDispatcher:  s.newDispatcher,
		Provider:       opts.Provider,
		Model:          opts.Model,
		DefaultTimeout: opts.RunTimeout,
		Workspace:      opts.Workspace,
		Observer:       &runMetrics{metrics: opts.Metrics},
		Logger:         logger,
	})
	return s
}

// runMetrics feeds scheduler lifecycle notifications into Prometheus.
type runMetrics struct {
	metrics *observability.Metrics
}

func (r *runMetrics) RunStarted(desc *models.RunDescriptor, trigger string) {
	r.metrics.RunsStarted.WithLabelValues(trigger).Inc()
	r.metrics.ActiveRuns.Inc()
}

func (r *runMetrics) RunFinished(desc *models.RunDescriptor, outcome string, elapsed time.Duration) {
	r.metrics.ActiveRuns.Dec()
	r.metrics.RunsFinished.WithLabelValues(outcome).Inc()
	r.metrics.RunDuration.WithLabelValues(desc.Provider, desc.Model).Observe(elapsed.Seconds())
}

// Run starts the adapters and processes inbound messages until ctx is
// canceled, then shuts the pipeline down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	s.logger.Info("gateway started", "agent_id", s.agentID)

	inbound := s.registry.AggregateMessages(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case msg, ok := <-inbound:
			if !ok {
				return s.shutdown()
			}
			s.handleInbound(ctx, msg)
		}
	}
}

func (s *Server) shutdown() error {
	// Shutdown must not inherit the canceled run context.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.sched.Shutdown(stopCtx); err != nil {
		s.logger.Warn("scheduler shutdown incomplete", "error", err)
	}
	if err := s.registry.StopAll(stopCtx); err != nil {
		s.logger.Warn("channel shutdown incomplete", "error", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

// handleInbound runs one message through the gate sequence: dedupe, command
// short-circuit, session resolution, scheduler submit.
func (s *Server) handleInbound(ctx context.Context, msg *models.Message) {
	if msg == nil || msg.Direction != models.DirectionInbound {
		return
	}
	s.metrics.InboundMessages.WithLabelValues(string(msg.Channel)).Inc()

	key := cache.MessageDedupeKey(string(msg.Channel), msg.MessageID)
	if !s.dedupe.TryRecordMessage(key) {
		s.metrics.DuplicateMessages.WithLabelValues(string(msg.Channel)).Inc()
		s.logger.Debug("duplicate message suppressed",
			"channel", msg.Channel, "message_id", msg.MessageID)
		return
	}

	if cmd, args, ok := parseCommand(msg.Content); ok {
		// Commands answer from pipeline state and never reach the agent.
		s.handleCommand(ctx, msg, cmd, args)
		return
	}

	session, err := s.resolveSession(ctx, msg)
	if err != nil {
		s.logger.Error("session resolution failed",
			"channel", msg.Channel, "channel_id", msg.ChannelID, "error", err)
		return
	}
	msg.SessionID = session.ID

	if err := s.sched.Submit(ctx, session, msg); err != nil {
		s.logger.Error("submit failed", "session_key", session.Key, "error", err)
		return
	}
	s.metrics.QueueDepth.WithLabelValues(session.Key).Set(float64(s.sched.QueueDepth(session.Key)))
}

// resolveSession loads or creates the session lane for msg. A freshly created
// session carries the store default policy; replace it with the configured
// one so deployments can change the default without migrating rows.
func (s *Server) resolveSession(ctx context.Context, msg *models.Message) (*models.Session, error) {
	key := sessions.SessionKey(s.agentID, msg.Channel, msg.ChannelID)
	session, err := s.store.GetOrCreate(ctx, key, s.agentID, msg.Channel, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if session.Queue == models.DefaultQueuePolicy() && s.defaultPolicy != session.Queue {
		session.Queue = s.defaultPolicy
		if err := s.store.Update(ctx, session); err != nil {
			s.logger.Warn("persist default queue policy failed", "session_key", key, "error", err)
		}
	}
	return session, nil
}

// newDispatcher builds the per-run reply pipeline: block replies stream
// through a live-edit coalescer when the platform supports edits, everything
// else goes out as discrete sends.
func (s *Server) newDispatcher(ctx context.Context, session *models.Session, desc *models.RunDescriptor) *dispatch.Dispatcher {
	adapter, ok := s.registry.Get(session.Channel)
	if !ok {
		// No adapter: deliveries are dropped but the run still drains.
		s.logger.Error("no adapter for channel", "channel", session.Channel)
		return dispatch.New(ctx, dispatch.Options{
			Send: func(ctx context.Context, reply *models.Reply) error { return nil },
		})
	}

	var coalescer *streaming.Coalescer
	if editor, streams := adapter.(channels.StreamingAdapter); streams {
		coalescer = streaming.NewCoalescer(editor, s.outboundTemplate(session, desc), s.logger)
	}

	return dispatch.New(ctx, dispatch.Options{
		Logger: s.logger,
		Send: func(ctx context.Context, reply *models.Reply) error {
			err := s.deliver(ctx, adapter, coalescer, session, reply)
			if err == nil {
				s.metrics.RepliesDelivered.WithLabelValues(string(session.Channel), string(reply.Kind)).Inc()
			}
			return err
		},
		OnError: func(err error, reply *models.Reply) {
			s.metrics.DeliveryFailures.WithLabelValues(string(session.Channel), string(reply.Kind)).Inc()
		},
		OnDrained: func(ctx context.Context) {
			if coalescer == nil {
				return
			}
			// Aborted runs can leave the live message open; force it shut.
			if err := coalescer.Close(ctx, ""); err != nil {
				s.logger.Warn("closing live message failed",
					"session_key", session.Key, "error", err)
			}
			s.metrics.QueueDepth.WithLabelValues(session.Key).Set(float64(s.sched.QueueDepth(session.Key)))
		},
	})
}

// deliver routes one reply to the channel.
func (s *Server) deliver(ctx context.Context, adapter channels.Adapter, coalescer *streaming.Coalescer, session *models.Session, reply *models.Reply) error {
	if coalescer != nil && reply.Kind != models.ReplyFinal {
		if err := coalescer.Start(ctx); err == nil {
			coalescer.Update(reply.Content)
			return nil
		}
		// Creation failed; fall through to a discrete send.
	}
	if coalescer != nil && reply.Kind == models.ReplyFinal && coalescer.Status() != streaming.Inactive {
		return coalescer.Close(ctx, reply.Content)
	}
	return adapter.Send(ctx, s.outboundMessage(session, reply.Content))
}

func (s *Server) outboundTemplate(session *models.Session, desc *models.RunDescriptor) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
		Metadata:  map[string]any{"run_id": desc.RunID},
	}
}

func (s *Server) outboundMessage(session *models.Session, content string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// reply sends text straight back on msg's channel, outside any run.
func (s *Server) reply(ctx context.Context, msg *models.Message, text string) {
	adapter, ok := s.registry.Get(msg.Channel)
	if !ok {
		return
	}
	out := &models.Message{
		ID:        uuid.NewString(),
		SessionID: msg.SessionID,
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	}
	if err := adapter.Send(ctx, out); err != nil {
		s.logger.Error("command reply failed", "channel", msg.Channel, "error", err)
	}
}
