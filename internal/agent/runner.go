// Package agent defines the execution seam between the scheduler and the LLM
// providers that actually run a prompt.
package agent

import (
	"context"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Emitter receives the replies produced during one run. Each send returns
// false once the run's dispatcher has completed.
type Emitter interface {
	SendToolResult(reply *models.Reply) bool
	SendBlockReply(reply *models.Reply) bool
	SendFinalReply(reply *models.Reply) bool
}

// Runner executes one agent run described by desc, emitting replies as they
// are produced. The run is bounded by ctx; cancellation and timeouts surface
// as errors.
type Runner interface {
	// Run blocks until the run completes or ctx is done.
	Run(ctx context.Context, desc *models.RunDescriptor, emit Emitter) error

	// Name returns the provider identifier used for routing and logging.
	Name() string
}

// Router selects a Runner by the descriptor's provider name, falling back to
// a default.
type Router struct {
	runners  map[string]Runner
	fallback Runner
}

// NewRouter creates a router with the given default runner.
func NewRouter(fallback Runner) *Router {
	return &Router{
		runners:  make(map[string]Runner),
		fallback: fallback,
	}
}

// Register adds a runner under its provider name.
func (r *Router) Register(runner Runner) {
	r.runners[runner.Name()] = runner
}

// Run dispatches to the runner matching desc.Provider.
func (r *Router) Run(ctx context.Context, desc *models.RunDescriptor, emit Emitter) error {
	if runner, ok := r.runners[desc.Provider]; ok {
		return runner.Run(ctx, desc, emit)
	}
	if r.fallback == nil {
		return NewRunError(RunErrProvider, "no runner for provider "+desc.Provider, nil)
	}
	return r.fallback.Run(ctx, desc, emit)
}

// Name implements Runner.
func (r *Router) Name() string {
	return "router"
}
