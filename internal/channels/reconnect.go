package channels

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy controls the retry behavior of a Reconnector.
type ReconnectPolicy struct {
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Factor is the multiplier for exponential backoff.
	Factor float64

	// JitterRatio widens each delay by up to delay*JitterRatio. Zero
	// disables jitter.
	JitterRatio float64

	// MaxAttempts is a hard stop after that many consecutive failures,
	// independent of ShouldReconnect. Zero means unlimited.
	MaxAttempts int

	// ShouldReconnect classifies a failure. Returning false stops the loop
	// without scheduling a retry. Nil defaults to IsRetryable.
	ShouldReconnect func(err error) bool
}

// DefaultReconnectPolicy returns a baseline reconnection policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		JitterRatio:  0.5,
	}
}

// ReconnectHooks receives lifecycle notifications from a Reconnector. Each
// hook has its own method so callers can dispatch them wherever they like.
type ReconnectHooks interface {
	// OnError is invoked exactly once per connection failure.
	OnError(err error)

	// OnReconnect is invoked with the computed delay before sleeping.
	OnReconnect(delay time.Duration)
}

// NopReconnectHooks is a ReconnectHooks that does nothing.
type NopReconnectHooks struct{}

func (NopReconnectHooks) OnError(error)             {}
func (NopReconnectHooks) OnReconnect(time.Duration) {}

// Reconnector repeatedly invokes a connect function, backing off between
// consecutive failures. A clean return from the connect function resets the
// failure counter and loops immediately; backoff only applies across
// consecutive failures.
type Reconnector struct {
	Policy ReconnectPolicy
	Hooks  ReconnectHooks
	Logger *slog.Logger

	// rand overrides the jitter source in tests.
	rand func() float64
}

// Run executes connectOnce until the context is canceled, ShouldReconnect
// classifies a failure as fatal, or MaxAttempts consecutive failures occur.
// It returns ctx.Err() on cancellation and the last connection error
// otherwise. If ctx is already canceled, connectOnce is never called.
func (r *Reconnector) Run(ctx context.Context, connectOnce func(context.Context) error) error {
	if connectOnce == nil {
		return errors.New("reconnector: connect func is nil")
	}

	policy := r.Policy
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultReconnectPolicy().InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultReconnectPolicy().MaxDelay
	}
	if policy.Factor <= 0 {
		policy.Factor = DefaultReconnectPolicy().Factor
	}
	shouldReconnect := policy.ShouldReconnect
	if shouldReconnect == nil {
		shouldReconnect = IsRetryable
	}
	hooks := r.Hooks
	if hooks == nil {
		hooks = NopReconnectHooks{}
	}
	jitter := r.rand
	if jitter == nil {
		jitter = rand.Float64
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := connectOnce(ctx)
		if err == nil {
			// Clean close: the next failure starts backoff fresh.
			failures = 0
			continue
		}

		hooks.OnError(err)
		if r.Logger != nil {
			r.Logger.Warn("connection attempt failed", "failures", failures+1, "error", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !shouldReconnect(err) {
			return err
		}

		delay := backoffDelay(failures, policy.InitialDelay, policy.MaxDelay, policy.Factor)
		failures++
		if policy.MaxAttempts > 0 && failures >= policy.MaxAttempts {
			return err
		}
		if policy.JitterRatio > 0 {
			delay += time.Duration(float64(delay) * policy.JitterRatio * jitter())
		}

		hooks.OnReconnect(delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes min(initial * factor^failures, max), where failures
// counts the consecutive failures before the current one.
func backoffDelay(failures int, initial, max time.Duration, factor float64) time.Duration {
	delay := float64(initial) * math.Pow(factor, float64(failures))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
