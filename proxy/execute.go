// Package proxy wraps the MongoDB driver's client, database and collection
// handles so that operations performing network I/O are retried across
// replica-set failovers. Navigation between handles returns new proxies
// carrying the same configuration; the wrapped driver handles are borrowed
// from the caller, never owned.
package proxy

import (
	"context"
	"time"

	"github.com/agentuity/go-common/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentuity/go-mongoproxy/failure"
)

const (
	// DefaultWaitTime is the total retry budget for a single wrapped
	// operation before the forced-disconnect escalation is considered.
	DefaultWaitTime = 2 * time.Minute

	// DefaultInitialBackoff is the first retry sleep; each subsequent
	// attempt doubles it.
	DefaultInitialBackoff = 500 * time.Millisecond

	// DefaultMaxSleep caps a single backoff sleep.
	DefaultMaxSleep = 5 * time.Second
)

// ConnectionResetter invalidates the underlying connections so the next
// operation re-establishes them. The driver's own pool is self-healing, so
// this is optional; when nil the escalation step in Execute is skipped and
// budget exhaustion is terminal.
type ConnectionResetter interface {
	ResetConnections(ctx context.Context) error
}

// ResetFunc adapts a function to the ConnectionResetter interface.
type ResetFunc func(ctx context.Context) error

func (f ResetFunc) ResetConnections(ctx context.Context) error { return f(ctx) }

// Config controls retry behavior for every operation executed through a
// proxy. It is fixed at construction and carried by value through each
// wrapped handle.
type Config struct {
	// Logger receives retry and escalation events.
	Logger logger.Logger

	// WaitTime is the retry budget per invocation. After a forced
	// disconnect it is doubled, once.
	WaitTime time.Duration

	// InitialBackoff and MaxSleep shape the per-attempt sleep:
	// min(MaxSleep, InitialBackoff * 2^attempt).
	InitialBackoff time.Duration
	MaxSleep       time.Duration

	// DisconnectOnTimeout permits one forced connection reset per
	// invocation when the budget runs out.
	DisconnectOnTimeout bool

	// Resetter performs the forced reset. Optional.
	Resetter ConnectionResetter
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithLogger sets the logger used for retry events.
func WithLogger(log logger.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithWaitTime sets the per-invocation retry budget.
func WithWaitTime(d time.Duration) Option {
	return func(c *Config) { c.WaitTime = d }
}

// WithBackoff sets the initial backoff sleep and its per-sleep cap.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		c.InitialBackoff = initial
		c.MaxSleep = max
	}
}

// WithDisconnectOnTimeout controls the forced-disconnect escalation.
func WithDisconnectOnTimeout(enabled bool) Option {
	return func(c *Config) { c.DisconnectOnTimeout = enabled }
}

// WithConnectionResetter supplies the reset primitive used by the
// escalation step.
func WithConnectionResetter(r ConnectionResetter) Option {
	return func(c *Config) { c.Resetter = r }
}

// NewConfig returns a Config with defaults applied.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		WaitTime:            DefaultWaitTime,
		InitialBackoff:      DefaultInitialBackoff,
		MaxSleep:            DefaultMaxSleep,
		DisconnectOnTimeout: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewConsoleLogger(logger.LevelInfo)
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.WaitTime <= 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = DefaultMaxSleep
	}
	if c.Logger == nil {
		c.Logger = logger.NewConsoleLogger(logger.LevelInfo)
	}
	return c
}

// Execute runs op until it succeeds, fails fatally, or the retry budget is
// exhausted. On a retryable failure it sleeps with doubling backoff and
// re-invokes op. When the elapsed wall time reaches the budget, it performs
// at most one forced connection reset, doubles the budget, resets the
// attempt counter and keeps retrying; a second exhaustion is terminal and
// surfaces the last underlying error unchanged.
func Execute[T any](ctx context.Context, cfg Config, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	start := time.Now()
	maxWait := cfg.WaitTime
	round, attempt := 1, 0
	disconnected := false

	for {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if !failure.Retryable(err) {
			return zero, err
		}

		elapsed := time.Since(start)
		if elapsed >= maxWait {
			if disconnected || !cfg.DisconnectOnTimeout || cfg.Resetter == nil {
				cfg.Logger.Error("%s: retry budget exhausted after %.1fs", name, elapsed.Seconds())
				return zero, err
			}
			if rerr := cfg.Resetter.ResetConnections(ctx); rerr != nil {
				cfg.Logger.Warn("%s: connection reset failed: %s", name, rerr)
			}
			disconnected = true
			maxWait *= 2
			round, attempt = 2, 0
			cfg.Logger.Warn("%s: forced disconnect, extending retry budget to %s for round 2", name, maxWait)
		}

		sig := failure.Classify(err)
		cfg.Logger.Warn("%s: reconnecting due to %s, try %d.%d (%.1fs elapsed): %s",
			name, sig, round, attempt, elapsed.Seconds(), err)
		trace.SpanFromContext(ctx).AddEvent("mongoproxy.retry", trace.WithAttributes(
			attribute.String("operation", name),
			attribute.String("signal", sig.String()),
			attribute.Int("attempt", attempt),
			attribute.Int("round", round),
		))

		if serr := sleep(ctx, backoff(attempt, cfg.InitialBackoff, cfg.MaxSleep)); serr != nil {
			return zero, serr
		}
		attempt++
	}
}

// backoff computes min(max, initial * 2^attempt).
func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	d := initial << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleep blocks for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
