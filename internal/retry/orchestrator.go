// Package retry runs provider calls against rotating credentials. Each
// attempt takes the next credential from the key selector, reports the
// outcome back to the pool, and on a qualifying failure waits with capped
// exponential backoff before trying a different credential.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dskow/promptcraft/internal/keypool"
	"github.com/dskow/promptcraft/internal/metrics"
)

// Config holds the retry and quarantine policy.
type Config struct {
	MaxRetries           int
	RateLimitBlock       time.Duration
	ErrorBlock           time.Duration
	MaxErrorsBeforeBlock int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
}

// DefaultConfig returns the stock policy: three attempts, a one minute block
// for rate limits, a two minute block after five consecutive errors, and
// backoff from one second capped at five.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		RateLimitBlock:       60 * time.Second,
		ErrorBlock:           120 * time.Second,
		MaxErrorsBeforeBlock: 5,
		BackoffBase:          time.Second,
		BackoffMax:           5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RateLimitBlock <= 0 {
		c.RateLimitBlock = d.RateLimitBlock
	}
	if c.ErrorBlock <= 0 {
		c.ErrorBlock = d.ErrorBlock
	}
	if c.MaxErrorsBeforeBlock <= 0 {
		c.MaxErrorsBeforeBlock = d.MaxErrorsBeforeBlock
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	return c
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Orchestrator is shared by every in-flight request. It holds no
// per-request state; the pool and selector carry the shared state.
type Orchestrator struct {
	pool     *keypool.Pool
	selector *keypool.Selector
	cfg      Config
	sleep    SleepFunc
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithLogger sets the logger for attempt failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTracer sets the tracer for operation and attempt spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// New returns an Orchestrator over pool and selector. Zero fields in cfg take
// their DefaultConfig values.
func New(pool *keypool.Pool, selector *keypool.Selector, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:     pool,
		selector: selector,
		cfg:      cfg.withDefaults(),
		sleep:    sleepContext,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/dskow/promptcraft/internal/retry"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective policy.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Work is one provider call made with the given credential.
type Work[T any] func(ctx context.Context, credential string) (T, error)

// Do runs work with up to min(MaxRetries, available credentials) attempts,
// each against the next credential from the selector. It returns the first
// successful result.
//
// Failures are recorded on the credential that produced them and never
// returned raw: the caller sees ErrAllCredentialsExhausted when nothing is
// left to try, or *OperationFailedError otherwise. If ctx is cancelled the
// context error is returned and the in-flight credential is not penalized.
func Do[T any](ctx context.Context, o *Orchestrator, operation string, work Work[T]) (T, error) {
	var zero T

	ctx, span := o.tracer.Start(ctx, "retry "+operation,
		trace.WithAttributes(attribute.String("promptcraft.operation", operation)),
	)
	defer span.End()

	available := len(o.pool.Available())
	if available == 0 {
		metrics.ProviderExhausted.WithLabelValues(operation).Inc()
		span.SetStatus(codes.Error, "credentials exhausted")
		return zero, ErrAllCredentialsExhausted
	}

	maxAttempts := min(o.cfg.MaxRetries, available)
	span.SetAttributes(attribute.Int("promptcraft.max_attempts", maxAttempts))

	var (
		lastErr   error
		lastClass Classification
		attempts  int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		credential, err := o.selector.Next()
		if err != nil {
			// Another request exhausted the pool since the entry check.
			metrics.ProviderExhausted.WithLabelValues(operation).Inc()
			span.SetStatus(codes.Error, "credentials exhausted")
			return zero, ErrAllCredentialsExhausted
		}
		attempts = attempt

		result, err := runAttempt(ctx, o, operation, attempt, credential, work)
		if err == nil {
			o.pool.RecordSuccess(credential)
			metrics.ProviderAttempts.WithLabelValues(operation, "success").Inc()
			span.SetAttributes(attribute.Int("promptcraft.attempts", attempts))
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			return zero, ctxErr
		}

		lastErr = err
		class := o.recordFailure(credential, err)
		lastClass = class
		metrics.ProviderAttempts.WithLabelValues(operation, class.String()).Inc()

		o.logger.Warn("provider attempt failed",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"credential", keypool.Mask(credential),
			"classification", class.String(),
			"error", err,
		)

		if class == Fatal || attempt == maxAttempts {
			break
		}

		metrics.ProviderRetries.WithLabelValues(operation).Inc()
		if err := o.sleep(ctx, Backoff(attempt, o.cfg.BackoffBase, o.cfg.BackoffMax)); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return zero, err
		}
	}

	span.SetAttributes(attribute.Int("promptcraft.attempts", attempts))
	if lastClass != Fatal && len(o.pool.Available()) == 0 {
		metrics.ProviderExhausted.WithLabelValues(operation).Inc()
		span.SetStatus(codes.Error, "credentials exhausted")
		return zero, ErrAllCredentialsExhausted
	}

	failed := &OperationFailedError{Operation: operation, Attempts: attempts, LastErr: lastErr}
	span.RecordError(failed)
	span.SetStatus(codes.Error, "operation failed")
	return zero, failed
}

// runAttempt invokes work inside its own span.
func runAttempt[T any](ctx context.Context, o *Orchestrator, operation string, attempt int, credential string, work Work[T]) (T, error) {
	ctx, span := o.tracer.Start(ctx, operation+" attempt",
		trace.WithAttributes(
			attribute.String("promptcraft.operation", operation),
			attribute.Int("promptcraft.attempt", attempt),
			attribute.String("promptcraft.credential", keypool.Mask(credential)),
		),
	)
	defer span.End()

	result, err := work(ctx, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err).String())
	}
	return result, err
}

// recordFailure classifies err and updates the credential's metrics.
// Fatal failures count as a use but keep the consecutive error count, which
// only a real success clears.
func (o *Orchestrator) recordFailure(credential string, err error) Classification {
	class := Classify(err)
	switch class {
	case RateLimited:
		o.pool.RecordRateLimited(credential, o.cfg.RateLimitBlock)
	case Fatal:
		o.pool.RecordUse(credential)
	default:
		o.pool.RecordError(credential, o.cfg.MaxErrorsBeforeBlock, o.cfg.ErrorBlock)
	}
	return class
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsExhausted reports whether err means no credential could serve the call.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrAllCredentialsExhausted) || errors.Is(err, keypool.ErrPoolExhausted)
}
