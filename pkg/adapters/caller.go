package adapters

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
)

// Caller is the shared call path for one external target: per-call timeout,
// bounded retries with jittered exponential backoff, a circuit breaker, and
// request/error/latency counters.
type Caller struct {
	Target  string
	Breaker *Breaker
	Metrics *metrics.Metrics
	Log     *slog.Logger

	Timeout     time.Duration
	MaxAttempts int
}

// NewCaller wires a caller for target from the adapter and breaker settings.
func NewCaller(target string, acfg config.AdapterConfig, bcfg config.BreakerConfig, m *metrics.Metrics, log *slog.Logger) *Caller {
	return &Caller{
		Target:      target,
		Breaker:     NewBreaker(target, bcfg, m, log),
		Metrics:     m,
		Log:         log,
		Timeout:     acfg.CallTimeout,
		MaxAttempts: acfg.MaxRetries,
	}
}

// Do runs fn under the target's call contract. Only transient and timeout
// faults are re-attempted; an open breaker fails fast with Unavailable.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer("adapters").Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("target", c.Target)))
	defer span.End()

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	err := retry.Do(
		func() error { return c.attempt(ctx, op, fn) },
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			switch faults.KindOf(err) {
			case faults.KindTransient, faults.KindTimeout:
				return true
			}
			return false
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, faults.KindOf(err).String())
	}
	return err
}

func (c *Caller) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if c.Metrics != nil {
		c.Metrics.RequestsTotal.WithLabelValues(c.Target).Inc()
	}

	err := c.Breaker.Execute(func() error {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return faults.Timeout(op, c.Target, err)
		}
		return err
	})

	if c.Metrics != nil {
		c.Metrics.RequestDuration.WithLabelValues(c.Target).Observe(time.Since(start).Seconds())
		if err != nil {
			c.Metrics.ExternalCallErrors.WithLabelValues(c.Target, faults.KindOf(err).String()).Inc()
		}
	}
	return err
}
