// Package adapters holds the typed clients for every external collaborator:
// node-data provider, node-control daemon, LLM, embedding provider and KV
// cache. Each client runs behind a per-target circuit breaker with a retry
// policy, and every call is counted and timed.
package adapters

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
)

// Breaker gates calls to one external target. Wraps sony/gobreaker with the
// platform fault taxonomy and the state gauge.
type Breaker struct {
	target string
	cb     *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker for target from the shared breaker settings.
func NewBreaker(target string, cfg config.BreakerConfig, m *metrics.Metrics, log *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        target,
		MaxRequests: uint32(cfg.HalfOpenMaxProbes),
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Permanent rejections say nothing about target health.
			switch faults.KindOf(err) {
			case faults.KindPermanent, faults.KindInvalid, faults.KindNotFound, faults.KindConflict:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(gaugeValue(to)))
			}
			if log != nil {
				log.Warn("circuit breaker state change",
					"target", name, "from", from.String(), "to", to.String())
			}
		},
	}
	b := &Breaker{target: target, cb: gobreaker.NewCircuitBreaker(settings)}
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(target).Set(metrics.BreakerClosed)
	}
	return b
}

func gaugeValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// Execute runs fn unless the breaker is open, in which case it fails fast
// with an Unavailable fault.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return faults.Unavailable("Execute", b.target, err)
	}
	return err
}

// State reports the current breaker state as the gauge value.
func (b *Breaker) State() int { return gaugeValue(b.cb.State()) }

// defaultBreakerConfig is used when a Breaker is constructed outside the
// configured bootstrap path (tests, one-shot tools).
func defaultBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}
