package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker wrapped around a sink.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ErrSinkUnavailable is returned while the breaker is open.
var ErrSinkUnavailable = errors.New("alert sink unavailable")

// BreakerNotifier stops calling a failing sink until its timeout elapses.
type BreakerNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerNotifier wraps next with a gobreaker circuit.
func NewBreakerNotifier(name string, next Notifier, cfg BreakerConfig, logger zerolog.Logger) *BreakerNotifier {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	log := logger.With().Str("component", "alert_breaker").Str("sink", name).Logger()

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("alert sink circuit state changed")
		},
	}
	return &BreakerNotifier{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Notify forwards to the wrapped sink unless the circuit is open.
func (b *BreakerNotifier) Notify(ctx context.Context, alert Alert) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, alert)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrSinkUnavailable, b.cb.Name())
	}
	return err
}

// State reports the breaker state name.
func (b *BreakerNotifier) State() string {
	return b.cb.State().String()
}

var _ Notifier = (*BreakerNotifier)(nil)
