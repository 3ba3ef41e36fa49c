// Package remediation maps alerts onto bounded corrective actions and applies
// them at most once per entity and action within a cooldown window.
package remediation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/alerting"
	"metricwatch/internal/telemetry"
)

// DefaultWindow is the idempotence window used when none is configured.
const DefaultWindow = 10 * time.Minute

// Result values reported by Escalate.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultNoop      = "noop"
	ResultFailed    = "failed"
)

// Outcome describes what a single Escalate call did.
type Outcome struct {
	Action Action
	Result string
	Err    error
}

// Applied reports whether the target accepted a non-noop action.
func (o Outcome) Applied() bool {
	return o.Result == ResultApplied
}

// Options tune an Escalator.
type Options struct {
	Window time.Duration
	Now    func() time.Time
}

type attemptKey struct {
	entity string
	action Action
}

// Escalator decides and applies one remediation per alert.
type Escalator struct {
	policy  *Policy
	target  Target
	window  time.Duration
	now     func() time.Time
	metrics *telemetry.Metrics
	monitor string
	logger  zerolog.Logger

	mu       sync.Mutex
	attempts map[attemptKey]time.Time
}

// NewEscalator builds an escalator. A nil target logs actions only.
func NewEscalator(monitor string, policy *Policy, target Target, opts Options, metrics *telemetry.Metrics, logger zerolog.Logger) *Escalator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.With().Str("component", "remediation").Str("monitor", monitor).Logger()
	if target == nil {
		target = NewLogTarget(log)
	}
	return &Escalator{
		policy:   policy,
		target:   target,
		window:   opts.Window,
		now:      opts.Now,
		metrics:  metrics,
		monitor:  monitor,
		logger:   log,
		attempts: make(map[attemptKey]time.Time),
	}
}

// Escalate applies the action chosen for alert to entityID. A repeat of the
// same action for the same entity inside the window is skipped. The attempt
// is recorded before the target runs, so a failed action also waits out the
// window.
func (e *Escalator) Escalate(ctx context.Context, entityID string, alert alerting.Alert) Outcome {
	action, ok := e.Claim(entityID, alert)
	if !ok {
		result := ResultDuplicate
		if action == ActionNoop {
			result = ResultNoop
		}
		return Outcome{Action: action, Result: result}
	}
	return e.Apply(ctx, entityID, action, alert)
}

// Claim picks the action for alert and records the attempt. It reports false
// for noop actions and for repeats inside the window; the caller must then
// not Apply.
func (e *Escalator) Claim(entityID string, alert alerting.Alert) (Action, bool) {
	action := e.policy.Decide(alert)
	if action == ActionNoop {
		e.metrics.Remediation(e.monitor, string(action), ResultNoop)
		return action, false
	}
	if !e.claim(entityID, action) {
		e.logger.Debug().Str("entity_id", entityID).Str("action", string(action)).Str("alert_id", alert.ID).Msg("remediation already applied within window")
		e.metrics.Remediation(e.monitor, string(action), ResultDuplicate)
		return action, false
	}
	return action, true
}

// Apply runs a claimed action against the target.
func (e *Escalator) Apply(ctx context.Context, entityID string, action Action, alert alerting.Alert) Outcome {
	err := e.apply(ctx, action, entityID, alert)
	if err != nil {
		e.logger.Error().Err(err).Str("entity_id", entityID).Str("action", string(action)).Str("alert_id", alert.ID).Msg("remediation failed")
		e.metrics.Remediation(e.monitor, string(action), ResultFailed)
		return Outcome{Action: action, Result: ResultFailed, Err: err}
	}

	e.logger.Info().Str("entity_id", entityID).Str("action", string(action)).Str("alert_id", alert.ID).Str("alert_type", alert.Type).Msg("remediation applied")
	e.metrics.Remediation(e.monitor, string(action), ResultApplied)
	return Outcome{Action: action, Result: ResultApplied}
}

func (e *Escalator) claim(entityID string, action Action) bool {
	key := attemptKey{entity: entityID, action: action}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.attempts[key]; ok && now.Sub(last) < e.window {
		return false
	}
	e.attempts[key] = now
	return true
}

func (e *Escalator) apply(ctx context.Context, action Action, entityID string, alert alerting.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s for %s: %v", action, entityID, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before remediation: %w", err)
	}
	return e.target.Apply(ctx, action, entityID, alert)
}

// Prune forgets attempts older than the window and returns how many were removed.
func (e *Escalator) Prune() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for key, at := range e.attempts {
		if now.Sub(at) >= e.window {
			delete(e.attempts, key)
			removed++
		}
	}
	return removed
}

// Reset drops all recorded attempts.
func (e *Escalator) Reset() {
	e.mu.Lock()
	e.attempts = make(map[attemptKey]time.Time)
	e.mu.Unlock()
}
