package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Skip reasons passed to Options.OnSkip.
const (
	SkipOverlap = "overlap"
	SkipPanic   = "panic"
)

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// CycleTimeout bounds a single tick; zero leaves it unbounded.
	CycleTimeout time.Duration
	Clock        Clock
	// OnSkip is told about ticks that did not run to completion.
	OnSkip func(at time.Time, reason string)
}

// Scheduler fires a tick function at a fixed interval. Ticks never overlap:
// a tick that comes due while the previous one is still running is skipped.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	running atomic.Bool
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Busy reports whether a tick is executing.
func (s *Scheduler) Busy() bool {
	return s.running.Load()
}

// Run blocks, invoking tick at each interval until ctx is cancelled. It waits
// for an in-flight tick before returning.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	clock := s.opts.Clock

	if s.opts.StartupDelay > 0 {
		timer := clock.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()

	next := s.nextTick(clock.Now())
	for {
		delay := next.Sub(clock.Now())
		if delay < 0 {
			next = s.nextTick(clock.Now())
			delay = next.Sub(clock.Now())
		}

		timer := clock.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}

		at := s.bucketStart(next)
		next = next.Add(s.opts.Interval)

		if !s.running.CompareAndSwap(false, true) {
			s.logger.Warn().Time("tick", at).Msg("previous tick still running; skipping")
			s.skipped(at, SkipOverlap)
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer s.running.Store(false)
			s.execute(ctx, at, tick)
		}()
	}
}

func (s *Scheduler) execute(ctx context.Context, at time.Time, tick TickFunc) {
	if s.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CycleTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprint(r)).Time("tick", at).Msg("tick panicked; treated as skipped")
			s.skipped(at, SkipPanic)
		}
	}()

	s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) skipped(at time.Time, reason string) {
	if s.opts.OnSkip != nil {
		s.opts.OnSkip(at, reason)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
