package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type skipLog struct {
	mu      sync.Mutex
	reasons []string
	ch      chan string
}

func newSkipLog() *skipLog {
	return &skipLog{ch: make(chan string, 16)}
}

func (l *skipLog) record(_ time.Time, reason string) {
	l.mu.Lock()
	l.reasons = append(l.reasons, reason)
	l.mu.Unlock()
	l.ch <- reason
}

func startScheduler(t *testing.T, opts Options, tick TickFunc) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := New(opts, zerolog.Nop())
	go func() { done <- s.Run(ctx, tick) }()
	return cancel, done
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func TestRunFiresEachInterval(t *testing.T) {
	clock := NewFakeClock(epoch)
	ticks := make(chan time.Time, 4)
	cancel, done := startScheduler(t, Options{Interval: time.Second, Clock: clock}, func(_ context.Context, at time.Time) error {
		ticks <- at
		return nil
	})

	for i := 1; i <= 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
		got := waitFor(t, ticks)
		assert.Equal(t, epoch.Add(time.Duration(i)*time.Second), got)
	}

	cancel()
	assert.ErrorIs(t, waitFor(t, done), context.Canceled)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	clock := NewFakeClock(epoch)
	skips := newSkipLog()
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	var calls int
	var mu sync.Mutex
	cancel, done := startScheduler(t, Options{Interval: time.Second, Clock: clock, OnSkip: skips.record}, func(ctx context.Context, _ time.Time) error {
		mu.Lock()
		calls++
		mu.Unlock()
		started <- struct{}{}
		<-release
		return nil
	})

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitFor(t, started)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	assert.Equal(t, SkipOverlap, waitFor(t, skips.ch))

	close(release)
	cancel()
	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "skipped tick must not be queued")
}

func TestPanicIsSkippedTick(t *testing.T) {
	clock := NewFakeClock(epoch)
	skips := newSkipLog()
	ran := make(chan struct{}, 4)
	first := true
	cancel, done := startScheduler(t, Options{Interval: time.Second, Clock: clock, OnSkip: skips.record}, func(context.Context, time.Time) error {
		if first {
			first = false
			panic("boom")
		}
		ran <- struct{}{}
		return errors.New("logged, not fatal")
	})

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	assert.Equal(t, SkipPanic, waitFor(t, skips.ch))

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitFor(t, ran)

	cancel()
	waitFor(t, done)
}

func TestCancelWaitsForInflightTick(t *testing.T) {
	clock := NewFakeClock(epoch)
	started := make(chan struct{})
	finished := make(chan struct{})
	cancel, done := startScheduler(t, Options{Interval: time.Second, Clock: clock}, func(ctx context.Context, _ time.Time) error {
		close(started)
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	})

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitFor(t, started)

	cancel()
	waitFor(t, done)
	select {
	case <-finished:
	default:
		t.Fatal("Run returned before the in-flight tick observed cancellation")
	}
	assert.Zero(t, clock.Pending(), "timer must be stopped")
}

func TestCycleTimeout(t *testing.T) {
	clock := NewFakeClock(epoch)
	deadline := make(chan bool, 1)
	cancel, done := startScheduler(t, Options{Interval: time.Second, CycleTimeout: time.Minute, Clock: clock}, func(ctx context.Context, _ time.Time) error {
		_, ok := ctx.Deadline()
		deadline <- ok
		return nil
	})

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.True(t, waitFor(t, deadline))
	cancel()
	waitFor(t, done)
}

func TestStartupDelayAndAlignment(t *testing.T) {
	clock := NewFakeClock(epoch.Add(300 * time.Millisecond))
	ticks := make(chan time.Time, 1)
	cancel, done := startScheduler(t, Options{Interval: time.Second, AlignToStart: true, StartupDelay: 100 * time.Millisecond, Clock: clock}, func(_ context.Context, at time.Time) error {
		ticks <- at
		return nil
	})

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(600 * time.Millisecond)
	assert.Equal(t, epoch.Add(time.Second), waitFor(t, ticks))

	cancel()
	waitFor(t, done)
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
