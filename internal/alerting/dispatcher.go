package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"metricwatch/internal/telemetry"
)

// Store is the durable-store side of alert delivery.
type Store interface {
	CreateAlert(ctx context.Context, alert Alert) error
}

// Handler receives alerts synchronously, in emission order.
type Handler func(Alert)

// DispatcherOptions tune delivery.
type DispatcherOptions struct {
	// QueueSize bounds alerts awaiting persistence and notification.
	QueueSize int
	// MaxPending bounds failed deliveries parked for the next retry.
	MaxPending int
	// DeliveryTimeout caps each store or sink call.
	DeliveryTimeout time.Duration
	// MaxAttempts bounds how often one alert is tried before it is dropped.
	MaxAttempts int
}

type delivery struct {
	alert    Alert
	persist  bool
	notify   bool
	attempts int
	// routes holds the sink routes still owed the alert. Empty means all.
	routes []string
}

type subscription struct {
	id uint64
	fn Handler
}

// Dispatcher publishes alerts to in-process subscribers and hands them to
// the durable store and the alert sink on a separate goroutine.
type Dispatcher struct {
	store    Store
	notifier Notifier
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	monitor  string
	timeout  time.Duration

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64

	sendMu sync.RWMutex
	closed bool
	queue  chan delivery

	pendingMu   sync.Mutex
	pending     []delivery
	maxPending  int
	maxAttempts int

	inflight sync.WaitGroup
	done     chan struct{}
}

// NewDispatcher starts a dispatcher. store and notifier may be nil.
func NewDispatcher(monitor string, opts DispatcherOptions, store Store, notifier Notifier, metrics *telemetry.Metrics, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 4096
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	d := &Dispatcher{
		store:       store,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger.With().Str("component", "alert_dispatcher").Str("monitor", monitor).Logger(),
		monitor:     monitor,
		timeout:     opts.DeliveryTimeout,
		queue:       make(chan delivery, opts.QueueSize),
		maxPending:  opts.MaxPending,
		maxAttempts: opts.MaxAttempts,
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe registers h and returns a function that removes it.
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, fn: h})
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes alert to every subscriber in registration order, then queues
// it for persistence and notification. It never blocks on either.
func (d *Dispatcher) Emit(alert Alert) {
	d.subMu.RLock()
	subs := d.subs
	d.subMu.RUnlock()

	for _, s := range subs {
		d.invoke(s.fn, alert)
	}
	d.metrics.AlertEmitted(d.monitor, alert.Type, string(alert.Severity))

	if d.store == nil && d.notifier == nil {
		return
	}
	d.enqueue(delivery{alert: alert, persist: d.store != nil, notify: d.notifier != nil})
}

func (d *Dispatcher) invoke(fn Handler, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("alert_id", alert.ID).Interface("panic", r).Msg("alert subscriber panicked")
		}
	}()
	fn(alert)
}

func (d *Dispatcher) enqueue(del delivery) bool {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		d.logger.Warn().Str("alert_id", del.alert.ID).Msg("dispatcher closed; delivery dropped")
		d.metrics.DeliveryDropped(d.monitor)
		return false
	}

	d.inflight.Add(1)
	select {
	case d.queue <- del:
		return true
	default:
		d.inflight.Done()
		d.park(del)
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for del := range d.queue {
		d.deliver(del)
		d.inflight.Done()
	}
}

func (d *Dispatcher) deliver(del delivery) {
	alert := del.alert
	del.attempts++
	if del.persist && d.store != nil {
		if err := d.call(func(ctx context.Context) error { return d.store.CreateAlert(ctx, alert) }); err != nil {
			d.logger.Error().Err(err).Str("alert_id", alert.ID).Str("entity_id", alert.EntityID).Msg("failed to persist alert")
			d.metrics.DeliveryFailed(d.monitor, "persist")
		} else {
			del.persist = false
		}
	}
	if del.notify && d.notifier != nil {
		if err := d.call(func(ctx context.Context) error { return d.notify(ctx, &del) }); err != nil {
			d.logger.Error().Err(err).Str("alert_id", alert.ID).Str("entity_id", alert.EntityID).Strs("routes", del.routes).Msg("failed to dispatch alert")
			d.metrics.DeliveryFailed(d.monitor, "notify")
		} else {
			del.notify = false
		}
	}
	if !del.persist && !del.notify {
		return
	}
	if del.attempts >= d.maxAttempts {
		d.logger.Warn().Str("alert_id", alert.ID).Int("attempts", del.attempts).Bool("persisted", !del.persist).Bool("notified", !del.notify).Msg("delivery abandoned after max attempts")
		d.metrics.DeliveryDropped(d.monitor)
		return
	}
	d.park(del)
}

// notify sends to the routes still owed the alert and narrows them to the
// ones that failed.
func (d *Dispatcher) notify(ctx context.Context, del *delivery) error {
	routed, ok := d.notifier.(RoutedNotifier)
	if !ok {
		return d.notifier.Notify(ctx, del.alert)
	}
	failed, err := routed.NotifyRoutes(ctx, del.alert, del.routes)
	if err != nil && len(failed) > 0 {
		del.routes = failed
	}
	return err
}

func (d *Dispatcher) call(fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delivery: %v", r)
		}
	}()
	return fn(ctx)
}

func (d *Dispatcher) park(del delivery) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if len(d.pending) >= d.maxPending {
		d.logger.Warn().Str("alert_id", del.alert.ID).Int("pending", len(d.pending)).Msg("retry backlog full; delivery dropped")
		d.metrics.DeliveryDropped(d.monitor)
		return
	}
	d.pending = append(d.pending, del)
}

// Retry requeues parked deliveries. Monitors call it once per cycle so a
// collaborator outage is retried at the cycle cadence only.
func (d *Dispatcher) Retry() int {
	d.pendingMu.Lock()
	batch := d.pending
	d.pending = nil
	d.pendingMu.Unlock()

	requeued := 0
	for _, del := range batch {
		if d.enqueue(del) {
			requeued++
		}
	}
	if requeued > 0 {
		d.logger.Info().Int("requeued", requeued).Msg("retrying parked deliveries")
	}
	return requeued
}

// Pending reports parked deliveries.
func (d *Dispatcher) Pending() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

// Flush waits until every queued delivery has been attempted.
func (d *Dispatcher) Flush() {
	d.inflight.Wait()
}

// Close stops accepting deliveries and waits for the queue to drain.
// Subscribers keep receiving alerts after Close.
func (d *Dispatcher) Close() {
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.sendMu.Unlock()
	<-d.done
}
