// Package broadcast pushes live monitor state to connected listeners. Every
// listener receives a full initial_state message before any delta.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metricwatch/internal/alerting"
	"metricwatch/internal/model"
	"metricwatch/internal/snapshot"
	"metricwatch/internal/telemetry"
)

// Message types.
const (
	TypeInitialState = "initial_state"
	TypeMetricUpdate = "metric_update"
	TypeAlert        = "alert"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcast hub closed")

// Message is one frame sent to listeners.
type Message struct {
	Type      string     `json:"type"`
	Monitor   model.Kind `json:"monitor"`
	Payload   any        `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
}

// Source is the monitor a hub mirrors.
type Source interface {
	Kind() model.Kind
	Snapshots() []snapshot.Snapshot
	OnUpdate(func(snapshot.Snapshot)) func()
	OnAlert(alerting.Handler) func()
}

// Listener is one subscriber. C is closed when the listener is dropped.
type Listener struct {
	ID string
	C  <-chan Message

	send chan Message
}

// Hub fans monitor updates out to listeners. A listener whose buffer is full
// is dropped rather than allowed to stall the monitor.
type Hub struct {
	source  Source
	kind    model.Kind
	buffer  int
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	listeners map[string]*Listener
	closed    bool
	detach    []func()
}

// NewHub attaches a hub to source. buffer bounds every listener's backlog.
func NewHub(source Source, buffer int, metrics *telemetry.Metrics, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	kind := source.Kind()
	h := &Hub{
		source:    source,
		kind:      kind,
		buffer:    buffer,
		metrics:   metrics,
		logger:    logger.With().Str("component", "broadcast").Str("monitor", string(kind)).Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		listeners: make(map[string]*Listener),
	}
	h.detach = append(h.detach,
		source.OnUpdate(h.PublishSnapshot),
		source.OnAlert(h.PublishAlert),
	)
	return h
}

// Subscribe registers a listener and queues the current state as its first message.
func (h *Hub) Subscribe() (*Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	send := make(chan Message, h.buffer+1)
	l := &Listener{ID: uuid.NewString(), C: send, send: send}
	send <- Message{Type: TypeInitialState, Monitor: h.kind, Payload: h.source.Snapshots(), Timestamp: h.now()}
	h.listeners[l.ID] = l

	h.metrics.ListenersChanged(string(h.kind), len(h.listeners))
	h.logger.Debug().Str("listener_id", l.ID).Int("listeners", len(h.listeners)).Msg("listener subscribed")
	return l, nil
}

// Unsubscribe removes l and closes its channel.
func (h *Hub) Unsubscribe(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(l.ID)
}

func (h *Hub) removeLocked(id string) {
	l, ok := h.listeners[id]
	if !ok {
		return
	}
	delete(h.listeners, id)
	close(l.send)
	h.metrics.ListenersChanged(string(h.kind), len(h.listeners))
}

// PublishSnapshot sends a metric_update to every listener.
func (h *Hub) PublishSnapshot(s snapshot.Snapshot) {
	h.publish(Message{Type: TypeMetricUpdate, Monitor: h.kind, Payload: s, Timestamp: h.now()})
}

// PublishAlert sends an alert to every listener.
func (h *Hub) PublishAlert(a alerting.Alert) {
	h.publish(Message{Type: TypeAlert, Monitor: h.kind, Payload: a, Timestamp: h.now()})
}

func (h *Hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, l := range h.listeners {
		select {
		case l.send <- msg:
		default:
			h.logger.Warn().Str("listener_id", id).Msg("listener too slow; dropping")
			h.removeLocked(id)
		}
	}
}

// Len reports connected listeners.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Close detaches from the source and drops every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	detach := h.detach
	for id := range h.listeners {
		h.removeLocked(id)
	}
	h.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
}
