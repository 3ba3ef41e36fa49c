package monitor

import (
	"sync"

	"github.com/rs/zerolog"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

// listeners is a copy-on-write callback list invoked in registration order.
type listeners[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs []listener[T]
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.subs = append(l.subs[:len(l.subs):len(l.subs)], listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) publish(v T, logger zerolog.Logger) {
	l.mu.RLock()
	subs := l.subs
	l.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Msg("update listener panicked")
				}
			}()
			s.fn(v)
		}()
	}
}
