// Package threshold holds per-metric warning/critical bounds and evaluates
// snapshots against them.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"metricwatch/internal/snapshot"
)

// ErrInvalidThreshold is returned when a threshold is rejected.
var ErrInvalidThreshold = errors.New("invalid threshold")

// Level of a threshold crossing.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Rank orders levels; zero means no crossing.
func (l Level) Rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	}
	return 0
}

// Threshold bounds one metric.
type Threshold struct {
	Warning  float64 `json:"warning" mapstructure:"warning"`
	Critical float64 `json:"critical" mapstructure:"critical"`
}

// Validate rejects non-finite bounds and warning above critical.
func (t Threshold) Validate() error {
	for _, v := range []float64{t.Warning, t.Critical} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bounds must be finite", ErrInvalidThreshold)
		}
	}
	if t.Warning > t.Critical {
		return fmt.Errorf("%w: warning %.4g above critical %.4g", ErrInvalidThreshold, t.Warning, t.Critical)
	}
	return nil
}

// Event is a single threshold crossing produced by Evaluate.
type Event struct {
	MetricKey string    `json:"metric"`
	Level     Level     `json:"level"`
	Value     float64   `json:"value"`
	Bound     float64   `json:"bound"`
	Timestamp time.Time `json:"timestamp"`
}

// Evaluate compares the snapshot against threshold. Both a warning and a
// critical event are returned when the value reaches the critical bound.
// Comparisons are boundary inclusive. A nil threshold yields no events.
func Evaluate(metricKey string, snap snapshot.Snapshot, t *Threshold) []Event {
	if t == nil {
		return nil
	}
	events := make([]Event, 0, 2)
	if snap.Value >= t.Warning {
		events = append(events, Event{MetricKey: metricKey, Level: LevelWarning, Value: snap.Value, Bound: t.Warning, Timestamp: snap.Timestamp})
	}
	if snap.Value >= t.Critical {
		events = append(events, Event{MetricKey: metricKey, Level: LevelCritical, Value: snap.Value, Bound: t.Critical, Timestamp: snap.Timestamp})
	}
	return events
}

// Highest returns the most severe level among events.
func Highest(events []Event) Level {
	var top Level
	for _, e := range events {
		if e.Level.Rank() > top.Rank() {
			top = e.Level
		}
	}
	return top
}

// Registry is the admin-writable threshold table of one monitor. Writes are
// last-write-wins.
type Registry struct {
	mu         sync.RWMutex
	thresholds map[string]Threshold
}

// NewRegistry builds a registry seeded with initial, validating each entry.
func NewRegistry(initial map[string]Threshold) (*Registry, error) {
	r := &Registry{thresholds: make(map[string]Threshold, len(initial))}
	for key, t := range initial {
		if err := r.Set(key, t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NormalizeKey is the form under which the registry stores metricKey.
func NormalizeKey(metricKey string) string {
	return strings.TrimSpace(metricKey)
}

// Set stores t for metricKey after validation.
func (r *Registry) Set(metricKey string, t Threshold) error {
	metricKey = NormalizeKey(metricKey)
	if metricKey == "" {
		return fmt.Errorf("%w: metric key is required", ErrInvalidThreshold)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("metric %s: %w", metricKey, err)
	}

	r.mu.Lock()
	r.thresholds[metricKey] = t
	r.mu.Unlock()
	return nil
}

// Get returns the threshold for metricKey or nil.
func (r *Registry) Get(metricKey string) *Threshold {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.thresholds[NormalizeKey(metricKey)]
	if !ok {
		return nil
	}
	return &t
}

// Delete removes the threshold for metricKey.
func (r *Registry) Delete(metricKey string) {
	r.mu.Lock()
	delete(r.thresholds, NormalizeKey(metricKey))
	r.mu.Unlock()
}

// All returns a copy of the table.
func (r *Registry) All() map[string]Threshold {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Threshold, len(r.thresholds))
	for k, v := range r.thresholds {
		out[k] = v
	}
	return out
}

// Keys returns the configured metric keys sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.thresholds))
	for k := range r.thresholds {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
