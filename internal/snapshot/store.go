// Package snapshot keeps the rolling per-entity metric state of a monitor.
package snapshot

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"metricwatch/internal/model"
)

const (
	defaultShards  = 32
	defaultHistory = 2
)

// Snapshot is the latest observed value for one (entity, metric).
type Snapshot struct {
	EntityID  string         `json:"entity_id"`
	Metric    string         `json:"metric"`
	Value     float64        `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Trend is the percent change against the previous snapshot for the same key.
	Trend float64 `json:"trend"`
}

// Key identifies one state record inside a monitor.
type Key struct {
	EntityID string
	Metric   string
}

// Options tune a Store.
type Options struct {
	// Shards is the number of independently locked partitions.
	Shards int
	// HistoryWindow bounds the samples retained per key, latest included.
	HistoryWindow int
	Now           func() time.Time
}

type entry struct {
	history []Snapshot // arrival order, last element is the current snapshot
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// Store holds snapshots sharded by entity id.
type Store struct {
	shards  []*shard
	history int
	now     func() time.Time
}

// NewStore constructs an empty Store.
func NewStore(opts Options) *Store {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	history := opts.HistoryWindow
	if history < defaultHistory {
		history = defaultHistory
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return &Store{shards: shards, history: history, now: now}
}

func (s *Store) shardFor(entityID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Record stores value as the current snapshot for the key, timestamped now.
func (s *Store) Record(entityID, metric string, value float64, metadata map[string]any) Snapshot {
	return s.RecordAt(entityID, metric, value, metadata, s.now())
}

// RecordAt stores value with an explicit observation time.
func (s *Store) RecordAt(entityID, metric string, value float64, metadata map[string]any, at time.Time) Snapshot {
	key := Key{EntityID: entityID, Metric: metric}
	sh := s.shardFor(entityID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{history: make([]Snapshot, 0, s.history)}
		sh.entries[key] = e
	}

	snap := Snapshot{
		EntityID:  entityID,
		Metric:    metric,
		Value:     value,
		Timestamp: at,
		Metadata:  model.CloneMetadata(metadata),
	}
	if n := len(e.history); n > 0 {
		snap.Trend = PercentChange(e.history[n-1].Value, value)
	}

	if len(e.history) == s.history {
		copy(e.history, e.history[1:])
		e.history = e.history[:len(e.history)-1]
	}
	e.history = append(e.history, snap)
	return snap
}

// Get returns the current snapshot for the key.
func (s *Store) Get(entityID, metric string) (Snapshot, bool) {
	sh := s.shardFor(entityID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[Key{EntityID: entityID, Metric: metric}]
	if !ok || len(e.history) == 0 {
		return Snapshot{}, false
	}
	return e.history[len(e.history)-1], true
}

// History returns the retained samples for the key, oldest first.
func (s *Store) History(entityID, metric string) []Snapshot {
	sh := s.shardFor(entityID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[Key{EntityID: entityID, Metric: metric}]
	if !ok {
		return nil
	}
	out := make([]Snapshot, len(e.history))
	copy(out, e.history)
	return out
}

// Entity returns the current snapshots of every metric recorded for the entity.
func (s *Store) Entity(entityID string) []Snapshot {
	sh := s.shardFor(entityID)
	sh.mu.RLock()
	out := make([]Snapshot, 0)
	for key, e := range sh.entries {
		if key.EntityID == entityID && len(e.history) > 0 {
			out = append(out, e.history[len(e.history)-1])
		}
	}
	sh.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// All returns the current snapshot of every key. Shards are visited one at a
// time so writers to other shards are never blocked by a sweep.
func (s *Store) All() []Snapshot {
	out := make([]Snapshot, 0)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if len(e.history) > 0 {
				out = append(out, e.history[len(e.history)-1])
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

// Len reports the number of keys held.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// Delete drops every key of the entity.
func (s *Store) Delete(entityID string) {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for key := range sh.entries {
		if key.EntityID == entityID {
			delete(sh.entries, key)
		}
	}
}

// Clear releases all state.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[Key]*entry)
		sh.mu.Unlock()
	}
}

// IsStale reports whether the snapshot is older than staleAfter at now.
func IsStale(snap Snapshot, staleAfter time.Duration, now time.Time) bool {
	if staleAfter <= 0 {
		return false
	}
	return now.Sub(snap.Timestamp) > staleAfter
}

var hundred = decimal.NewFromInt(100)

// PercentChange returns (current-previous)/|previous| * 100. A zero previous
// value has no defined percent change and yields zero.
func PercentChange(previous, current float64) float64 {
	prev := decimal.NewFromFloat(previous)
	if prev.IsZero() {
		return 0
	}
	change := decimal.NewFromFloat(current).Sub(prev).Div(prev.Abs()).Mul(hundred)
	return change.Round(6).InexactFloat64()
}
