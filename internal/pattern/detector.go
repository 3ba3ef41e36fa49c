// Package pattern accumulates qualifying events per entity so repeated
// failures and error clusters can be detected.
package pattern

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"metricwatch/internal/model"
)

const (
	defaultShards     = 32
	defaultMaxSamples = 50
)

// Event is one qualifying raw event.
type Event struct {
	At       time.Time      `json:"at"`
	Category string         `json:"category"`
	Metric   string         `json:"metric,omitempty"`
	Value    float64        `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Pattern is the accumulated state of one entity within its observation window.
type Pattern struct {
	EntityID     string    `json:"entity_id"`
	Count        int       `json:"count"`
	Samples      []Event   `json:"samples"`
	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`
	// Peak is the largest absolute value seen in the window.
	Peak float64 `json:"peak"`
	// Flagged is set once a repeated-failure alert was raised for this window.
	Flagged bool `json:"flagged"`
}

func (p Pattern) clone() Pattern {
	out := p
	out.Samples = make([]Event, len(p.Samples))
	copy(out.Samples, p.Samples)
	return out
}

// Options tune a Detector.
type Options struct {
	Shards     int
	MaxSamples int
	// Window resets a pattern when no event arrived for this long. Zero disables decay.
	Window time.Duration
	Now    func() time.Time
}

type shard struct {
	mu       sync.Mutex
	patterns map[string]*Pattern
}

// Detector owns the patterns of a single monitor.
type Detector struct {
	shards     []*shard
	maxSamples int
	window     time.Duration
	now        func() time.Time
}

// NewDetector constructs an empty Detector.
func NewDetector(opts Options) *Detector {
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	maxSamples := opts.MaxSamples
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{patterns: make(map[string]*Pattern)}
	}
	return &Detector{shards: shards, maxSamples: maxSamples, window: opts.Window, now: now}
}

func (d *Detector) shardFor(entityID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Observe appends ev to the entity's pattern and returns a copy of the result.
func (d *Detector) Observe(entityID string, ev Event) Pattern {
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	ev.Metadata = model.CloneMetadata(ev.Metadata)

	sh := d.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.patterns[entityID]
	if ok && d.window > 0 && ev.At.Sub(p.LastEventAt) > d.window {
		ok = false
	}
	if !ok {
		p = &Pattern{EntityID: entityID, FirstEventAt: ev.At, Samples: make([]Event, 0, 4)}
		sh.patterns[entityID] = p
	}

	p.Count++
	if ev.At.After(p.LastEventAt) {
		p.LastEventAt = ev.At
	}
	if ev.At.Before(p.FirstEventAt) {
		p.FirstEventAt = ev.At
	}
	if mag := math.Abs(ev.Value); mag > p.Peak {
		p.Peak = mag
	}
	d.appendSample(p, ev)

	return p.clone()
}

// appendSample keeps at most maxSamples events, evicting the oldest by time.
func (d *Detector) appendSample(p *Pattern, ev Event) {
	if len(p.Samples) < d.maxSamples {
		p.Samples = append(p.Samples, ev)
		return
	}
	oldest := 0
	for i := range p.Samples {
		if p.Samples[i].At.Before(p.Samples[oldest].At) {
			oldest = i
		}
	}
	if !ev.At.After(p.Samples[oldest].At) {
		return
	}
	copy(p.Samples[oldest:], p.Samples[oldest+1:])
	p.Samples[len(p.Samples)-1] = ev
}

// Get returns a copy of the entity's pattern.
func (d *Detector) Get(entityID string) (Pattern, bool) {
	sh := d.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.patterns[entityID]
	if !ok {
		return Pattern{}, false
	}
	return p.clone(), true
}

// Flag marks the pattern as alerted. It returns true only for the first call
// within the pattern's lifetime.
func (d *Detector) Flag(entityID string) bool {
	sh := d.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.patterns[entityID]
	if !ok || p.Flagged {
		return false
	}
	p.Flagged = true
	return true
}

// Reset clears the entity's pattern.
func (d *Detector) Reset(entityID string) {
	sh := d.shardFor(entityID)
	sh.mu.Lock()
	delete(sh.patterns, entityID)
	sh.mu.Unlock()
}

// Expire drops patterns idle for longer than the window and returns their entity ids.
func (d *Detector) Expire(now time.Time) []string {
	if d.window <= 0 {
		return nil
	}
	expired := make([]string, 0)
	for _, sh := range d.shards {
		sh.mu.Lock()
		for id, p := range sh.patterns {
			if now.Sub(p.LastEventAt) > d.window {
				delete(sh.patterns, id)
				expired = append(expired, id)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(expired)
	return expired
}

// Len reports how many entities hold a pattern.
func (d *Detector) Len() int {
	total := 0
	for _, sh := range d.shards {
		sh.mu.Lock()
		total += len(sh.patterns)
		sh.mu.Unlock()
	}
	return total
}

// Clear drops all patterns.
func (d *Detector) Clear() {
	for _, sh := range d.shards {
		sh.mu.Lock()
		sh.patterns = make(map[string]*Pattern)
		sh.mu.Unlock()
	}
}

// Detect reports whether the pattern reached thresholdCount events.
func Detect(p Pattern, thresholdCount int) bool {
	return thresholdCount > 0 && p.Count >= thresholdCount
}
