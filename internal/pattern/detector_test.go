package pattern

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestObserveCountsAndDetects(t *testing.T) {
	d := NewDetector(Options{Window: time.Hour})

	var p Pattern
	for i := 0; i < 5; i++ {
		p = d.Observe("U", Event{At: t0.Add(time.Duration(i) * time.Minute), Category: "card_declined", Value: float64(10 * (i + 1))})
		assert.Equal(t, i+1, p.Count)
		assert.Equal(t, i+1 >= 3, Detect(p, 3))
	}
	assert.Equal(t, t0.Add(4*time.Minute), p.LastEventAt)
	assert.Equal(t, t0, p.FirstEventAt)
	assert.Equal(t, 50.0, p.Peak)
	assert.Len(t, p.Samples, 5)

	stored, ok := d.Get("U")
	require.True(t, ok)
	assert.Equal(t, p, stored)
}

func TestDetectIgnoresNonPositiveThreshold(t *testing.T) {
	assert.False(t, Detect(Pattern{Count: 10}, 0))
}

func TestSamplesAreBoundedAndEvictOldest(t *testing.T) {
	d := NewDetector(Options{MaxSamples: 3})
	for i := 0; i < 6; i++ {
		d.Observe("U", Event{At: t0.Add(time.Duration(i) * time.Second), Value: float64(i)})
	}
	// an event older than everything retained is counted but not kept
	p := d.Observe("U", Event{At: t0.Add(-time.Hour), Value: 99})

	assert.Equal(t, 7, p.Count)
	require.Len(t, p.Samples, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{p.Samples[0].Value, p.Samples[1].Value, p.Samples[2].Value})
}

func TestWindowDecayStartsFreshPattern(t *testing.T) {
	d := NewDetector(Options{Window: 10 * time.Minute})
	d.Observe("U", Event{At: t0})
	d.Observe("U", Event{At: t0.Add(time.Minute)})
	require.True(t, d.Flag("U"))

	p := d.Observe("U", Event{At: t0.Add(20 * time.Minute)})
	assert.Equal(t, 1, p.Count)
	assert.False(t, p.Flagged)
}

func TestFlagOnlyOnce(t *testing.T) {
	d := NewDetector(Options{})
	assert.False(t, d.Flag("missing"))
	d.Observe("U", Event{At: t0})
	assert.True(t, d.Flag("U"))
	assert.False(t, d.Flag("U"))

	d.Reset("U")
	d.Observe("U", Event{At: t0})
	assert.True(t, d.Flag("U"))
}

func TestExpire(t *testing.T) {
	d := NewDetector(Options{Window: time.Minute})
	d.Observe("old", Event{At: t0})
	d.Observe("new", Event{At: t0.Add(5 * time.Minute)})

	assert.Equal(t, []string{"old"}, d.Expire(t0.Add(5*time.Minute)))
	assert.Equal(t, 1, d.Len())
	_, ok := d.Get("old")
	assert.False(t, ok)

	d.Clear()
	assert.Zero(t, d.Len())
}

func TestConcurrentObserveLosesNoIncrements(t *testing.T) {
	d := NewDetector(Options{MaxSamples: 10})
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				d.Observe("hot", Event{At: t0})
			}
		}()
	}
	wg.Wait()

	p, ok := d.Get("hot")
	require.True(t, ok)
	assert.Equal(t, 2000, p.Count)
	assert.Len(t, p.Samples, 10)
}

func TestGroupEventsIsDeterministic(t *testing.T) {
	events := []Event{
		{At: t0, Category: "timeout"},
		{At: t0.Add(time.Second), Category: "declined"},
		{At: t0.Add(2 * time.Second), Category: "timeout"},
		{At: t0.Add(3 * time.Second), Category: "declined"},
		{At: t0.Add(4 * time.Second), Category: "fraud"},
		{At: t0.Add(5 * time.Second), Category: "timeout"},
		{At: t0.Add(6 * time.Second)},
	}

	groups := GroupEvents(events, nil, 1)
	require.Len(t, groups, 2)
	assert.Equal(t, "timeout", groups[0].Category)
	assert.Equal(t, 3, groups[0].Count)
	assert.Equal(t, t0.Add(5*time.Second), groups[0].Latest.At)
	assert.Equal(t, "declined", groups[1].Category)

	all := GroupEvents(events, nil, 0)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"timeout", "declined", "fraud", "unknown"},
		[]string{all[0].Category, all[1].Category, all[2].Category, all[3].Category})

	assert.Equal(t, all, GroupEvents(events, ByCategory, -1))
}

func TestGroupEventsRequiresSizeAboveMinimum(t *testing.T) {
	events := []Event{
		{At: t0, Category: "timeout"},
		{At: t0.Add(time.Second), Category: "timeout"},
		{At: t0.Add(2 * time.Second), Category: "timeout"},
	}
	assert.Empty(t, GroupEvents(events, nil, 3), "a group equal to the minimum does not qualify")
	groups := GroupEvents(events, nil, 2)
	require.Len(t, groups, 1)
	assert.Equal(t, 3, groups[0].Count)
}
