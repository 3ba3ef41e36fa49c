package snapshot

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordKeepsLatestValueAndTrend(t *testing.T) {
	store := NewStore(Options{Now: fixedNow(time.Unix(1000, 0))})

	values := []float64{100, 150, 75, 75, 0, 10}
	var prev float64
	for i, v := range values {
		snap := store.Record("u1", "cpu", v, nil)
		got, ok := store.Get("u1", "cpu")
		require.True(t, ok)
		assert.Equal(t, v, got.Value)
		if i == 0 {
			assert.Zero(t, snap.Trend)
		} else {
			assert.Equal(t, PercentChange(prev, v), snap.Trend)
		}
		assert.Equal(t, snap, got)
		prev = v
	}
}

func TestPercentChange(t *testing.T) {
	assert.Equal(t, 50.0, PercentChange(100, 150))
	assert.Equal(t, -50.0, PercentChange(100, 50))
	assert.Equal(t, 200.0, PercentChange(-10, 10))
	assert.Zero(t, PercentChange(0, 10))
}

func TestGetMissingKey(t *testing.T) {
	store := NewStore(Options{})
	_, ok := store.Get("nobody", "cpu")
	assert.False(t, ok)
}

func TestHistoryIsBounded(t *testing.T) {
	store := NewStore(Options{HistoryWindow: 3})
	for i := 0; i < 10; i++ {
		store.Record("u1", "latency", float64(i), nil)
	}
	hist := store.History("u1", "latency")
	require.Len(t, hist, 3)
	assert.Equal(t, []float64{7, 8, 9}, []float64{hist[0].Value, hist[1].Value, hist[2].Value})
}

func TestMetadataIsCopied(t *testing.T) {
	store := NewStore(Options{})
	meta := map[string]any{"region": "eu"}
	store.Record("u1", "cpu", 1, meta)
	meta["region"] = "us"

	got, ok := store.Get("u1", "cpu")
	require.True(t, ok)
	assert.Equal(t, "eu", got.Metadata["region"])
}

func TestIsStale(t *testing.T) {
	base := time.Unix(0, 0)
	snap := Snapshot{Timestamp: base}
	assert.False(t, IsStale(snap, time.Minute, base.Add(time.Minute)))
	assert.True(t, IsStale(snap, time.Minute, base.Add(time.Minute+time.Nanosecond)))
	assert.False(t, IsStale(snap, 0, base.Add(time.Hour)))
}

func TestEntityAndAllAreSorted(t *testing.T) {
	store := NewStore(Options{Shards: 4})
	store.Record("b", "mem", 1, nil)
	store.Record("a", "mem", 1, nil)
	store.Record("a", "cpu", 1, nil)

	ent := store.Entity("a")
	require.Len(t, ent, 2)
	assert.Equal(t, "cpu", ent[0].Metric)

	all := store.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].EntityID)
	assert.Equal(t, "b", all[2].EntityID)

	store.Delete("a")
	assert.Equal(t, 1, store.Len())
	store.Clear()
	assert.Zero(t, store.Len())
}

func TestConcurrentWritersKeepHistoryConsistent(t *testing.T) {
	store := NewStore(Options{HistoryWindow: 1000})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				store.Record("shared", "cpu", float64(i), nil)
				store.Record(fmt.Sprintf("own-%d", w), "cpu", float64(i), nil)
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, store.History("shared", "cpu"), 800)
	assert.Equal(t, 9, store.Len())
}
