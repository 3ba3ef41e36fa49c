package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricwatch/internal/pattern"
)

var base = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestEmptyPatternScoresZero(t *testing.T) {
	s := newScorer(t)
	got := s.Score(pattern.Pattern{EntityID: "U"}, History{}, base)
	assert.Zero(t, got.Score)
	assert.Empty(t, got.Factors)
	assert.Equal(t, LevelNormal, got.Level)
}

func TestScoreIsDeterministic(t *testing.T) {
	s := newScorer(t)
	d := pattern.NewDetector(pattern.Options{})
	var p pattern.Pattern
	for i := 0; i < 4; i++ {
		p = d.Observe("U", pattern.Event{At: base.Add(time.Duration(i) * time.Minute), Value: 120})
	}
	at := base.Add(10 * time.Minute)
	a := s.Score(p, History{PriorAlerts: 2}, at)
	b := s.Score(p, History{PriorAlerts: 2}, at)
	assert.Equal(t, a, b)
	assert.Equal(t, at, a.ComputedAt)
	assert.Equal(t, "U", a.EntityID)
	assert.Len(t, a.Factors, 3)
	assert.Contains(t, a.Factors[0], "from history")
}

func TestScoreIsMonotonicInFailures(t *testing.T) {
	s := newScorer(t)
	rng := rand.New(rand.NewSource(42))
	d := pattern.NewDetector(pattern.Options{MaxSamples: 8})
	at := base.Add(24 * time.Hour)

	prev := 0.0
	for i := 0; i < 200; i++ {
		ev := pattern.Event{
			At:    base.Add(time.Duration(rng.Intn(86400)) * time.Second),
			Value: rng.Float64() * 2000,
		}
		p := d.Observe("U", ev)
		got := s.Score(p, History{}, at)
		require.GreaterOrEqual(t, got.Score, prev, "event %d", i)
		if got.Score > 0 {
			require.NotEmpty(t, got.Factors)
		}
		prev = got.Score
	}
}

func TestScoreIsMonotonicInHistory(t *testing.T) {
	s := newScorer(t)
	p := pattern.Pattern{EntityID: "U", Count: 1}
	prev := -1.0
	for prior := 0; prior < 20; prior++ {
		got := s.Score(p, History{PriorAlerts: prior}, base)
		assert.GreaterOrEqual(t, got.Score, prev)
		prev = got.Score
	}
}

func TestSaturatedPatternIsCritical(t *testing.T) {
	s := newScorer(t)
	d := pattern.NewDetector(pattern.Options{})
	var p pattern.Pattern
	for i := 0; i < 20; i++ {
		p = d.Observe("U", pattern.Event{At: base, Value: 5000})
	}
	got := s.Score(p, History{}, base)
	assert.Equal(t, 100.0, got.Score)
	assert.Equal(t, LevelCritical, got.Level)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{}
	_, err := NewScorer(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.HalfLife = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Levels = Levels{Warning: 50, High: 40, Critical: 90}
	assert.Error(t, cfg.Validate())
}

func TestLevelsClassify(t *testing.T) {
	l := DefaultLevels()
	assert.Equal(t, LevelNormal, l.Classify(29.99))
	assert.Equal(t, LevelWarning, l.Classify(30))
	assert.Equal(t, LevelHighRisk, l.Classify(60))
	assert.Equal(t, LevelCritical, l.Classify(85))
	assert.Less(t, LevelWarning.Rank(), LevelHighRisk.Rank())
}

func TestHistoryCache(t *testing.T) {
	c := NewHistoryCache()
	assert.Zero(t, c.Get("U"))
	c.Set("U", History{PriorAlerts: 3})
	assert.Equal(t, 3, c.Get("U").PriorAlerts)

	c.Replace(map[string]History{"V": {PriorAlerts: 1}})
	assert.Zero(t, c.Get("U"))
	assert.Equal(t, 1, c.Len())
}
