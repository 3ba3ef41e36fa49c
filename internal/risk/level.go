package risk

import "fmt"

// Level is the conceptual per-entity risk state.
type Level string

const (
	LevelNormal   Level = "NORMAL"
	LevelWarning  Level = "WARNING"
	LevelHighRisk Level = "HIGH_RISK"
	LevelCritical Level = "CRITICAL"
)

// Rank orders levels from NORMAL (0) to CRITICAL (3).
func (l Level) Rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelHighRisk:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// Levels are the score boundaries of each state, inclusive.
type Levels struct {
	Warning  float64 `mapstructure:"warning"`
	High     float64 `mapstructure:"high"`
	Critical float64 `mapstructure:"critical"`
}

// DefaultLevels returns the stock boundaries.
func DefaultLevels() Levels {
	return Levels{Warning: 30, High: 60, Critical: 85}
}

// Validate requires strictly ordered positive boundaries.
func (l Levels) Validate() error {
	if l.Warning <= 0 || l.Warning >= l.High || l.High >= l.Critical {
		return fmt.Errorf("risk levels must satisfy 0 < warning < high < critical, got %.2f/%.2f/%.2f", l.Warning, l.High, l.Critical)
	}
	return nil
}

// Classify maps a score onto a Level.
func (l Levels) Classify(score float64) Level {
	switch {
	case score >= l.Critical:
		return LevelCritical
	case score >= l.High:
		return LevelHighRisk
	case score >= l.Warning:
		return LevelWarning
	}
	return LevelNormal
}
