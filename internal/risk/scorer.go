// Package risk derives a weighted risk score for an entity from its pattern
// state and its external alert history.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"metricwatch/internal/pattern"
)

// Score is a derived, recomputable risk indicator.
type Score struct {
	EntityID   string    `json:"entity_id"`
	Score      float64   `json:"score"`
	Level      Level     `json:"level"`
	Factors    []string  `json:"factors"`
	ComputedAt time.Time `json:"computed_at"`
}

// Weights balance the score components.
type Weights struct {
	Count     float64 `mapstructure:"count"`
	Frequency float64 `mapstructure:"frequency"`
	Magnitude float64 `mapstructure:"magnitude"`
}

// Config parameterises a Scorer.
type Config struct {
	Weights Weights `mapstructure:"weights"`
	// CountSaturation is the failure count at which the count component maxes out.
	CountSaturation float64 `mapstructure:"count_saturation"`
	// FrequencySaturation is the recency-weighted event mass at which the frequency component maxes out.
	FrequencySaturation float64 `mapstructure:"frequency_saturation"`
	// HalfLife halves the weight of an event every period of age.
	HalfLife time.Duration `mapstructure:"half_life"`
	// MagnitudeScale is the anomalous value at which the magnitude component maxes out.
	MagnitudeScale float64 `mapstructure:"magnitude_scale"`
	Levels         Levels  `mapstructure:",squash"`
}

// DefaultConfig returns the scorer defaults.
func DefaultConfig() Config {
	return Config{
		Weights:             Weights{Count: 0.5, Frequency: 0.3, Magnitude: 0.2},
		CountSaturation:     10,
		FrequencySaturation: 5,
		HalfLife:            15 * time.Minute,
		MagnitudeScale:      1000,
		Levels:              DefaultLevels(),
	}
}

// Validate rejects configurations that cannot produce a meaningful score.
func (c Config) Validate() error {
	w := c.Weights
	if w.Count < 0 || w.Frequency < 0 || w.Magnitude < 0 {
		return fmt.Errorf("risk weights cannot be negative")
	}
	if w.Count+w.Frequency+w.Magnitude == 0 {
		return fmt.Errorf("risk weights cannot all be zero")
	}
	if c.CountSaturation <= 0 || c.FrequencySaturation <= 0 || c.MagnitudeScale <= 0 {
		return fmt.Errorf("risk saturation and scale values must be positive")
	}
	if c.HalfLife <= 0 {
		return fmt.Errorf("risk half_life must be positive")
	}
	return c.Levels.Validate()
}

// History is what the durable store knows about an entity beyond the live window.
type History struct {
	PriorAlerts int `json:"prior_alerts"`
}

// Scorer computes scores. It holds no state; the same inputs give the same score.
type Scorer struct {
	cfg Config
}

// NewScorer validates cfg and builds a Scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score combines failure count, recency-weighted frequency and anomaly
// magnitude. Each component is non-decreasing in its input, so adding an
// event to p never lowers the result for a fixed at.
func (s *Scorer) Score(p pattern.Pattern, h History, at time.Time) Score {
	failures := p.Count + h.PriorAlerts
	countC := saturate(float64(failures), s.cfg.CountSaturation)

	freq := s.weightedFrequency(p.Samples, at)
	freqC := saturate(freq, s.cfg.FrequencySaturation)

	magC := saturate(p.Peak, s.cfg.MagnitudeScale)

	w := s.cfg.Weights
	raw := 100 * (w.Count*countC + w.Frequency*freqC + w.Magnitude*magC) / (w.Count + w.Frequency + w.Magnitude)
	score := decimal.NewFromFloat(raw).Round(2).InexactFloat64()

	factors := make([]string, 0, 3)
	if failures > 0 {
		if h.PriorAlerts > 0 {
			factors = append(factors, fmt.Sprintf("%d failures (%d from history)", failures, h.PriorAlerts))
		} else {
			factors = append(factors, fmt.Sprintf("%d failures in window", failures))
		}
	}
	if freq > 0 {
		factors = append(factors, fmt.Sprintf("recency-weighted frequency %.2f", freq))
	}
	if p.Peak > 0 {
		factors = append(factors, fmt.Sprintf("peak anomalous value %.2f", p.Peak))
	}

	return Score{
		EntityID:   p.EntityID,
		Score:      score,
		Level:      s.cfg.Levels.Classify(score),
		Factors:    factors,
		ComputedAt: at,
	}
}

func (s *Scorer) weightedFrequency(samples []pattern.Event, at time.Time) float64 {
	halfLife := s.cfg.HalfLife.Seconds()
	total := 0.0
	for _, ev := range samples {
		age := at.Sub(ev.At).Seconds()
		if age < 0 {
			age = 0
		}
		total += math.Pow(0.5, age/halfLife)
	}
	return total
}

func saturate(v, limit float64) float64 {
	if v <= 0 {
		return 0
	}
	if v >= limit {
		return 1
	}
	return v / limit
}
