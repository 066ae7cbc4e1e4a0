package structure

import "time"

const (
	DefaultStrength      = 2
	DefaultSustainWindow = 10
	DefaultSetupWindow   = 50
	DefaultMaxLevels     = 500
)

// Config holds the tunables of one pipeline.
type Config struct {
	// Strength is the number of candles on each side a swing must beat.
	Strength int `json:"strength" yaml:"strength"`

	// SustainWindow bounds how many candles after a confirming close are
	// searched for a close further beyond it.
	SustainWindow int `json:"sustain_window" yaml:"sustain_window"`

	// SetupWindow bounds the post-break pullback search.
	SetupWindow int `json:"setup_window" yaml:"setup_window"`

	// MaxLevels caps the level store; the oldest levels are evicted first.
	MaxLevels int `json:"max_levels" yaml:"max_levels"`

	// MaxAge evicts levels older than this, measured in candle time against
	// the creation time of the level being inserted. Zero disables it.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Strength:      DefaultStrength,
		SustainWindow: DefaultSustainWindow,
		SetupWindow:   DefaultSetupWindow,
		MaxLevels:     DefaultMaxLevels,
	}
}

// Normalize clamps invalid values to safe ones instead of failing.
// A non-positive strength becomes 1.
func (c Config) Normalize() Config {
	if c.Strength < 1 {
		c.Strength = 1
	}
	if c.SustainWindow <= 0 {
		c.SustainWindow = DefaultSustainWindow
	}
	if c.SetupWindow <= 0 {
		c.SetupWindow = DefaultSetupWindow
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = DefaultMaxLevels
	}
	if c.MaxAge < 0 {
		c.MaxAge = 0
	}
	return c
}

// MinCandles is the smallest sequence length that can hold a swing.
func (c Config) MinCandles() int {
	return 2*c.Normalize().Strength + 1
}

func (c Config) maxAgeSeconds() int64 {
	return int64(c.MaxAge / time.Second)
}
