package ratelimit

import (
	"fmt"
	"time"
)

// Known external services.
const (
	Firecrawl = "firecrawl"
	GoogleCSE = "google_cse"
	Tavily    = "tavily"
)

// Config is the static per-service limit. The adaptive cap starts at
// MaxPerMinute and moves within [MinRate, MaxRate].
type Config struct {
	MaxPerMinute     int           `yaml:"max_per_minute" json:"max_per_minute"`
	MaxPerHour       int           `yaml:"max_per_hour,omitempty" json:"max_per_hour,omitempty"`
	BurstLimit       int           `yaml:"burst_limit,omitempty" json:"burst_limit,omitempty"`
	BurstWindow      time.Duration `yaml:"burst_window,omitempty" json:"burst_window,omitempty"`
	FastThreshold    time.Duration `yaml:"fast_threshold" json:"fast_threshold"`
	SlowThreshold    time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
	MinRate          int           `yaml:"min_rate" json:"min_rate"`
	MaxRate          int           `yaml:"max_rate" json:"max_rate"`
	AdjustmentFactor float64       `yaml:"adjustment_factor" json:"adjustment_factor"`
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	switch {
	case c.MaxPerMinute <= 0:
		return fmt.Errorf("max_per_minute must be positive")
	case c.MinRate <= 0 || c.MaxRate < c.MinRate:
		return fmt.Errorf("need 0 < min_rate <= max_rate, got %d..%d", c.MinRate, c.MaxRate)
	case c.MaxPerMinute < c.MinRate || c.MaxPerMinute > c.MaxRate:
		return fmt.Errorf("max_per_minute %d outside [%d, %d]", c.MaxPerMinute, c.MinRate, c.MaxRate)
	case c.AdjustmentFactor <= 0 || c.AdjustmentFactor >= 1:
		return fmt.Errorf("adjustment_factor must be in (0, 1)")
	case c.SlowThreshold < c.FastThreshold:
		return fmt.Errorf("slow_threshold below fast_threshold")
	case c.BurstLimit > 0 && c.BurstWindow < time.Second:
		return fmt.Errorf("burst_limit needs burst_window of at least 1s, got %s", c.BurstWindow)
	}
	return nil
}

// DefaultConfigs returns the limits for the three known services.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Firecrawl: {
			MaxPerMinute:     20,
			MaxPerHour:       500,
			BurstLimit:       5,
			BurstWindow:      10 * time.Second,
			FastThreshold:    2 * time.Second,
			SlowThreshold:    8 * time.Second,
			MinRate:          5,
			MaxRate:          40,
			AdjustmentFactor: 0.15,
		},
		GoogleCSE: {
			MaxPerMinute:     60,
			MaxPerHour:       3000,
			BurstLimit:       10,
			BurstWindow:      10 * time.Second,
			FastThreshold:    500 * time.Millisecond,
			SlowThreshold:    3 * time.Second,
			MinRate:          20,
			MaxRate:          100,
			AdjustmentFactor: 0.15,
		},
		Tavily: {
			MaxPerMinute:     60,
			MaxPerHour:       1000,
			BurstLimit:       10,
			BurstWindow:      10 * time.Second,
			FastThreshold:    time.Second,
			SlowThreshold:    5 * time.Second,
			MinRate:          10,
			MaxRate:          100,
			AdjustmentFactor: 0.15,
		},
	}
}
