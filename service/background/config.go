package background

import (
	"errors"
	"time"
)

// Config defines polling behaviour
type Config struct {
	// Interval between status checks of one task
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	// MaxAttempts bounds status checks; Interval*MaxAttempts is the wall-clock ceiling
	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts" mapstructure:"maxAttempts"`
	// Workers is the number of concurrent job consumers
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
	// RateLimit caps provider status checks per second across workers; zero disables it
	RateLimit float64 `yaml:"rateLimit" json:"rateLimit" mapstructure:"rateLimit"`
	Burst     int     `yaml:"burst" json:"burst" mapstructure:"burst"`
	// AwaitInterval is how often Await re-reads the session store
	AwaitInterval time.Duration `yaml:"awaitInterval" json:"awaitInterval" mapstructure:"awaitInterval"`
	// IdleInterval is the pause after an empty or failed consume
	IdleInterval time.Duration `yaml:"idleInterval" json:"idleInterval" mapstructure:"idleInterval"`
	// Resume re-enqueues stored running sessions when workers start
	Resume bool `yaml:"resume" json:"resume" mapstructure:"resume"`
	// CancelSuperseded cancels a still-running orphan task and fails its session
	// before resubmission; when false the orphan is left running untouched
	CancelSuperseded bool `yaml:"cancelSuperseded" json:"cancelSuperseded" mapstructure:"cancelSuperseded"`
}

// DefaultConfig returns a 30s x 60 polling configuration
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		MaxAttempts:   60,
		Workers:       4,
		RateLimit:     10,
		Burst:         1,
		AwaitInterval: time.Second,
		IdleInterval:  200 * time.Millisecond,
		Resume:        true,
	}
}

// Validate checks configuration
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("poller interval must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("poller maxAttempts must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("poller workers must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("poller rateLimit cannot be negative")
	}
	return nil
}

func (c *Config) init() {
	defaults := DefaultConfig()
	if c.AwaitInterval <= 0 {
		c.AwaitInterval = defaults.AwaitInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = defaults.IdleInterval
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}
