package scheduler

import (
	"time"

	"github.com/smallbiznis/obgateway/internal/config"
)

// Config controls scheduler intervals, batch sizes and retention windows.
type Config struct {
	Enabled             bool
	RunInterval         time.Duration
	BatchSize           int
	JobTimeout          time.Duration
	TokenRetention      time.Duration
	RequestLogRetention time.Duration
	EnabledJobs         []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		RunInterval:         time.Minute,
		BatchSize:           200,
		JobTimeout:          30 * time.Second,
		TokenRetention:      7 * 24 * time.Hour,
		RequestLogRetention: 30 * 24 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	return Config{
		Enabled:             sc.Enabled,
		RunInterval:         time.Duration(sc.IntervalSeconds) * time.Second,
		BatchSize:           sc.BatchSize,
		TokenRetention:      time.Duration(sc.TokenRetentionHours) * time.Hour,
		RequestLogRetention: time.Duration(sc.RequestLogRetentionHours) * time.Hour,
		EnabledJobs:         sc.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.TokenRetention <= 0 {
		c.TokenRetention = defaults.TokenRetention
	}
	if c.RequestLogRetention <= 0 {
		c.RequestLogRetention = defaults.RequestLogRetention
	}
	return c
}
