package scheduler

import (
	"time"

	"github.com/smallbiznis/receiptflow/internal/config"
)

// Config controls sweep cadence and per-job limits.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 10 * time.Minute,
		JobTimeout:  5 * time.Minute,
		LockTTL:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// the lease must outlive the job
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	return c
}

// ProvideConfig derives the sweep config from the recovery settings loaded at startup.
func ProvideConfig(cfg config.Config, holder *config.RecoveryConfigHolder) Config {
	recovery := holder.Get()
	return Config{
		RunInterval: recovery.SweepInterval,
		JobTimeout:  recovery.LockTTL,
		LockTTL:     recovery.LockTTL,
		EnabledJobs: cfg.SchedulerJobs,
	}.withDefaults()
}
