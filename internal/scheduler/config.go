package scheduler

import (
	"time"

	"github.com/smallbiznis/signflow/internal/config"
)

const (
	JobAutoPayRemainingBalance = "autopay_remaining_balance"
	JobPendingPaymentSweep     = "pending_payment_sweep"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	JobTimeout        time.Duration
	BatchSize         int
	PendingSweepAfter time.Duration
	// EnabledJobs limits the run to the named jobs. Empty runs all of them.
	EnabledJobs []string
	// LockTTL bounds how long a crashed replica can hold a job lock.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       15 * time.Minute,
		JobTimeout:        2 * time.Minute,
		BatchSize:         50,
		PendingSweepAfter: 30 * time.Minute,
		LockTTL:           5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Scheduler.Interval,
		JobTimeout:        cfg.Scheduler.JobTimeout,
		BatchSize:         cfg.Scheduler.BatchSize,
		PendingSweepAfter: cfg.Scheduler.PendingSweepAfter,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PendingSweepAfter <= 0 {
		c.PendingSweepAfter = defaults.PendingSweepAfter
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.JobTimeout + time.Minute
	}
	return c
}
