package metering

import "time"

// Config contains engine configuration.
type Config struct {
	PollInterval            time.Duration         `json:"poll_interval" yaml:"poll_interval"`
	DefaultMaxRetries       int                   `json:"default_max_retries" yaml:"default_max_retries"`
	DefaultReservationTTL   time.Duration         `json:"default_reservation_ttl" yaml:"default_reservation_ttl"`
	DefaultExecutionTimeout time.Duration         `json:"default_execution_timeout" yaml:"default_execution_timeout"`
	RecentTasksLimit        int                   `json:"recent_tasks_limit" yaml:"recent_tasks_limit"`
	SummaryCacheTTL         time.Duration         `json:"summary_cache_ttl" yaml:"summary_cache_ttl"`
	Vocabularies            map[string]Vocabulary `json:"vocabularies" yaml:"vocabularies"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:            10 * time.Second,
		DefaultMaxRetries:       5,
		DefaultReservationTTL:   15 * time.Minute,
		DefaultExecutionTimeout: 2 * time.Hour,
		RecentTasksLimit:        20,
		SummaryCacheTTL:         30 * time.Second,
	}
}

// SchedulerConfig contains retry/expiry scheduler configuration.
type SchedulerConfig struct {
	RetrySweepInterval     time.Duration `json:"retry_sweep_interval" yaml:"retry_sweep_interval"`
	ExpirySweepInterval    time.Duration `json:"expiry_sweep_interval" yaml:"expiry_sweep_interval"`
	ReconciliationInterval time.Duration `json:"reconciliation_interval" yaml:"reconciliation_interval"`
	ReconciliationWindow   time.Duration `json:"reconciliation_window" yaml:"reconciliation_window"`
	ReconciliationMinAge   time.Duration `json:"reconciliation_min_age" yaml:"reconciliation_min_age"`
	BatchSize              int           `json:"batch_size" yaml:"batch_size"`
	PollConcurrency        int           `json:"poll_concurrency" yaml:"poll_concurrency"`
	PollTimeout            time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	BackoffBase            time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax             time.Duration `json:"backoff_max" yaml:"backoff_max"`
	LockTTL                time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		RetrySweepInterval:     5 * time.Second,
		ExpirySweepInterval:    30 * time.Second,
		ReconciliationInterval: 10 * time.Minute,
		ReconciliationWindow:   24 * time.Hour,
		ReconciliationMinAge:   time.Hour,
		BatchSize:              100,
		PollConcurrency:        8,
		PollTimeout:            30 * time.Second,
		BackoffBase:            5 * time.Second,
		BackoffMax:             5 * time.Minute,
		LockTTL:                time.Minute,
	}
}

// Backoff returns the delay before retry attempt n (1-based): base * 2^(n-1), capped at max.
func (c *SchedulerConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.BackoffMax || delay <= 0 {
			return c.BackoffMax
		}
	}
	if delay > c.BackoffMax {
		return c.BackoffMax
	}
	return delay
}
