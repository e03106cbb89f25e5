package config

import (
	"fmt"
	"time"
)

// minItemDelay is the enforced floor for the bulk item delay.
const minItemDelay = time.Second

// Validate checks ranges and parses every duration field. A Config that
// passes Validate never fails in the typed accessors below.
func (c *Config) Validate() error {
	if c.Limits.TokensPerWindow <= 0 {
		return fmt.Errorf("config: limits.tokens_per_window must be positive, got %d", c.Limits.TokensPerWindow)
	}

	if _, err := parseDuration("limits.window", c.Limits.Window); err != nil {
		return err
	}

	if c.Limits.DailyLimit <= 0 {
		return fmt.Errorf("config: limits.daily_limit must be positive, got %d", c.Limits.DailyLimit)
	}

	if c.Limits.DailyReserve < 0 || c.Limits.DailyReserve >= c.Limits.DailyLimit {
		return fmt.Errorf("config: limits.daily_reserve %d must be in [0, daily_limit %d)",
			c.Limits.DailyReserve, c.Limits.DailyLimit)
	}

	if _, err := parseDuration("limits.lock_stale_after", c.Limits.LockStaleAfter); err != nil {
		return err
	}

	if _, err := parseDuration("api.timeout", c.API.Timeout); err != nil {
		return err
	}

	if c.Sync.PerPage <= 0 {
		return fmt.Errorf("config: sync.per_page must be positive, got %d", c.Sync.PerPage)
	}

	if c.Bulk.BatchSize <= 0 {
		return fmt.Errorf("config: bulk.batch_size must be positive, got %d", c.Bulk.BatchSize)
	}

	delay, err := parseDuration("bulk.item_delay", c.Bulk.ItemDelay)
	if err != nil {
		return err
	}

	if delay < minItemDelay {
		return fmt.Errorf("config: bulk.item_delay %s is below the %s minimum", c.Bulk.ItemDelay, minItemDelay)
	}

	if c.Bulk.MaxItemAttempts <= 0 {
		return fmt.Errorf("config: bulk.max_item_attempts must be positive, got %d", c.Bulk.MaxItemAttempts)
	}

	if _, err := parseDuration("serve.sync_interval", c.Serve.SyncInterval); err != nil {
		return err
	}

	if _, err := parseDuration("serve.job_poll_interval", c.Serve.JobPollInterval); err != nil {
		return err
	}

	return nil
}

// parseDuration wraps time.ParseDuration with the config key for context.
func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid duration %q: %w", key, value, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("config: %s: duration %q must be positive", key, value)
	}

	return d, nil
}

// Typed accessors. All assume Validate passed.

// WindowDuration returns the token bucket refill window.
func (c *Config) WindowDuration() time.Duration { return mustDuration(c.Limits.Window) }

// LockStaleAfter returns the operation lock staleness timeout.
func (c *Config) LockStaleAfter() time.Duration { return mustDuration(c.Limits.LockStaleAfter) }

// APITimeout returns the per-call HTTP timeout.
func (c *Config) APITimeout() time.Duration { return mustDuration(c.API.Timeout) }

// ItemDelay returns the between-items pacing delay for bulk jobs.
func (c *Config) ItemDelay() time.Duration { return mustDuration(c.Bulk.ItemDelay) }

// SyncInterval returns the daemon full-sync cadence.
func (c *Config) SyncInterval() time.Duration { return mustDuration(c.Serve.SyncInterval) }

// JobPollInterval returns the daemon bulk-job polling cadence.
func (c *Config) JobPollInterval() time.Duration { return mustDuration(c.Serve.JobPollInterval) }

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: accessor on unvalidated config: %v", err))
	}

	return d
}
