// Package config implements TOML configuration loading, defaulting, and
// validation for ledgersync. Durations are written as strings ("1m", "45s")
// and parsed during validation, so every consumer downstream of a validated
// Config can use the typed accessors without error handling.
package config

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	LogLevel string         `toml:"log_level"`
	API      APIConfig      `toml:"api"`
	Limits   LimitsConfig   `toml:"limits"`
	Sync     SyncConfig     `toml:"sync"`
	Bulk     BulkConfig     `toml:"bulk"`
	Database DatabaseConfig `toml:"database"`
	Serve    ServeConfig    `toml:"serve"`
}

// APIConfig locates the Books API and the OAuth token endpoint.
// Client credentials live here; the refresh token lives in the token file.
type APIConfig struct {
	BaseURL      string `toml:"base_url"`
	TokenURL     string `toml:"token_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Timeout      string `toml:"timeout"`
	// TokenPath locates the saved OAuth token file written by login.
	TokenPath string `toml:"token_path"`
}

// LimitsConfig tunes the admission gate: the token bucket, the daily quota
// with its priority reserve, and the operation lock staleness timeout.
type LimitsConfig struct {
	TokensPerWindow int    `toml:"tokens_per_window"`
	Window          string `toml:"window"`
	DailyLimit      int    `toml:"daily_limit"`
	DailyReserve    int    `toml:"daily_reserve"`
	LockStaleAfter  string `toml:"lock_stale_after"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	PerPage int `toml:"per_page"`
	// FullSyncEstimate is the call budget checked by the pre-flight
	// quota test before a full sync starts.
	FullSyncEstimate int `toml:"full_sync_estimate"`
}

// BulkConfig tunes the bulk job processor. ItemDelay smooths load between
// items independently of the token bucket; values under one second are
// rejected by validation.
type BulkConfig struct {
	BatchSize       int    `toml:"batch_size"`
	ItemDelay       string `toml:"item_delay"`
	MaxItemAttempts int    `toml:"max_item_attempts"`
}

// DatabaseConfig locates the local sqlite database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ServeConfig tunes the daemon loops.
type ServeConfig struct {
	SyncInterval    string `toml:"sync_interval"`
	JobPollInterval string `toml:"job_poll_interval"`
}
