package config

// Default limits match the Books API's published ceilings: 80 calls per
// rolling minute and 10000 calls per day, with 500 withheld for priority
// operations.
const (
	defaultTokensPerWindow  = 80
	defaultWindow           = "1m"
	defaultDailyLimit       = 10000
	defaultDailyReserve     = 500
	defaultLockStaleAfter   = "30m"
	defaultTimeout          = "45s"
	defaultPerPage          = 200
	defaultFullSyncEstimate = 400
	defaultBatchSize        = 20
	defaultItemDelay        = "1s"
	defaultMaxItemAttempts  = 3
	defaultSyncInterval     = "6h"
	defaultJobPollInterval  = "30s"
	defaultDatabasePath     = "ledgersync.db"
	defaultTokenPath        = "ledgersync-token.json"
)

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			Timeout:   defaultTimeout,
			TokenPath: defaultTokenPath,
		},
		Limits: LimitsConfig{
			TokensPerWindow: defaultTokensPerWindow,
			Window:          defaultWindow,
			DailyLimit:      defaultDailyLimit,
			DailyReserve:    defaultDailyReserve,
			LockStaleAfter:  defaultLockStaleAfter,
		},
		Sync: SyncConfig{
			PerPage:          defaultPerPage,
			FullSyncEstimate: defaultFullSyncEstimate,
		},
		Bulk: BulkConfig{
			BatchSize:       defaultBatchSize,
			ItemDelay:       defaultItemDelay,
			MaxItemAttempts: defaultMaxItemAttempts,
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath,
		},
		Serve: ServeConfig{
			SyncInterval:    defaultSyncInterval,
			JobPollInterval: defaultJobPollInterval,
		},
	}
}

// applyDefaults fills zero-valued fields after a partial TOML file loads.
func (c *Config) applyDefaults() {
	d := Default()

	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}

	if c.API.Timeout == "" {
		c.API.Timeout = d.API.Timeout
	}

	if c.API.TokenPath == "" {
		c.API.TokenPath = d.API.TokenPath
	}

	if c.Limits.TokensPerWindow == 0 {
		c.Limits.TokensPerWindow = d.Limits.TokensPerWindow
	}

	if c.Limits.Window == "" {
		c.Limits.Window = d.Limits.Window
	}

	if c.Limits.DailyLimit == 0 {
		c.Limits.DailyLimit = d.Limits.DailyLimit
	}

	if c.Limits.DailyReserve == 0 {
		c.Limits.DailyReserve = d.Limits.DailyReserve
	}

	if c.Limits.LockStaleAfter == "" {
		c.Limits.LockStaleAfter = d.Limits.LockStaleAfter
	}

	if c.Sync.PerPage == 0 {
		c.Sync.PerPage = d.Sync.PerPage
	}

	if c.Sync.FullSyncEstimate == 0 {
		c.Sync.FullSyncEstimate = d.Sync.FullSyncEstimate
	}

	if c.Bulk.BatchSize == 0 {
		c.Bulk.BatchSize = d.Bulk.BatchSize
	}

	if c.Bulk.ItemDelay == "" {
		c.Bulk.ItemDelay = d.Bulk.ItemDelay
	}

	if c.Bulk.MaxItemAttempts == 0 {
		c.Bulk.MaxItemAttempts = d.Bulk.MaxItemAttempts
	}

	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}

	if c.Serve.SyncInterval == "" {
		c.Serve.SyncInterval = d.Serve.SyncInterval
	}

	if c.Serve.JobPollInterval == "" {
		c.Serve.JobPollInterval = d.Serve.JobPollInterval
	}
}
