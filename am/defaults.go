package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/harvest/internal/httpclient"
	"github.com/teranos/harvest/internal/util"
	"github.com/teranos/harvest/pulse/async"
	"github.com/teranos/harvest/pulse/breaker"
	"github.com/teranos/harvest/pulse/ratelimit"
	"github.com/teranos/harvest/pulse/retry"
	"github.com/teranos/harvest/transfer"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "harvest.db")

	// Fetch (orchestrator) defaults
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.queue_size", 0)
	v.SetDefault("fetch.overfetch_factor", 2.0)
	v.SetDefault("fetch.search_concurrency", 4)
	v.SetDefault("fetch.output_dir", "downloads")
	v.SetDefault("fetch.stop_timeout_seconds", 30)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout_seconds", 60)
	v.SetDefault("breaker.half_open_max_calls", 3)

	// Rate limit defaults
	v.SetDefault("rate_limit.max_per_window", 60)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.min_interval_ms", 0)

	// Retry defaults
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.max_rate_limit_deferrals", 5)

	// Transfer defaults
	v.SetDefault("transfer.checkpoint_kb", 256)
	v.SetDefault("transfer.checkpoint_interval_ms", 2000)
	v.SetDefault("transfer.max_file_size_mb", 0)
	v.SetDefault("transfer.cancel_grace_seconds", 5)

	// HTTP defaults
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "harvest/1")
	v.SetDefault("http.allow_private_networks", false)

	v.SetDefault("sources.catalogs", []string{"catalogs"})
	v.SetDefault("ledger.retention_days", 0)
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly set per deployment
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "HARVEST_DATABASE_PATH")
	v.BindEnv("fetch.output_dir", "HARVEST_OUTPUT_DIR")
	v.BindEnv("http.allow_private_networks", "HARVEST_ALLOW_PRIVATE_NETWORKS")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "harvest.db" // Fallback default
	}
	return c.Database.Path
}

// BreakerSettings converts the breaker section. Zero fields take breaker defaults.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		RecoveryTimeout:  seconds(c.Breaker.RecoveryTimeoutSeconds),
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// RateLimitDefaults returns the window applied to sources without overrides or hints.
func (c *Config) RateLimitDefaults() ratelimit.Limits {
	return ratelimit.Limits{
		MaxPerWindow: c.RateLimit.MaxPerWindow,
		Window:       seconds(c.RateLimit.WindowSeconds),
		MinInterval:  millis(c.RateLimit.MinIntervalMS),
	}
}

// RateLimitOverrides returns per-source limits. Zero fields inherit the defaults.
func (c *Config) RateLimitOverrides() map[string]ratelimit.Limits {
	if len(c.RateLimit.Sources) == 0 {
		return nil
	}
	d := c.RateLimitDefaults()
	out := make(map[string]ratelimit.Limits, len(c.RateLimit.Sources))
	for name, s := range c.RateLimit.Sources {
		l := d
		if s.MaxPerWindow > 0 {
			l.MaxPerWindow = s.MaxPerWindow
		}
		if s.WindowSeconds > 0 {
			l.Window = seconds(s.WindowSeconds)
		}
		if s.MinIntervalMS > 0 {
			l.MinInterval = millis(s.MinIntervalMS)
		}
		out[name] = l
	}
	return out
}

// RetryPolicy builds the transfer retry policy.
func (c *Config) RetryPolicy() *retry.Policy {
	return retry.NewPolicy(
		millis(c.Retry.BaseDelayMS),
		millis(c.Retry.MaxDelayMS),
		c.Retry.MaxAttempts,
		c.Retry.MaxRateLimitDeferrals,
	)
}

// TransferSettings converts the transfer section.
func (c *Config) TransferSettings() transfer.Config {
	return transfer.Config{
		CheckpointBytes:    int64(c.Transfer.CheckpointKB) << 10,
		CheckpointInterval: millis(c.Transfer.CheckpointIntervalMS),
		MaxBytes:           int64(c.Transfer.MaxFileSizeMB) << 20,
		CancelGrace:        seconds(c.Transfer.CancelGraceSeconds),
	}
}

// OrchestratorSettings converts the fetch section.
func (c *Config) OrchestratorSettings() async.Config {
	return async.Config{
		Pool: async.WorkerPoolConfig{
			Workers:   c.Fetch.Workers,
			QueueSize: c.Fetch.QueueSize,
		},
		OverfetchFactor:   c.Fetch.OverfetchFactor,
		SearchConcurrency: c.Fetch.SearchConcurrency,
		OutputDir:         c.Fetch.OutputDir,
		StopTimeout:       seconds(c.Fetch.StopTimeoutSeconds),
	}
}

// HTTPClient builds the SSRF-safe client used for every transfer.
func (c *Config) HTTPClient() *httpclient.SaferClient {
	timeout := seconds(c.HTTP.TimeoutSeconds)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpclient.NewSaferClientWithOptions(timeout, httpclient.SaferClientOptions{
		UserAgent:      c.HTTP.UserAgent,
		BlockPrivateIP: util.Ptr(!c.HTTP.AllowPrivateNetworks),
	})
}

// LedgerRetention returns the sweep age, 0 when entries are kept forever.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Fetch: {Workers: %d, OutputDir: %s}, Sources: %v}",
		c.Database.Path, c.Fetch.Workers, c.Fetch.OutputDir, c.Sources.Catalogs)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
