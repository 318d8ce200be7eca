// Package am loads harvest's configuration ("am" as in "I am configured as").
//
// Values cascade from built-in defaults through /etc/harvest/harvest.toml,
// ~/.harvest/harvest.toml and the nearest project harvest.toml, with HARVEST_*
// environment variables on top.
package am

// Config represents the harvest configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FetchConfig configures the orchestrator and its worker pool
type FetchConfig struct {
	Workers            int     `mapstructure:"workers"`              // Concurrent transfers shared by all jobs (default: 4)
	QueueSize          int     `mapstructure:"queue_size"`           // Admitted units waiting for a worker (0 = 2x workers)
	OverfetchFactor    float64 `mapstructure:"overfetch_factor"`     // Candidates asked of each source, relative to the target (default: 2.0)
	SearchConcurrency  int     `mapstructure:"search_concurrency"`   // Sources searched in parallel (default: 4)
	OutputDir          string  `mapstructure:"output_dir"`           // Root of <output>/<theme> directories
	StopTimeoutSeconds int     `mapstructure:"stop_timeout_seconds"` // Graceful shutdown budget (default: 30)
}

// BreakerConfig configures the per-source circuit breakers
type BreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`        // Consecutive failures that open a breaker (default: 5)
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds"` // Time open before trial calls (default: 60)
	HalfOpenMaxCalls       int `mapstructure:"half_open_max_calls"`      // Trial calls admitted while half-open (default: 3)
}

// RateLimitConfig holds the default window plus per-source overrides.
// Overrides win over a source's own hints, which win over the defaults.
type RateLimitConfig struct {
	MaxPerWindow  int                          `mapstructure:"max_per_window"`  // Requests per window (default: 60)
	WindowSeconds int                          `mapstructure:"window_seconds"`  // Sliding window length (default: 60)
	MinIntervalMS int                          `mapstructure:"min_interval_ms"` // Minimum spacing between requests (0 = none)
	Sources       map[string]SourceLimitConfig `mapstructure:"sources"`
}

// SourceLimitConfig overrides the window for one source. Zero fields fall back to the defaults.
type SourceLimitConfig struct {
	MaxPerWindow  int `mapstructure:"max_per_window"`
	WindowSeconds int `mapstructure:"window_seconds"`
	MinIntervalMS int `mapstructure:"min_interval_ms"`
}

// RetryConfig configures backoff between transfer attempts
type RetryConfig struct {
	BaseDelayMS           int `mapstructure:"base_delay_ms"`            // default: 1000
	MaxDelayMS            int `mapstructure:"max_delay_ms"`             // default: 30000
	MaxAttempts           int `mapstructure:"max_attempts"`             // default: 3
	MaxRateLimitDeferrals int `mapstructure:"max_rate_limit_deferrals"` // 429 cool-downs per unit before giving up (default: 5)
}

// TransferConfig configures streaming and checkpointing
type TransferConfig struct {
	CheckpointKB         int `mapstructure:"checkpoint_kb"`          // default: 256
	CheckpointIntervalMS int `mapstructure:"checkpoint_interval_ms"` // default: 2000
	MaxFileSizeMB        int `mapstructure:"max_file_size_mb"`       // 0 = no cap
	CancelGraceSeconds   int `mapstructure:"cancel_grace_seconds"`   // How long a blocked read may outlive cancellation (default: 5)
}

// HTTPConfig configures the outbound HTTP client
type HTTPConfig struct {
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"` // Connect + response header timeout (default: 30)
	UserAgent            string `mapstructure:"user_agent"`
	AllowPrivateNetworks bool   `mapstructure:"allow_private_networks"` // Permit LAN mirrors (default: false)
}

// SourcesConfig lists catalog files and directories registered at startup
type SourcesConfig struct {
	Catalogs []string `mapstructure:"catalogs"`
}

// LedgerConfig configures ledger retention
type LedgerConfig struct {
	RetentionDays int `mapstructure:"retention_days"` // Default age for `harvest ledger sweep` (0 = keep forever)
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// ConfigFileName is looked for at every level of the cascade.
const ConfigFileName = "harvest.toml"
